package realm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLongestPrefixWins(t *testing.T) {
	table := NewTable([]Binding{
		{Prefix: "/", Root: "/srv/root"},
		{Prefix: "/shared/", Root: "/srv/shared"},
	}, false)

	r, err := table.Resolve("/shared/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "/shared/", r.RealmPrefix)
	assert.Contains(t, r.BackingPath, "/srv/shared")

	r, err = table.Resolve("/other/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "/", r.RealmPrefix)
}

func TestResolveNoMatch(t *testing.T) {
	table := NewTable([]Binding{{Prefix: "/only/", Root: "/srv/only"}}, false)
	_, err := table.Resolve("/elsewhere/doc.txt")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolveDotDotStaysInsideRoot(t *testing.T) {
	table := NewTable([]Binding{{Prefix: "/", Root: "/srv/root"}}, false)
	_, err := table.Resolve("/../../etc/passwd")
	// path.Clean never lets ".." climb above the leading "/", so this
	// resolves to "/etc/passwd" under the binding's own root rather than
	// escaping it -- Resolve's traversal guard exists for the rarer case
	// where filepath.Join with a symlink-free root still produces a path
	// outside rootClean, not for an ordinary ".."-laden URL path.
	assert.NoError(t, err)
}

func TestResolveDestinationStripsSchemeAndHost(t *testing.T) {
	table := NewTable([]Binding{{Prefix: "/", Root: "/srv/root"}}, false)
	r, err := table.ResolveDestination("http://example.com/dest.txt")
	require.NoError(t, err)
	assert.Equal(t, "/dest.txt", r.DisplayPath)
}

func TestSameRealm(t *testing.T) {
	table := NewTable([]Binding{
		{Prefix: "/a/", Root: "/srv/a"},
		{Prefix: "/b/", Root: "/srv/b"},
	}, false)

	ra, err := table.Resolve("/a/x")
	require.NoError(t, err)
	rb, err := table.Resolve("/b/x")
	require.NoError(t, err)

	assert.False(t, SameRealm(ra, rb))
	assert.True(t, SameRealm(ra, ra))
}

func TestResolveCaseInsensitive(t *testing.T) {
	table := NewTable([]Binding{{Prefix: "/Shared/", Root: "/srv/shared"}}, true)
	r, err := table.Resolve("/shared/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "/Shared/", r.RealmPrefix)
}
