package lockstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwho/pyfileserver/webdav"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "locks.leveldb"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndLookup(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	token, err := s.Create(now, webdav.LockDetails{
		Root:     "/a",
		Duration: time.Minute,
		Scope:    webdav.LockScopeExclusive,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	details, ok := s.Lookup(now, token)
	require.True(t, ok)
	assert.Equal(t, "/a", details.Root)
	assert.Equal(t, webdav.LockScopeExclusive, details.Scope)
}

func TestCreateExclusiveConflict(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	_, err := s.Create(now, webdav.LockDetails{Root: "/a", Duration: time.Minute, Scope: webdav.LockScopeExclusive})
	require.NoError(t, err)

	_, err = s.Create(now, webdav.LockDetails{Root: "/a", Duration: time.Minute, Scope: webdav.LockScopeShared})
	assert.ErrorIs(t, err, webdav.ErrLocked)
}

func TestConfirmRequiresToken(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	token, err := s.Create(now, webdav.LockDetails{Root: "/a", Duration: time.Minute, Scope: webdav.LockScopeExclusive})
	require.NoError(t, err)

	_, err = s.Confirm(now, "/a", "")
	assert.ErrorIs(t, err, webdav.ErrConfirmationFailed)

	release, err := s.Confirm(now, "/a", "", webdav.Condition{Token: token})
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}

func TestUnlockReleasesURL(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	token, err := s.Create(now, webdav.LockDetails{Root: "/a", Duration: time.Minute, Scope: webdav.LockScopeExclusive})
	require.NoError(t, err)
	require.NoError(t, s.Unlock(now, token))

	_, ok := s.Lookup(now, token)
	assert.False(t, ok)
	assert.Empty(t, s.TokensForURL(now, "/a"))
}

func TestUnlockUnknownToken(t *testing.T) {
	s := newTestStore(t)
	err := s.Unlock(time.Now(), "opaquelocktoken:does-not-exist")
	assert.ErrorIs(t, err, webdav.ErrNoSuchLock)
}

func TestRefreshExtendsDuration(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	token, err := s.Create(now, webdav.LockDetails{Root: "/a", Duration: time.Second})
	require.NoError(t, err)

	later := now.Add(10 * time.Second)
	_, err = s.Refresh(later, token, time.Minute)
	require.NoError(t, err)

	_, ok := s.Lookup(later.Add(30*time.Second), token)
	assert.True(t, ok)
}

func TestAddURLExtendsCoverage(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	token, err := s.Create(now, webdav.LockDetails{Root: "/dir", Duration: time.Minute})
	require.NoError(t, err)
	require.NoError(t, s.AddURL(token, "/dir/child"))

	assert.Contains(t, s.TokensForURL(now, "/dir/child"), token)
}

func TestTokensForURLByUser(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	token, err := s.Create(now, webdav.LockDetails{Root: "/a", Duration: time.Minute, Principal: "alice"})
	require.NoError(t, err)

	assert.Contains(t, s.TokensForURLByUser(now, "/a", "alice"), token)
	assert.NotContains(t, s.TokensForURLByUser(now, "/a", "bob"), token)
}
