package webdav

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCondEnv struct {
	etags  map[string]string
	tokens map[string]map[string]bool // token -> set of urls it covers
}

func (e fakeCondEnv) etag(r string) string { return e.etags[r] }

func (e fakeCondEnv) locked(r, token string) bool {
	return e.tokens[token][r]
}

func TestParseIfHeaderSimpleToken(t *testing.T) {
	ih, err := ParseIfHeader("(<opaquelocktoken:abc>)")
	require.NoError(t, err)
	require.Len(t, ih.Lists, 1)
	require.Len(t, ih.Lists[0].Conditions, 1)
	assert.Equal(t, "opaquelocktoken:abc", ih.Lists[0].Conditions[0].State)
}

func TestParseIfHeaderResourceTagged(t *testing.T) {
	ih, err := ParseIfHeader(`</r/a.txt> (<opaquelocktoken:abc>)`)
	require.NoError(t, err)
	require.Len(t, ih.Lists, 1)
	assert.Equal(t, "/r/a.txt", ih.Lists[0].Resource)
}

func TestParseIfHeaderNotAndETag(t *testing.T) {
	ih, err := ParseIfHeader(`(Not <opaquelocktoken:abc> ["etag1"])`)
	require.NoError(t, err)
	require.Len(t, ih.Lists[0].Conditions, 2)
	assert.True(t, ih.Lists[0].Conditions[0].Not)
	assert.Equal(t, "opaquelocktoken:abc", ih.Lists[0].Conditions[0].State)
	assert.Equal(t, "etag1", ih.Lists[0].Conditions[1].ETag)
}

func TestParseIfHeaderMultipleLists(t *testing.T) {
	ih, err := ParseIfHeader(`(<opaquelocktoken:a>) (<opaquelocktoken:b>)`)
	require.NoError(t, err)
	assert.Len(t, ih.Lists, 2)
}

func TestParseIfHeaderMalformed(t *testing.T) {
	_, err := ParseIfHeader(`(<opaquelocktoken:a>`)
	assert.Error(t, err)
}

func TestIfHeaderEvalNilPasses(t *testing.T) {
	var ih *IfHeader
	assert.True(t, ih.eval(fakeCondEnv{}, "/r/a"))
}

func TestIfHeaderEvalTokenMatch(t *testing.T) {
	ih, err := ParseIfHeader("(<opaquelocktoken:L1>)")
	require.NoError(t, err)
	env := fakeCondEnv{tokens: map[string]map[string]bool{
		"opaquelocktoken:L1": {"/r/a.txt": true},
	}}
	assert.True(t, ih.eval(env, "/r/a.txt"))
	assert.False(t, ih.eval(env, "/r/other.txt"))
}

func TestIfHeaderEvalNotNegates(t *testing.T) {
	ih, err := ParseIfHeader("(Not <opaquelocktoken:L1>)")
	require.NoError(t, err)
	env := fakeCondEnv{tokens: map[string]map[string]bool{
		"opaquelocktoken:L1": {"/r/a.txt": true},
	}}
	assert.False(t, ih.eval(env, "/r/a.txt"))
	assert.True(t, ih.eval(env, "/r/other.txt"))
}

func TestIfHeaderEvalDisjunctionOfLists(t *testing.T) {
	ih, err := ParseIfHeader(`(["bad-etag"]) (<opaquelocktoken:L1>)`)
	require.NoError(t, err)
	env := fakeCondEnv{
		etags: map[string]string{"/r/a.txt": "real-etag"},
		tokens: map[string]map[string]bool{
			"opaquelocktoken:L1": {"/r/a.txt": true},
		},
	}
	assert.True(t, ih.eval(env, "/r/a.txt"))
}

func TestIfHeaderAcceptedToken(t *testing.T) {
	ih, err := ParseIfHeader("(<opaquelocktoken:L1>)")
	require.NoError(t, err)
	tok, ok := ih.acceptedToken("/r/a.txt", []string{"opaquelocktoken:L1"})
	assert.True(t, ok)
	assert.Equal(t, "opaquelocktoken:L1", tok)
}

func TestIfHeaderAcceptedTokenNegatedDoesNotCount(t *testing.T) {
	ih, err := ParseIfHeader("(Not <opaquelocktoken:L1>)")
	require.NoError(t, err)
	_, ok := ih.acceptedToken("/r/a.txt", []string{"opaquelocktoken:L1"})
	assert.False(t, ok)
}

func TestIfHeaderAcceptedTokenWrongResourceTag(t *testing.T) {
	ih, err := ParseIfHeader(`</r/other.txt> (<opaquelocktoken:L1>)`)
	require.NoError(t, err)
	_, ok := ih.acceptedToken("/r/a.txt", []string{"opaquelocktoken:L1"})
	assert.False(t, ok)
}

func TestIfHeaderTokens(t *testing.T) {
	ih, err := ParseIfHeader(`(<opaquelocktoken:a> Not <opaquelocktoken:b>)`)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"opaquelocktoken:a", "opaquelocktoken:b"}, ih.Tokens())
}

// Scenario 2 from the spec: PUT then conditional GET with If-None-Match.
func TestCheckETagIfNoneMatchReturns304(t *testing.T) {
	h := http.Header{}
	h.Set("If-None-Match", `"T1"`)
	status := checkETag(h, true, true, "T1", time.Now())
	assert.Equal(t, http.StatusNotModified, status)
}

// Per RFC 7232 §3.2, 304 is only defined for safe methods: an If-None-Match
// match on an unsafe method (PUT, DELETE, COPY, MOVE) must fail the request
// with 412 instead of silently succeeding with a body-less 304.
func TestCheckETagIfNoneMatchUnsafeMethodReturns412(t *testing.T) {
	h := http.Header{}
	h.Set("If-None-Match", `"T1"`)
	status := checkETag(h, false, true, "T1", time.Now())
	assert.Equal(t, http.StatusPreconditionFailed, status)
}

func TestCheckETagIfMatchWildcard(t *testing.T) {
	h := http.Header{}
	h.Set("If-Match", "*")
	status := checkETag(h, true, true, "T1", time.Now())
	assert.Equal(t, 0, status)
}

func TestCheckETagIfMatchMissingResourceFails(t *testing.T) {
	h := http.Header{}
	h.Set("If-Match", `"T1"`)
	status := checkETag(h, true, false, "", time.Now())
	assert.Equal(t, http.StatusPreconditionFailed, status)
}

func TestCheckETagIfNoneMatchSuppressesModifiedSince(t *testing.T) {
	h := http.Header{}
	h.Set("If-None-Match", `"different"`)
	h.Set("If-Modified-Since", time.Now().Add(-time.Hour).Format(http.TimeFormat))
	status := checkETag(h, true, true, "T1", time.Now())
	assert.Equal(t, 0, status, "If-Modified-Since must be ignored once If-None-Match is present")
}

func TestCheckETagIfUnmodifiedSinceFails(t *testing.T) {
	h := http.Header{}
	past := time.Now().Add(-time.Hour)
	h.Set("If-Unmodified-Since", past.Format(http.TimeFormat))
	status := checkETag(h, true, true, "T1", time.Now())
	assert.Equal(t, http.StatusPreconditionFailed, status)
}

func TestCheckIfRangeNoHeaderPasses(t *testing.T) {
	assert.True(t, checkIfRange(http.Header{}, "T1", time.Now()))
}

func TestCheckIfRangeETagMismatch(t *testing.T) {
	h := http.Header{}
	h.Set("If-Range", `"other"`)
	assert.False(t, checkIfRange(h, "T1", time.Now()))
}
