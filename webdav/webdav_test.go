package webdav_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwho/pyfileserver/internal/fsresource"
	"github.com/cwho/pyfileserver/internal/lockstore"
	"github.com/cwho/pyfileserver/internal/propstore"
	"github.com/cwho/pyfileserver/webdav"
)

func newTestHandler(t *testing.T) (*webdav.Handler, string) {
	t.Helper()
	root := t.TempDir()
	ls := lockstore.New(filepath.Join(t.TempDir(), "locks.leveldb"))
	ps := propstore.New(filepath.Join(t.TempDir(), "props.leveldb"))
	t.Cleanup(func() {
		_ = ls.Close()
		_ = ps.Close()
	})
	return &webdav.Handler{
		Prefix:             "/r",
		FileSystem:         fsresource.Driver{Root: root},
		LockSystem:         ls,
		Properties:         ps,
		DefaultLockTimeout: time.Minute,
	}, root
}

func do(h *webdav.Handler, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// Scenario 1: PUT then GET.
func TestScenarioPutThenGet(t *testing.T) {
	h, _ := newTestHandler(t)

	put := do(h, http.MethodPut, "/r/a.txt", "abc", map[string]string{"Content-Length": "3"})
	require.Equal(t, http.StatusCreated, put.Code)
	etag := put.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	get := do(h, http.MethodGet, "/r/a.txt", "", nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, "abc", get.Body.String())
	assert.Equal(t, etag, get.Header().Get("ETag"))
}

// Scenario 2: conditional GET with If-None-Match returns 304 with an empty
// body once the ETag from scenario 1 is known.
func TestScenarioConditionalGetNotModified(t *testing.T) {
	h, _ := newTestHandler(t)
	put := do(h, http.MethodPut, "/r/a.txt", "abc", map[string]string{"Content-Length": "3"})
	require.Equal(t, http.StatusCreated, put.Code)
	etag := put.Header().Get("ETag")

	get := do(h, http.MethodGet, "/r/a.txt", "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, get.Code)
	assert.Empty(t, get.Body.String())
}

// Scenario 3: Range request against a 10-byte file; only the first
// (post-coalescing) range is honored.
func TestScenarioRangeRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	put := do(h, http.MethodPut, "/r/ten.txt", "0123456789", map[string]string{"Content-Length": "10"})
	require.Equal(t, http.StatusCreated, put.Code)

	get := do(h, http.MethodGet, "/r/ten.txt", "", map[string]string{"Range": "bytes=0-0,-1"})
	require.Equal(t, http.StatusPartialContent, get.Code)
	assert.Equal(t, "0", get.Body.String())
	assert.Equal(t, "bytes 0-0/10", get.Header().Get("Content-Range"))
}

// Scenario 4: an exclusive LOCK blocks a second client's unconditional PUT,
// but succeeds once the holder's If: header presents the token.
func TestScenarioExclusiveLockBlocksWrite(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusCreated,
		do(h, http.MethodPut, "/r/a.txt", "abc", map[string]string{"Content-Length": "3"}).Code)

	lockBody := `<?xml version="1.0"?><D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner><D:href>x</D:href></D:owner></D:lockinfo>`
	lockResp := do(h, "LOCK", "/r/a.txt", lockBody, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusOK, lockResp.Code)
	token := strings.Trim(lockResp.Header().Get("Lock-Token"), "<>")
	require.NotEmpty(t, token)

	blocked := do(h, http.MethodPut, "/r/a.txt", "xyz", map[string]string{"Content-Length": "3"})
	assert.Equal(t, webdav.StatusLocked, blocked.Code)

	allowed := do(h, http.MethodPut, "/r/a.txt", "xyz", map[string]string{
		"Content-Length": "3",
		"If":             "(<" + token + ">)",
	})
	assert.Equal(t, http.StatusOK, allowed.Code)
}

// Scenario 5: COPY with Overwrite: F onto an existing destination fails
// with 412.
func TestScenarioCopyOverwriteFalsePrecondition(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, http.MethodPut, "/r/x", "one", map[string]string{"Content-Length": "3"}).Code)
	require.Equal(t, http.StatusCreated, do(h, http.MethodPut, "/r/y", "two", map[string]string{"Content-Length": "3"}).Code)

	resp := do(h, "COPY", "/r/x", "", map[string]string{
		"Destination": "/r/y",
		"Overwrite":   "F",
	})
	assert.Equal(t, http.StatusPreconditionFailed, resp.Code)
}

// Round-trip: a PROPPATCH set of a custom property followed by PROPFIND
// returns the value byte-for-byte.
func TestProppatchThenPropfindRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, http.MethodPut, "/r/a.txt", "abc", map[string]string{"Content-Length": "3"}).Code)

	patchBody := `<?xml version="1.0"?><D:propertyupdate xmlns:D="DAV:" xmlns:x="http://example.com/ns"><D:set><D:prop><x:color>blue</x:color></D:prop></D:set></D:propertyupdate>`
	patch := do(h, "PROPPATCH", "/r/a.txt", patchBody, nil)
	require.Equal(t, webdav.StatusMulti, patch.Code)
	assert.Contains(t, patch.Body.String(), "200")

	findBody := `<?xml version="1.0"?><D:propfind xmlns:D="DAV:" xmlns:x="http://example.com/ns"><D:prop><x:color/></D:prop></D:propfind>`
	find := do(h, "PROPFIND", "/r/a.txt", findBody, map[string]string{"Depth": "0"})
	require.Equal(t, webdav.StatusMulti, find.Code)
	assert.Contains(t, find.Body.String(), "blue")
}

// Idempotence: repeated UNLOCK of an already-released token returns 400,
// and repeated DELETE of the same URL returns 404 after the first success.
func TestIdempotenceUnlockAndDelete(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, http.MethodPut, "/r/a.txt", "abc", map[string]string{"Content-Length": "3"}).Code)

	lockBody := `<?xml version="1.0"?><D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner><D:href>x</D:href></D:owner></D:lockinfo>`
	lockResp := do(h, "LOCK", "/r/a.txt", lockBody, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusOK, lockResp.Code)
	token := strings.Trim(lockResp.Header().Get("Lock-Token"), "<>")

	unlock1 := do(h, "UNLOCK", "/r/a.txt", "", map[string]string{"Lock-Token": "<" + token + ">"})
	assert.Equal(t, http.StatusNoContent, unlock1.Code)

	unlock2 := do(h, "UNLOCK", "/r/a.txt", "", map[string]string{"Lock-Token": "<" + token + ">"})
	assert.Equal(t, http.StatusBadRequest, unlock2.Code)

	del1 := do(h, http.MethodDelete, "/r/a.txt", "", nil)
	assert.Equal(t, http.StatusNoContent, del1.Code)

	del2 := do(h, http.MethodDelete, "/r/a.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, del2.Code)
}

// MKCOL rejecting a request body, per §4.G.
func TestMkcolRejectsBody(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest("MKCOL", "/r/d", strings.NewReader("unexpected"))
	req.ContentLength = int64(len("unexpected"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestOptionsAdvertisesDAV(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := do(h, http.MethodOptions, "/r/", "", nil)
	assert.Equal(t, "1, 2", resp.Header().Get("DAV"))
}

// Scenario 6: a depth-infinity DELETE over a collection with one child
// locked by another presenter (no token in If:) reports a 207 Multi-Status
// with the locked child as 423 and the collection itself -- a hidden
// ancestor of the failed child -- as 424 Failed Dependency, while the
// unlocked sibling is still removed.
func TestScenarioDeleteCollectionPartialFailure(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "MKCOL", "/r/d", "", nil).Code)
	require.Equal(t, http.StatusCreated,
		do(h, http.MethodPut, "/r/d/locked.txt", "abc", map[string]string{"Content-Length": "3"}).Code)
	require.Equal(t, http.StatusCreated,
		do(h, http.MethodPut, "/r/d/free.txt", "xyz", map[string]string{"Content-Length": "3"}).Code)

	lockBody := `<?xml version="1.0"?><D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner><D:href>x</D:href></D:owner></D:lockinfo>`
	lockResp := do(h, "LOCK", "/r/d/locked.txt", lockBody, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusOK, lockResp.Code)

	del := do(h, http.MethodDelete, "/r/d", "", nil)
	require.Equal(t, webdav.StatusMulti, del.Code)
	body := del.Body.String()
	assert.Contains(t, body, "/r/d/locked.txt")
	assert.Contains(t, body, "423 Locked")
	assert.Contains(t, body, "/r/d/")
	assert.Contains(t, body, "424 Failed Dependency")

	get := do(h, http.MethodGet, "/r/d/free.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, get.Code)
}

// A depth-infinity LOCK over a collection whose child is already exclusively
// locked must not mint a token for the subtree; it reports a 207 with the
// conflicting child as 423 and the unlocked sibling/collection as 424 Failed
// Dependency, per §4.G's "verify that no conflicting lock exists ... for
// each resource in the depth expansion".
func TestScenarioLockCollectionDepthInfinityConflict(t *testing.T) {
	h, _ := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(h, "MKCOL", "/r/d", "", nil).Code)
	require.Equal(t, http.StatusCreated,
		do(h, http.MethodPut, "/r/d/locked.txt", "abc", map[string]string{"Content-Length": "3"}).Code)
	require.Equal(t, http.StatusCreated,
		do(h, http.MethodPut, "/r/d/free.txt", "xyz", map[string]string{"Content-Length": "3"}).Code)

	childLockBody := `<?xml version="1.0"?><D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner><D:href>x</D:href></D:owner></D:lockinfo>`
	childLock := do(h, "LOCK", "/r/d/locked.txt", childLockBody, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusOK, childLock.Code)

	collLockBody := `<?xml version="1.0"?><D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner><D:href>y</D:href></D:owner></D:lockinfo>`
	collLock := do(h, "LOCK", "/r/d", collLockBody, map[string]string{"Depth": "infinity"})
	require.Equal(t, webdav.StatusMulti, collLock.Code)
	assert.Empty(t, collLock.Header().Get("Lock-Token"))

	body := collLock.Body.String()
	assert.Contains(t, body, "/r/d/locked.txt")
	assert.Contains(t, body, "423 Locked")
	assert.Contains(t, body, "424 Failed Dependency")

	// The collection itself was never locked: a subsequent unconditional PUT
	// on the unlocked sibling still succeeds.
	put := do(h, http.MethodPut, "/r/d/free.txt", "new", map[string]string{"Content-Length": "3"})
	assert.Equal(t, http.StatusOK, put.Code)
}
