// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package webdav implements component G, the protocol engine: an
// http.Handler that dispatches the WebDAV method set against a FileSystem,
// a LockSystem and a PropertyStore. Its overall ServeHTTP shape -- strip
// the mount prefix, parse the request's depth/timeout/If-header context,
// evaluate the WebDAV If: header once up front, then switch on method -- is
// grounded on google-go-webdav/webdav.go, adapted to call through this
// package's own FileSystem/LockSystem/PropertyStore interfaces instead of
// that file's single monolithic WebDAV struct.
package webdav

import (
	"context"
	"encoding/xml"
	"fmt"
	"html/template"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cwho/pyfileserver/internal/realm"
)

// InfiniteDepth is the value parseDepth and the Handler's internal walks use
// for a Depth header of "infinity" (or an absent Depth header, which RFC
// 4918 treats the same way for PROPFIND).
const InfiniteDepth = -1

// InfiniteTimeout is the Duration LockDetails uses for a lock or a Timeout
// header value of "Infinite".
const InfiniteTimeout time.Duration = -1

// Handler implements component G over a FileSystem, a LockSystem and a
// PropertyStore. One Handler is mounted per realm binding (component D);
// Prefix is that realm's URL prefix, stripped before paths reach FileSystem
// so the resource abstraction never has to know which realm it is serving.
type Handler struct {
	// Prefix is the URL path prefix this Handler is mounted at. Requests
	// whose path does not begin with Prefix are rejected with 404, and
	// Destination headers that resolve outside Prefix are rejected as a
	// cross-realm COPY/MOVE, per the Destination-header Open Question
	// decision in DESIGN.md.
	Prefix string

	// Realm, if non-nil, is component D's binding table. When set, it
	// replaces the bare prefix-strip below as the authority for turning a
	// request path (or a Destination: header) into a resource path:
	// longest-prefix matching, the CaseInsensitive option, ".."-traversal
	// rejection and cross-realm Destination checks all then run for real,
	// per SPEC_FULL.md's "realm-resolve (D) -> authenticate (I) -> dispatch
	// (G)" control flow. Handler.Prefix must equal the RealmPrefix of the
	// binding this Handler serves; a request or Destination that resolves
	// to a different binding is rejected. Nil preserves the legacy bare
	// TrimPrefix behavior for callers (e.g. tests) that construct a Handler
	// standalone, outside a multi-realm deployment.
	Realm *realm.Table

	FileSystem FileSystem
	LockSystem LockSystem
	Properties PropertyStore

	// DefaultLockTimeout is used for a LOCK request that carries no
	// Timeout header at all (distinct from a Timeout header that names
	// "Infinite" explicitly).
	DefaultLockTimeout time.Duration

	// Logger, if non-nil, is called once per request with the method's
	// returned error (nil on success), mirroring google-go-webdav's Debug
	// logging hook but routed through zerolog in cmd/webdavd instead of
	// log.Printf.
	Logger func(*http.Request, error)
}

func (h *Handler) stripPrefix(p string) (string, int, error) {
	if h.Realm != nil {
		resolved, err := h.Realm.Resolve(p)
		if err != nil {
			if err == realm.ErrTraversal {
				return p, http.StatusBadRequest, err
			}
			return p, http.StatusNotFound, err
		}
		if resolved.RealmPrefix != h.Prefix {
			return p, http.StatusNotFound, realm.ErrNoMatch
		}
		return resolved.RelativePath, http.StatusOK, nil
	}
	if h.Prefix == "" {
		return p, http.StatusOK, nil
	}
	if r := strings.TrimPrefix(p, h.Prefix); len(r) < len(p) {
		if r == "" {
			r = "/"
		}
		return r, http.StatusOK, nil
	}
	return p, http.StatusNotFound, ErrPrefixMismatch
}

func (h *Handler) href(p string) string {
	if h.Prefix == "" || h.Prefix == "/" {
		return p
	}
	return path.Join(h.Prefix, p)
}

func (h *Handler) hrefFor(p string, isDir bool) string {
	hp := h.href(p)
	if isDir && !strings.HasSuffix(hp, "/") {
		hp += "/"
	}
	return hp
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.FileSystem == nil {
		h.writeError(w, r.URL.Path, http.StatusInternalServerError, ErrNoFileSystem)
		return
	}
	if h.LockSystem == nil {
		h.writeError(w, r.URL.Path, http.StatusInternalServerError, ErrNoLockSystem)
		return
	}

	reqPath, status, err := h.stripPrefix(r.URL.Path)
	if err != nil {
		h.writeError(w, reqPath, status, err)
		if h.Logger != nil {
			h.Logger(r, err)
		}
		return
	}
	reqPath = SlashClean(reqPath)

	ih, err := h.ifHeader(r)
	if err != nil {
		h.writeError(w, reqPath, httpCodeOf(err), err)
		if h.Logger != nil {
			h.Logger(r, err)
		}
		return
	}
	if ih != nil && len(ih.Lists) > 0 {
		env := dispatchEnv{h: h, ctx: r.Context(), now: time.Now()}
		if !ih.eval(env, reqPath) {
			h.writeError(w, reqPath, http.StatusPreconditionFailed, ErrorPreconditionFailed)
			if h.Logger != nil {
				h.Logger(r, ErrorPreconditionFailed)
			}
			return
		}
	}

	if r.Header.Get("Content-Range") != "" {
		h.writeError(w, reqPath, http.StatusNotImplemented, ErrorNotYetImplemented)
		if h.Logger != nil {
			h.Logger(r, ErrorNotYetImplemented)
		}
		return
	}

	switch r.Method {
	case http.MethodOptions:
		status, err = h.handleOptions(w, r, reqPath)
	case http.MethodGet:
		status, err = h.handleGetHead(w, r, reqPath, true)
	case http.MethodHead:
		status, err = h.handleGetHead(w, r, reqPath, false)
	case http.MethodPut:
		status, err = h.handlePut(w, r, reqPath, ih)
	case http.MethodDelete:
		status, err = h.handleDelete(w, r, reqPath, ih)
	case "MKCOL":
		status, err = h.handleMkcol(w, r, reqPath, ih)
	case "COPY":
		status, err = h.handleCopyMove(w, r, reqPath, ih, false)
	case "MOVE":
		status, err = h.handleCopyMove(w, r, reqPath, ih, true)
	case "PROPFIND":
		status, err = h.handlePropfind(w, r, reqPath)
	case "PROPPATCH":
		status, err = h.handleProppatch(w, r, reqPath, ih)
	case "LOCK":
		status, err = h.handleLock(w, r, reqPath, ih)
	case "UNLOCK":
		status, err = h.handleUnlock(w, r, reqPath)
	default:
		status, err = http.StatusNotImplemented, ErrUnsupportedMethod
	}

	if status != 0 {
		h.writeError(w, reqPath, status, err)
	}
	if h.Logger != nil {
		h.Logger(r, err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, reqPath string, status int, err error) {
	if status == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", h.allowHeader(context.Background(), reqPath))
	}
	http.Error(w, fmt.Sprintf("%d %s", status, statusText(status)), status)
}

// dispatchEnv adapts a Handler into the condEnv the If: header evaluator
// needs: an ETag lookup and a lock-token membership test, each scoped to a
// single resource path.
type dispatchEnv struct {
	h   *Handler
	ctx context.Context
	now time.Time
}

func (e dispatchEnv) etag(r string) string {
	fi, err := e.h.FileSystem.Stat(e.ctx, r)
	if err != nil {
		return ""
	}
	return ComputeETag(r, fi)
}

func (e dispatchEnv) locked(r, token string) bool {
	for _, t := range e.h.LockSystem.TokensForURL(e.now, r) {
		if t == token {
			return true
		}
	}
	return false
}

func (h *Handler) ifHeader(r *http.Request) (*IfHeader, error) {
	s := r.Header.Get("If")
	if s == "" {
		return nil, nil
	}
	ih, err := ParseIfHeader(s)
	if err != nil {
		return nil, ErrorBadIf.WithCause(err)
	}
	if err := ih.rewriteHosts(r.Host); err != nil {
		return nil, ErrorBadHost.WithCause(err)
	}
	return ih, nil
}

// ifConditions flattens every condition in every tagged list of ih into the
// flat slice LockSystem.Confirm expects. Confirm does not itself distinguish
// which tagged list a condition came from (mirroring golang.org/x/net/webdav's
// own Confirm contract); the tag-to-resource scoping in the If: grammar is
// still honored by the boolean ih.eval pass the dispatcher runs once per
// request for the generic ETag/token precondition check.
func ifConditions(ih *IfHeader) []Condition {
	if ih == nil {
		return nil
	}
	var out []Condition
	for _, l := range ih.Lists {
		for _, c := range l.Conditions {
			out = append(out, Condition{Not: c.Not, Token: c.State, ETag: c.ETag})
		}
	}
	return out
}

// confirmWrite claims the lock(s) covering name0 and name1 (either may be
// empty) for the duration of a mutation, failing with 423 Locked if the
// request's If header does not present a token for every lock directly
// indexed at either name. The caller must invoke the returned release func
// once the mutation (and any follow-up bookkeeping) is complete.
func (h *Handler) confirmWrite(now time.Time, ih *IfHeader, name0, name1 string) (func(), int, error) {
	release, err := h.LockSystem.Confirm(now, name0, name1, ifConditions(ih)...)
	if err != nil {
		if err == ErrConfirmationFailed {
			return nil, StatusLocked, ErrorLocked
		}
		return nil, http.StatusInternalServerError, err
	}
	return release, 0, nil
}

func parentOf(p string) string {
	return SlashClean(path.Dir(strings.TrimSuffix(p, "/")))
}

func contentType(p string) string {
	if ext := path.Ext(p); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

func parseDepth(r *http.Request) (int, error) {
	switch r.Header.Get("Depth") {
	case "0":
		return 0, nil
	case "1":
		return 1, nil
	case "", "infinity", "Infinity":
		return InfiniteDepth, nil
	}
	return 0, ErrInvalidDepth
}

func parseOverwrite(r *http.Request) bool {
	return r.Header.Get("Overwrite") != "F"
}

func parseTimeout(r *http.Request, def time.Duration) time.Duration {
	hdr := r.Header.Get("Timeout")
	if hdr == "" {
		return def
	}
	for _, part := range strings.Split(hdr, ",") {
		part = strings.TrimSpace(part)
		if part == "Infinite" {
			return InfiniteTimeout
		}
		if n, ok := strings.CutPrefix(part, "Second-"); ok {
			if v, err := strconv.Atoi(n); err == nil && v >= 0 {
				return time.Duration(v) * time.Second
			}
		}
	}
	return def
}

// extendLocks enrolls newPath into every (non-zero-depth) lock covering
// parentPath, implementing the "new members of a locked collection inherit
// the lock" rule: PUT, MKCOL, COPY and MOVE all call this after
// successfully creating a resource under a locked parent.
func (h *Handler) extendLocks(now time.Time, parentPath, newPath string) {
	for _, t := range h.LockSystem.TokensForURL(now, parentPath) {
		if d, ok := h.LockSystem.Lookup(now, t); ok && !d.ZeroDepth {
			_ = h.LockSystem.AddURL(t, newPath)
		}
	}
}

// --- OPTIONS --------------------------------------------------------------

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request, reqPath string) (int, error) {
	w.Header().Set("DAV", "1, 2")
	w.Header().Set("Allow", h.allowHeader(r.Context(), reqPath))
	w.Header().Set("MS-Author-Via", "DAV")
	return http.StatusOK, nil
}

func (h *Handler) allowHeader(ctx context.Context, reqPath string) string {
	fi, err := h.FileSystem.Stat(ctx, reqPath)
	switch {
	case err != nil:
		return "OPTIONS, MKCOL, PUT, LOCK"
	case fi.IsDir():
		return "OPTIONS, GET, HEAD, PROPFIND, PROPPATCH, COPY, MOVE, DELETE, LOCK, UNLOCK"
	default:
		return "OPTIONS, GET, HEAD, PUT, DELETE, PROPFIND, PROPPATCH, COPY, MOVE, LOCK, UNLOCK"
	}
}

// --- GET / HEAD -------------------------------------------------------------

func (h *Handler) handleGetHead(w http.ResponseWriter, r *http.Request, reqPath string, sendBody bool) (int, error) {
	ctx := r.Context()
	fi, err := h.FileSystem.Stat(ctx, reqPath)
	if err != nil {
		return http.StatusNotFound, ErrorNotFound.WithCause(err)
	}
	if fi.IsDir() {
		return h.serveDirectory(w, r, reqPath, sendBody)
	}

	etag := ComputeETag(reqPath, fi)
	if status := checkETag(r.Header, true, true, etag, fi.ModTime()); status != 0 {
		w.Header().Set("ETag", etag)
		w.WriteHeader(status)
		return 0, nil
	}

	f, err := h.FileSystem.OpenFile(ctx, reqPath, os.O_RDONLY, 0)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	defer f.Close()

	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", fi.ModTime().UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", contentType(reqPath))
	w.Header().Set("Accept-Ranges", "bytes")

	var ranges []ByteRange
	if rh := r.Header.Get("Range"); rh != "" && checkIfRange(r.Header, etag, fi.ModTime()) {
		ranges, err = ParseRange(rh, fi.Size())
		if err == ErrRangeNotSatisfiable {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fi.Size()))
			return http.StatusRequestedRangeNotSatisfiable, ErrorRangeNotSatisfiable
		}
	}

	if len(ranges) == 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
		w.WriteHeader(http.StatusOK)
		if sendBody {
			io.Copy(w, f)
		}
		return 0, nil
	}

	rg := ranges[0]
	w.Header().Set("Content-Range", rg.ContentRange(fi.Size()))
	w.Header().Set("Content-Length", strconv.FormatInt(rg.Length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if sendBody {
		if _, err := f.Seek(rg.Start, io.SeekStart); err == nil {
			io.CopyN(w, f, rg.Length)
		}
	}
	return 0, nil
}

type dirEntry struct {
	Name  string
	IsDir bool
}

type dirListingData struct {
	Path    string
	Entries []dirEntry
}

var dirListingTemplate = template.Must(template.New("dir").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<ul>
{{range .Entries}}<li><a href="{{.Name}}{{if .IsDir}}/{{end}}">{{.Name}}{{if .IsDir}}/{{end}}</a></li>
{{end}}</ul>
</body>
</html>
`))

func (h *Handler) serveDirectory(w http.ResponseWriter, r *http.Request, reqPath string, sendBody bool) (int, error) {
	ctx := r.Context()
	f, err := h.FileSystem.OpenFile(ctx, reqPath, os.O_RDONLY, 0)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	defer f.Close()
	children, err := f.Readdir(-1)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	entries := make([]dirEntry, len(children))
	for i, c := range children {
		entries[i] = dirEntry{Name: c.Name(), IsDir: c.IsDir()}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if !sendBody {
		return 0, nil
	}
	dirListingTemplate.Execute(w, dirListingData{Path: h.hrefFor(reqPath, true), Entries: entries})
	return 0, nil
}

// --- PUT --------------------------------------------------------------------

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, reqPath string, ih *IfHeader) (int, error) {
	ctx := r.Context()
	now := time.Now()

	if r.Header.Get("Content-Encoding") != "" || r.Header.Get("Content-Range") != "" {
		return http.StatusNotImplemented, ErrorNotYetImplemented
	}

	fi, statErr := h.FileSystem.Stat(ctx, reqPath)
	exists := statErr == nil
	if exists && fi.IsDir() {
		// spec §4.G: "PUT ... Fails 400 if target is a collection or parent
		// is not a collection" -- unlike MKCOL's 405/409, PUT reports both
		// cases as a single 400 Bad Request.
		return http.StatusBadRequest, ErrorCollectionOrBadParent
	}

	parent := parentOf(reqPath)
	if pfi, err := h.FileSystem.Stat(ctx, parent); err != nil || !pfi.IsDir() {
		return http.StatusBadRequest, ErrorCollectionOrBadParent
	}

	var etag string
	var modTime time.Time
	if exists {
		etag = ComputeETag(reqPath, fi)
		modTime = fi.ModTime()
	}
	if status := checkETag(r.Header, false, exists, etag, modTime); status != 0 {
		return status, nil
	}

	release, status, err := h.confirmWrite(now, ih, reqPath, parent)
	if err != nil {
		return status, err
	}
	defer release()

	f, err := h.FileSystem.OpenFile(ctx, reqPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return http.StatusInternalServerError, err
	}

	if r.ContentLength >= 0 {
		_, err = io.CopyN(f, r.Body, r.ContentLength)
		if err == io.EOF {
			err = nil
		}
	} else {
		_, err = io.Copy(f, r.Body)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return http.StatusInternalServerError, err
	}

	// Commit happened on Close (spec §4.A's open_write); the new ETag must
	// be read back from the just-written file, not computed from the
	// pre-write Stat, so scenario 1's "PUT -> 201, ETag T1" holds.
	if newFi, serr := h.FileSystem.Stat(ctx, reqPath); serr == nil {
		w.Header().Set("ETag", ComputeETag(reqPath, newFi))
	}

	if !exists {
		h.extendLocks(now, parent, reqPath)
		return http.StatusCreated, nil
	}
	return http.StatusOK, nil
}

// --- MKCOL --------------------------------------------------------------------

func (h *Handler) handleMkcol(w http.ResponseWriter, r *http.Request, reqPath string, ih *IfHeader) (int, error) {
	ctx := r.Context()
	now := time.Now()

	if r.ContentLength > 0 {
		return http.StatusUnsupportedMediaType, ErrorUnsupportedType
	}
	if _, err := h.FileSystem.Stat(ctx, reqPath); err == nil {
		return http.StatusMethodNotAllowed, ErrorNotAllowed
	}
	parent := parentOf(reqPath)
	if pfi, err := h.FileSystem.Stat(ctx, parent); err != nil || !pfi.IsDir() {
		return http.StatusConflict, ErrorMissingParent
	}

	release, status, err := h.confirmWrite(now, ih, reqPath, parent)
	if err != nil {
		return status, err
	}
	defer release()

	if err := h.FileSystem.Mkdir(ctx, reqPath, 0755); err != nil {
		return http.StatusConflict, ErrorConflict.WithCause(err)
	}
	h.extendLocks(now, parent, reqPath)
	return http.StatusCreated, nil
}

// --- DELETE -------------------------------------------------------------------

func (h *Handler) removeResource(ctx context.Context, now time.Time, p string) error {
	if err := h.FileSystem.RemoveAll(ctx, p); err != nil {
		return err
	}
	if h.Properties != nil {
		_ = h.Properties.RemoveAll(p)
	}
	_ = h.LockSystem.RemoveAllFromURL(now, p)
	return nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, reqPath string, ih *IfHeader) (int, error) {
	ctx := r.Context()
	now := time.Now()

	fi, err := h.FileSystem.Stat(ctx, reqPath)
	if err != nil {
		return http.StatusNotFound, ErrorNotFound.WithCause(err)
	}
	if status := checkETag(r.Header, false, true, ComputeETag(reqPath, fi), fi.ModTime()); status != 0 {
		return status, nil
	}

	var failures []MemberError
	var walk func(p string) bool
	walk = func(p string) bool {
		info, err := h.FileSystem.Stat(ctx, p)
		if err != nil {
			failures = append(failures, MemberError{Path: p, Status: http.StatusNotFound, Err: err})
			return true
		}
		childFailed := false
		if info.IsDir() {
			f, err := h.FileSystem.OpenFile(ctx, p, os.O_RDONLY, 0)
			if err != nil {
				failures = append(failures, MemberError{Path: p, Status: http.StatusInternalServerError, Err: err})
				return true
			}
			children, rerr := f.Readdir(-1)
			f.Close()
			if rerr != nil {
				failures = append(failures, MemberError{Path: p, Status: http.StatusInternalServerError, Err: rerr})
				return true
			}
			for _, c := range children {
				if walk(path.Join(p, c.Name())) {
					childFailed = true
				}
			}
		}
		if childFailed {
			failures = append(failures, MemberError{Path: p, Status: StatusFailedDependency, Err: ErrorConflict})
			return true
		}
		release, status, err := h.confirmWrite(now, ih, p, "")
		if err != nil {
			failures = append(failures, MemberError{Path: p, Status: status, Err: err})
			return true
		}
		rerr := h.removeResource(ctx, now, p)
		release()
		if rerr != nil {
			failures = append(failures, MemberError{Path: p, Status: http.StatusInternalServerError, Err: rerr})
			return true
		}
		return false
	}
	walk(reqPath)

	switch {
	case len(failures) == 0:
		return http.StatusNoContent, nil
	case len(failures) == 1 && failures[0].Path == reqPath:
		return failures[0].Status, failures[0].Err
	default:
		msw := NewMultiStatusWriter()
		for _, f := range failures {
			isDir := f.Status == StatusFailedDependency
			msw.AddStatus(h.hrefFor(f.Path, isDir), f.Status)
		}
		msw.WriteTo(w)
		return 0, nil
	}
}

// --- COPY / MOVE ----------------------------------------------------------

func (h *Handler) resolveDestination(r *http.Request) (string, error) {
	raw := r.Header.Get("Destination")
	if raw == "" {
		return "", ErrInvalidDestination
	}
	if h.Realm != nil {
		dst, err := h.Realm.ResolveDestination(raw)
		if err != nil {
			return "", ErrInvalidDestination
		}
		if !realm.SameRealm(realm.Resolved{RealmPrefix: h.Prefix}, dst) {
			return "", ErrInvalidDestination
		}
		return dst.RelativePath, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	p, status, err := h.stripPrefix(u.Path)
	if err != nil || status != http.StatusOK {
		return "", ErrInvalidDestination
	}
	return SlashClean(p), nil
}

type pathPair struct{ src, dst string }

func (h *Handler) collectPairs(ctx context.Context, src, dst string, srcFi os.FileInfo, depth int) []pathPair {
	var pairs []pathPair
	WalkFS(ctx, h.FileSystem, depth, src, srcFi, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel := strings.TrimPrefix(p, src)
		pairs = append(pairs, pathPair{src: p, dst: dst + rel})
		return nil
	})
	return pairs
}

func (h *Handler) handleCopyMove(w http.ResponseWriter, r *http.Request, reqPath string, ih *IfHeader, move bool) (int, error) {
	ctx := r.Context()
	now := time.Now()

	dstPath, err := h.resolveDestination(r)
	if err != nil {
		return http.StatusBadRequest, ErrorBadDest.WithCause(err)
	}
	if dstPath == reqPath {
		return http.StatusForbidden, ErrDestinationEqualsSource
	}

	srcFi, err := h.FileSystem.Stat(ctx, reqPath)
	if err != nil {
		return http.StatusNotFound, ErrorNotFound.WithCause(err)
	}
	if status := checkETag(r.Header, false, true, ComputeETag(reqPath, srcFi), srcFi.ModTime()); status != 0 {
		return status, nil
	}

	dstParent := parentOf(dstPath)
	if dpi, err := h.FileSystem.Stat(ctx, dstParent); err != nil || !dpi.IsDir() {
		return http.StatusConflict, ErrorMissingParent
	}

	release, status, err := h.confirmWrite(now, ih, reqPath, dstPath)
	if err != nil {
		return status, err
	}
	defer release()

	overwrite := parseOverwrite(r)
	depth := InfiniteDepth
	if !move {
		if d, derr := parseDepth(r); derr == nil && d == 0 {
			depth = 0
		}
	}

	pairs := h.collectPairs(ctx, reqPath, dstPath, srcFi, depth)

	var mvStatus, cpStatus int
	var merr *MultiError
	if move {
		mvStatus, err = MoveFiles(ctx, h.FileSystem, reqPath, dstPath, overwrite)
		status = mvStatus
	} else {
		cpStatus, merr, err = CopyFiles(ctx, h.FileSystem, reqPath, dstPath, overwrite, depth, 0)
		status = cpStatus
	}
	if err != nil {
		return status, err
	}

	failedSrc := map[string]bool{}
	if merr != nil {
		for _, m := range merr.Members {
			failedSrc[m.Path] = true
		}
	}

	for _, p := range pairs {
		if failedSrc[p.src] {
			continue
		}
		if h.Properties != nil {
			_ = h.Properties.Copy(p.src, p.dst)
		}
		if move {
			_ = h.LockSystem.RemoveAllFromURL(now, p.src)
			if h.Properties != nil {
				_ = h.Properties.RemoveAll(p.src)
			}
		}
		h.extendLocks(now, parentOf(p.dst), p.dst)
	}

	if merr != nil {
		msw := NewMultiStatusWriter()
		for _, m := range merr.Members {
			msw.AddStatus(h.href(m.Path), m.Status)
		}
		msw.WriteTo(w)
		return 0, merr
	}
	return status, nil
}

// --- PROPFIND -----------------------------------------------------------------

const supportedLockFragment = `<D:lockentry xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockentry><D:lockentry xmlns:D="DAV:"><D:lockscope><D:shared/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockentry>`

func (h *Handler) liveProps(now time.Time, p string, info os.FileInfo) map[xml.Name]string {
	m := map[xml.Name]string{
		{Space: davNS, Local: "creationdate"}:    info.ModTime().UTC().Format(time.RFC3339),
		{Space: davNS, Local: "getlastmodified"}: info.ModTime().UTC().Format(http.TimeFormat),
		{Space: davNS, Local: "displayname"}:     path.Base(strings.TrimSuffix(p, "/")),
	}
	if info.IsDir() {
		m[xml.Name{Space: davNS, Local: "resourcetype"}] = `<D:collection xmlns:D="DAV:"/>`
		m[xml.Name{Space: davNS, Local: "getcontenttype"}] = "text/html"
	} else {
		m[xml.Name{Space: davNS, Local: "resourcetype"}] = ""
		m[xml.Name{Space: davNS, Local: "getcontenttype"}] = contentType(p)
		m[xml.Name{Space: davNS, Local: "getcontentlength"}] = strconv.FormatInt(info.Size(), 10)
		m[xml.Name{Space: davNS, Local: "getetag"}] = ComputeETag(p, info)
	}

	toks := h.LockSystem.TokensForURL(now, p)
	var details []LockDetails
	for _, t := range toks {
		if d, ok := h.LockSystem.Lookup(now, t); ok {
			details = append(details, d)
		}
	}
	m[xml.Name{Space: davNS, Local: "lockdiscovery"}] = activeLocksXML(details, toks)
	m[xml.Name{Space: davNS, Local: "supportedlock"}] = supportedLockFragment
	return m
}

func deadLookup(dead []DeadProperty, name xml.Name) ([]byte, bool) {
	for _, d := range dead {
		if d.Namespace == name.Space && d.Local == name.Local {
			return d.Value, true
		}
	}
	return nil, false
}

func (h *Handler) propstatsFor(now time.Time, p string, info os.FileInfo, pf PropfindRequest) []Propstat {
	live := h.liveProps(now, p, info)
	var dead []DeadProperty
	if h.Properties != nil {
		dead, _ = h.Properties.List(p)
	}

	if pf.PropName {
		var names []Property
		for n := range live {
			names = append(names, Property{XMLName: n})
		}
		for _, d := range dead {
			names = append(names, Property{XMLName: xml.Name{Space: d.Namespace, Local: d.Local}})
		}
		return []Propstat{{Props: names, Status: http.StatusOK}}
	}

	if pf.AllProp {
		var found []Property
		for n, v := range live {
			found = append(found, Property{XMLName: n, InnerXML: []byte(v)})
		}
		for _, d := range dead {
			found = append(found, Property{XMLName: xml.Name{Space: d.Namespace, Local: d.Local}, InnerXML: d.Value})
		}
		return []Propstat{{Props: found, Status: http.StatusOK}}
	}

	var found, missing []Property
	for _, name := range pf.Props {
		if v, ok := live[name]; ok {
			found = append(found, Property{XMLName: name, InnerXML: []byte(v)})
			continue
		}
		if v, ok := deadLookup(dead, name); ok {
			found = append(found, Property{XMLName: name, InnerXML: v})
			continue
		}
		missing = append(missing, Property{XMLName: name})
	}
	var out []Propstat
	if len(found) > 0 {
		out = append(out, Propstat{Props: found, Status: http.StatusOK})
	}
	if len(missing) > 0 {
		out = append(out, Propstat{Props: missing, Status: http.StatusNotFound})
	}
	return out
}

func (h *Handler) handlePropfind(w http.ResponseWriter, r *http.Request, reqPath string) (int, error) {
	ctx := r.Context()
	fi, err := h.FileSystem.Stat(ctx, reqPath)
	if err != nil {
		return http.StatusNotFound, ErrorNotFound.WithCause(err)
	}
	pf, err := ReadPropfind(r.Body)
	if err != nil {
		return http.StatusBadRequest, ErrorBadPropfind.WithCause(err)
	}
	depth, err := parseDepth(r)
	if err != nil {
		return http.StatusBadRequest, ErrorBadDepth.WithCause(err)
	}

	now := time.Now()
	msw := NewMultiStatusWriter()
	WalkFS(ctx, h.FileSystem, depth, reqPath, fi, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			msw.AddStatus(h.hrefFor(p, false), http.StatusNotFound)
			return nil
		}
		msw.AddPropstat(h.hrefFor(p, info.IsDir()), h.propstatsFor(now, p, info, pf))
		return nil
	})
	msw.WriteTo(w)
	return 0, nil
}

// --- PROPPATCH ----------------------------------------------------------------

func (h *Handler) handleProppatch(w http.ResponseWriter, r *http.Request, reqPath string, ih *IfHeader) (int, error) {
	ctx := r.Context()
	now := time.Now()

	if _, err := h.FileSystem.Stat(ctx, reqPath); err != nil {
		return http.StatusNotFound, ErrorNotFound.WithCause(err)
	}
	patches, err := ReadProppatch(r.Body)
	if err != nil {
		return http.StatusBadRequest, ErrorBadProppatch.WithCause(err)
	}

	release, status, err := h.confirmWrite(now, ih, reqPath, "")
	if err != nil {
		return status, err
	}
	defer release()

	type op struct {
		remove bool
		name   xml.Name
		value  []byte
	}
	var ops []op
	for _, p := range patches {
		for _, prop := range p.Props {
			ops = append(ops, op{remove: p.Remove, name: prop.XMLName, value: prop.InnerXML})
		}
	}

	failAt := -1
	for i, o := range ops {
		if o.name.Space == davNS && ProtectedNames[o.name.Local] {
			failAt = i
			break
		}
	}

	msw := NewMultiStatusWriter()
	if failAt >= 0 {
		var conflict, dependent []Property
		for i, o := range ops {
			p := Property{XMLName: o.name, InnerXML: o.value}
			if i == failAt {
				conflict = append(conflict, p)
			} else {
				dependent = append(dependent, p)
			}
		}
		var propstats []Propstat
		propstats = append(propstats, Propstat{Props: conflict, Status: http.StatusConflict})
		if len(dependent) > 0 {
			propstats = append(propstats, Propstat{Props: dependent, Status: StatusFailedDependency})
		}
		msw.AddPropstat(h.hrefFor(reqPath, false), propstats)
		msw.WriteTo(w)
		return 0, nil
	}

	if h.Properties == nil {
		return http.StatusInternalServerError, ErrNoFileSystem
	}

	var applied []Property
	for _, o := range ops {
		p := Property{XMLName: o.name, InnerXML: o.value}
		var aerr error
		if o.remove {
			aerr = h.Properties.Remove(reqPath, o.name.Space, o.name.Local)
		} else {
			aerr = h.Properties.Set(reqPath, o.name.Space, o.name.Local, o.value)
		}
		if aerr != nil {
			msw.AddPropstat(h.hrefFor(reqPath, false), []Propstat{{Props: []Property{p}, Status: http.StatusConflict}})
			msw.WriteTo(w)
			return 0, nil
		}
		applied = append(applied, p)
	}
	msw.AddPropstat(h.hrefFor(reqPath, false), []Propstat{{Props: applied, Status: http.StatusOK}})
	msw.WriteTo(w)
	return 0, nil
}

// --- LOCK / UNLOCK --------------------------------------------------------------

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request, reqPath string, ih *IfHeader) (int, error) {
	now := time.Now()
	depth, err := parseDepth(r)
	if err != nil {
		return http.StatusBadRequest, ErrorBadDepth.WithCause(err)
	}
	if depth != 0 && depth != InfiniteDepth {
		return http.StatusBadRequest, ErrInvalidDepth
	}
	timeout := parseTimeout(r, h.DefaultLockTimeout)

	li, rerr := ReadLockInfo(r.Body)
	switch rerr {
	case nil:
		return h.createLock(w, r, reqPath, depth, timeout, li, now)
	case io.EOF:
		return h.refreshLock(w, r, reqPath, ih, timeout, now)
	default:
		return http.StatusBadRequest, rerr
	}
}

// memberEntry is one resource in a LOCK request's depth expansion, as
// walked by WalkFS over an existing collection (spec §4.G: "for each
// resource in the depth expansion, verify that no conflicting lock exists
// over it or its direct children").
type memberEntry struct {
	path  string
	isDir bool
}

func (h *Handler) createLock(w http.ResponseWriter, r *http.Request, reqPath string, depth int, timeout time.Duration, li LockInfoRequest, now time.Time) (int, error) {
	ctx := r.Context()
	parent := parentOf(reqPath)
	if _, err := h.FileSystem.Stat(ctx, parent); err != nil {
		return http.StatusConflict, ErrorMissingParent
	}

	principal, _ := PrincipalFromContext(ctx)
	scope := LockScopeExclusive
	if !li.Exclusive {
		scope = LockScopeShared
	}

	targetFi, statErr := h.FileSystem.Stat(ctx, reqPath)
	members := []memberEntry{{path: reqPath, isDir: statErr == nil && targetFi.IsDir()}}
	if statErr == nil && targetFi.IsDir() {
		members = nil
		WalkFS(ctx, h.FileSystem, depth, reqPath, targetFi, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			members = append(members, memberEntry{path: p, isDir: info.IsDir()})
			return nil
		})
	}

	var failures []MemberError
	for _, m := range members {
		conflict, err := h.LockSystem.ConflictsAt(now, m.path, scope)
		if err != nil {
			failures = append(failures, MemberError{Path: m.path, Status: http.StatusInternalServerError, Err: err})
			continue
		}
		if conflict {
			failures = append(failures, MemberError{Path: m.path, Status: StatusLocked, Err: ErrorLocked})
		}
	}

	if len(failures) > 0 {
		if len(members) == 1 {
			return failures[0].Status, failures[0].Err
		}
		failedPaths := map[string]bool{}
		for _, f := range failures {
			failedPaths[f.Path] = true
		}
		msw := NewMultiStatusWriter()
		for _, m := range members {
			if failedPaths[m.path] {
				continue
			}
			msw.AddStatus(h.hrefFor(m.path, m.isDir), StatusFailedDependency)
		}
		for _, f := range failures {
			isDir := false
			for _, m := range members {
				if m.path == f.Path {
					isDir = m.isDir
					break
				}
			}
			msw.AddStatus(h.hrefFor(f.Path, isDir), f.Status)
		}
		msw.WriteTo(w)
		return 0, nil
	}

	details := LockDetails{
		Root:      reqPath,
		Duration:  timeout,
		OwnerXML:  li.OwnerXML,
		ZeroDepth: depth == 0,
		Scope:     scope,
		Principal: principal,
	}

	token, err := h.LockSystem.Create(now, details)
	if err != nil {
		if err == ErrLocked {
			return StatusLocked, ErrorLocked
		}
		return http.StatusInternalServerError, err
	}

	created := false
	if statErr != nil {
		f, ferr := h.FileSystem.OpenFile(ctx, reqPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if ferr != nil {
			_ = h.LockSystem.Unlock(now, token)
			return http.StatusInternalServerError, ferr
		}
		f.Close()
		created = true
	}

	w.Header().Set("Lock-Token", "<"+token+">")
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	d, _ := h.LockSystem.Lookup(now, token)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
	io.WriteString(w, xml.Header+`<D:prop xmlns:D="DAV:">`+LockDiscovery(now, []LockDetails{d}, []string{token})+`</D:prop>`)
	return 0, nil
}

func (h *Handler) refreshLock(w http.ResponseWriter, r *http.Request, reqPath string, ih *IfHeader, timeout time.Duration, now time.Time) (int, error) {
	if ih == nil || len(ih.Tokens()) == 0 {
		return http.StatusBadRequest, ErrInvalidIfHeader
	}
	toks := h.LockSystem.TokensForURL(now, reqPath)
	if len(toks) == 0 {
		return http.StatusPreconditionFailed, ErrNoSuchLock
	}
	token, ok := ih.acceptedToken(reqPath, toks)
	if !ok {
		return http.StatusPreconditionFailed, ErrNoSuchLock
	}
	d, err := h.LockSystem.Refresh(now, token, timeout)
	if err != nil {
		if err == ErrNoSuchLock {
			return http.StatusPreconditionFailed, err
		}
		if err == ErrLocked {
			return StatusLocked, err
		}
		return http.StatusInternalServerError, err
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, xml.Header+`<D:prop xmlns:D="DAV:">`+LockDiscovery(now, []LockDetails{d}, []string{token})+`</D:prop>`)
	return 0, nil
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request, reqPath string) (int, error) {
	now := time.Now()
	lt := strings.TrimSuffix(strings.TrimPrefix(r.Header.Get("Lock-Token"), "<"), ">")
	if lt == "" {
		return http.StatusBadRequest, ErrInvalidLockToken
	}

	covers := false
	for _, t := range h.LockSystem.TokensForURL(now, reqPath) {
		if t == lt {
			covers = true
			break
		}
	}
	if !covers {
		return http.StatusBadRequest, ErrInvalidLockToken
	}

	d, ok := h.LockSystem.Lookup(now, lt)
	if !ok {
		return http.StatusBadRequest, ErrNoSuchLock
	}
	principal, _ := PrincipalFromContext(r.Context())
	if d.Principal != "" && d.Principal != principal {
		return http.StatusBadRequest, ErrForbidden
	}

	if err := h.LockSystem.Unlock(now, lt); err != nil {
		switch err {
		case ErrNoSuchLock:
			return http.StatusBadRequest, err
		case ErrForbidden:
			return http.StatusBadRequest, err
		case ErrLocked:
			return StatusLocked, err
		default:
			return http.StatusInternalServerError, err
		}
	}
	return http.StatusNoContent, nil
}
