// Package realm resolves request URL paths to a backing storage root,
// implementing component D: the realm table binds URL prefixes to local
// filesystem roots the way the teacher's FS.Root bound a single prefix, but
// generalized to a table so one server can serve more than one share.
package realm

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrTraversal is returned when a resolved path would escape its realm's
// backing root, e.g. via a percent-decoded "../" segment.
var ErrTraversal = errors.New("realm: path escapes backing root")

// ErrNoMatch is returned when no binding's prefix covers the request path.
var ErrNoMatch = errors.New("realm: no matching binding")

// Binding maps one URL prefix to one local filesystem root.
type Binding struct {
	// Prefix is the URL path prefix this binding answers for, always
	// slash-terminated internally (e.g. "/r/").
	Prefix string
	// Root is the local filesystem directory backing Prefix.
	Root string
}

// Table is an ordered set of Bindings, matched longest-prefix-first. It
// corresponds to the realm_for(path) pluggable contract of spec §6, made
// concrete for the local-filesystem resource abstraction.
type Table struct {
	bindings       []Binding
	caseInsensitive bool
}

// NewTable builds a resolution Table from bindings, sorted so that the
// longest prefix always wins a lookup. CaseInsensitive governs whether
// prefix matching folds case, for servers fronted by case-insensitive
// clients (older WebDAV clients on Windows, in particular).
func NewTable(bindings []Binding, caseInsensitive bool) *Table {
	out := make([]Binding, len(bindings))
	for i, b := range bindings {
		p := b.Prefix
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
		out[i] = Binding{Prefix: p, Root: b.Root}
	}
	sort.Slice(out, func(i, j int) bool {
		return len(out[i].Prefix) > len(out[j].Prefix)
	})
	return &Table{bindings: out, caseInsensitive: caseInsensitive}
}

// Resolved is the (realm, backing path, canonical display path) triple
// produced by resolving a single request path or Destination: header.
type Resolved struct {
	// RealmPrefix is the URL prefix of the Binding that matched.
	RealmPrefix string
	// BackingPath is the absolute local filesystem path for the request.
	BackingPath string
	// DisplayPath is the canonical, slash-cleaned URL path, relative to the
	// server root (not relative to RealmPrefix).
	DisplayPath string
	// RelativePath is DisplayPath with RealmPrefix stripped off, the form
	// every FileSystem/LockSystem/PropertyStore call in webdav.Handler
	// expects (e.g. "/foo" for a request under a "/r/" binding). It is
	// already slash-cleaned and never empty; the binding's own root is "/".
	RelativePath string
}

func (t *Table) match(urlPath string) (Binding, string, bool) {
	candidate := urlPath
	if !strings.HasSuffix(candidate, "/") {
		candidate += "/"
	}
	for _, b := range t.bindings {
		p, prefix := candidate, b.Prefix
		if t.caseInsensitive {
			p, prefix = strings.ToLower(p), strings.ToLower(prefix)
		}
		if strings.HasPrefix(p, prefix) {
			tail := urlPath[len(b.Prefix)-1:]
			return b, tail, true
		}
	}
	return Binding{}, "", false
}

// Resolve maps a percent-decoded request path to its realm binding,
// rejecting any normalization that would escape the binding's root.
func (t *Table) Resolve(urlPath string) (Resolved, error) {
	urlPath = path.Clean("/" + urlPath)
	b, tail, ok := t.match(urlPath)
	if !ok {
		return Resolved{}, ErrNoMatch
	}
	tail = path.Clean("/" + tail)
	relative := tail
	if tail == "/" {
		tail = ""
	}
	backing := filepath.Join(b.Root, filepath.FromSlash(tail))
	rootClean := filepath.Clean(b.Root)
	if backing != rootClean && !strings.HasPrefix(backing, rootClean+string(filepath.Separator)) {
		return Resolved{}, ErrTraversal
	}
	return Resolved{
		RealmPrefix:  b.Prefix,
		BackingPath:  backing,
		DisplayPath:  urlPath,
		RelativePath: relative,
	}, nil
}

// ResolveDestination resolves a Destination: header value the same way as a
// request path, after stripping any scheme and host per RFC 4918's
// allowance for either an absolute or relative Destination URI -- the spec
// directs implementers to compare only path components after realm
// resolution (see DESIGN.md's Destination Open Question decision).
func (t *Table) ResolveDestination(rawDestination string) (Resolved, error) {
	p := rawDestination
	if i := strings.Index(p, "://"); i >= 0 {
		rest := p[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			p = rest[j:]
		} else {
			p = "/"
		}
	}
	return t.Resolve(p)
}

// SameRealm reports whether two resolved paths were resolved through the
// same binding, which COPY/MOVE require of Destination.
func SameRealm(a, b Resolved) bool {
	return a.RealmPrefix == b.RealmPrefix
}
