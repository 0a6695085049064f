package webdav

import "context"

// DeadProperty is one client-supplied property value as persisted by a
// PropertyStore. It mirrors the shape internal/propstore keys its leveldb
// entries by, but is declared here so the dispatcher can depend on a
// property manager through an interface instead of importing a concrete
// storage package directly.
type DeadProperty struct {
	Namespace string
	Local     string
	Value     []byte
}

// PropertyStore is component B, the property manager, as the dispatcher
// consumes it. internal/propstore.Store implements this directly; the
// leveldb-backed encoding details stay entirely on that side.
type PropertyStore interface {
	// List returns every dead property currently stored for url.
	List(url string) ([]DeadProperty, error)
	// Set stores value for the (ns, name) property of url. It must return
	// ErrForbiddenName for any DAV: property in ProtectedNames.
	Set(url, ns, name string, value []byte) error
	// Remove deletes the (ns, name) property of url, if present. It must
	// return ErrForbiddenName for any DAV: property in ProtectedNames.
	Remove(url, ns, name string) error
	// RemoveAll deletes every dead property stored for url, used when the
	// resource itself is destroyed.
	RemoveAll(url string) error
	// Copy duplicates every dead property of srcURL under dstURL, used by
	// COPY and MOVE to carry properties along with the resource.
	Copy(srcURL, dstURL string) error
}

// ProtectedNames is the fixed set of "DAV:" live properties that a client
// may never set or remove via PROPPATCH (spec §3); a PropertyStore
// implementation is expected to enforce this, but the dispatcher checks it
// too so it can report the 409 Conflict / 424 Failed Dependency pairing in
// one pass instead of per-property round trips to the store.
var ProtectedNames = map[string]bool{
	"creationdate":     true,
	"displayname":      true,
	"getcontenttype":   true,
	"resourcetype":     true,
	"getlastmodified":  true,
	"getcontentlength": true,
	"getetag":          true,
	"getcontentlanguage": true,
	"source":           true,
	"lockdiscovery":    true,
	"supportedlock":    true,
}

type principalKey struct{}

// WithPrincipal attaches the authenticated principal id to ctx. Middleware
// upstream of the dispatcher (internal/auth.Middleware) calls this once
// credentials have been verified; Handler reads it back via
// PrincipalFromContext to stamp lock ownership and to thread a "who is
// asking" value down to the pluggable authorization contract.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext returns the principal WithPrincipal attached to ctx,
// if any.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok
}
