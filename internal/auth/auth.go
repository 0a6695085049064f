// Package auth implements component I, the authenticator, plus the
// per-path authorization policy the teacher conflated into its resource
// driver. Credential extraction is grounded on rfielding-webdev's
// authWrappedHandler; the per-directory Rego policy evaluation is grounded
// 1:1 on rfielding-webdev's fs/example.go evalRego/regoOf/claimsInContext,
// relocated here now that the resource driver (internal/fsresource) is
// pure I/O.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/cwho/pyfileserver/webdav"
)

// Principal is the authenticated identity attached to a request context by
// Middleware, and threaded down to FileSystem/LockSystem calls that need to
// know who is acting (e.g. TokensForURLByUser). It is a thin re-export of
// webdav.PrincipalFromContext: the context key itself lives in the webdav
// package so the dispatcher can read it without importing this package.
func Principal(ctx context.Context) (string, bool) {
	return webdav.PrincipalFromContext(ctx)
}

// Controller is the authenticate part of the pluggable domain-controller
// contract of spec §6. It has no realm lookup (internal/realm does that)
// and no method that lists a realm's users. It is kept external to the
// protocol core; BasicController below is the one concrete implementation this
// rework ships, backed by HTTP Basic credentials instead of a full user
// database, since the spec leaves actual credential storage unspecified.
type Controller interface {
	// Authenticate validates a username/password pair for realm and
	// returns the canonical principal id to attach to the request context.
	Authenticate(realm, user, password string) (principal string, ok bool)
}

// BasicController implements Controller by checking credentials against a
// fixed in-memory table. It is grounded on rfielding-webdev's
// authWrappedHandler, which itself does no validation beyond "a username
// and password were presented" -- this rework adds the actual credential
// check the teacher's example left as a TODO-by-omission.
type BasicController struct {
	// Users maps "realm/username" to password. An empty Users map means
	// any presented credentials are accepted, matching the teacher's
	// example server's permissiveness for local development.
	Users map[string]string
}

func (b *BasicController) Authenticate(realm, user, password string) (string, bool) {
	if len(b.Users) == 0 {
		return user, true
	}
	want, ok := b.Users[realm+"/"+user]
	if !ok || want != password {
		return "", false
	}
	return user, true
}

// Middleware wraps h with HTTP Basic authentication, attaching the
// resulting principal to the request context the way
// rfielding-webdev's authWrappedHandler attached username/password.
func Middleware(realm string, ctl Controller, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
		user, pass, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "Not authorized", http.StatusUnauthorized)
			return
		}
		principal, ok := ctl.Authenticate(realm, user, pass)
		if !ok {
			http.Error(w, "Not authorized", http.StatusUnauthorized)
			return
		}
		r = r.WithContext(webdav.WithPrincipal(r.Context(), principal))
		h.ServeHTTP(w, r)
	})
}

// Permission is the decoded result of evaluating a directory's Rego
// policy for one action, mirroring rfielding-webdev's Permission struct.
type Permission struct {
	Create bool `json:"Create,omitempty"`
	Read   bool `json:"Read,omitempty"`
	Write  bool `json:"Write,omitempty"`
	Delete bool `json:"Delete,omitempty"`
	Stat   bool `json:"Stat,omitempty"`
}

// Action names the capability being checked, matching the PermissionHandler
// contract the teacher's FS used.
type Action string

const (
	ActionCreate Action = "Create"
	ActionRead   Action = "Read"
	ActionWrite  Action = "Write"
	ActionDelete Action = "Delete"
	ActionStat   Action = "Stat"
)

const emptyPolicy = `package policy
Create = false
Read = false
Write = false
Delete = false
Stat = false
`

// OPAPolicy evaluates a per-directory Rego policy file to authorize
// requests, exactly the mechanism rfielding-webdev's fs/example.go wires up
// by hand in buildHandler: every directory may carry a ".__thisdir.rego"
// policy (or, for a single file, a ".__<name>.rego" sidecar) that is
// evaluated against the requesting principal's claims to produce a
// Permission.
type OPAPolicy struct {
	// Root is the filesystem root the policy search walks up from.
	Root string
}

// Allowed evaluates whether principal may perform action on the resource at
// backingPath, which must already have been resolved against Root by the
// caller (internal/realm + internal/fsresource).
func (p OPAPolicy) Allowed(principal string, action Action, backingPath string) (bool, error) {
	perm, err := evalRego(claimsFor(p.Root, principal), regoFor(p.Root, backingPath))
	if err != nil {
		log.Error().Err(err).Str("principal", principal).Str("path", backingPath).Msg("rego evaluation failed")
		return false, err
	}
	switch action {
	case ActionCreate:
		return perm.Create, nil
	case ActionRead:
		return perm.Read, nil
	case ActionWrite:
		return perm.Write, nil
	case ActionDelete:
		return perm.Delete, nil
	case ActionStat:
		return perm.Stat, nil
	default:
		return false, errors.Errorf("auth: unknown action %q", action)
	}
}

type claims struct {
	Groups map[string][]string `json:"groups"`
}

type claimsContext struct {
	Claims claims
	Action string
}

func claimsFor(root, principal string) claimsContext {
	empty := claimsContext{Claims: claims{Groups: map[string][]string{}}}
	if principal == "" {
		return empty
	}
	claimsFile := root + "/" + principal + "/.__claims.json"
	data, err := os.ReadFile(claimsFile)
	if err != nil {
		return empty
	}
	var c claims
	if err := json.Unmarshal(data, &c); err != nil {
		return empty
	}
	return claimsContext{Claims: c}
}

func regoFor(root, name string) string {
	d := path.Dir(name)
	b := path.Base(name)
	if strings.HasPrefix(b, ".__") {
		return emptyPolicy
	}

	var regoFile string
	info, statErr := os.Stat(name)
	switch {
	case d == ".":
		regoFile = b + "/.__thisdir.rego"
	case statErr == nil && info.IsDir():
		regoFile = name + "/.__thisdir.rego"
	default:
		regoFile = d + "/.__" + b + ".rego"
	}

	data, err := os.ReadFile(regoFile)
	if os.IsNotExist(err) && d != "." && d != root {
		return regoFor(root, d)
	}
	if err != nil {
		return emptyPolicy
	}
	return string(data)
}

func evalRego(input interface{}, module string) (Permission, error) {
	ctx := context.Background()
	query, err := rego.New(
		rego.Query("data.policy"),
		rego.Module("policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return Permission{}, errors.Wrap(err, "preparing rego policy")
	}
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Permission{}, errors.Wrap(err, "evaluating rego policy")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Permission{}, errors.New("auth: empty rego result")
	}
	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return Permission{}, err
	}
	var p Permission
	if err := json.Unmarshal(raw, &p); err != nil {
		return Permission{}, err
	}
	return p, nil
}

// AuthorizedFileSystem wraps a webdav.FileSystem with the OPAPolicy check
// the teacher's fs.go performed inline in every os.* call (fs/fs.go's
// PermissionHandler field); this rework pulls that check out to its own
// layer so Inner stays pure I/O and can be tested (or swapped) without any
// policy involved.
type AuthorizedFileSystem struct {
	Inner  webdav.FileSystem
	Policy OPAPolicy
}

var _ webdav.FileSystem = AuthorizedFileSystem{}

func (a AuthorizedFileSystem) authorize(ctx context.Context, action Action, name string) error {
	principal, _ := Principal(ctx)
	backing := filepath.Join(a.Policy.Root, filepath.FromSlash(webdav.SlashClean(name)))
	ok, err := a.Policy.Allowed(principal, action, backing)
	if err != nil {
		return err
	}
	if !ok {
		return webdav.ErrForbiddenName
	}
	return nil
}

func (a AuthorizedFileSystem) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	if err := a.authorize(ctx, ActionCreate, name); err != nil {
		return err
	}
	return a.Inner.Mkdir(ctx, name, perm)
}

func (a AuthorizedFileSystem) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	action := ActionRead
	switch {
	case flag&(os.O_CREATE|os.O_EXCL) != 0:
		action = ActionCreate
	case flag&(os.O_WRONLY|os.O_RDWR) != 0:
		action = ActionWrite
	}
	if err := a.authorize(ctx, action, name); err != nil {
		return nil, err
	}
	return a.Inner.OpenFile(ctx, name, flag, perm)
}

func (a AuthorizedFileSystem) RemoveAll(ctx context.Context, name string) error {
	if err := a.authorize(ctx, ActionDelete, name); err != nil {
		return err
	}
	return a.Inner.RemoveAll(ctx, name)
}

func (a AuthorizedFileSystem) Rename(ctx context.Context, oldName, newName string) error {
	if err := a.authorize(ctx, ActionDelete, oldName); err != nil {
		return err
	}
	if err := a.authorize(ctx, ActionCreate, newName); err != nil {
		return err
	}
	return a.Inner.Rename(ctx, oldName, newName)
}

func (a AuthorizedFileSystem) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if err := a.authorize(ctx, ActionStat, name); err != nil {
		return nil, err
	}
	return a.Inner.Stat(ctx, name)
}
