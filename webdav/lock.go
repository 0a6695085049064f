// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"errors"
	"time"
)

/*
  A LockSystem is the lock manager of component C. The reference
  implementation in internal/lockstore persists every lock to leveldb, so
  that a restarted server does not forget who holds what -- the in-memory
  map the upstream net/webdav ships only works for a single process with no
  restart guarantees, which this rework does not assume.
*/

var (
	// ErrConfirmationFailed is returned by a LockSystem's Confirm method.
	ErrConfirmationFailed = errors.New("webdav: confirmation failed")
	// ErrForbidden is returned by a LockSystem's Unlock method.
	ErrForbidden = errors.New("webdav: forbidden")
	// ErrLocked is returned by a LockSystem's Create, Refresh and Unlock methods.
	ErrLocked = errors.New("webdav: locked")
	// ErrNoSuchLock is returned by a LockSystem's Refresh and Unlock methods.
	ErrNoSuchLock = errors.New("webdav: no such lock")
)

// Condition can match a WebDAV resource, based on a token or ETag.
// Exactly one of Token and ETag should be non-empty.
type Condition struct {
	Not   bool
	Token string
	ETag  string
}

// LockSystem manages access to a collection of named resources. The elements
// in a lock name are separated by slash ('/', U+002F) characters, regardless
// of host operating system convention.
type LockSystem interface {
	// Confirm confirms that the caller can claim all of the locks specified by
	// the given conditions, and that holding the union of all of those locks
	// gives exclusive access to all of the named resources. Up to two resources
	// can be named. Empty names are ignored.
	//
	// Exactly one of release and err will be non-nil. If release is non-nil,
	// all of the requested locks are held until release is called. Calling
	// release does not unlock the lock, in the WebDAV UNLOCK sense, but once
	// Confirm has confirmed that a lock claim is valid, that lock cannot be
	// Confirmed again until it has been released.
	//
	// If Confirm returns ErrConfirmationFailed then the Handler will write a
	// "423 Locked" HTTP status. If it returns any other non-nil error, the
	// Handler will write a "500 Internal Server Error" HTTP status.
	Confirm(now time.Time, name0, name1 string, conditions ...Condition) (release func(), err error)

	// Create creates a lock with the given depth, duration, owner and root
	// (name). The depth will either be negative (meaning infinite) or zero.
	//
	// If Create returns ErrLocked then the Handler will write a "423 Locked"
	// HTTP status. If it returns any other non-nil error, the Handler will
	// write a "500 Internal Server Error" HTTP status.
	//
	// The token returned identifies the created lock. It is an opaquelocktoken
	// URN as required by RFC 4918 §6.4, minted by internal/lockstore from
	// github.com/google/uuid.
	Create(now time.Time, details LockDetails) (token string, err error)

	// Refresh refreshes the lock with the given token, extending its timeout
	// from now. It backs both the LOCK-with-If-header refresh form and the
	// implicit timer reset PyFileServer calls refreshLock.
	//
	// If Refresh returns ErrLocked then the Handler will write a "423 Locked"
	// HTTP Status. If Refresh returns ErrNoSuchLock then the Handler will write
	// a "412 Precondition Failed" HTTP Status. If it returns any other non-nil
	// error, the Handler will write a "500 Internal Server Error" HTTP status.
	Refresh(now time.Time, token string, duration time.Duration) (LockDetails, error)

	// Unlock unlocks the lock with the given token.
	//
	// If Unlock returns ErrForbidden or ErrNoSuchLock then the Handler will
	// write a "400 Bad Request" HTTP Status. If Unlock returns ErrLocked then
	// the Handler will write a "423 Locked" HTTP status. If it returns any
	// other non-nil error, the Handler will write a "500 Internal Server
	// Error" HTTP status.
	Unlock(now time.Time, token string) error

	// Lookup returns the details of the lock identified by token, and
	// whether it exists and has not expired as of now. PROPFIND's
	// lockdiscovery property and LOCK's "If" refresh form both need to read
	// a lock's metadata without claiming it.
	Lookup(now time.Time, token string) (LockDetails, bool)

	// TokensForURL returns the tokens of the unexpired locks indexed at name,
	// regardless of owner: locks rooted at name and locks that name was added
	// to with AddURL. A depth-infinity lock rooted at an ancestor is not
	// returned unless name was added to it. It backs the lockdiscovery DAV
	// property rendered by PROPFIND and corresponds to PyFileServer's
	// getTokenListForUrl.
	TokensForURL(now time.Time, name string) []string

	// TokensForURLByUser returns the subset of TokensForURL whose Principal
	// matches principal. It corresponds to PyFileServer's
	// getTokenListForUrlByUser and lets a caller tell a lock held by a given
	// principal apart from one held by somebody else; the Handler itself
	// does not call it.
	TokensForURLByUser(now time.Time, name, principal string) []string

	// AddURL extends an existing lock's coverage to also include name. It
	// backs the "new members of a locked collection inherit the lock"
	// behavior required when a PUT or MKCOL creates a resource underneath a
	// depth-infinity lock, mirroring PyFileServer's addUrlToLock.
	AddURL(token, name string) error

	// RemoveAllFromURL releases every lock rooted at or covering name. MOVE
	// uses this on the source path once the rename has committed, since
	// this rework's destructive MOVE does not carry locks over to the
	// destination (see DESIGN.md).
	RemoveAllFromURL(now time.Time, name string) error

	// ScopeForURL reports the scope of the lock (if any) covering name.
	// Because the create-time invariant forbids mixing an exclusive lock
	// with any other live lock over the same URL, the scope of the first
	// live token found is authoritative for the whole set.
	ScopeForURL(now time.Time, name string) (scope LockScope, ok bool)

	// ConflictsAt reports whether creating a new lock of the given scope
	// rooted at name would conflict with a lock already covering name --
	// either one rooted exactly at name or a non-zero-depth lock rooted at
	// an ancestor of name. It lets a caller that is about to LOCK a whole
	// depth expansion (spec §4.G) check each member individually, the way
	// PyFileServer's doLOCK walks getDepthActionList and evaluates each
	// resource's lock conflicts before committing to a single token for
	// the whole subtree.
	ConflictsAt(now time.Time, name string, scope LockScope) (bool, error)
}

// LockScope distinguishes an exclusive write lock, which excludes every
// other lock over the same URL, from a shared write lock, any number of
// which may coexist.
type LockScope int

const (
	LockScopeExclusive LockScope = iota
	LockScopeShared
)

func (s LockScope) String() string {
	if s == LockScopeShared {
		return "shared"
	}
	return "exclusive"
}

// LockDetails are a lock's metadata.
type LockDetails struct {
	// Root is the root resource name being locked. For a zero-depth lock, the
	// root is the only resource being locked.
	Root string
	// Duration is the lock timeout. A negative duration means infinite.
	Duration time.Duration
	// OwnerXML is the verbatim <owner> XML given in a LOCK HTTP request.
	OwnerXML string
	// ZeroDepth is whether the lock has zero depth. If it does not have zero
	// depth, it has infinite depth.
	ZeroDepth bool
	// Scope is whether the lock is exclusive or shared.
	Scope LockScope
	// Principal is the authenticated user id that created the lock, as
	// opposed to OwnerXML which is an opaque, client-chosen description of
	// the owner. Principal is what TokensForURLByUser matches against.
	Principal string
}
