// Package lockstore implements component C, the lock manager: a persistent
// URL<->token multimap with scopes, depths and timeouts. It is grounded on
// google-go-webdav's lockmaster (the conflict-walk logic over a path tree)
// and on the koofr RedisLS fork's persistent-multimap shape, backed here by
// github.com/syndtr/goleveldb instead of an in-memory map or Redis, so that
// a restarted process does not forget who holds which lock -- the teacher's
// retrieved webdav/lock.go left persistence as a "TODO" comment, the
// original PyFileServer locklibrary.py shelved it to disk, and this rework
// follows the Python original's durability guarantee instead.
package lockstore

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cwho/pyfileserver/webdav"
)

// Minimum and maximum lock durations, mirroring the conservative bounds
// google-go-webdav's lockmaster enforces so that a client cannot request a
// lock so short it expires mid-request, or so long it never expires by
// accident.
var (
	MinDuration = 20 * time.Second
	MaxDuration = 5 * time.Minute
)

// Infinite is the sentinel duration meaning the lock never expires on its
// own (spec's "never" expiry). It is still subject to explicit UNLOCK.
const Infinite time.Duration = -1

type record struct {
	Token     string
	Root      string
	Duration  time.Duration
	OwnerXML  string
	Principal string
	ZeroDepth bool
	Scope     webdav.LockScope
	Modified  time.Time
}

func (r *record) expired(now time.Time) bool {
	if r.Duration < 0 {
		return false
	}
	return now.After(r.Modified.Add(r.Duration))
}

func (r *record) details() webdav.LockDetails {
	return webdav.LockDetails{
		Root:      r.Root,
		Duration:  r.Duration,
		OwnerXML:  r.OwnerXML,
		ZeroDepth: r.ZeroDepth,
		Scope:     r.Scope,
		Principal: r.Principal,
	}
}

// Store is a leveldb-backed implementation of webdav.LockSystem. All
// mutators serialize through mu, per spec §4.C/§5's single-writer
// discipline; readers snapshot the URL's token set before iterating so a
// lazily-reaped expired token cannot be observed half-removed.
type Store struct {
	path string
	once sync.Once
	db   *leveldb.DB
	err  error
	mu   sync.Mutex
	// cmu is held from a successful Confirm until its release func runs.
	cmu sync.Mutex
}

// New returns a Store that lazily opens its leveldb database at path.
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) open() error {
	s.once.Do(func() {
		s.db, s.err = leveldb.OpenFile(s.path, nil)
	})
	return s.err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func fieldKey(token string) []byte       { return []byte("FIELD:" + token) }
func urlLockKey(url string) []byte       { return []byte("URLLOCK:" + url) }
func lockURLsKey(token string) []byte    { return []byte("LOCKURLS:" + token) }
func urlLockPrefix(url string) []byte    { return []byte("URLLOCK:" + url) }

func (s *Store) getRecord(token string) (*record, bool, error) {
	v, err := s.db.Get(fieldKey(token), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

func (s *Store) putRecord(batch *leveldb.Batch, r *record) error {
	v, err := json.Marshal(r)
	if err != nil {
		return err
	}
	batch.Put(fieldKey(r.Token), v)
	return nil
}

func (s *Store) urlsForToken(token string) ([]string, error) {
	v, err := s.db.Get(lockURLsKey(token), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var urls []string
	if err := json.Unmarshal(v, &urls); err != nil {
		return nil, err
	}
	return urls, nil
}

func (s *Store) tokensForURL(url string) ([]string, error) {
	v, err := s.db.Get(urlLockKey(url), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var toks []string
	if err := json.Unmarshal(v, &toks); err != nil {
		return nil, err
	}
	return toks, nil
}

// included reports whether fn falls inside subtree; with zeroDepth set, only
// subtree itself and its direct children count. It is grounded on
// google-go-webdav/path.Included.
func included(fn, subtree string, zeroDepth bool) bool {
	if fn == subtree {
		return true
	}
	prefix := subtree
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(fn, prefix) {
		return false
	}
	if !zeroDepth {
		return true
	}
	rest := strings.TrimPrefix(fn, prefix)
	return !strings.Contains(rest, "/")
}

// releaseLocked removes a record and its index entries. Caller holds mu and
// has an open batch they will Write.
func (s *Store) releaseLocked(batch *leveldb.Batch, token string) error {
	urls, err := s.urlsForToken(token)
	if err != nil {
		return err
	}
	for _, u := range urls {
		toks, err := s.tokensForURL(u)
		if err != nil {
			return err
		}
		out := toks[:0]
		for _, t := range toks {
			if t != token {
				out = append(out, t)
			}
		}
		if len(out) == 0 {
			batch.Delete(urlLockKey(u))
		} else {
			v, _ := json.Marshal(out)
			batch.Put(urlLockKey(u), v)
		}
	}
	batch.Delete(lockURLsKey(token))
	batch.Delete(fieldKey(token))
	return nil
}

// allRecordsCoveringSubtree scans every lock whose Root falls under or
// equal to root, including descendants brought into scope after creation,
// by walking every URLLOCK: entry with a matching prefix. It is the
// conflict-detection primitive Create and the implicit-extension logic
// both need for a depth-infinity operation.
func (s *Store) allRecordsCoveringSubtree(now time.Time, root string) ([]*record, error) {
	seen := map[string]bool{}
	var out []*record
	collect := func(toksJSON []byte) error {
		var toks []string
		if err := json.Unmarshal(toksJSON, &toks); err != nil {
			return nil
		}
		for _, t := range toks {
			if seen[t] {
				continue
			}
			seen[t] = true
			r, ok, err := s.getRecord(t)
			if err != nil {
				return err
			}
			if !ok || r.expired(now) {
				continue
			}
			out = append(out, r)
		}
		return nil
	}

	// Exact match on root itself, then every descendant beneath it.
	if v, err := s.db.Get(urlLockKey(root), nil); err == nil {
		if err := collect(v); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return nil, err
	}

	childPrefix := root
	if !strings.HasSuffix(childPrefix, "/") {
		childPrefix += "/"
	}
	iter := s.db.NewIterator(util.BytesPrefix(urlLockPrefix(childPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := collect(iter.Value()); err != nil {
			return nil, err
		}
	}
	return out, iter.Error()
}

// ancestorRecords finds every unexpired, non-zero-depth lock rooted at a
// proper ancestor of url. A depth-infinity lock on a collection covers
// descendants created after the lock existed, even though those
// descendants were never individually added to the URL->token index; this
// walks the path upward the way PyFileServer's isUrlLocked checks parent
// directories.
func (s *Store) ancestorRecords(now time.Time, url string) ([]*record, error) {
	var out []*record
	seen := map[string]bool{}
	p := url
	for {
		i := strings.LastIndex(strings.TrimSuffix(p, "/"), "/")
		if i < 0 {
			break
		}
		p = p[:i]
		if p == "" {
			p = "/"
		}
		toks, err := s.tokensForURL(p)
		if err != nil {
			return nil, err
		}
		for _, t := range toks {
			if seen[t] {
				continue
			}
			seen[t] = true
			r, ok, err := s.getRecord(t)
			if err != nil {
				return nil, err
			}
			if !ok || r.expired(now) || r.ZeroDepth {
				continue
			}
			out = append(out, r)
		}
		if p == "/" {
			break
		}
	}
	return out, nil
}

// Create implements webdav.LockSystem.
func (s *Store) Create(now time.Time, details webdav.LockDetails) (string, error) {
	if err := s.open(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	duration := details.Duration
	if duration >= 0 {
		if duration < MinDuration {
			duration = MinDuration
		}
		if duration > MaxDuration {
			duration = MaxDuration
		}
	}

	existing, err := s.allRecordsCoveringSubtree(now, details.Root)
	if err != nil {
		return "", err
	}
	ancestors, err := s.ancestorRecords(now, details.Root)
	if err != nil {
		return "", err
	}
	existing = append(existing, ancestors...)
	for _, r := range existing {
		if !included(details.Root, r.Root, r.ZeroDepth) && !included(r.Root, details.Root, details.ZeroDepth) {
			continue
		}
		if r.Scope == webdav.LockScopeExclusive || details.Scope == webdav.LockScopeExclusive {
			return "", webdav.ErrLocked
		}
	}

	var token string
	for {
		token = "opaquelocktoken:" + uuid.NewString()
		_, taken, err := s.getRecord(token)
		if err != nil {
			return "", err
		}
		if !taken {
			break
		}
	}
	rec := &record{
		Token:     token,
		Root:      details.Root,
		Duration:  duration,
		OwnerXML:  details.OwnerXML,
		Principal: details.Principal,
		ZeroDepth: details.ZeroDepth,
		Scope:     details.Scope,
		Modified:  now,
	}

	batch := new(leveldb.Batch)
	if err := s.putRecord(batch, rec); err != nil {
		return "", err
	}
	if err := s.addURLLocked(batch, token, details.Root); err != nil {
		return "", err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Store) addURLLocked(batch *leveldb.Batch, token, url string) error {
	urls, err := s.urlsForToken(token)
	if err != nil {
		return err
	}
	for _, u := range urls {
		if u == url {
			return nil
		}
	}
	urls = append(urls, url)
	v, _ := json.Marshal(urls)
	batch.Put(lockURLsKey(token), v)

	toks, err := s.tokensForURL(url)
	if err != nil {
		return err
	}
	for _, t := range toks {
		if t == token {
			return nil
		}
	}
	toks = append(toks, token)
	v2, _ := json.Marshal(toks)
	batch.Put(urlLockKey(url), v2)
	return nil
}

// AddURL implements webdav.LockSystem.
func (s *Store) AddURL(token, url string) error {
	if err := s.open(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.getRecord(token)
	if err != nil {
		return err
	}
	if !ok {
		return webdav.ErrNoSuchLock
	}
	batch := new(leveldb.Batch)
	if err := s.addURLLocked(batch, token, url); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// Refresh implements webdav.LockSystem.
func (s *Store) Refresh(now time.Time, token string, duration time.Duration) (webdav.LockDetails, error) {
	if err := s.open(); err != nil {
		return webdav.LockDetails{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok, err := s.getRecord(token)
	if err != nil {
		return webdav.LockDetails{}, err
	}
	if !ok {
		return webdav.LockDetails{}, webdav.ErrNoSuchLock
	}
	if rec.expired(now) {
		batch := new(leveldb.Batch)
		_ = s.releaseLocked(batch, token)
		s.db.Write(batch, nil)
		return webdav.LockDetails{}, webdav.ErrNoSuchLock
	}
	if duration >= 0 {
		if duration < MinDuration {
			duration = MinDuration
		}
		if duration > MaxDuration {
			duration = MaxDuration
		}
	}
	rec.Duration = duration
	rec.Modified = now
	batch := new(leveldb.Batch)
	if err := s.putRecord(batch, rec); err != nil {
		return webdav.LockDetails{}, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return webdav.LockDetails{}, err
	}
	return rec.details(), nil
}

// Unlock implements webdav.LockSystem.
func (s *Store) Unlock(now time.Time, token string) error {
	if err := s.open(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok, err := s.getRecord(token)
	if err != nil {
		return err
	}
	if !ok || rec.expired(now) {
		return webdav.ErrNoSuchLock
	}
	batch := new(leveldb.Batch)
	if err := s.releaseLocked(batch, token); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// RemoveAllFromURL implements webdav.LockSystem.
func (s *Store) RemoveAllFromURL(now time.Time, url string) error {
	if err := s.open(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	toks, err := s.tokensForURL(url)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, t := range toks {
		if err := s.releaseLocked(batch, t); err != nil {
			return err
		}
	}
	return s.db.Write(batch, nil)
}

// Lookup implements webdav.LockSystem.
func (s *Store) Lookup(now time.Time, token string) (webdav.LockDetails, bool) {
	if err := s.open(); err != nil {
		return webdav.LockDetails{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok, err := s.getRecord(token)
	if err != nil || !ok || rec.expired(now) {
		return webdav.LockDetails{}, false
	}
	return rec.details(), true
}

// TokensForURL implements webdav.LockSystem.
func (s *Store) TokensForURL(now time.Time, url string) []string {
	if err := s.open(); err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	toks, err := s.tokensForURL(url)
	if err != nil {
		return nil
	}
	// Snapshot before iterating, then reap anything expired -- readers must
	// tolerate a token being removed mid-iteration (spec §4.C concurrency).
	snapshot := append([]string(nil), toks...)
	var live []string
	var reaped bool
	for _, t := range snapshot {
		rec, ok, err := s.getRecord(t)
		if err != nil {
			continue
		}
		if !ok || rec.expired(now) {
			reaped = true
			continue
		}
		live = append(live, t)
	}
	if reaped {
		batch := new(leveldb.Batch)
		if len(live) == 0 {
			batch.Delete(urlLockKey(url))
		} else {
			v, _ := json.Marshal(live)
			batch.Put(urlLockKey(url), v)
		}
		s.db.Write(batch, nil)
	}
	return live
}

// TokensForURLByUser implements webdav.LockSystem.
func (s *Store) TokensForURLByUser(now time.Time, url, principal string) []string {
	var out []string
	for _, t := range s.TokensForURL(now, url) {
		rec, ok, err := s.getRecord(t)
		if err != nil || !ok {
			continue
		}
		if rec.Principal == principal {
			out = append(out, t)
		}
	}
	return out
}

// ScopeForURL implements webdav.LockSystem.
func (s *Store) ScopeForURL(now time.Time, url string) (webdav.LockScope, bool) {
	toks := s.TokensForURL(now, url)
	if len(toks) == 0 {
		return 0, false
	}
	rec, ok, err := s.getRecord(toks[0])
	if err != nil || !ok {
		return 0, false
	}
	return rec.Scope, true
}

// ConflictsAt implements webdav.LockSystem. It checks only the locks that
// already cover name -- exact-match tokens plus non-zero-depth ancestors --
// not name's own descendants, since it answers "would a new lock rooted
// exactly here conflict", the per-member question LOCK's depth expansion
// asks, as opposed to Create's whole-subtree claim.
func (s *Store) ConflictsAt(now time.Time, name string, scope webdav.LockScope) (bool, error) {
	if err := s.open(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	toks, err := s.tokensForURL(name)
	if err != nil {
		return false, err
	}
	for _, t := range toks {
		r, ok, err := s.getRecord(t)
		if err != nil {
			return false, err
		}
		if !ok || r.expired(now) {
			continue
		}
		if r.Scope == webdav.LockScopeExclusive || scope == webdav.LockScopeExclusive {
			return true, nil
		}
	}

	ancestors, err := s.ancestorRecords(now, name)
	if err != nil {
		return false, err
	}
	for _, r := range ancestors {
		if r.Scope == webdav.LockScopeExclusive || scope == webdav.LockScopeExclusive {
			return true, nil
		}
	}
	return false, nil
}

// Confirm implements webdav.LockSystem, matching the contract of
// golang.org/x/net/webdav's memLS.Confirm: a successful Confirm holds cmu
// until the returned release func is called, so no other Confirm call
// returns while the Handler holds two resources' claims across a
// COPY/MOVE/DELETE. It does not hold mu, so the holder of the claim can
// still call the Store's other methods (AddURL, RemoveAllFromURL, ...).
func (s *Store) Confirm(now time.Time, name0, name1 string, conditions ...webdav.Condition) (func(), error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	s.cmu.Lock()
	release := func() { s.cmu.Unlock() }

	for _, name := range []string{name0, name1} {
		if name == "" {
			continue
		}
		if !s.confirmOne(now, name, conditions) {
			release()
			return nil, webdav.ErrConfirmationFailed
		}
	}
	return release, nil
}

func (s *Store) confirmOne(now time.Time, name string, conditions []webdav.Condition) bool {
	presented := map[string]bool{}
	for _, c := range conditions {
		if c.Token != "" {
			presented[c.Token] = true
		}
	}
	for _, t := range s.TokensForURL(now, name) {
		if !presented[t] {
			return false
		}
	}
	return true
}
