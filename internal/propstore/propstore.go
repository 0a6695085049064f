// Package propstore implements component B, the property manager: a
// persistent key/value store of dead properties keyed by (url, namespace,
// local name). It follows the teacher's fs/fs.go pattern of persisting a
// file's dead properties as JSON alongside the resource, generalized into a
// single shared leveldb database so lookups do not require opening a
// sidecar file per resource and so property records survive a MOVE/COPY
// without needing to walk the backing filesystem for sidecars.
package propstore

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cwho/pyfileserver/webdav"
)

// Protected is the fixed set of DAV: names that are always live or
// protected and can never be set as a dead property, per spec §3. It is an
// alias of webdav.ProtectedNames so the dispatcher and the store enforce
// exactly the same set without maintaining two copies of the list.
var Protected = webdav.ProtectedNames

// ErrProtected is returned by Set when the caller attempts to set a
// protected DAV: property name. It is webdav.ErrForbiddenName under the
// hood, so a PropertyStore.Set caller in package webdav can test for it
// without importing this package back (which would be a cycle, since this
// package already imports webdav for the Entry type below).
var ErrProtected = webdav.ErrForbiddenName

// Entry is one stored dead property value; an alias of webdav.DeadProperty
// so Store satisfies webdav.PropertyStore directly.
type Entry = webdav.DeadProperty

// Store is the property manager. Initialization is lazy and guarded by
// sync.Once so the first caller opens the backing leveldb database exactly
// once, per spec §4.B; every mutator then serializes through mu so readers
// never observe a half-written record.
type Store struct {
	path string
	once sync.Once
	db   *leveldb.DB
	err  error
	mu   sync.RWMutex
}

var _ webdav.PropertyStore = (*Store)(nil)

// New returns a Store that will lazily open its leveldb database at path on
// first use.
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

func key(url, ns, local string) []byte {
	return []byte("PROP:" + url + "\x00" + ns + "\x00" + local)
}

func prefixForURL(url string) []byte {
	return []byte("PROP:" + url + "\x00")
}

// List returns every dead property stored for url.
func (s *Store) List(url string) ([]Entry, error) {
	if err := s.open(); err != nil {
		return nil, err
	}

	iter := s.db.NewIterator(util.BytesPrefix(prefixForURL(url)), nil)
	defer iter.Release()
	var out []Entry
	for iter.Next() {
		k := string(iter.Key())
		parts := strings.SplitN(strings.TrimPrefix(k, "PROP:"+url+"\x00"), "\x00", 2)
		if len(parts) != 2 {
			continue
		}
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		out = append(out, Entry{Namespace: parts[0], Local: parts[1], Value: v})
	}
	return out, iter.Error()
}

// Get returns the value stored for (url, ns, name), and whether it exists.
func (s *Store) Get(url, ns, name string) ([]byte, bool, error) {
	if err := s.open(); err != nil {
		return nil, false, err
	}
	v, err := s.db.Get(key(url, ns, name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores value for (url, ns, name). Setting a protected DAV: name
// fails with ErrProtected regardless of whether a value was previously
// set, matching spec §8's invariant that `set` on a protected name always
// fails Conflict and `get` keeps returning the live value.
func (s *Store) Set(url, ns, name string, value []byte) error {
	if ns == "DAV:" && Protected[name] {
		return ErrProtected
	}
	if err := s.open(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(key(url, ns, name), value, nil)
}

// Remove deletes the value stored for (url, ns, name), if any.
func (s *Store) Remove(url, ns, name string) error {
	if ns == "DAV:" && Protected[name] {
		return ErrProtected
	}
	if err := s.open(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(key(url, ns, name), nil)
}

// RemoveAll deletes every dead property stored for url. Called when a
// resource is destroyed by DELETE or the destructive half of MOVE, so dead
// properties of a deleted resource do not outlive it (spec §3 invariant).
func (s *Store) RemoveAll(url string) error {
	if err := s.open(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix(prefixForURL(url)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// Copy deep-copies every dead property of srcURL onto dstURL, used by COPY
// so the destination resource starts with the same metadata as the source.
func (s *Store) Copy(srcURL, dstURL string) error {
	entries, err := s.List(srcURL)
	if err != nil {
		return err
	}
	if err := s.open(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	for _, e := range entries {
		batch.Put(key(dstURL, e.Namespace, e.Local), e.Value)
	}
	return s.db.Write(batch, nil)
}

// MarshalEntries renders a property set as a JSON object keyed by
// "namespace;local", the same shape internal/fsresource's sidecar files
// use.
func MarshalEntries(entries []Entry) ([]byte, error) {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.Namespace+";"+e.Local] = string(e.Value)
	}
	return json.Marshal(m)
}
