package propstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "props.leveldb"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetRemove(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("/a.txt", "urn:custom", "color", []byte("blue")))
	v, ok, err := s.Get("/a.txt", "urn:custom", "color")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("blue"), v)

	require.NoError(t, s.Remove("/a.txt", "urn:custom", "color"))
	_, ok, err = s.Get("/a.txt", "urn:custom", "color")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetProtectedNameRejected(t *testing.T) {
	s := newTestStore(t)
	err := s.Set("/a.txt", "DAV:", "getcontentlength", []byte("5"))
	assert.ErrorIs(t, err, ErrProtected)
}

func TestListReturnsAllPropertiesForURL(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("/a.txt", "urn:custom", "color", []byte("blue")))
	require.NoError(t, s.Set("/a.txt", "urn:custom", "size", []byte("big")))
	require.NoError(t, s.Set("/b.txt", "urn:custom", "color", []byte("red")))

	entries, err := s.List("/a.txt")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCopyDuplicatesProperties(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("/a.txt", "urn:custom", "color", []byte("blue")))

	require.NoError(t, s.Copy("/a.txt", "/b.txt"))
	v, ok, err := s.Get("/b.txt", "urn:custom", "color")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("blue"), v)

	// source is untouched by copy
	v, ok, err = s.Get("/a.txt", "urn:custom", "color")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("blue"), v)
}

func TestRemoveAllDeletesEveryEntry(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("/a.txt", "urn:custom", "color", []byte("blue")))
	require.NoError(t, s.Set("/a.txt", "urn:custom", "size", []byte("big")))

	require.NoError(t, s.RemoveAll("/a.txt"))
	entries, err := s.List("/a.txt")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
