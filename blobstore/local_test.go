package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBlobStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	// 1. Create a blob
	name := "shards/part-001.csv"
	data := []byte("hello world, this is a test blob for paperdex")

	w, err := store.Create(ctx, name)
	require.NoError(t, err)
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// Not visible before Close.
	ok, err := Exists(ctx, store, name)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(tmpDir, "shards", "part-001.csv"))
	require.NoError(t, err)

	// 2. Open and ReadAt
	blob, err := store.Open(ctx, name)
	require.NoError(t, err)
	defer blob.Close()

	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err = blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf[:n]))

	// 3. ReadRange
	rc, err := blob.ReadRange(ctx, 13, 4)
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "this", string(content))

	// 4. List
	require.NoError(t, store.Put(ctx, "shards/part-002.csv", []byte("x")))
	require.NoError(t, store.Put(ctx, "other.bin", []byte("y")))

	names, err := store.List(ctx, "shards/")
	require.NoError(t, err)
	require.Equal(t, []string{"shards/part-001.csv", "shards/part-002.csv"}, names)

	// 5. Delete
	require.NoError(t, store.Delete(ctx, "other.bin"))
	require.NoError(t, store.Delete(ctx, "other.bin"))
	_, err = store.Open(ctx, "other.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalBlobStore_ListMissingRoot(t *testing.T) {
	store := NewLocalStore(filepath.Join(t.TempDir(), "missing"))
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalBlobStore_Mappable(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "a", []byte("abc")))

	b, err := store.Open(ctx, "a")
	require.NoError(t, err)
	defer b.Close()

	m, ok := b.(Mappable)
	require.True(t, ok)
	raw, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(raw))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w, err := store.Create(ctx, "b")
	require.NoError(t, err)
	_, _ = w.Write([]byte("hello"))
	require.NoError(t, w.Close())
	require.NoError(t, store.Put(ctx, "a", []byte("x")))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	got, err := ReadAll(ctx, store, "b")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = store.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrefixed(t *testing.T) {
	inner := NewMemoryStore()
	ctx := context.Background()
	p := WithPrefix(inner, "/root/")

	require.NoError(t, p.Put(ctx, "x/y", []byte("1")))
	names, err := inner.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"root/x/y"}, names)

	names, err = p.List(ctx, "x/")
	require.NoError(t, err)
	assert.Equal(t, []string{"x/y"}, names)
}
