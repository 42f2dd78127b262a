package minio

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/paperdex/blobstore"
)

// TestStore_Integration runs against a live endpoint when PAPERDEX_MINIO_ENDPOINT is set.
func TestStore_Integration(t *testing.T) {
	endpoint := os.Getenv("PAPERDEX_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("PAPERDEX_MINIO_ENDPOINT not set")
	}

	store, err := Dial(endpoint,
		os.Getenv("PAPERDEX_MINIO_ACCESS_KEY"),
		os.Getenv("PAPERDEX_MINIO_SECRET_KEY"),
		false,
		os.Getenv("PAPERDEX_MINIO_BUCKET"),
		"paperdex-test",
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "a.txt", []byte("hello world")))
	defer func() { _ = store.Delete(ctx, "a.txt") }()

	b, err := store.Open(ctx, "a.txt")
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := b.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, names, "a.txt")

	_, err = store.Open(ctx, "missing.txt")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestNewStoreRootPrefix(t *testing.T) {
	s := NewStore(nil, "bucket", "/data/")
	assert.Equal(t, "data/x", s.key("x"))
	s = NewStore(nil, "bucket", "")
	assert.Equal(t, "x", s.key("x"))
}
