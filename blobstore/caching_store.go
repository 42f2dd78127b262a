package blobstore

import (
	"context"
	"errors"
	"io"

	"github.com/hupe1980/paperdex/internal/cache"
)

// DefaultBlockSize is the caching granularity for remote reads.
const DefaultBlockSize = 64 * 1024

// CachingStore wraps a BlobStore and caches fixed-size blocks of reads.
// Remote shard stores benefit most: neighbouring chunk records usually share
// a block.
type CachingStore struct {
	inner     BlobStore
	cache     *cache.LRU
	blockSize int64
}

// NewCachingStore creates a new CachingStore. blockSize defaults to
// DefaultBlockSize if <= 0.
func NewCachingStore(inner BlobStore, c *cache.LRU, blockSize int64) *CachingStore {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &CachingStore{inner: inner, cache: c, blockSize: blockSize}
}

func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &cachingBlob{inner: b, cache: s.cache, name: name, blockSize: s.blockSize}, nil
}

func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	s.invalidate(name)
	return s.inner.Create(ctx, name)
}

func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.invalidate(name)
	return s.inner.Put(ctx, name, data)
}

func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.invalidate(name)
	return s.inner.Delete(ctx, name)
}

func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

func (s *CachingStore) invalidate(name string) {
	s.cache.Invalidate(func(k cache.Key) bool { return k.Path == name })
}

type cachingBlob struct {
	inner     Blob
	cache     *cache.LRU
	name      string
	blockSize int64
}

func (b *cachingBlob) Close() error { return b.inner.Close() }

func (b *cachingBlob) Size() int64 { return b.inner.Size() }

func (b *cachingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	size := b.inner.Size()
	if off < 0 || off >= size {
		return 0, io.EOF
	}

	want := min(int64(len(p)), size-off)
	read := int64(0)
	for read < want {
		pos := off + read
		blk := pos / b.blockSize
		data, err := b.block(ctx, blk)
		if err != nil {
			return int(read), err
		}
		inBlock := pos - blk*b.blockSize
		if inBlock >= int64(len(data)) {
			return int(read), io.ErrUnexpectedEOF
		}
		read += int64(copy(p[read:want], data[inBlock:]))
	}

	if want < int64(len(p)) {
		return int(read), io.EOF
	}
	return int(read), nil
}

func (b *cachingBlob) block(ctx context.Context, blk int64) ([]byte, error) {
	key := cache.Key{Path: b.name, Offset: uint64(blk)}
	if data, ok := b.cache.Get(key); ok {
		return data, nil
	}

	start := blk * b.blockSize
	n := min(b.blockSize, b.inner.Size()-start)
	data := make([]byte, n)
	got, err := b.inner.ReadAt(ctx, data, start)
	if err != nil && !(errors.Is(err, io.EOF) && int64(got) == n) {
		return nil, err
	}
	b.cache.Set(key, data)
	return data, nil
}

func (b *cachingBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if off < 0 || off > b.Size() {
		return nil, io.EOF
	}
	length = min(length, b.Size()-off)
	return io.NopCloser(io.NewSectionReader(ReaderAt(ctx, b), off, length)), nil
}
