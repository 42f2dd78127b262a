package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// BlobStore reads and writes immutable blobs addressed by slash-separated names.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create returns a writer whose content becomes visible on Close.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a whole blob atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names that start with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a blob.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes at off. It follows io.ReaderAt semantics.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadRange streams length bytes starting at off.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.WriteCloser
	// Sync flushes buffered data to durable storage where supported.
	Sync() error
}

// Mappable is implemented by blobs that can expose their content without copying.
type Mappable interface {
	// Bytes returns the blob content. The slice is valid until the blob is closed.
	Bytes() ([]byte, error)
}

// ReadAll reads a whole blob.
func ReadAll(ctx context.Context, s BlobStore, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close() }()

	buf := make([]byte, b.Size())
	if len(buf) == 0 {
		return buf, nil
	}
	n, err := b.ReadAt(ctx, buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return buf, nil
}

// Exists reports whether name can be opened.
func Exists(ctx context.Context, s BlobStore, name string) (bool, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_ = b.Close()
	return true, nil
}

// ReaderAt adapts a Blob to io.ReaderAt bound to ctx.
func ReaderAt(ctx context.Context, b Blob) io.ReaderAt {
	return readerAt{ctx: ctx, b: b}
}

type readerAt struct {
	ctx context.Context
	b   Blob
}

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	return r.b.ReadAt(r.ctx, p, off)
}

// NewSectionReader returns an io.Reader over the whole blob.
func NewSectionReader(ctx context.Context, b Blob) *io.SectionReader {
	return io.NewSectionReader(ReaderAt(ctx, b), 0, b.Size())
}

// Prefixed scopes a store under a name prefix.
type Prefixed struct {
	inner  BlobStore
	prefix string
}

// WithPrefix returns a store whose names are relative to prefix.
func WithPrefix(s BlobStore, prefix string) *Prefixed {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Prefixed{inner: s, prefix: prefix}
}

func (p *Prefixed) Open(ctx context.Context, name string) (Blob, error) {
	return p.inner.Open(ctx, p.prefix+name)
}

func (p *Prefixed) Create(ctx context.Context, name string) (WritableBlob, error) {
	return p.inner.Create(ctx, p.prefix+name)
}

func (p *Prefixed) Put(ctx context.Context, name string, data []byte) error {
	return p.inner.Put(ctx, p.prefix+name, data)
}

func (p *Prefixed) Delete(ctx context.Context, name string) error {
	return p.inner.Delete(ctx, p.prefix+name)
}

func (p *Prefixed) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := p.inner.List(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, n := range names {
		names[i] = strings.TrimPrefix(n, p.prefix)
	}
	return names, nil
}

// bytesBlob serves reads from an in-memory slice.
type bytesBlob struct {
	data  []byte
	close func() error
}

func (b *bytesBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if off < 0 || off >= int64(len(b.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *bytesBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if off < 0 || off > int64(len(b.data)) {
		return nil, io.EOF
	}
	end := min(off+length, int64(len(b.data)))
	return io.NopCloser(bytes.NewReader(b.data[off:end])), nil
}

func (b *bytesBlob) Size() int64 { return int64(len(b.data)) }

func (b *bytesBlob) Bytes() ([]byte, error) { return b.data, nil }

func (b *bytesBlob) Close() error {
	if b.close != nil {
		return b.close()
	}
	return nil
}
