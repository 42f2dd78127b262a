package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/model"
)

// CurrentName is the pointer blob naming the artifact in service.
const CurrentName = "CURRENT"

// ErrNoCurrent is returned when nothing has been published yet. It matches
// model.ErrNotReady.
var ErrNoCurrent = fmt.Errorf("%w: no artifact published", model.ErrNotReady)

// ErrConcurrentModification is returned when another writer moved the
// pointer between our read and our write.
var ErrConcurrentModification = errors.New("artifact: concurrent pointer modification")

// Pointer names the artifact version in service.
type Pointer interface {
	// Current returns the published version or ErrNoCurrent.
	Current(ctx context.Context) (string, error)
	// Set atomically switches the pointer to version.
	Set(ctx context.Context, version string) error
}

// FilePointer keeps the pointer in a blob. Atomicity comes from the store:
// LocalStore renames a temp file over the blob, object stores replace
// objects whole.
type FilePointer struct {
	Store blobstore.BlobStore
	// Name defaults to CURRENT.
	Name string
}

func (p *FilePointer) name() string {
	if p.Name == "" {
		return CurrentName
	}
	return p.Name
}

// Current reads the pointer blob.
func (p *FilePointer) Current(ctx context.Context) (string, error) {
	data, err := blobstore.ReadAll(ctx, p.Store, p.name())
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", ErrNoCurrent
		}
		return "", err
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", ErrNoCurrent
	}
	return v, nil
}

// Set replaces the pointer blob.
func (p *FilePointer) Set(ctx context.Context, version string) error {
	return p.Store.Put(ctx, p.name(), []byte(version+"\n"))
}
