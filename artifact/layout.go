package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/codec"
)

// Artifact file names.
const (
	ArtifactsDir = "artifacts"
	IndexFile    = "index.ivfpq"
	MetadataFile = "metadata.db"
	ManifestFile = "manifest.json"
)

// Layout locates artifacts inside a blob store.
type Layout struct {
	store   blobstore.BlobStore
	local   *blobstore.LocalStore
	pointer Pointer
	workDir string
	codec   codec.Codec
	logger  *slog.Logger
}

// Option configures a Layout.
type Option func(*Layout)

// WithPointer replaces the default CURRENT file pointer.
func WithPointer(p Pointer) Option {
	return func(l *Layout) { l.pointer = p }
}

// WithWorkDir sets the local directory used for staging and for cached
// metadata databases when the store is remote. Defaults to os.TempDir().
func WithWorkDir(dir string) Option {
	return func(l *Layout) { l.workDir = dir }
}

// WithCodec sets the manifest codec.
func WithCodec(c codec.Codec) Option {
	return func(l *Layout) { l.codec = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layout) { l.logger = logger }
}

// NewLayout returns a layout over store.
func NewLayout(store blobstore.BlobStore, opts ...Option) *Layout {
	l := &Layout{
		store:  store,
		codec:  codec.Default,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if local, ok := store.(*blobstore.LocalStore); ok {
		l.local = local
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.pointer == nil {
		l.pointer = &FilePointer{Store: store}
	}
	if l.workDir == "" {
		l.workDir = os.TempDir()
	}
	return l
}

// NewLocalLayout returns a layout rooted at a local directory.
func NewLocalLayout(root string, opts ...Option) *Layout {
	return NewLayout(blobstore.NewLocalStore(root), opts...)
}

// Store returns the underlying blob store.
func (l *Layout) Store() blobstore.BlobStore { return l.store }

// Pointer returns the CURRENT pointer.
func (l *Layout) Pointer() Pointer { return l.pointer }

// Path returns the blob name of file inside an artifact version.
func (l *Layout) Path(version, file string) string {
	return path.Join(ArtifactsDir, version, file)
}

// Current returns the version in service.
func (l *Layout) Current(ctx context.Context) (string, error) {
	return l.pointer.Current(ctx)
}

// Manifest reads the manifest of version.
func (l *Layout) Manifest(ctx context.Context, version string) (*Manifest, error) {
	data, err := blobstore.ReadAll(ctx, l.store, l.Path(version, ManifestFile))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("artifact %s: %w", version, err)
		}
		return nil, err
	}
	m, err := DecodeManifest(data)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", version, err)
	}
	return m, nil
}

// CurrentManifest reads the manifest of the version in service.
func (l *Layout) CurrentManifest(ctx context.Context) (*Manifest, error) {
	version, err := l.Current(ctx)
	if err != nil {
		return nil, err
	}
	return l.Manifest(ctx, version)
}

// Versions lists published versions, oldest first. Staging locations are
// never listed.
func (l *Layout) Versions(ctx context.Context) ([]string, error) {
	names, err := l.store.List(ctx, ArtifactsDir+"/")
	if err != nil {
		return nil, err
	}
	var versions []string
	for _, name := range names {
		parts := strings.Split(name, "/")
		if len(parts) == 3 && parts[2] == ManifestFile {
			versions = append(versions, parts[1])
		}
	}
	sort.Strings(versions)
	return versions, nil
}

// Promote points CURRENT at an already published version.
func (l *Layout) Promote(ctx context.Context, version string) error {
	if err := l.Verify(ctx, version, false); err != nil {
		return err
	}
	if err := l.pointer.Set(ctx, version); err != nil {
		return fmt.Errorf("promote %s: %w", version, err)
	}
	l.logger.Info("artifact promoted", "version", version)
	return nil
}

// Verify checks that every file listed in the manifest of version exists
// with the recorded size. With checksums set the content is read and its
// CRC32C compared as well.
func (l *Layout) Verify(ctx context.Context, version string, checksums bool) error {
	m, err := l.Manifest(ctx, version)
	if err != nil {
		return err
	}
	for _, file := range []string{IndexFile, MetadataFile} {
		want, ok := m.Files[file]
		if !ok {
			return fmt.Errorf("artifact %s: manifest does not list %s", version, file)
		}
		if err := l.verifyFile(ctx, l.Path(version, file), want, checksums); err != nil {
			return fmt.Errorf("artifact %s: %w", version, err)
		}
	}
	return nil
}

func (l *Layout) verifyFile(ctx context.Context, name string, want FileInfo, checksum bool) error {
	b, err := l.store.Open(ctx, name)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.Size() != want.Size {
		return fmt.Errorf("%s: size %d, manifest says %d", name, b.Size(), want.Size)
	}
	if !checksum {
		return nil
	}
	got, err := Checksum(blobstore.NewSectionReader(ctx, b))
	if err != nil {
		return err
	}
	if got.CRC32C != want.CRC32C {
		return fmt.Errorf("%s: crc32c %08x, manifest says %08x", name, got.CRC32C, want.CRC32C)
	}
	return nil
}

// Remove deletes a published version. The version in service cannot be
// removed.
func (l *Layout) Remove(ctx context.Context, version string) error {
	current, err := l.Current(ctx)
	if err != nil && !errors.Is(err, ErrNoCurrent) {
		return err
	}
	if current == version {
		return fmt.Errorf("artifact %s is in service", version)
	}
	// Manifest goes first so a partial removal is no longer listed.
	for _, file := range []string{ManifestFile, IndexFile, MetadataFile} {
		if err := l.store.Delete(ctx, l.Path(version, file)); err != nil {
			return err
		}
	}
	if l.local != nil {
		_ = os.Remove(l.local.Path(path.Join(ArtifactsDir, version)))
	}
	l.logger.Info("artifact removed", "version", version)
	return nil
}

// MetadataPath returns a local file path of the metadata database of
// version. SQLite needs a file, so remote artifacts are downloaded once into
// the work directory and reused afterwards.
func (l *Layout) MetadataPath(ctx context.Context, m *Manifest) (string, error) {
	name := l.Path(m.Version, MetadataFile)
	if l.local != nil {
		return l.local.Path(name), nil
	}

	want := m.Files[MetadataFile]
	dst := filepath.Join(l.workDir, "cache", m.Version, MetadataFile)
	if fi, err := os.Stat(dst); err == nil && fi.Size() == want.Size {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	b, err := l.store.Open(ctx, name)
	if err != nil {
		return "", err
	}
	defer b.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+MetadataFile+"-")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	got, err := Checksum(io.TeeReader(blobstore.NewSectionReader(ctx, b), tmp))
	if err == nil && want.Size != 0 && (got.Size != want.Size || got.CRC32C != want.CRC32C) {
		err = fmt.Errorf("%s: download does not match manifest", name)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	l.logger.Debug("metadata downloaded", "version", m.Version, "path", dst)
	return dst, nil
}
