package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/model"
)

func stageFiles(t *testing.T, s *Staging, index, metadata string) {
	t.Helper()
	require.NoError(t, os.WriteFile(s.Path(IndexFile), []byte(index), 0o644))
	require.NoError(t, os.WriteFile(s.Path(MetadataFile), []byte(metadata), 0o644))
}

func testManifest() *Manifest {
	return &Manifest{
		Mode:           model.ModeQuickStart,
		Dimension:      8,
		Metric:         "cosine",
		NList:          4,
		M:              2,
		Bits:           8,
		NProbe:         4,
		TotalIndexed:   10,
		BuildTimestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Shards:         []ShardInfo{{Name: "shard_000", Rows: 10, FirstID: 1, LastID: 10}},
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := testManifest()
	m.Version = "v1"
	m.Files = map[string]FileInfo{IndexFile: {Size: 3, CRC32C: 7}}

	data, err := EncodeManifest(m, nil)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mode": "quick-start"`)

	got, err := DecodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	stats := got.Stats()
	assert.Equal(t, uint64(10), stats.TotalIndexed)
	assert.Equal(t, 8, stats.Dimensionality)
	assert.Equal(t, model.ModeQuickStart, stats.Mode)
}

func TestDecodeManifestRejectsBadInput(t *testing.T) {
	for name, data := range map[string]string{
		"not json":    "{",
		"old version": `{"format_version": 0, "version": "v", "dimension": 4}`,
		"no version":  `{"format_version": 1, "dimension": 4}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeManifest([]byte(data))
			assert.ErrorIs(t, err, model.ErrCorruptArtifact)
		})
	}
}

func TestNewVersionSortsByTime(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 5, time.UTC)
	assert.Less(t, NewVersion(t0), NewVersion(t0.Add(time.Nanosecond)))
	assert.Less(t, NewVersion(t0), NewVersion(t0.Add(time.Hour)))
}

func TestPublishLocal(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	layout := NewLocalLayout(root)

	_, err := layout.Current(ctx)
	require.ErrorIs(t, err, ErrNoCurrent)
	require.ErrorIs(t, err, model.ErrNotReady)

	s, err := layout.Stage(ctx, "v1")
	require.NoError(t, err)
	stageFiles(t, s, "index", "metadata")

	// Staging is invisible until published.
	versions, err := layout.Versions(ctx)
	require.NoError(t, err)
	assert.Empty(t, versions)

	require.NoError(t, s.Publish(ctx, testManifest()))
	require.NoError(t, s.Abort())

	current, err := layout.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", current)

	m, err := layout.CurrentManifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", m.Version)
	assert.Equal(t, int64(5), m.Files[IndexFile].Size)
	assert.NoError(t, layout.Verify(ctx, "v1", true))

	_, err = os.Stat(s.Dir())
	assert.True(t, os.IsNotExist(err))

	path, err := layout.MetadataPath(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ArtifactsDir, "v1", MetadataFile), path)

	require.ErrorIs(t, s.Publish(ctx, testManifest()), ErrStagingClosed)
	_, err = layout.Stage(ctx, "v1")
	assert.Error(t, err)
}

func TestAbortLeavesPreviousArtifact(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	layout := NewLocalLayout(root)

	s1, err := layout.Stage(ctx, "v1")
	require.NoError(t, err)
	stageFiles(t, s1, "a", "b")
	require.NoError(t, s1.Publish(ctx, testManifest()))

	// A build that dies after staging its files.
	s2, err := layout.Stage(ctx, "v2")
	require.NoError(t, err)
	stageFiles(t, s2, "half", "written")

	current, err := layout.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", current)
	versions, err := layout.Versions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, versions)

	require.NoError(t, s2.Abort())
	_, err = os.Stat(s2.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestPublishRemote(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	work := t.TempDir()
	layout := NewLayout(store, WithWorkDir(work))

	s, err := layout.Stage(ctx, "v1")
	require.NoError(t, err)
	stageFiles(t, s, "remote-index", "remote-metadata")
	require.NoError(t, s.Publish(ctx, testManifest()))

	data, err := blobstore.ReadAll(ctx, store, "artifacts/v1/index.ivfpq")
	require.NoError(t, err)
	assert.Equal(t, "remote-index", string(data))
	require.NoError(t, layout.Verify(ctx, "v1", true))

	m, err := layout.Manifest(ctx, "v1")
	require.NoError(t, err)
	path, err := layout.MetadataPath(ctx, m)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "remote-metadata", string(got))

	// Second call reuses the cached copy.
	again, err := layout.MetadataPath(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	layout := NewLayout(store, WithWorkDir(t.TempDir()))

	s, err := layout.Stage(ctx, "v1")
	require.NoError(t, err)
	stageFiles(t, s, "index", "metadata")
	require.NoError(t, s.Publish(ctx, testManifest()))

	require.NoError(t, store.Put(ctx, "artifacts/v1/index.ivfpq", []byte("INDEX")))
	assert.NoError(t, layout.Verify(ctx, "v1", false))
	assert.Error(t, layout.Verify(ctx, "v1", true))

	require.NoError(t, store.Put(ctx, "artifacts/v1/index.ivfpq", []byte("short")))
	require.NoError(t, store.Put(ctx, "artifacts/v1/metadata.db", []byte("x")))
	assert.Error(t, layout.Verify(ctx, "v1", false))
}

func TestPromoteAndRemove(t *testing.T) {
	ctx := context.Background()
	layout := NewLocalLayout(t.TempDir())

	for _, v := range []string{"v1", "v2"} {
		s, err := layout.Stage(ctx, v)
		require.NoError(t, err)
		stageFiles(t, s, "index-"+v, "metadata-"+v)
		require.NoError(t, s.Publish(ctx, testManifest()))
	}

	current, err := layout.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", current)

	require.NoError(t, layout.Promote(ctx, "v1"))
	current, err = layout.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", current)

	assert.Error(t, layout.Promote(ctx, "missing"))
	assert.Error(t, layout.Remove(ctx, "v1"))

	require.NoError(t, layout.Remove(ctx, "v2"))
	versions, err := layout.Versions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, versions)
}

func TestFilePointer(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	p := &FilePointer{Store: store, Name: "pointers/CURRENT"}

	_, err := p.Current(ctx)
	require.True(t, errors.Is(err, ErrNoCurrent))

	require.NoError(t, p.Set(ctx, "v7"))
	v, err := p.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v7", v)

	require.NoError(t, store.Put(ctx, "pointers/CURRENT", []byte("  \n")))
	_, err = p.Current(ctx)
	assert.ErrorIs(t, err, ErrNoCurrent)
}
