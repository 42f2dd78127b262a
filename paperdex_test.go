package paperdex_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/paperdex"
	"github.com/hupe1980/paperdex/artifact"
	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/builder"
	"github.com/hupe1980/paperdex/llm"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/shard"
	"github.com/hupe1980/paperdex/testutil"
)

const dim = 16

// fakeEmbedder embeds known questions to fixed vectors.
type fakeEmbedder struct {
	model   string
	vectors map[string][]float32
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := e.vectors[text]
	if !ok {
		return nil, fmt.Errorf("unknown question %q", text)
	}
	return v, nil
}

func (e *fakeEmbedder) Dimensions() int   { return dim }
func (e *fakeEmbedder) ModelName() string { return e.model }

type corpus struct {
	store   *blobstore.MemoryStore
	chunks  []testutil.Chunk
	vectors [][]float32
}

func newCorpus(t *testing.T, shards int) *corpus {
	t.Helper()
	chunks, vectors := testutil.NewRNG(11).Corpus(300, dim, 6)
	store := blobstore.NewMemoryStore()
	testutil.WriteCorpus(t, store, shards, chunks, vectors)
	return &corpus{store: store, chunks: chunks, vectors: vectors}
}

func (c *corpus) source() shard.Source {
	return shard.Source{Embeddings: c.store}
}

func smallConfig(mode model.Mode) builder.Config {
	cfg := builder.ConfigFor(mode)
	cfg.SampleSize = 1000
	cfg.MaxNList = 8
	cfg.Workers = 2
	cfg.Index.M = 4
	cfg.MaxShards = 0
	return cfg
}

func TestOpenBeforeBuild(t *testing.T) {
	ctx := context.Background()
	c := newCorpus(t, 3)
	db, err := paperdex.Open(ctx, artifact.NewLocalLayout(t.TempDir()), c.store)
	require.NoError(t, err)
	defer db.Close()

	assert.Empty(t, db.Version())
	_, err = db.Retrieve(ctx, c.vectors[0], 5)
	require.ErrorIs(t, err, paperdex.ErrNotReady)
	assert.Equal(t, paperdex.KindNotReady, paperdex.KindOf(err))

	_, err = db.Stats()
	require.ErrorIs(t, err, paperdex.ErrNotReady)
}

func TestOpenRequiresStores(t *testing.T) {
	_, err := paperdex.Open(context.Background(), nil, blobstore.NewMemoryStore())
	require.Error(t, err)
}

func TestBuildAndServe(t *testing.T) {
	ctx := context.Background()
	c := newCorpus(t, 3)
	metrics := &paperdex.BasicMetricsCollector{}
	embedder := &fakeEmbedder{model: "test-embedder", vectors: map[string][]float32{"statehood": c.vectors[41]}}

	db, err := paperdex.Open(ctx, artifact.NewLocalLayout(t.TempDir()), c.store,
		paperdex.WithEmbedder(embedder),
		paperdex.WithMetricsCollector(metrics),
		paperdex.WithTextCache(1<<20),
	)
	require.NoError(t, err)
	defer db.Close()

	m, err := db.Build(ctx, c.source(), smallConfig(model.ModeQuickStart))
	require.NoError(t, err)
	assert.Equal(t, "test-embedder", m.EmbeddingModel)
	assert.Equal(t, m.Version, db.Version())

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 300, stats.TotalIndexed)
	assert.Equal(t, dim, stats.Dimensionality)
	assert.Equal(t, model.ModeQuickStart, stats.Mode)

	passages, err := db.RetrieveText(ctx, "statehood", 5)
	require.NoError(t, err)
	require.Len(t, passages, 5)
	ids := make([]model.ID, len(passages))
	for i, p := range passages {
		require.NoError(t, p.Err)
		ids[i] = p.ID
	}
	assert.Contains(t, ids, model.ID(42))

	passages, err = db.Retrieve(ctx, c.vectors[41], 3)
	require.NoError(t, err)
	assert.Len(t, passages, 3)

	_, err = db.Retrieve(ctx, c.vectors[0], 0)
	require.ErrorIs(t, err, paperdex.ErrInvalidK)
	assert.Equal(t, paperdex.KindInvalidArgument, paperdex.KindOf(err))

	_, err = db.Retrieve(ctx, make([]float32, dim+1), 3)
	var dm *paperdex.DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, paperdex.KindDimensionMismatch, paperdex.KindOf(err))

	s := metrics.GetStats()
	assert.EqualValues(t, 1, s.BuildCount)
	assert.EqualValues(t, 300, s.ChunksIndexed)
	assert.EqualValues(t, 1, s.SwapCount)
	assert.Equal(t, m.Version, s.Version)
	assert.EqualValues(t, 4, s.RetrieveCount)
	assert.EqualValues(t, 2, s.RetrieveErrors)
	assert.EqualValues(t, 8, s.PassagesReturned)
}

func TestReloadAndPromote(t *testing.T) {
	ctx := context.Background()
	c := newCorpus(t, 4)
	layout := artifact.NewLocalLayout(t.TempDir())

	quick := smallConfig(model.ModeQuickStart)
	quick.MaxShards = 2
	qm, err := paperdex.Build(ctx, layout, c.source(), quick)
	require.NoError(t, err)
	assert.EqualValues(t, 150, qm.TotalIndexed)

	db, err := paperdex.Open(ctx, layout, c.store)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, qm.Version, db.Version())

	fm, err := paperdex.Build(ctx, layout, c.source(), smallConfig(model.ModeFull))
	require.NoError(t, err)

	// CURRENT moved; the DB keeps serving quick-start until reloaded.
	assert.Equal(t, qm.Version, db.Version())
	require.NoError(t, db.Reload(ctx))
	assert.Equal(t, fm.Version, db.Version())
	require.NoError(t, db.Reload(ctx))

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, model.ModeFull, stats.Mode)
	assert.EqualValues(t, 300, stats.TotalIndexed)

	versions, err := db.Versions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{qm.Version, fm.Version}, versions)

	require.NoError(t, db.Promote(ctx, qm.Version))
	assert.Equal(t, qm.Version, db.Version())
	stats, err = db.Stats()
	require.NoError(t, err)
	assert.Equal(t, model.ModeQuickStart, stats.Mode)

	require.Error(t, db.Promote(ctx, "19990101T000000.000000000Z"))
	assert.Equal(t, qm.Version, db.Version())
}

func TestPinnedVersion(t *testing.T) {
	ctx := context.Background()
	c := newCorpus(t, 3)
	layout := artifact.NewLocalLayout(t.TempDir())

	first, err := paperdex.Build(ctx, layout, c.source(), smallConfig(model.ModeQuickStart))
	require.NoError(t, err)
	_, err = paperdex.Build(ctx, layout, c.source(), smallConfig(model.ModeFull))
	require.NoError(t, err)

	db, err := paperdex.Open(ctx, layout, c.store, paperdex.WithVersion(first.Version))
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, first.Version, db.Version())
	require.Error(t, db.Promote(ctx, first.Version))
}

func TestEmbedderMismatch(t *testing.T) {
	ctx := context.Background()
	c := newCorpus(t, 3)
	layout := artifact.NewLocalLayout(t.TempDir())

	cfg := smallConfig(model.ModeQuickStart)
	cfg.EmbeddingModel = "all-minilm"
	_, err := paperdex.Build(ctx, layout, c.source(), cfg)
	require.NoError(t, err)

	_, err = paperdex.Open(ctx, layout, c.store, paperdex.WithEmbedder(&fakeEmbedder{model: "text-embedding-3-small"}))
	var cm *paperdex.ConfigMismatchError
	require.ErrorAs(t, err, &cm)
	assert.Equal(t, paperdex.KindConfigMismatch, paperdex.KindOf(err))
}

func TestAsk(t *testing.T) {
	ctx := context.Background()
	c := newCorpus(t, 3)
	embedder := &fakeEmbedder{model: "test-embedder", vectors: map[string][]float32{"q": c.vectors[10]}}

	db, err := paperdex.Open(ctx, artifact.NewLocalLayout(t.TempDir()), c.store, paperdex.WithEmbedder(embedder))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Build(ctx, c.source(), smallConfig(model.ModeQuickStart))
	require.NoError(t, err)

	ans, err := db.Ask(ctx, llm.NewAnswerer(nil), "q", 5)
	require.NoError(t, err)
	assert.True(t, ans.Fallback)
	assert.Len(t, ans.Sources, 5)
	assert.Contains(t, ans.Text, "Found 5 relevant articles")

	_, err = db.Ask(ctx, llm.NewAnswerer(nil), "unknown", 5)
	require.Error(t, err)
}

func TestBuildSkipsCorruptShard(t *testing.T) {
	ctx := context.Background()
	c := newCorpus(t, 3)
	require.NoError(t, c.store.Put(ctx, "shard_001.npy", []byte("not an npy file")))

	var buf bytes.Buffer
	logger := paperdex.NewLogger(slog.NewJSONHandler(&buf, nil))
	metrics := &paperdex.BasicMetricsCollector{}
	layout := artifact.NewLocalLayout(t.TempDir())

	_, err := paperdex.Build(ctx, layout, c.source(), smallConfig(model.ModeFull),
		paperdex.WithLogger(logger), paperdex.WithMetricsCollector(metrics))
	var pbf *paperdex.PartialBuildFailure
	require.ErrorAs(t, err, &pbf)
	assert.Equal(t, paperdex.KindBuildFailed, paperdex.KindOf(err))
	_, err = layout.Current(ctx)
	require.ErrorIs(t, err, artifact.ErrNoCurrent)

	cfg := smallConfig(model.ModeFull)
	cfg.TolerateCorruptShards = true
	m, err := paperdex.Build(ctx, layout, c.source(), cfg,
		paperdex.WithLogger(logger), paperdex.WithMetricsCollector(metrics))
	require.NoError(t, err)
	assert.Equal(t, []string{"shard_001"}, m.Skipped)
	assert.EqualValues(t, 200, m.TotalIndexed)

	assert.Contains(t, buf.String(), `"msg":"shard skipped"`)
	assert.Contains(t, buf.String(), `"shard":"shard_001"`)
	assert.Contains(t, buf.String(), `"msg":"build published"`)

	s := metrics.GetStats()
	assert.EqualValues(t, 2, s.BuildCount)
	assert.EqualValues(t, 1, s.BuildErrors)
	assert.EqualValues(t, 1, s.ShardsSkipped)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want paperdex.ErrorKind
	}{
		{nil, paperdex.KindNone},
		{fmt.Errorf("load: %w", paperdex.ErrNotReady), paperdex.KindNotReady},
		{artifact.ErrNoCurrent, paperdex.KindNotReady},
		{model.Corruptf("bad magic"), paperdex.KindCorruptArtifact},
		{&paperdex.NotFoundError{ID: 3}, paperdex.KindNotFound},
		{&paperdex.IngestError{Shard: "s", Err: errors.New("x")}, paperdex.KindIngest},
		{&paperdex.PartialBuildFailure{Phase: "sample", Err: &paperdex.DimensionMismatchError{Expected: 1, Actual: 2}}, paperdex.KindBuildFailed},
		{paperdex.ErrNoEmbedder, paperdex.KindInvalidArgument},
		{context.Canceled, paperdex.KindCanceled},
		{errors.New("boom"), paperdex.KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, paperdex.KindOf(tt.err), "%v", tt.err)
	}
}
