package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/hupe1980/paperdex/artifact"
	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/distance"
	"github.com/hupe1980/paperdex/internal/cache"
	"github.com/hupe1980/paperdex/ivfpq"
	"github.com/hupe1980/paperdex/metastore"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/textstore"
)

// Snapshot is one loaded artifact.
type Snapshot struct {
	index    *ivfpq.Index
	meta     *metastore.Store
	text     *textstore.Resolver
	manifest *artifact.Manifest

	// refs counts the owner reference plus one per in-flight query.
	refs   atomic.Int64
	closed chan struct{}
	err    error
}

// NewSnapshot assembles a snapshot from loaded parts and takes ownership of
// index and meta.
func NewSnapshot(index *ivfpq.Index, meta *metastore.Store, text *textstore.Resolver, m *artifact.Manifest) *Snapshot {
	s := &Snapshot{index: index, meta: meta, text: text, manifest: m, closed: make(chan struct{})}
	s.refs.Store(1)
	return s
}

// Index returns the vector index.
func (s *Snapshot) Index() *ivfpq.Index { return s.index }

// Metadata returns the metadata store.
func (s *Snapshot) Metadata() *metastore.Store { return s.meta }

// Text returns the text resolver.
func (s *Snapshot) Text() *textstore.Resolver { return s.text }

// Manifest returns the artifact manifest.
func (s *Snapshot) Manifest() *artifact.Manifest { return s.manifest }

// Version returns the artifact version.
func (s *Snapshot) Version() string { return s.manifest.Version }

// Stats describes the snapshot.
func (s *Snapshot) Stats() model.Stats {
	st := s.manifest.Stats()
	st.TotalIndexed = s.index.Len()
	return st
}

// Done is closed once the snapshot released its resources.
func (s *Snapshot) Done() <-chan struct{} { return s.closed }

func (s *Snapshot) acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Snapshot) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.err = errors.Join(s.index.Close(), s.meta.Close())
	close(s.closed)
}

// Close drops the owner reference. Resources are released when the last
// in-flight query finishes.
func (s *Snapshot) Close() error {
	s.release()
	return nil
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Version loads a specific artifact instead of CURRENT.
	Version string
	// Dimension and Metric, when set, must match the artifact.
	Dimension int
	Metric    *distance.Metric
	// EmbeddingModel, when set and recorded in the manifest, must match.
	EmbeddingModel string
	// NProbe overrides the default probe count of the index.
	NProbe int
	// Cache caches CSV record bytes across queries.
	Cache *cache.LRU
	// TextConcurrency bounds parallel text reads per query.
	TextConcurrency int
	// LookupBatch bounds ids per metadata query.
	LookupBatch int
	Logger      *slog.Logger
}

// Load opens the artifact CURRENT points to (or opts.Version) from layout.
// Shard CSVs are read from shards.
func Load(ctx context.Context, layout *artifact.Layout, shards blobstore.BlobStore, opts LoadOptions) (*Snapshot, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	version := opts.Version
	if version == "" {
		v, err := layout.Current(ctx)
		if err != nil {
			return nil, err
		}
		version = v
	}
	m, err := layout.Manifest(ctx, version)
	if err != nil {
		return nil, err
	}
	if opts.EmbeddingModel != "" && m.EmbeddingModel != "" && opts.EmbeddingModel != m.EmbeddingModel {
		return nil, &model.ConfigMismatchError{Field: "embedding_model", Artifact: m.EmbeddingModel, Runtime: opts.EmbeddingModel}
	}

	var loadOpts []ivfpq.LoadOption
	if opts.Dimension > 0 {
		loadOpts = append(loadOpts, ivfpq.WithExpectedDimension(opts.Dimension))
	}
	if opts.Metric != nil {
		loadOpts = append(loadOpts, ivfpq.WithExpectedMetric(*opts.Metric))
	}
	if opts.NProbe > 0 {
		loadOpts = append(loadOpts, ivfpq.WithNProbe(opts.NProbe))
	}
	idx, err := ivfpq.Open(ctx, layout.Store(), layout.Path(version, artifact.IndexFile), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", version, err)
	}
	if idx.Len() != m.TotalIndexed || idx.Dimension() != m.Dimension {
		_ = idx.Close()
		return nil, model.Corruptf("index %s disagrees with its manifest", version)
	}

	path, err := layout.MetadataPath(ctx, m)
	if err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("load metadata %s: %w", version, err)
	}
	var metaOpts []metastore.Option
	metaOpts = append(metaOpts, metastore.WithLogger(logger))
	if opts.LookupBatch > 0 {
		metaOpts = append(metaOpts, metastore.WithLookupBatch(opts.LookupBatch))
	}
	meta, err := metastore.Open(path, metaOpts...)
	if err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("load metadata %s: %w", version, err)
	}

	textOpts := []textstore.Option{textstore.WithLogger(logger)}
	if opts.Cache != nil {
		textOpts = append(textOpts, textstore.WithCache(opts.Cache))
	}
	if opts.TextConcurrency > 0 {
		textOpts = append(textOpts, textstore.WithConcurrency(opts.TextConcurrency))
	}
	text := textstore.New(meta, shards, textOpts...)

	logger.Info("artifact loaded", "version", version, "mode", m.Mode.String(), "count", idx.Len(), "dimension", idx.Dimension())
	return NewSnapshot(idx, meta, text, m), nil
}
