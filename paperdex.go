package paperdex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/paperdex/artifact"
	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/internal/cache"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/retrieval"
)

// DB serves retrievals from the artifact CURRENT points to.
//
// DB is safe for concurrent use. Reload and Promote swap the served artifact
// without interrupting in-flight queries.
type DB struct {
	layout    *artifact.Layout
	shards    blobstore.BlobStore
	retriever *retrieval.Retriever
	cache     *cache.LRU
	opts      options

	// mu serializes reloads.
	mu sync.Mutex
}

// Open returns a DB serving the current artifact of layout. Shard CSVs are
// read from shards when passage text is resolved.
//
// Open succeeds when nothing has been published yet; queries then fail with
// ErrNotReady until Reload finds an artifact.
func Open(ctx context.Context, layout *artifact.Layout, shards blobstore.BlobStore, optFns ...Option) (*DB, error) {
	if layout == nil || shards == nil {
		return nil, errors.New("paperdex: layout and shard store are required")
	}
	o := applyOptions(optFns)

	db := &DB{
		layout: layout,
		shards: shards,
		opts:   o,
	}
	if o.cacheBytes > 0 {
		db.cache = cache.NewLRU(o.cacheBytes, o.resources)
	}

	ropts := []retrieval.Option{
		retrieval.WithLogger(o.logger.Logger),
		retrieval.WithObserver(observer{mc: o.metricsCollector}),
	}
	if o.embedder != nil {
		ropts = append(ropts, retrieval.WithEmbedder(o.embedder))
	}
	if o.reranker != nil {
		ropts = append(ropts, retrieval.WithReranker(o.reranker, o.rerankDepth))
	}
	if o.linkBase != nil {
		ropts = append(ropts, retrieval.WithLinkBase(*o.linkBase))
	}
	if o.nprobe > 0 {
		ropts = append(ropts, retrieval.WithNProbe(o.nprobe))
	}
	if o.tracerProvider != nil {
		ropts = append(ropts, retrieval.WithTracerProvider(o.tracerProvider))
	}
	db.retriever = retrieval.New(ropts...)

	if err := db.Reload(ctx); err != nil {
		if !errors.Is(err, artifact.ErrNoCurrent) {
			return nil, err
		}
		o.logger.WarnContext(ctx, "no artifact published yet")
	}
	return db, nil
}

// OpenLocal opens artifacts under root with shards in shardDir.
func OpenLocal(ctx context.Context, root, shardDir string, optFns ...Option) (*DB, error) {
	return Open(ctx, artifact.NewLocalLayout(root), blobstore.NewLocalStore(shardDir), optFns...)
}

// Layout returns the artifact layout.
func (db *DB) Layout() *artifact.Layout { return db.layout }

// Retriever returns the underlying retriever.
func (db *DB) Retriever() *retrieval.Retriever { return db.retriever }

// Version returns the served artifact version, or "" when none is loaded.
func (db *DB) Version() string {
	s, release, err := db.retriever.Snapshot()
	if err != nil {
		return ""
	}
	defer release()
	return s.Version()
}

// Stats describes the served artifact.
func (db *DB) Stats() (model.Stats, error) {
	return db.retriever.Stats()
}

// Versions lists the published artifact versions, oldest first.
func (db *DB) Versions(ctx context.Context) ([]string, error) {
	return db.layout.Versions(ctx)
}

// Reload serves the artifact CURRENT points to, or the version pinned with
// WithVersion. It is a no-op when that artifact is already served. A failed
// load keeps the previous artifact.
func (db *DB) Reload(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	version := db.opts.version
	if version == "" {
		v, err := db.layout.Current(ctx)
		if err != nil {
			return err
		}
		version = v
	}
	from := db.Version()
	if from == version {
		return nil
	}

	snap, err := retrieval.Load(ctx, db.layout, db.shards, db.loadOptions(version))
	if err != nil {
		db.opts.logger.LogSwap(ctx, from, version, err)
		return err
	}
	db.retriever.Swap(snap)
	db.opts.logger.LogSwap(ctx, from, version, nil)
	db.opts.metricsCollector.RecordSwap(version)
	return nil
}

// Promote points CURRENT at an existing version and serves it, e.g. to
// switch from a quick-start to a full artifact.
func (db *DB) Promote(ctx context.Context, version string) error {
	if db.opts.version != "" {
		return fmt.Errorf("paperdex: db is pinned to version %s", db.opts.version)
	}
	if err := db.layout.Promote(ctx, version); err != nil {
		return err
	}
	return db.Reload(ctx)
}

// Close unloads the served artifact. In-flight queries finish first.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	return db.retriever.Close()
}

func (db *DB) loadOptions(version string) retrieval.LoadOptions {
	lo := retrieval.LoadOptions{
		Version:         version,
		Metric:          db.opts.metric,
		NProbe:          db.opts.nprobe,
		Cache:           db.cache,
		TextConcurrency: db.opts.textConcurrency,
		Logger:          db.opts.logger.Logger,
	}
	if e := db.opts.embedder; e != nil {
		lo.Dimension = e.Dimensions()
		lo.EmbeddingModel = e.ModelName()
	}
	return lo
}
