package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/paperdex/artifact"
	"github.com/hupe1980/paperdex/ivfpq"
	"github.com/hupe1980/paperdex/metastore"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/resource"
	"github.com/hupe1980/paperdex/shard"
)

// Build phases, as reported in logs and in *model.PartialBuildFailure.
const (
	PhaseSample  = "sample"
	PhaseTrain   = "train"
	PhaseEncode  = "encode"
	PhaseSeal    = "seal"
	PhasePublish = "publish"
)

// Builder runs builds against one artifact layout.
type Builder struct {
	cfg       Config
	layout    *artifact.Layout
	logger    *slog.Logger
	resources *resource.Controller
	onSkip    func(shard string, err error)
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithResources shares a resource controller. By default one is created
// from the memory, worker and IO limits in Config.
func WithResources(rc *resource.Controller) Option {
	return func(b *Builder) { b.resources = rc }
}

// WithSkipHook replaces the default warning logged for each skipped shard.
func WithSkipHook(fn func(shard string, err error)) Option {
	return func(b *Builder) { b.onSkip = fn }
}

// New returns a builder publishing into layout.
func New(layout *artifact.Layout, cfg Config, opts ...Option) (*Builder, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Builder{
		cfg:    cfg,
		layout: layout,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.resources == nil {
		b.resources = resource.NewController(resource.Config{
			MemoryLimitBytes:   cfg.MemoryLimitBytes,
			MaxWorkers:         int64(cfg.Workers),
			IOLimitBytesPerSec: cfg.IOLimitBytesPerSec,
		})
	}
	return b, nil
}

// Build is a shorthand for New followed by Builder.Build.
func Build(ctx context.Context, layout *artifact.Layout, src shard.Source, cfg Config, opts ...Option) (*artifact.Manifest, error) {
	b, err := New(layout, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return b.Build(ctx, src)
}

// Config returns the effective configuration.
func (b *Builder) Config() Config { return b.cfg }

// Build ingests the shards of src, publishes a new artifact and returns its
// manifest. Every error is a *model.PartialBuildFailure; nothing is published
// when one is returned.
func (b *Builder) Build(ctx context.Context, src shard.Source) (*artifact.Manifest, error) {
	if b.cfg.MaxShards > 0 {
		src.MaxShards = b.cfg.MaxShards
		src.Spread = b.cfg.Spread
	}
	if src.Resources == nil {
		src.Resources = b.resources
	}

	infos, err := src.List(ctx)
	if err != nil {
		return nil, b.fail(PhaseSample, nil, fmt.Errorf("list shards: %w", err))
	}
	if len(infos) == 0 {
		return nil, b.fail(PhaseSample, nil, errors.New("no shards found"))
	}
	b.logger.Info("build started", "mode", b.cfg.Mode.String(), "shards", len(infos), "workers", b.cfg.Workers)

	// 1. sample
	start := time.Now()
	sp, err := b.sample(ctx, &src, infos)
	if err != nil {
		return nil, b.fail(PhaseSample, sp.skipped, err)
	}
	b.phaseDone(PhaseSample, start, "shards", len(sp.plans), "count", sp.total, "sample", sp.n, "dimension", sp.dim)

	// 2. train
	start = time.Now()
	icfg := b.cfg.indexConfig(sp.dim, sp.n)
	idx, err := ivfpq.New(icfg)
	if err != nil {
		return nil, b.fail(PhaseTrain, sp.skipped, err)
	}
	if err := idx.Train(ctx, sp.sample); err != nil {
		return nil, b.fail(PhaseTrain, sp.skipped, err)
	}
	sp.sample = nil
	b.phaseDone(PhaseTrain, start, "nlist", idx.Config().NList, "m", icfg.M, "bits", icfg.Bits)

	stage, err := b.layout.Stage(ctx, b.cfg.Version)
	if err != nil {
		return nil, b.fail(PhaseEncode, sp.skipped, fmt.Errorf("stage: %w", err))
	}
	defer func() { _ = stage.Abort() }()

	// 3. encode
	start = time.Now()
	meta, err := metastore.Create(stage.Path(artifact.MetadataFile), metastore.WithLogger(b.logger))
	if err != nil {
		return nil, b.fail(PhaseEncode, sp.skipped, err)
	}
	defer meta.Close()
	if err := b.encode(ctx, &src, idx, meta, sp.plans); err != nil {
		return nil, b.fail(PhaseEncode, sp.skipped, err)
	}
	b.phaseDone(PhaseEncode, start, "count", idx.Len())

	// 4. seal
	start = time.Now()
	if err := idx.Seal(); err != nil {
		return nil, b.fail(PhaseSeal, sp.skipped, err)
	}
	if err := b.verify(ctx, idx, meta, sp.total); err != nil {
		return nil, b.fail(PhaseSeal, sp.skipped, err)
	}
	if err := writeIndex(idx, stage.Path(artifact.IndexFile)); err != nil {
		return nil, b.fail(PhaseSeal, sp.skipped, err)
	}
	for k, v := range map[string]string{
		"version":         stage.Version(),
		"mode":            b.cfg.Mode.String(),
		"dimension":       fmt.Sprint(icfg.Dimension),
		"metric":          icfg.Metric.String(),
		"embedding_model": b.cfg.EmbeddingModel,
	} {
		if err := meta.SetInfo(ctx, k, v); err != nil {
			return nil, b.fail(PhaseSeal, sp.skipped, err)
		}
	}
	if err := meta.Close(); err != nil {
		return nil, b.fail(PhaseSeal, sp.skipped, err)
	}
	b.phaseDone(PhaseSeal, start, "version", stage.Version())

	// 5. publish
	start = time.Now()
	m := b.manifest(idx, sp)
	if err := stage.Publish(ctx, m); err != nil {
		return nil, b.fail(PhasePublish, sp.skipped, err)
	}
	b.phaseDone(PhasePublish, start, "version", m.Version, "count", m.TotalIndexed)
	return m, nil
}

func (b *Builder) manifest(idx *ivfpq.Index, sp *samplePass) *artifact.Manifest {
	cfg := idx.Config()
	m := &artifact.Manifest{
		Mode:           b.cfg.Mode,
		Dimension:      cfg.Dimension,
		Metric:         cfg.Metric.String(),
		NList:          cfg.NList,
		M:              cfg.M,
		Bits:           cfg.Bits,
		NProbe:         cfg.NProbe,
		Compression:    cfg.Compression.String(),
		TotalIndexed:   idx.Len(),
		BuildTimestamp: idx.BuildTime(),
		EmbeddingModel: b.cfg.EmbeddingModel,
		Skipped:        sp.skipped,
	}
	for _, p := range sp.plans {
		m.Shards = append(m.Shards, artifact.ShardInfo{
			Name:    p.info.Name,
			Rows:    p.rows,
			FirstID: p.firstID,
			LastID:  p.lastID,
		})
	}
	return m
}

// verify checks that every indexed id has exactly one metadata row.
func (b *Builder) verify(ctx context.Context, idx *ivfpq.Index, meta *metastore.Store, want uint64) error {
	if got := idx.Len(); got != want {
		return fmt.Errorf("index holds %d vectors, shards hold %d", got, want)
	}
	if got := idx.IDSet().GetCardinality(); got != want {
		return fmt.Errorf("index holds %d distinct ids for %d vectors", got, want)
	}
	count, err := meta.Count(ctx)
	if err != nil {
		return err
	}
	if count != want {
		return fmt.Errorf("metadata holds %d rows for %d vectors", count, want)
	}
	return nil
}

func writeIndex(idx *ivfpq.Index, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := idx.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (b *Builder) phaseDone(phase string, start time.Time, args ...any) {
	attrs := append([]any{"phase", phase, "elapsed", time.Since(start)}, args...)
	b.logger.Info("build phase complete", attrs...)
}

func (b *Builder) fail(phase string, skipped []string, err error) error {
	b.logger.Error("build failed", "phase", phase, "error", err)
	return &model.PartialBuildFailure{Phase: phase, Skipped: skipped, Err: err}
}
