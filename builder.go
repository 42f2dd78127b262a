package paperdex

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/paperdex/artifact"
	"github.com/hupe1980/paperdex/builder"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/shard"
)

// Build ingests the shards of src into a new artifact and publishes it as
// CURRENT. On failure nothing is published and the previous artifact stays
// current.
func Build(ctx context.Context, layout *artifact.Layout, src shard.Source, cfg builder.Config, optFns ...Option) (*artifact.Manifest, error) {
	return build(ctx, layout, src, cfg, applyOptions(optFns))
}

// Build runs a build into the served layout and starts serving the new
// artifact once it is published.
func (db *DB) Build(ctx context.Context, src shard.Source, cfg builder.Config) (*artifact.Manifest, error) {
	if cfg.EmbeddingModel == "" && db.opts.embedder != nil {
		cfg.EmbeddingModel = db.opts.embedder.ModelName()
	}
	m, err := build(ctx, db.layout, src, cfg, db.opts)
	if err != nil {
		return nil, err
	}
	if db.opts.version != "" {
		return m, nil
	}
	return m, db.Reload(ctx)
}

func build(ctx context.Context, layout *artifact.Layout, src shard.Source, cfg builder.Config, o options) (*artifact.Manifest, error) {
	start := time.Now()
	bopts := []builder.Option{
		builder.WithLogger(o.logger.Logger),
		builder.WithSkipHook(func(name string, err error) {
			o.logger.LogShardSkipped(ctx, name, err)
		}),
	}
	if o.resources != nil {
		bopts = append(bopts, builder.WithResources(o.resources))
	}

	m, err := builder.Build(ctx, layout, src, cfg, bopts...)
	elapsed := time.Since(start)
	if err != nil {
		var skipped []string
		var pbf *model.PartialBuildFailure
		if errors.As(err, &pbf) {
			skipped = pbf.Skipped
		}
		o.logger.LogBuild(ctx, "", 0, skipped, elapsed, err)
		o.metricsCollector.RecordBuild(0, len(skipped), elapsed, err)
		return nil, err
	}
	o.logger.LogBuild(ctx, m.Version, m.TotalIndexed, m.Skipped, elapsed, nil)
	o.metricsCollector.RecordBuild(m.TotalIndexed, len(m.Skipped), elapsed, nil)
	return m, nil
}
