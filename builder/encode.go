package builder

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/paperdex/ivfpq"
	"github.com/hupe1980/paperdex/metastore"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/shard"
)

// encode splits plans into contiguous ranges, one per worker. Each worker
// fills its own partition; partitions are merged in worker order once all
// workers finished, so list contents do not depend on scheduling.
func (b *Builder) encode(ctx context.Context, src *shard.Source, idx *ivfpq.Index, meta *metastore.Store, plans []shardPlan) error {
	workers := min(b.cfg.Workers, len(plans))
	parts := make([]*ivfpq.Partition, workers)
	for w := range parts {
		p, err := idx.NewPartition()
		if err != nil {
			return err
		}
		parts[w] = p
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo, hi := w*len(plans)/workers, (w+1)*len(plans)/workers
		p := parts[w]
		g.Go(func() error {
			if err := b.resources.AcquireWorker(gctx); err != nil {
				return err
			}
			defer b.resources.ReleaseWorker()

			for _, plan := range plans[lo:hi] {
				if err := b.encodeShard(gctx, src, p, meta, plan); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, p := range parts {
		if err := idx.Merge(p); err != nil {
			return err
		}
	}
	return nil
}

// encodeShard re-reads a shard validated by the sample pass. A shard that
// fails now changed underneath the build and is fatal even when corrupt
// shards are tolerated: its rows may already be in the partition.
func (b *Builder) encodeShard(ctx context.Context, src *shard.Source, p *ivfpq.Partition, meta *metastore.Store, plan shardPlan) error {
	r, err := src.Open(ctx, plan.info)
	if err != nil {
		return err
	}
	defer r.Close()

	h := r.Header()
	idCol := -1
	if b.cfg.IDColumn != "" {
		idCol, _ = h.Index(b.cfg.IDColumn)
	}

	rows := make([]model.Row, 0, b.cfg.MetadataBatch)
	flush := func() error {
		if err := meta.PutBatch(ctx, rows); err != nil {
			return fmt.Errorf("shard %s: %w", plan.info.Name, err)
		}
		rows = rows[:0]
		return nil
	}

	next := plan.firstID
	var n uint64
	for {
		vec, rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		id := next
		if idCol >= 0 {
			raw, err := parseID(rec, idCol)
			if err != nil {
				return &model.IngestError{Shard: plan.info.Name, Row: rec.Row, Err: err}
			}
			id = model.ID(raw)
		} else {
			next++
		}

		if err := p.Add(id, vec); err != nil {
			var dm *model.DimensionMismatchError
			if errors.As(err, &dm) {
				dm.Shard = plan.info.Name
			}
			return err
		}
		rows = append(rows, model.Row{
			ID: id,
			Attributes: model.Attributes{
				Title:       rec.Get(h, shard.ColumnTitle),
				Date:        rec.Get(h, shard.ColumnDate),
				Publication: rec.Get(h, shard.ColumnPaper),
				ArticleID:   rec.Get(h, shard.ColumnID),
			},
			Location: model.Location{Shard: plan.info.Name, Offset: rec.Offset, Length: rec.Length},
		})
		if len(rows) == cap(rows) {
			if err := flush(); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		n++
	}
	if err := flush(); err != nil {
		return err
	}
	if n != plan.rows {
		return &model.IngestError{Shard: plan.info.Name, Row: -1, Err: fmt.Errorf("shard changed during build: %d rows, sampled %d", n, plan.rows)}
	}
	b.logger.Debug("shard encoded", "shard", plan.info.Name, "count", n)
	return nil
}
