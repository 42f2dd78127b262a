package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/shard"
)

// shardPlan is a shard that passed validation, with its id range.
type shardPlan struct {
	info    shard.Info
	rows    uint64
	firstID model.ID
	lastID  model.ID
}

type samplePass struct {
	dim     int
	plans   []shardPlan
	skipped []string
	// sample holds n reservoir vectors, flattened.
	sample []float32
	n      int
	total  uint64
}

// sample reads every shard once. Each shard is buffered whole before it
// touches the reservoir, so a shard that turns out to be corrupt halfway
// through leaves no trace in the sample.
func (b *Builder) sample(ctx context.Context, src *shard.Source, infos []shard.Info) (*samplePass, error) {
	sp := &samplePass{dim: b.cfg.Index.Dimension}
	rng := rand.New(rand.NewSource(b.cfg.Seed))
	limit := b.cfg.SampleSize
	nextID := model.ID(1)

	var seen *roaring64.Bitmap
	if b.cfg.IDColumn != "" {
		seen = roaring64.New()
	}

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return sp, err
		}

		scan, err := b.scanShard(ctx, src, info, sp.dim)
		if err == nil && seen != nil {
			if dup := roaring64.And(seen, scan.ids); !dup.IsEmpty() {
				err = &model.IngestError{Shard: info.Name, Row: -1, Err: fmt.Errorf("duplicate chunk id %d", dup.Minimum())}
			}
		}
		if err != nil {
			b.resources.ReleaseMemory(scan.reserved)
			if !b.tolerable(ctx, err) {
				return sp, err
			}
			if b.onSkip != nil {
				b.onSkip(info.Name, err)
			} else {
				b.logger.Warn("skipping corrupt shard", "shard", info.Name, "error", err)
			}
			sp.skipped = append(sp.skipped, info.Name)
			continue
		}

		if sp.dim == 0 {
			sp.dim = scan.dim
			sp.sample = make([]float32, 0, min(limit, 1<<20)*sp.dim)
		}
		dim := sp.dim
		plan := shardPlan{info: info, rows: scan.rows}
		if seen != nil {
			seen.Or(scan.ids)
			if scan.rows > 0 {
				plan.firstID, plan.lastID = model.ID(scan.ids.Minimum()), model.ID(scan.ids.Maximum())
			}
		} else {
			plan.firstID = nextID
			plan.lastID = nextID + model.ID(scan.rows) - 1
			nextID += model.ID(scan.rows)
		}

		// Algorithm R over the global stream of vectors.
		for i := uint64(0); i < scan.rows; i++ {
			v := scan.vecs[int(i)*dim : int(i+1)*dim]
			sp.total++
			if sp.n < limit {
				sp.sample = append(sp.sample, v...)
				sp.n++
				continue
			}
			if j := rng.Int63n(int64(sp.total)); j < int64(limit) {
				copy(sp.sample[int(j)*dim:int(j+1)*dim], v)
			}
		}
		b.resources.ReleaseMemory(scan.reserved)
		sp.plans = append(sp.plans, plan)
		b.logger.Debug("shard sampled", "shard", info.Name, "count", scan.rows)
	}

	if len(sp.plans) == 0 {
		return sp, errors.New("no valid shards")
	}
	if sp.total == 0 {
		return sp, errors.New("shards contain no vectors")
	}
	return sp, nil
}

// tolerable reports whether err may be skipped under TolerateCorruptShards.
// A width disagreement means a different embedder and is always fatal.
func (b *Builder) tolerable(ctx context.Context, err error) bool {
	if !b.cfg.TolerateCorruptShards || ctx.Err() != nil {
		return false
	}
	var dm *model.DimensionMismatchError
	if errors.As(err, &dm) {
		return false
	}
	var ie *model.IngestError
	return errors.As(err, &ie)
}

// initialScanRows caps the rows preallocated per shard scan; larger shards
// grow by append.
const initialScanRows = 1 << 16

type shardScan struct {
	dim      int
	rows     uint64
	vecs     []float32
	ids      *roaring64.Bitmap
	reserved int64
}

func (b *Builder) scanShard(ctx context.Context, src *shard.Source, info shard.Info, dim int) (shardScan, error) {
	var scan shardScan
	r, err := src.Open(ctx, info)
	if err != nil {
		return scan, err
	}
	defer r.Close()

	scan.dim = r.Dim()
	if scan.dim <= 0 {
		return scan, &model.IngestError{Shard: info.Name, Row: -1, Err: fmt.Errorf("invalid embedding width %d", scan.dim)}
	}
	if dim != 0 && scan.dim != dim {
		return scan, &model.DimensionMismatchError{Expected: dim, Actual: scan.dim, Shard: info.Name}
	}

	idCol := -1
	if b.cfg.IDColumn != "" {
		col, ok := r.Header().Index(b.cfg.IDColumn)
		if !ok {
			return scan, &model.IngestError{Shard: info.Name, Row: -1, Err: fmt.Errorf("missing id column %q", b.cfg.IDColumn)}
		}
		idCol = col
		scan.ids = roaring64.New()
	}

	bytes := int64(r.Rows()) * int64(scan.dim) * 4
	if scan.reserved, err = b.resources.AcquireMemory(ctx, bytes); err != nil {
		return scan, err
	}
	scan.vecs = make([]float32, 0, min(r.Rows(), initialScanRows)*scan.dim)

	for {
		vec, rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return scan, err
		}
		if idCol >= 0 {
			id, err := parseID(rec, idCol)
			if err != nil {
				return scan, &model.IngestError{Shard: info.Name, Row: rec.Row, Err: err}
			}
			if !scan.ids.CheckedAdd(id) {
				return scan, &model.IngestError{Shard: info.Name, Row: rec.Row, Err: fmt.Errorf("duplicate chunk id %d", id)}
			}
		}
		scan.vecs = append(scan.vecs, vec...)
		scan.rows++
		if scan.rows%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return scan, err
			}
		}
	}
	return scan, nil
}

func parseID(rec shard.Record, col int) (uint64, error) {
	if col >= len(rec.Fields) {
		return 0, errors.New("record has no id field")
	}
	id, err := strconv.ParseUint(rec.Fields[col], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk id %q: %w", rec.Fields[col], err)
	}
	if id == 0 {
		return 0, errors.New("chunk id 0 is reserved")
	}
	return id, nil
}
