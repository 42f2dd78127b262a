package textstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/internal/cache"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/shard"
)

// DefaultMaxTextBytes caps the size of a single record read.
const DefaultMaxTextBytes = 1 << 20

// headerProbe is the first read size when looking for a CSV header line.
const headerProbe = 64 << 10

// Locator maps chunk ids to the byte range of their record.
type Locator interface {
	Locate(ctx context.Context, id model.ID) (model.Location, error)
	LocateBatch(ctx context.Context, ids []model.ID) (map[model.ID]model.Location, map[model.ID]error, error)
}

// Resolver fetches chunk text from shard CSV files.
type Resolver struct {
	loc      Locator
	store    blobstore.BlobStore
	cache    *cache.LRU
	maxBytes int64
	workers  int
	logger   *slog.Logger

	// columns caches the chunk_text column index per shard.
	columns sync.Map
}

type options struct {
	cache    *cache.LRU
	maxBytes int64
	workers  int
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*options)

// WithCache caches record bytes keyed by shard and offset.
func WithCache(c *cache.LRU) Option {
	return func(o *options) { o.cache = c }
}

// WithMaxTextBytes sets the largest record the resolver will read.
func WithMaxTextBytes(n int64) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithConcurrency bounds parallel reads in GetTextBatch.
func WithConcurrency(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New returns a resolver reading <shard>.csv files from store.
func New(loc Locator, store blobstore.BlobStore, opts ...Option) *Resolver {
	o := options{
		maxBytes: DefaultMaxTextBytes,
		workers:  runtime.GOMAXPROCS(0) * 4,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.maxBytes <= 0 {
		o.maxBytes = DefaultMaxTextBytes
	}
	if o.workers <= 0 {
		o.workers = 1
	}
	return &Resolver{
		loc:      loc,
		store:    store,
		cache:    o.cache,
		maxBytes: o.maxBytes,
		workers:  o.workers,
		logger:   o.logger,
	}
}

// GetText returns the text of id, or a *model.NotFoundError.
func (r *Resolver) GetText(ctx context.Context, id model.ID) (string, error) {
	loc, err := r.loc.Locate(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "", &model.NotFoundError{ID: id, What: "text"}
		}
		return "", err
	}
	text, err := r.Read(ctx, loc)
	if err != nil {
		return "", r.wrap(id, err)
	}
	return text, nil
}

// GetTextBatch resolves ids concurrently. Failures of individual ids are
// reported in missing; the returned error is reserved for locator failures
// and cancellation.
func (r *Resolver) GetTextBatch(ctx context.Context, ids []model.ID) (map[model.ID]string, map[model.ID]error, error) {
	locs, missing, err := r.loc.LocateBatch(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	for id := range missing {
		missing[id] = &model.NotFoundError{ID: id, What: "text"}
	}

	var mu sync.Mutex
	texts := make(map[model.ID]string, len(locs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for id, loc := range locs {
		g.Go(func() error {
			text, err := r.Read(gctx, loc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				missing[id] = r.wrap(id, err)
				return nil
			}
			texts[id] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return texts, missing, nil
}

func (r *Resolver) wrap(id model.ID, err error) error {
	if errors.Is(err, blobstore.ErrNotFound) {
		return &model.NotFoundError{ID: id, What: "text"}
	}
	r.logger.Warn("text read failed", "id", uint64(id), "error", err)
	return fmt.Errorf("text for id %d: %w", id, err)
}

// Read returns the chunk_text of the record at loc.
func (r *Resolver) Read(ctx context.Context, loc model.Location) (string, error) {
	if loc.Length <= 0 || loc.Offset < 0 {
		return "", fmt.Errorf("invalid location %s", loc)
	}
	if loc.Length > r.maxBytes {
		return "", fmt.Errorf("record at %s exceeds %d bytes", loc, r.maxBytes)
	}
	name := loc.Shard + shard.MetadataExt

	key := cache.Key{Path: name, Offset: uint64(loc.Offset)}
	raw, ok := r.cachedRecord(key, loc.Length)
	if !ok {
		b, err := r.store.Open(ctx, name)
		if err != nil {
			return "", err
		}
		defer func() { _ = b.Close() }()

		raw = make([]byte, loc.Length)
		n, err := b.ReadAt(ctx, raw, loc.Offset)
		if err != nil && !(errors.Is(err, io.EOF) && n == len(raw)) {
			return "", fmt.Errorf("read %s: %w", loc, err)
		}
		if r.cache != nil {
			r.cache.Set(key, raw)
		}
	}

	col, err := r.textColumn(ctx, loc.Shard, name)
	if err != nil {
		return "", err
	}
	fields, err := shard.ParseRecord(raw)
	if err != nil {
		return "", fmt.Errorf("parse record %s: %w", loc, err)
	}
	if col >= len(fields) {
		return "", fmt.Errorf("record %s has %d fields, chunk_text is column %d", loc, len(fields), col)
	}
	return strings.ReplaceAll(fields[col], "\x00", ""), nil
}

func (r *Resolver) cachedRecord(key cache.Key, length int64) ([]byte, bool) {
	if r.cache == nil {
		return nil, false
	}
	b, ok := r.cache.Get(key)
	if !ok || int64(len(b)) != length {
		return nil, false
	}
	return b, true
}

func (r *Resolver) textColumn(ctx context.Context, shardName, blobName string) (int, error) {
	if v, ok := r.columns.Load(shardName); ok {
		return v.(int), nil
	}

	b, err := r.store.Open(ctx, blobName)
	if err != nil {
		return 0, err
	}
	defer func() { _ = b.Close() }()

	// The header may exceed one probe when column names are long; grow the
	// read until a full line is visible or the cap is hit.
	for size := int64(headerProbe); ; size *= 4 {
		size = min(size, b.Size(), r.maxBytes)
		buf := make([]byte, size)
		n, err := b.ReadAt(ctx, buf, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read header of %s: %w", blobName, err)
		}
		buf = buf[:n]
		if nl := bytes.IndexByte(buf, '\n'); nl >= 0 || size == b.Size() || size == r.maxBytes {
			if nl >= 0 {
				buf = buf[:nl+1]
			}
			h, err := shard.ReadHeader(bytes.NewReader(buf))
			if err != nil {
				return 0, err
			}
			col, ok := h.Index(shard.ColumnChunkText)
			if !ok {
				return 0, fmt.Errorf("%s has no %s column", blobName, shard.ColumnChunkText)
			}
			r.columns.Store(shardName, col)
			return col, nil
		}
	}
}
