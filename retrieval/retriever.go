package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/paperdex/artifact"
	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/model"
)

const (
	// DefaultLinkBase is the article details page of the Utah Digital
	// Newspapers archive.
	DefaultLinkBase = "https://newspapers.lib.utah.edu/details?id="
	// DefaultTitle replaces empty or placeholder titles.
	DefaultTitle = "Untitled Article"
	// DefaultRerankDepth is the candidate multiplier when reranking.
	DefaultRerankDepth = 3

	tracerName = "github.com/hupe1980/paperdex/retrieval"
)

// ErrNoEmbedder is returned by RetrieveText without an embedder.
var ErrNoEmbedder = errors.New("retrieval: no embedder configured")

// Embedder turns a question into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker re-scores passages against the query text. It returns one score
// per passage, higher is more relevant.
type Reranker interface {
	Score(ctx context.Context, query string, passages []string) ([]float32, error)
}

// Observer receives per-call measurements.
type Observer interface {
	ObserveRetrieve(d time.Duration, results int, err error)
	ObserveRerank(d time.Duration, fallback bool)
}

// Request is a single retrieval.
type Request struct {
	// Vector is the query embedding. Required.
	Vector []float32
	// Query is the question text; reranking needs it.
	Query string
	// K is the number of passages to return.
	K int
	// NProbe overrides the index default when positive.
	NProbe int
}

// Retriever answers queries against the current snapshot.
type Retriever struct {
	current atomic.Pointer[Snapshot]

	embedder    Embedder
	reranker    Reranker
	rerankDepth int
	breaker     *gobreaker.CircuitBreaker
	linkBase    string
	nprobe      int
	observer    Observer
	tracer      trace.Tracer
	logger      *slog.Logger
}

type options struct {
	embedder    Embedder
	reranker    Reranker
	rerankDepth int
	breaker     *gobreaker.Settings
	linkBase    *string
	nprobe      int
	observer    Observer
	tracer      trace.TracerProvider
	logger      *slog.Logger
}

// Option configures a Retriever.
type Option func(*options)

// WithEmbedder enables RetrieveText.
func WithEmbedder(e Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithReranker enables the rerank stage. depth multiplies k to get the
// number of index candidates handed to the reranker (DefaultRerankDepth when
// zero).
func WithReranker(r Reranker, depth int) Option {
	return func(o *options) {
		o.reranker = r
		o.rerankDepth = depth
	}
}

// WithBreakerSettings replaces the rerank circuit breaker settings.
func WithBreakerSettings(s gobreaker.Settings) Option {
	return func(o *options) { o.breaker = &s }
}

// WithLinkBase sets the prefix of citation links. An empty base disables
// links.
func WithLinkBase(base string) Option {
	return func(o *options) { o.linkBase = &base }
}

// WithNProbe overrides the index probe count for every query.
func WithNProbe(n int) Option {
	return func(o *options) { o.nprobe = n }
}

// WithObserver reports latencies.
func WithObserver(ob Observer) Option {
	return func(o *options) { o.observer = ob }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New returns a retriever with no snapshot; Retrieve fails with
// model.ErrNotReady until Swap is called.
func New(opts ...Option) *Retriever {
	o := options{
		rerankDepth: DefaultRerankDepth,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.rerankDepth <= 0 {
		o.rerankDepth = DefaultRerankDepth
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider()
	}
	linkBase := DefaultLinkBase
	if o.linkBase != nil {
		linkBase = *o.linkBase
	}

	r := &Retriever{
		embedder:    o.embedder,
		reranker:    o.reranker,
		rerankDepth: o.rerankDepth,
		linkBase:    linkBase,
		nprobe:      o.nprobe,
		observer:    o.observer,
		tracer:      o.tracer.Tracer(tracerName),
		logger:      o.logger,
	}
	if r.reranker != nil {
		settings := defaultBreakerSettings(r.logger)
		if o.breaker != nil {
			settings = *o.breaker
		}
		r.breaker = gobreaker.NewCircuitBreaker(settings)
	}
	return r
}

func defaultBreakerSettings(logger *slog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "reranker",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// Open loads the artifact CURRENT points to and returns a retriever serving
// it.
func Open(ctx context.Context, layout *artifact.Layout, shards blobstore.BlobStore, load LoadOptions, opts ...Option) (*Retriever, error) {
	r := New(opts...)
	if load.Logger == nil {
		load.Logger = r.logger
	}
	snap, err := Load(ctx, layout, shards, load)
	if err != nil {
		return nil, err
	}
	r.Swap(snap)
	return r, nil
}

// Swap installs s as the current snapshot and releases the previous one.
// Passing nil unloads the retriever.
func (r *Retriever) Swap(s *Snapshot) {
	old := r.current.Swap(s)
	if s != nil {
		r.logger.Info("snapshot swapped", "version", s.Version(), "mode", s.manifest.Mode.String(), "count", s.index.Len())
	}
	if old != nil && old != s {
		_ = old.Close()
	}
}

// Close unloads the current snapshot.
func (r *Retriever) Close() error {
	r.Swap(nil)
	return nil
}

// Snapshot pins the current snapshot. Call the returned release function
// when done.
func (r *Retriever) Snapshot() (*Snapshot, func(), error) {
	s, err := r.acquire()
	if err != nil {
		return nil, nil, err
	}
	return s, s.release, nil
}

func (r *Retriever) acquire() (*Snapshot, error) {
	for {
		s := r.current.Load()
		if s == nil {
			return nil, model.ErrNotReady
		}
		if s.acquire() {
			return s, nil
		}
		// s was swapped out and drained between Load and acquire.
	}
}

// Stats describes the snapshot in service.
func (r *Retriever) Stats() (model.Stats, error) {
	s, err := r.acquire()
	if err != nil {
		return model.Stats{}, err
	}
	defer s.release()
	return s.Stats(), nil
}

// Retrieve returns up to k passages for a query embedding.
func (r *Retriever) Retrieve(ctx context.Context, query []float32, k int) ([]model.Passage, error) {
	return r.Search(ctx, Request{Vector: query, K: k})
}

// RetrieveText embeds question and retrieves passages for it. With a
// reranker configured the passages are reranked against question.
func (r *Retriever) RetrieveText(ctx context.Context, question string, k int) ([]model.Passage, error) {
	if r.embedder == nil {
		return nil, ErrNoEmbedder
	}
	ectx, span := r.tracer.Start(ctx, "embed")
	vec, err := r.embedder.Embed(ectx, question)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	return r.Search(ctx, Request{Vector: vec, Query: question, K: k})
}

// Search runs a retrieval. Passages whose metadata or text could not be
// resolved keep their rank with Passage.Err set.
func (r *Retriever) Search(ctx context.Context, req Request) (passages []model.Passage, err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "retrieve", trace.WithAttributes(
		attribute.Int("retrieve.k", req.K),
		attribute.Bool("retrieve.rerank", r.reranks(req)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if r.observer != nil {
			r.observer.ObserveRetrieve(time.Since(start), len(passages), err)
		}
		r.logger.Debug("retrieve", "k", req.K, "count", len(passages), "elapsed", time.Since(start), "error", err)
	}()

	if req.K <= 0 {
		return nil, model.ErrInvalidK
	}
	s, err := r.acquire()
	if err != nil {
		return nil, err
	}
	defer s.release()
	span.SetAttributes(attribute.String("artifact.version", s.Version()))

	if dim := s.index.Dimension(); len(req.Vector) != dim {
		return nil, &model.DimensionMismatchError{Expected: dim, Actual: len(req.Vector)}
	}

	fetch := req.K
	if r.reranks(req) {
		fetch = req.K * r.rerankDepth
	}
	nprobe := req.NProbe
	if nprobe <= 0 {
		nprobe = r.nprobe
	}

	sctx, sspan := r.tracer.Start(ctx, "index.search")
	neighbors, err := s.index.Search(sctx, req.Vector, fetch, nprobe)
	sspan.SetAttributes(attribute.Int("search.candidates", len(neighbors)), attribute.Int("search.nprobe", nprobe))
	sspan.End()
	if err != nil {
		return nil, err
	}

	passages, err = r.resolve(ctx, s, neighbors)
	if err != nil {
		return nil, err
	}

	if r.reranks(req) {
		passages = r.rerank(ctx, req.Query, passages)
	}
	if len(passages) > req.K {
		passages = passages[:req.K]
	}
	return passages, nil
}

func (r *Retriever) reranks(req Request) bool {
	return r.reranker != nil && req.Query != ""
}

// resolve fetches metadata and text concurrently and assembles passages in
// index order.
func (r *Retriever) resolve(ctx context.Context, s *Snapshot, neighbors []model.Neighbor) ([]model.Passage, error) {
	ids := make([]model.ID, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.ID
	}

	var (
		rows     map[model.ID]model.Row
		rowMiss  map[model.ID]error
		texts    map[model.ID]string
		textMiss map[model.ID]error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ctx, span := r.tracer.Start(gctx, "metadata.get_batch", trace.WithAttributes(attribute.Int("ids", len(ids))))
		defer span.End()
		var err error
		rows, rowMiss, err = s.meta.GetBatch(ctx, ids)
		return err
	})
	g.Go(func() error {
		ctx, span := r.tracer.Start(gctx, "text.get_batch", trace.WithAttributes(attribute.Int("ids", len(ids))))
		defer span.End()
		var err error
		texts, textMiss, err = s.text.GetTextBatch(ctx, ids)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	metric := s.index.Metric()
	passages := make([]model.Passage, len(neighbors))
	for i, n := range neighbors {
		p := model.Passage{ID: n.ID, Distance: n.Distance, Score: metric.Score(n.Distance)}
		if row, ok := rows[n.ID]; ok {
			p.Title = CleanTitle(row.Title)
			p.Date = CleanDate(row.Date)
			p.Publication = row.Publication
			p.ArticleID = row.ArticleID
			if r.linkBase != "" && row.ArticleID != "" {
				p.Link = r.linkBase + row.ArticleID
			}
		} else {
			p.Err = rowMiss[n.ID]
		}
		if text, ok := texts[n.ID]; ok {
			p.Text = text
		} else if p.Err == nil {
			p.Err = textMiss[n.ID]
		}
		if p.Err != nil {
			r.logger.Warn("passage unresolved", "id", uint64(n.ID), "error", p.Err)
		}
		passages[i] = p
	}
	return passages, nil
}

// rerank reorders resolved passages by reranker score. Unresolved passages
// follow in index order. Any reranker failure, including an open breaker,
// keeps the index order.
func (r *Retriever) rerank(ctx context.Context, query string, passages []model.Passage) []model.Passage {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "rerank")
	defer span.End()

	var ok, missing []model.Passage
	for _, p := range passages {
		if p.Missing() {
			missing = append(missing, p)
		} else {
			ok = append(ok, p)
		}
	}
	texts := make([]string, len(ok))
	for i, p := range ok {
		texts[i] = p.Text
	}

	res, err := r.breaker.Execute(func() (any, error) {
		scores, err := r.reranker.Score(ctx, query, texts)
		if err != nil {
			return nil, err
		}
		if len(scores) != len(texts) {
			return nil, fmt.Errorf("reranker returned %d scores for %d passages", len(scores), len(texts))
		}
		return scores, nil
	})
	if err != nil {
		span.SetAttributes(
			attribute.Bool("rerank.fallback", true),
			attribute.Bool("rerank.circuit_breaker_open", errors.Is(err, gobreaker.ErrOpenState)),
		)
		r.logger.Warn("rerank failed, keeping index order", "error", err)
		if r.observer != nil {
			r.observer.ObserveRerank(time.Since(start), true)
		}
		return passages
	}

	scores := res.([]float32)
	for i := range ok {
		ok[i].Score = scores[i]
	}
	sort.SliceStable(ok, func(i, j int) bool { return ok[i].Score > ok[j].Score })
	if r.observer != nil {
		r.observer.ObserveRerank(time.Since(start), false)
	}
	return append(ok, missing...)
}

// CleanTitle substitutes DefaultTitle for empty and placeholder titles.
func CleanTitle(title string) string {
	switch strings.TrimSpace(title) {
	case "", "nan", "None":
		return DefaultTitle
	}
	return title
}

// CleanDate trims the time part of an ISO timestamp.
func CleanDate(date string) string {
	if i := strings.IndexByte(date, 'T'); i >= 0 {
		return date[:i]
	}
	return date
}
