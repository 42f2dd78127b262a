package paperdex

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/paperdex/distance"
	"github.com/hupe1980/paperdex/llm"
	"github.com/hupe1980/paperdex/resource"
)

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	embedder         llm.Embedder
	reranker         llm.Reranker
	rerankDepth      int
	linkBase         *string
	nprobe           int
	cacheBytes       int64
	textConcurrency  int
	version          string
	metric           *distance.Metric
	tracerProvider   trace.TracerProvider
	resources        *resource.Controller
}

// Option configures Open and Build.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &paperdex.BasicMetricsCollector{}
//	db, _ := paperdex.Open(ctx, layout, shards, paperdex.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Retrievals: %d, Avg latency: %dns\n", stats.RetrieveCount, stats.RetrieveAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithEmbedder enables RetrieveText. The embedder's model name must match
// the one recorded in the artifact, and its dimension, when known, the
// artifact's dimension.
func WithEmbedder(e llm.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithReranker reranks depth·k index candidates by query text. A failing
// reranker degrades to index order.
func WithReranker(r llm.Reranker, depth int) Option {
	return func(o *options) {
		o.reranker = r
		o.rerankDepth = depth
	}
}

// WithLinkBase sets the citation link prefix. An empty base disables links.
func WithLinkBase(base string) Option {
	return func(o *options) {
		o.linkBase = &base
	}
}

// WithNProbe overrides the number of probed inverted lists.
func WithNProbe(n int) Option {
	return func(o *options) {
		o.nprobe = n
	}
}

// WithTextCache caches up to bytes of CSV records across queries.
func WithTextCache(bytes int64) Option {
	return func(o *options) {
		o.cacheBytes = bytes
	}
}

// WithTextConcurrency bounds parallel text reads per query.
func WithTextConcurrency(n int) Option {
	return func(o *options) {
		o.textConcurrency = n
	}
}

// WithVersion serves a specific artifact version instead of CURRENT.
func WithVersion(version string) Option {
	return func(o *options) {
		o.version = version
	}
}

// WithMetric requires the artifact to have been built for metric.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = &m
	}
}

// WithTracerProvider sets the tracer provider of retrieval spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithResources shares a resource controller with builds and the text cache.
func WithResources(rc *resource.Controller) Option {
	return func(o *options) {
		o.resources = rc
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
