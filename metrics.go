package paperdex

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordRetrieve is called after each retrieval. results counts the
	// returned passages, missing those that could not be resolved.
	RecordRetrieve(results, missing int, duration time.Duration, err error)

	// RecordRerank is called after each rerank attempt. fallback is true
	// when index order was kept because the reranker failed or its breaker
	// was open.
	RecordRerank(duration time.Duration, fallback bool)

	// RecordBuild is called after each build.
	RecordBuild(indexed uint64, skipped int, duration time.Duration, err error)

	// RecordSwap is called whenever the served artifact changes.
	RecordSwap(version string)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRetrieve(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordRerank(time.Duration, bool)              {}
func (NoopMetricsCollector) RecordBuild(uint64, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordSwap(string)                             {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	RetrieveCount      atomic.Int64
	RetrieveErrors     atomic.Int64
	RetrieveTotalNanos atomic.Int64
	PassagesReturned   atomic.Int64
	PassagesMissing    atomic.Int64
	RerankCount        atomic.Int64
	RerankFallbacks    atomic.Int64
	RerankTotalNanos   atomic.Int64
	BuildCount         atomic.Int64
	BuildErrors        atomic.Int64
	ChunksIndexed      atomic.Int64
	ShardsSkipped      atomic.Int64
	SwapCount          atomic.Int64

	version atomic.Value
}

// RecordRetrieve implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRetrieve(results, missing int, duration time.Duration, err error) {
	b.RetrieveCount.Add(1)
	b.RetrieveTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RetrieveErrors.Add(1)
		return
	}
	b.PassagesReturned.Add(int64(results))
	b.PassagesMissing.Add(int64(missing))
}

// RecordRerank implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRerank(duration time.Duration, fallback bool) {
	b.RerankCount.Add(1)
	b.RerankTotalNanos.Add(duration.Nanoseconds())
	if fallback {
		b.RerankFallbacks.Add(1)
	}
}

// RecordBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBuild(indexed uint64, skipped int, _ time.Duration, err error) {
	b.BuildCount.Add(1)
	b.ShardsSkipped.Add(int64(skipped))
	if err != nil {
		b.BuildErrors.Add(1)
		return
	}
	b.ChunksIndexed.Add(int64(indexed))
}

// RecordSwap implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSwap(version string) {
	b.SwapCount.Add(1)
	b.version.Store(version)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	version, _ := b.version.Load().(string)
	return BasicMetricsStats{
		RetrieveCount:    b.RetrieveCount.Load(),
		RetrieveErrors:   b.RetrieveErrors.Load(),
		RetrieveAvgNanos: avg(b.RetrieveTotalNanos.Load(), b.RetrieveCount.Load()),
		PassagesReturned: b.PassagesReturned.Load(),
		PassagesMissing:  b.PassagesMissing.Load(),
		RerankCount:      b.RerankCount.Load(),
		RerankFallbacks:  b.RerankFallbacks.Load(),
		RerankAvgNanos:   avg(b.RerankTotalNanos.Load(), b.RerankCount.Load()),
		BuildCount:       b.BuildCount.Load(),
		BuildErrors:      b.BuildErrors.Load(),
		ChunksIndexed:    b.ChunksIndexed.Load(),
		ShardsSkipped:    b.ShardsSkipped.Load(),
		SwapCount:        b.SwapCount.Load(),
		Version:          version,
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	RetrieveCount    int64
	RetrieveErrors   int64
	RetrieveAvgNanos int64
	PassagesReturned int64
	PassagesMissing  int64
	RerankCount      int64
	RerankFallbacks  int64
	RerankAvgNanos   int64
	BuildCount       int64
	BuildErrors      int64
	ChunksIndexed    int64
	ShardsSkipped    int64
	SwapCount        int64
	Version          string
}

// observer adapts a MetricsCollector to retrieval.Observer. Retrieval
// results are recorded by DB itself, which also knows the missing count.
type observer struct {
	mc MetricsCollector
}

func (o observer) ObserveRetrieve(time.Duration, int, error) {}

func (o observer) ObserveRerank(d time.Duration, fallback bool) {
	o.mc.RecordRerank(d, fallback)
}
