package ivfpq

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/hupe1980/paperdex/distance"
)

// Config holds the build-time tuning of an index.
type Config struct {
	// Dimension is the embedding width. Required.
	Dimension int
	// Metric is MetricCosine (vectors normalized) or MetricL2.
	Metric distance.Metric
	// NList is the number of coarse cells. It is clamped to the training
	// sample size at Train time.
	NList int
	// M is the number of PQ subvectors. Must divide Dimension.
	M int
	// Bits is the PQ code width per subvector, 1..8.
	Bits int
	// NProbe is the default number of cells visited per query.
	NProbe int
	// TrainIters bounds Lloyd iterations for both quantizers.
	TrainIters int
	// Seed makes training reproducible.
	Seed int64
	// Workers bounds training parallelism.
	Workers int
	// Compression is applied to inverted lists when the index is written.
	Compression Compression
}

// DefaultConfig returns a configuration for dim-wide embeddings: cosine
// metric, 8-bit codes, M=48 when it divides dim, NProbe 32.
func DefaultConfig(dim int) Config {
	return Config{
		Dimension:  dim,
		Metric:     distance.MetricCosine,
		NList:      1024,
		M:          SubvectorsFor(dim, 48),
		Bits:       8,
		NProbe:     32,
		TrainIters: 20,
		Seed:       1,
	}
}

// SubvectorsFor returns the largest divisor of dim that is <= want.
func SubvectorsFor(dim, want int) int {
	if dim <= 0 {
		return 1
	}
	if want > dim {
		want = dim
	}
	for m := want; m > 1; m-- {
		if dim%m == 0 {
			return m
		}
	}
	return 1
}

// NListFor mirrors the usual sizing rule of roughly 40 training points per
// cell, capped at maxList.
func NListFor(samples, maxList int) int {
	n := samples / 40
	if n > maxList {
		n = maxList
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return errors.New("ivfpq: dimension must be positive")
	}
	if !c.Metric.Valid() {
		return fmt.Errorf("ivfpq: unsupported metric %v", c.Metric)
	}
	if c.NList <= 0 {
		return errors.New("ivfpq: nlist must be positive")
	}
	if c.M <= 0 || c.Dimension%c.M != 0 {
		return fmt.Errorf("ivfpq: m=%d must divide dimension %d", c.M, c.Dimension)
	}
	if c.Bits < 1 || c.Bits > 8 {
		return fmt.Errorf("ivfpq: bits must be in [1,8], got %d", c.Bits)
	}
	if !c.Compression.valid() {
		return fmt.Errorf("ivfpq: unknown compression %d", c.Compression)
	}
	return nil
}

func (c *Config) defaults() {
	if c.NProbe <= 0 {
		c.NProbe = 32
	}
	if c.TrainIters <= 0 {
		c.TrainIters = 20
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
}
