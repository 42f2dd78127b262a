package builder

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/hupe1980/paperdex/distance"
	"github.com/hupe1980/paperdex/ivfpq"
	"github.com/hupe1980/paperdex/model"
)

// Sizing defaults.
const (
	DefaultSampleSize    = 500_000
	DefaultSubvectors    = 48
	DefaultMetadataBatch = 5_000
	QuickStartMaxNList   = 256
	FullMaxNList         = 4096
	QuickStartShards     = 50
)

// Config controls a build.
type Config struct {
	Mode model.Mode

	// Index is the index tuning. Dimension may be zero, in which case the
	// first valid shard establishes it. Zero NList is derived from the
	// sample size (NListFor, capped at MaxNList); zero M picks the largest
	// divisor of the dimension not above 48.
	Index ivfpq.Config
	// MaxNList caps a derived NList.
	MaxNList int

	// SampleSize bounds the training reservoir.
	SampleSize int
	// Workers is the number of encoding workers.
	Workers int
	// TolerateCorruptShards skips malformed shards with a warning instead
	// of failing the build. Dimension disagreements are never tolerated.
	TolerateCorruptShards bool
	// Seed drives reservoir sampling and quantizer training.
	Seed int64

	// MaxShards limits the shards ingested; Spread picks them evenly.
	MaxShards int
	Spread    bool

	// IDColumn names a CSV column holding unique numeric chunk ids. Empty
	// means ids are assigned as a running counter in shard order, starting
	// at 1.
	IDColumn string

	// MetadataBatch is the number of rows per metadata transaction.
	MetadataBatch int

	MemoryLimitBytes   int64
	IOLimitBytesPerSec int64

	// EmbeddingModel is recorded in the manifest and checked at serve time.
	EmbeddingModel string
	// Version names the artifact. Empty derives it from the build time.
	Version string
}

// QuickStartConfig returns the small subset build: 50 spread shards and at
// most 256 coarse cells.
func QuickStartConfig() Config {
	return Config{
		Mode:          model.ModeQuickStart,
		Index:         defaultIndexConfig(),
		MaxNList:      QuickStartMaxNList,
		SampleSize:    DefaultSampleSize,
		Seed:          1,
		MaxShards:     QuickStartShards,
		Spread:        true,
		MetadataBatch: DefaultMetadataBatch,
	}
}

// FullConfig returns the all-shards build with up to 4096 coarse cells.
func FullConfig() Config {
	return Config{
		Mode:          model.ModeFull,
		Index:         defaultIndexConfig(),
		MaxNList:      FullMaxNList,
		SampleSize:    DefaultSampleSize,
		Seed:          1,
		MetadataBatch: DefaultMetadataBatch,
	}
}

// ConfigFor returns the preset of mode.
func ConfigFor(mode model.Mode) Config {
	if mode == model.ModeFull {
		return FullConfig()
	}
	return QuickStartConfig()
}

func defaultIndexConfig() ivfpq.Config {
	return ivfpq.Config{
		Metric:      distance.MetricCosine,
		Bits:        8,
		NProbe:      32,
		TrainIters:  20,
		Compression: ivfpq.CompressionLZ4,
	}
}

// Validate checks the parts of the configuration known before any shard is
// read.
func (c Config) Validate() error {
	if c.SampleSize <= 0 {
		return errors.New("builder: sample size must be positive")
	}
	if c.Index.Dimension < 0 {
		return errors.New("builder: dimension must not be negative")
	}
	if !c.Index.Metric.Valid() {
		return fmt.Errorf("builder: unsupported metric %v", c.Index.Metric)
	}
	if c.Index.Bits < 0 || c.Index.Bits > 8 {
		return fmt.Errorf("builder: bits must be in [1,8], got %d", c.Index.Bits)
	}
	if c.MaxShards < 0 {
		return errors.New("builder: max shards must not be negative")
	}
	return nil
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.MetadataBatch <= 0 {
		c.MetadataBatch = DefaultMetadataBatch
	}
	if c.MaxNList <= 0 {
		c.MaxNList = FullMaxNList
	}
	if c.Index.Bits == 0 {
		c.Index.Bits = 8
	}
	if c.Index.Seed == 0 {
		c.Index.Seed = c.Seed
	}
}

// indexConfig completes the index configuration once the dimension and the
// sample size are known.
func (c Config) indexConfig(dim, samples int) ivfpq.Config {
	ic := c.Index
	ic.Dimension = dim
	if ic.NList <= 0 {
		ic.NList = ivfpq.NListFor(samples, c.MaxNList)
	}
	if ic.M <= 0 {
		ic.M = ivfpq.SubvectorsFor(dim, DefaultSubvectors)
	}
	if ic.Workers <= 0 {
		ic.Workers = c.Workers
	}
	return ic
}
