// Package config loads process configuration for the paperdex command: a
// TOML file, an optional .env file and environment overrides, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/hupe1980/paperdex/builder"
	"github.com/hupe1980/paperdex/distance"
	"github.com/hupe1980/paperdex/ivfpq"
	"github.com/hupe1980/paperdex/llm"
	"github.com/hupe1980/paperdex/model"
)

// Storage kinds.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
	StorageMinIO = "minio"
)

// EnvPrefix prefixes every override variable.
const EnvPrefix = "PAPERDEX_"

// Duration is a time.Duration written as "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full process configuration.
type Config struct {
	Storage    Storage    `toml:"storage"`
	Build      Build      `toml:"build"`
	Search     Search     `toml:"search"`
	Embedder   Model      `toml:"embedder"`
	Completion Completion `toml:"completion"`
	Reranker   Reranker   `toml:"reranker"`
	Log        Log        `toml:"log"`
}

// Storage locates shards and artifacts.
type Storage struct {
	Kind string `toml:"kind"`
	// Root is the artifact directory (local) or key prefix (s3, minio).
	Root string `toml:"root"`
	// Shards is the shard directory (local) or key prefix (s3, minio).
	Shards string `toml:"shards"`

	Bucket      string `toml:"bucket"`
	ShardBucket string `toml:"shard_bucket"`
	Region      string `toml:"region"`
	Endpoint    string `toml:"endpoint"`
	AccessKey   string `toml:"access_key"`
	SecretKey   string `toml:"secret_key"`
	UseSSL      bool   `toml:"use_ssl"`

	// PointerTable is a DynamoDB table holding CURRENT. Empty keeps the
	// pointer as a CURRENT object next to the artifacts.
	PointerTable string `toml:"pointer_table"`
	// WorkDir caches remote metadata databases.
	WorkDir string `toml:"work_dir"`
	// CacheBytes bounds the text record cache.
	CacheBytes int64 `toml:"cache_bytes"`
}

// Build mirrors builder.Config.
type Build struct {
	Mode                  string `toml:"mode"`
	SampleSize            int    `toml:"sample_size"`
	Workers               int    `toml:"workers"`
	TolerateCorruptShards bool   `toml:"tolerate_corrupt_shards"`
	Seed                  int64  `toml:"seed"`
	MaxShards             int    `toml:"max_shards"`
	IDColumn              string `toml:"id_column"`
	MemoryLimitBytes      int64  `toml:"memory_limit_bytes"`
	IOLimitBytesPerSec    int64  `toml:"io_limit_bytes_per_sec"`

	Metric      string `toml:"metric"`
	NList       int    `toml:"nlist"`
	M           int    `toml:"m"`
	Bits        int    `toml:"bits"`
	Compression string `toml:"compression"`
}

// Search holds serving defaults.
type Search struct {
	K               int    `toml:"k"`
	MaxK            int    `toml:"max_k"`
	NProbe          int    `toml:"nprobe"`
	LinkBase        string `toml:"link_base"`
	TextConcurrency int    `toml:"text_concurrency"`
}

// Model configures an OpenAI-compatible endpoint.
type Model struct {
	Backend           string   `toml:"backend"`
	BaseURL           string   `toml:"base_url"`
	Model             string   `toml:"model"`
	APIKey            string   `toml:"api_key"`
	Dimensions        int      `toml:"dimensions"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	Timeout           Duration `toml:"timeout"`
}

// Completion configures answer generation.
type Completion struct {
	Enabled           bool     `toml:"enabled"`
	Backend           string   `toml:"backend"`
	BaseURL           string   `toml:"base_url"`
	Model             string   `toml:"model"`
	APIKey            string   `toml:"api_key"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	Timeout           Duration `toml:"timeout"`
	Temperature       float32  `toml:"temperature"`
	MaxTokens         int      `toml:"max_tokens"`
}

func (c Completion) endpoint() Model {
	return Model{
		Backend:           c.Backend,
		BaseURL:           c.BaseURL,
		Model:             c.Model,
		APIKey:            c.APIKey,
		RequestsPerMinute: c.RequestsPerMinute,
		Timeout:           c.Timeout,
	}
}

// Reranker configures the embedding reranker, which reuses the embedder.
type Reranker struct {
	Enabled bool `toml:"enabled"`
	Depth   int  `toml:"depth"`
}

// Log configures the process logger.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: Storage{
			Kind:       StorageLocal,
			Root:       "data",
			Shards:     "shards",
			Region:     "us-east-1",
			CacheBytes: 64 << 20,
		},
		Build: Build{
			Mode:        model.ModeQuickStart.String(),
			SampleSize:  builder.DefaultSampleSize,
			Seed:        1,
			Metric:      "cosine",
			Bits:        8,
			Compression: ivfpq.CompressionLZ4.String(),
		},
		Search: Search{
			K:        5,
			MaxK:     20,
			NProbe:   32,
			LinkBase: "https://newspapers.lib.utah.edu/details?id=",
		},
		Embedder: Model{
			Backend:    string(llm.BackendOllama),
			Model:      "all-minilm",
			Dimensions: 384,
			Timeout:    Duration{30 * time.Second},
		},
		Completion: Completion{
			Enabled:     true,
			Backend:     string(llm.BackendGroq),
			Timeout:     Duration{60 * time.Second},
			Temperature: 0.3,
			MaxTokens:   600,
		},
		Reranker: Reranker{Depth: 3},
		Log:      Log{Level: "info", Format: "text"},
	}
}

type options struct {
	envFile string
	lookup  func(string) (string, bool)
}

// Option configures Load.
type Option func(*options)

// WithEnvFile loads variables from a dotenv file. A missing file is ignored.
func WithEnvFile(path string) Option {
	return func(o *options) { o.envFile = path }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = fn }
}

// Load reads path (skipped when empty), then applies the environment. Values
// from a dotenv file never override variables already set.
func Load(path string, opts ...Option) (*Config, error) {
	o := options{envFile: ".env", lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", o.envFile, err)
		}
	}
	if err := cfg.applyEnv(o.lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str(EnvPrefix+"STORAGE", &c.Storage.Kind)
	str(EnvPrefix+"ROOT", &c.Storage.Root)
	str(EnvPrefix+"SHARDS", &c.Storage.Shards)
	str(EnvPrefix+"BUCKET", &c.Storage.Bucket)
	str(EnvPrefix+"SHARD_BUCKET", &c.Storage.ShardBucket)
	str(EnvPrefix+"REGION", &c.Storage.Region)
	str(EnvPrefix+"ENDPOINT", &c.Storage.Endpoint)
	str(EnvPrefix+"ACCESS_KEY", &c.Storage.AccessKey)
	str(EnvPrefix+"SECRET_KEY", &c.Storage.SecretKey)
	str(EnvPrefix+"POINTER_TABLE", &c.Storage.PointerTable)
	str(EnvPrefix+"WORK_DIR", &c.Storage.WorkDir)
	str(EnvPrefix+"MODE", &c.Build.Mode)
	str(EnvPrefix+"EMBEDDER_BACKEND", &c.Embedder.Backend)
	str(EnvPrefix+"EMBEDDER_URL", &c.Embedder.BaseURL)
	str(EnvPrefix+"EMBEDDER_MODEL", &c.Embedder.Model)
	str(EnvPrefix+"COMPLETION_BACKEND", &c.Completion.Backend)
	str(EnvPrefix+"COMPLETION_URL", &c.Completion.BaseURL)
	str(EnvPrefix+"COMPLETION_MODEL", &c.Completion.Model)
	str(EnvPrefix+"LOG_LEVEL", &c.Log.Level)
	str(EnvPrefix+"LOG_FORMAT", &c.Log.Format)

	for _, fn := range []func() error{
		func() error { return num(EnvPrefix+"NPROBE", &c.Search.NProbe) },
		func() error { return num(EnvPrefix+"K", &c.Search.K) },
		func() error { return num(EnvPrefix+"WORKERS", &c.Build.Workers) },
		func() error { return num(EnvPrefix+"EMBEDDER_DIMENSIONS", &c.Embedder.Dimensions) },
		func() error { return flag(EnvPrefix+"USE_SSL", &c.Storage.UseSSL) },
		func() error { return flag(EnvPrefix+"RERANK", &c.Reranker.Enabled) },
	} {
		if err := fn(); err != nil {
			return err
		}
	}

	c.Embedder.APIKey = apiKey(lookup, c.Embedder)
	c.Completion.APIKey = apiKey(lookup, c.Completion.endpoint())
	return nil
}

// apiKey keeps a configured key and otherwise reads the conventional
// variable of the backend.
func apiKey(lookup func(string) (string, bool), m Model) string {
	if m.APIKey != "" {
		return m.APIKey
	}
	var key string
	switch llm.Backend(strings.ToLower(m.Backend)) {
	case llm.BackendGroq:
		key = "GROQ_API_KEY"
	case llm.BackendOpenAI, "":
		key = "OPENAI_API_KEY"
	default:
		return ""
	}
	v, _ := lookup(key)
	return v
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Storage.Kind {
	case StorageLocal:
	case StorageS3, StorageMinIO:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config: storage %s requires a bucket", c.Storage.Kind)
		}
		if c.Storage.Kind == StorageMinIO && c.Storage.Endpoint == "" {
			return errors.New("config: storage minio requires an endpoint")
		}
	default:
		return fmt.Errorf("config: unknown storage kind %q", c.Storage.Kind)
	}
	if _, err := model.ParseMode(c.Build.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := distance.ParseMetric(c.Build.Metric); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := ivfpq.ParseCompression(c.Build.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := llm.ParseBackend(c.Embedder.Backend); err != nil {
		return fmt.Errorf("config: embedder: %w", err)
	}
	if _, err := llm.ParseBackend(c.Completion.Backend); err != nil {
		return fmt.Errorf("config: completion: %w", err)
	}
	if c.Search.K <= 0 || c.Search.MaxK < c.Search.K {
		return fmt.Errorf("config: search k %d must be in [1,%d]", c.Search.K, c.Search.MaxK)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// BuilderConfig converts the build section into a builder configuration.
func (c *Config) BuilderConfig() (builder.Config, error) {
	mode, err := model.ParseMode(c.Build.Mode)
	if err != nil {
		return builder.Config{}, err
	}
	metric, err := distance.ParseMetric(c.Build.Metric)
	if err != nil {
		return builder.Config{}, err
	}
	comp, err := ivfpq.ParseCompression(c.Build.Compression)
	if err != nil {
		return builder.Config{}, err
	}

	bc := builder.ConfigFor(mode)
	bc.Index.Metric = metric
	bc.Index.Compression = comp
	bc.Index.NList = c.Build.NList
	bc.Index.M = c.Build.M
	if c.Build.Bits > 0 {
		bc.Index.Bits = c.Build.Bits
	}
	if c.Search.NProbe > 0 {
		bc.Index.NProbe = c.Search.NProbe
	}
	if c.Build.SampleSize > 0 {
		bc.SampleSize = c.Build.SampleSize
	}
	if c.Build.MaxShards > 0 {
		bc.MaxShards = c.Build.MaxShards
	}
	bc.Seed = c.Build.Seed
	bc.Workers = c.Build.Workers
	bc.TolerateCorruptShards = c.Build.TolerateCorruptShards
	bc.IDColumn = c.Build.IDColumn
	bc.MemoryLimitBytes = c.Build.MemoryLimitBytes
	bc.IOLimitBytesPerSec = c.Build.IOLimitBytesPerSec
	bc.EmbeddingModel = c.Embedder.Model
	return bc, bc.Validate()
}

// EmbedderConfig returns the llm configuration of the embedder. Embeddings
// are normalized because the index serves cosine similarity.
func (c *Config) EmbedderConfig(logger *slog.Logger) llm.Config {
	return c.Embedder.llmConfig(logger, true)
}

// CompleterConfig returns the llm configuration of the completer.
func (c *Config) CompleterConfig(logger *slog.Logger) llm.Config {
	lc := c.Completion.endpoint().llmConfig(logger, false)
	lc.Temperature = c.Completion.Temperature
	lc.MaxTokens = c.Completion.MaxTokens
	return lc
}

func (m Model) llmConfig(logger *slog.Logger, normalize bool) llm.Config {
	backend, _ := llm.ParseBackend(m.Backend)
	return llm.Config{
		Backend:           backend,
		BaseURL:           m.BaseURL,
		APIKey:            m.APIKey,
		Model:             m.Model,
		Dimensions:        m.Dimensions,
		Normalize:         normalize,
		RequestsPerMinute: m.RequestsPerMinute,
		Timeout:           m.Timeout.Duration,
		Logger:            logger,
	}
}

// SlogLevel parses the level name.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}
