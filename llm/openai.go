package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/hupe1980/paperdex/distance"
)

// Backend names an OpenAI-compatible service.
type Backend string

const (
	BackendOpenAI Backend = "openai"
	BackendGroq   Backend = "groq"
	BackendOllama Backend = "ollama"
)

// Base URLs of the known backends.
const (
	GroqBaseURL   = "https://api.groq.com/openai/v1"
	OllamaBaseURL = "http://localhost:11434/v1"
)

// ParseBackend parses a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendOpenAI, BackendGroq, BackendOllama:
		return b, nil
	case "":
		return BackendOpenAI, nil
	default:
		return "", fmt.Errorf("llm: unknown backend %q", s)
	}
}

// Config configures an OpenAI-compatible client.
type Config struct {
	Backend Backend
	// BaseURL overrides the backend's default endpoint.
	BaseURL string
	APIKey  string
	// Model is the embedding or chat model, depending on the client.
	Model string
	// Dimensions is the expected embedding width; 0 learns it from the
	// first response.
	Dimensions int
	// Normalize L2-normalizes embeddings.
	Normalize bool

	Temperature float32
	MaxTokens   int

	// RequestsPerMinute throttles calls; 0 disables throttling.
	RequestsPerMinute int
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

func (c Config) defaultModel(chat bool) string {
	switch c.Backend {
	case BackendGroq:
		return "llama-3.3-70b-versatile"
	case BackendOllama:
		if chat {
			return "llama3.2"
		}
		return "all-minilm"
	default:
		if chat {
			return "gpt-4o-mini"
		}
		return "text-embedding-3-small"
	}
}

type client struct {
	api     *openai.Client
	model   string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
}

func newClient(cfg Config, chat bool) (*client, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendOpenAI
	}
	cfg.Backend = backend

	base := cfg.BaseURL
	key := cfg.APIKey
	switch backend {
	case BackendGroq:
		if base == "" {
			base = GroqBaseURL
		}
		if key == "" {
			return nil, errors.New("llm: groq requires an API key")
		}
	case BackendOllama:
		if base == "" {
			base = OllamaBaseURL
		}
		if key == "" {
			key = "ollama"
		}
	case BackendOpenAI:
		if key == "" && base == "" {
			return nil, errors.New("llm: openai requires an API key")
		}
	default:
		return nil, fmt.Errorf("llm: unknown backend %q", backend)
	}

	oc := openai.DefaultConfig(key)
	if base != "" {
		oc.BaseURL = base
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	model := cfg.Model
	if model == "" {
		model = cfg.defaultModel(chat)
	}

	c := &client{
		api:     openai.NewClientWithConfig(oc),
		model:   model,
		limiter: rate.NewLimiter(rate.Inf, 1),
		timeout: cfg.Timeout,
		logger:  logger,
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), max(1, cfg.RequestsPerMinute/10))
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(backend) + ":" + model,
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
	})
	return c, nil
}

// call waits for the limiter and runs fn behind the breaker.
func (c *client) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.breaker.Execute(func() (any, error) { return fn(ctx) })
}

// OpenAIEmbedder embeds text through the embeddings endpoint.
type OpenAIEmbedder struct {
	c         *client
	dims      atomic.Int64
	normalize bool
}

var _ BatchEmbedder = (*OpenAIEmbedder)(nil)

// NewEmbedder returns an embedder for cfg. Groq offers no embeddings.
func NewEmbedder(cfg Config) (*OpenAIEmbedder, error) {
	if cfg.Backend == BackendGroq {
		return nil, fmt.Errorf("%w: groq embeddings", ErrUnsupported)
	}
	c, err := newClient(cfg, false)
	if err != nil {
		return nil, err
	}
	e := &OpenAIEmbedder{c: c, normalize: cfg.Normalize}
	e.dims.Store(int64(cfg.Dimensions))
	return e, nil
}

// Embed embeds a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in one request, in order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errors.New("llm: cannot embed empty text")
		}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.embed")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", e.c.model), attribute.Int("llm.inputs", len(texts)))

	res, err := e.c.call(ctx, func(ctx context.Context) (any, error) {
		return e.c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.c.model),
			Input: texts,
		})
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("llm.error", true))
		return nil, fmt.Errorf("llm: embeddings: %w", err)
	}
	resp := res.(openai.EmbeddingResponse)
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("llm: %d embeddings returned for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("llm: embedding index %d out of range", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i := range d.Embedding {
			v[i] = float32(d.Embedding[i])
		}
		if err := e.checkDims(len(v)); err != nil {
			return nil, err
		}
		if e.normalize {
			distance.NormalizeL2InPlace(v)
		}
		out[d.Index] = v
	}
	return out, nil
}

func (e *OpenAIEmbedder) checkDims(n int) error {
	if e.dims.CompareAndSwap(0, int64(n)) {
		return nil
	}
	if want := int(e.dims.Load()); want != n {
		return fmt.Errorf("llm: embedding width %d, expected %d", n, want)
	}
	return nil
}

// Dimensions returns the embedding width, 0 before the first call unless
// configured.
func (e *OpenAIEmbedder) Dimensions() int { return int(e.dims.Load()) }

// ModelName returns the embedding model.
func (e *OpenAIEmbedder) ModelName() string { return e.c.model }

// OpenAICompleter generates answers through the chat completions endpoint.
type OpenAICompleter struct {
	c           *client
	temperature float32
	maxTokens   int
}

var _ Completer = (*OpenAICompleter)(nil)

// NewCompleter returns a completer for cfg. Temperature defaults to 0.3 and
// MaxTokens to 600.
func NewCompleter(cfg Config) (*OpenAICompleter, error) {
	c, err := newClient(cfg, true)
	if err != nil {
		return nil, err
	}
	out := &OpenAICompleter{c: c, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}
	if out.temperature == 0 {
		out.temperature = 0.3
	}
	if out.maxTokens <= 0 {
		out.maxTokens = 600
	}
	return out, nil
}

// Complete sends one system and one user message.
func (c *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.c.model), attribute.Int("llm.prompt_chars", len(prompt)))

	res, err := c.c.call(ctx, func(ctx context.Context) (any, error) {
		return c.c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
		})
	})
	if err != nil {
		span.SetAttributes(
			attribute.Bool("llm.error", true),
			attribute.Bool("llm.circuit_breaker_open", errors.Is(err, gobreaker.ErrOpenState)),
		)
		return "", fmt.Errorf("llm: completion: %w", err)
	}
	resp := res.(openai.ChatCompletionResponse)
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: completion returned no choices")
	}
	span.SetAttributes(attribute.Int("llm.total_tokens", resp.Usage.TotalTokens))
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ModelName returns the chat model.
func (c *OpenAICompleter) ModelName() string { return c.c.model }

const tracerName = "github.com/hupe1980/paperdex/llm"
