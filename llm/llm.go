package llm

import (
	"context"
	"errors"
)

// ErrUnsupported is returned when a backend lacks a capability, such as
// embeddings on Groq.
var ErrUnsupported = errors.New("llm: capability not supported by backend")

// Embedder produces query vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the vector width, or 0 when unknown until the
	// first call.
	Dimensions() int
	ModelName() string
}

// BatchEmbedder embeds several texts in one request.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Completer generates text from a system and a user prompt.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	ModelName() string
}

// Reranker scores passages against a query, higher is more relevant.
type Reranker interface {
	Score(ctx context.Context, query string, passages []string) ([]float32, error)
}
