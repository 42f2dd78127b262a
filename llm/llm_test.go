package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/paperdex/model"
)

// fakeAPI is a minimal OpenAI-compatible server.
type fakeAPI struct {
	*httptest.Server
	calls  atomic.Int64
	fail   atomic.Bool
	answer string
	// vectors maps input text to its embedding; unknown text gets [1,0,0].
	vectors map[string][]float64
	lastReq atomic.Value
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{answer: "The 1896 paper reported statehood celebrations.", vectors: map[string][]float64{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if f.fail.Load() {
			http.Error(w, `{"error":{"message":"boom","type":"server_error"}}`, http.StatusInternalServerError)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data := make([]map[string]any, len(req.Input))
		for i, in := range req.Input {
			v, ok := f.vectors[in]
			if !ok {
				v = []float64{1, 0, 0}
			}
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": v}
		}
		writeJSON(w, map[string]any{"object": "list", "model": req.Model, "data": data})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if f.fail.Load() {
			http.Error(w, `{"error":{"message":"boom","type":"server_error"}}`, http.StatusInternalServerError)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.lastReq.Store(req)
		writeJSON(w, map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   req["model"],
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": "  " + f.answer + "\n"}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeAPI) config() Config {
	return Config{Backend: BackendOllama, BaseURL: f.URL + "/v1"}
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"", BackendOpenAI, false},
		{"openai", BackendOpenAI, false},
		{"Groq", BackendGroq, false},
		{" ollama ", BackendOllama, false},
		{"gemini", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBackend(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBackendDefaults(t *testing.T) {
	t.Run("groq has no embeddings", func(t *testing.T) {
		_, err := NewEmbedder(Config{Backend: BackendGroq, APIKey: "k"})
		require.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("groq requires a key", func(t *testing.T) {
		_, err := NewCompleter(Config{Backend: BackendGroq})
		require.Error(t, err)
	})

	t.Run("openai requires a key", func(t *testing.T) {
		_, err := NewEmbedder(Config{Backend: BackendOpenAI})
		require.Error(t, err)
	})

	t.Run("model names", func(t *testing.T) {
		c, err := NewCompleter(Config{Backend: BackendGroq, APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, "llama-3.3-70b-versatile", c.ModelName())

		c, err = NewCompleter(Config{Backend: BackendOllama})
		require.NoError(t, err)
		assert.Equal(t, "llama3.2", c.ModelName())

		e, err := NewEmbedder(Config{Backend: BackendOllama})
		require.NoError(t, err)
		assert.Equal(t, "all-minilm", e.ModelName())

		e, err = NewEmbedder(Config{Backend: BackendOpenAI, APIKey: "k", Model: "custom"})
		require.NoError(t, err)
		assert.Equal(t, "custom", e.ModelName())
	})
}

func TestEmbedder(t *testing.T) {
	api := newFakeAPI(t)
	api.vectors["statehood"] = []float64{3, 4, 0}
	api.vectors["mining"] = []float64{0, 0, 2}

	cfg := api.config()
	cfg.Normalize = true
	e, err := NewEmbedder(cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Dimensions())

	v, err := e.Embed(context.Background(), "statehood")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8, 0}, v, 1e-6)
	assert.Equal(t, 3, e.Dimensions())

	batch, err := e.EmbedBatch(context.Background(), []string{"mining", "statehood"})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.InDeltaSlice(t, []float32{0, 0, 1}, batch[0], 1e-6)

	_, err = e.Embed(context.Background(), "   ")
	require.Error(t, err)
}

func TestEmbedderDimensionCheck(t *testing.T) {
	api := newFakeAPI(t)
	cfg := api.config()
	cfg.Dimensions = 384
	e, err := NewEmbedder(cfg)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 384")
}

func TestCompleter(t *testing.T) {
	api := newFakeAPI(t)
	c, err := NewCompleter(api.config())
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), "system", "prompt")
	require.NoError(t, err)
	assert.Equal(t, api.answer, got)

	req := api.lastReq.Load().(map[string]any)
	assert.Equal(t, "llama3.2", req["model"])
	assert.InDelta(t, 0.3, req["temperature"], 1e-6)
	assert.EqualValues(t, 600, req["max_tokens"])
	msgs := req["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "prompt", msgs[1].(map[string]any)["content"])
}

func TestCircuitBreakerOpens(t *testing.T) {
	api := newFakeAPI(t)
	api.fail.Store(true)
	c, err := NewCompleter(api.config())
	require.NoError(t, err)

	for range 3 {
		_, err := c.Complete(context.Background(), "s", "p")
		require.Error(t, err)
	}
	_, err = c.Complete(context.Background(), "s", "p")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 3, api.calls.Load())
}

func TestRateLimiterHonorsContext(t *testing.T) {
	api := newFakeAPI(t)
	cfg := api.config()
	cfg.RequestsPerMinute = 1
	c, err := NewCompleter(cfg)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "s", "p")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Complete(ctx, "s", "p")
	require.Error(t, err)
	assert.EqualValues(t, 1, api.calls.Load())
}

func TestEmbeddingReranker(t *testing.T) {
	api := newFakeAPI(t)
	api.vectors["query"] = []float64{1, 0, 0}
	api.vectors["close"] = []float64{0.9, 0.1, 0}
	api.vectors["far"] = []float64{0, 1, 0}

	e, err := NewEmbedder(api.config())
	require.NoError(t, err)
	r := &EmbeddingReranker{Embedder: e}

	scores, err := r.Score(context.Background(), "query", []string{"far", "close"})
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Greater(t, scores[1], scores[0])
	assert.InDelta(t, 0, scores[0], 1e-6)

	scores, err = r.Score(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

type stubCompleter struct {
	text   string
	err    error
	prompt string
}

func (s *stubCompleter) Complete(_ context.Context, _, prompt string) (string, error) {
	s.prompt = prompt
	return s.text, s.err
}

func (s *stubCompleter) ModelName() string { return "stub" }

func passages() []model.Passage {
	return []model.Passage{
		{ID: 1, Title: "Statehood Day", Publication: "Salt Lake Herald", Date: "1896-01-04", Text: strings.Repeat("a", 800)},
		{ID: 2, Title: "Mining News", Publication: "Park Record", Date: "1890-05-01", Text: "silver"},
		{ID: 3, Err: &model.NotFoundError{ID: 3}},
		{ID: 4, Title: "Railroads", Publication: "Ogden Standard", Date: "1902-03-10", Text: "rails"},
		{ID: 5, Title: "Weather", Publication: "Deseret News", Date: "1899-12-01", Text: "snow"},
		{ID: 6, Title: "Schools", Publication: "Salt Lake Herald", Date: "1896-01-04", Text: "school"},
		{ID: 7, Title: "Sixth", Publication: "Vernal Express", Date: "1910-07-04", Text: "sixth"},
	}
}

func TestAnswererWithCompleter(t *testing.T) {
	stub := &stubCompleter{text: "Utah became a state in 1896."}
	a := NewAnswerer(stub)

	ans, err := a.Answer(context.Background(), "When did Utah become a state?", passages())
	require.NoError(t, err)
	assert.False(t, ans.Fallback)
	assert.Equal(t, "stub", ans.Model)
	assert.Equal(t, "Utah became a state in 1896.", ans.Text)
	assert.Len(t, ans.Sources, 6)

	assert.True(t, strings.HasPrefix(stub.prompt, `User question: "When did Utah become a state?"`))
	assert.Contains(t, stub.prompt, "Source 1: Statehood Day\nPaper: Salt Lake Herald | Date: 1896-01-04\nText: "+strings.Repeat("a", 500)+"\n")
	assert.NotContains(t, stub.prompt, strings.Repeat("a", 501))
	assert.Contains(t, stub.prompt, "Source 5: Schools")
	assert.NotContains(t, stub.prompt, "Source 6")
	assert.Equal(t, 4, strings.Count(stub.prompt, "\n---\n"))
}

func TestAnswererFallback(t *testing.T) {
	t.Run("no completer", func(t *testing.T) {
		ans, err := NewAnswerer(nil).Answer(context.Background(), "q", passages())
		require.NoError(t, err)
		assert.True(t, ans.Fallback)
		assert.Equal(t, "Found 6 relevant articles from the Utah Digital Newspapers archive."+
			" Sources include: Deseret News, Ogden Standard, Park Record and 2 more."+
			" Date range: 1890-05-01 to 1910-07-04."+
			" See the sources below for detailed excerpts.", ans.Text)
	})

	t.Run("completer error", func(t *testing.T) {
		ans, err := NewAnswerer(&stubCompleter{err: errors.New("down")}).Answer(context.Background(), "q", passages()[:1])
		require.NoError(t, err)
		assert.True(t, ans.Fallback)
		assert.Equal(t, "Found 1 relevant article from the Utah Digital Newspapers archive."+
			" Sources include: Salt Lake Herald."+
			" See the sources below for detailed excerpts.", ans.Text)
	})

	t.Run("nothing found", func(t *testing.T) {
		ans, err := NewAnswerer(&stubCompleter{text: "x"}).Answer(context.Background(), "q", passages()[2:3])
		require.NoError(t, err)
		assert.Equal(t, NoResultsAnswer, ans.Text)
		assert.Empty(t, ans.Sources)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewAnswerer(&stubCompleter{err: context.Canceled}).Answer(ctx, "q", passages())
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRelevance(t *testing.T) {
	assert.InDelta(t, 87.5, Relevance(0.875), 1e-4)
	assert.Equal(t, float32(0), Relevance(-0.2))
}
