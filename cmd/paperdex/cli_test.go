package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/paperdex"
	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/testutil"
)

const dim = 16

type env struct {
	cfg   string
	query []float32
}

// newEnv writes a three shard corpus and a config pointing at it. The
// embedding endpoint answers every input with the vector of chunk 0.
func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	chunks, vectors := testutil.NewRNG(5).Corpus(300, dim, 6)
	testutil.WriteCorpus(t, blobstore.NewLocalStore(filepath.Join(dir, "shards")), 3, chunks, vectors)

	query := vectors[0]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
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
		for i := range req.Input {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": query}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "model": req.Model, "data": data})
	}))
	t.Cleanup(srv.Close)

	cfg := fmt.Sprintf(`
[storage]
kind = "local"
root = %q
shards = %q

[build]
mode = "quick-start"
sample_size = 1000
workers = 2
nlist = 4
m = 4

[embedder]
backend = "ollama"
base_url = %q
model = "test-embedder"
dimensions = %d

[completion]
enabled = false

[reranker]
enabled = false

[log]
level = "error"
`, filepath.Join(dir, "data"), filepath.Join(dir, "shards"), srv.URL+"/v1", dim)

	path := filepath.Join(dir, "paperdex.toml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return &env{cfg: path, query: query}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.cfg}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "paperdex %v", args)
	return out
}

func TestQueryBeforeBuild(t *testing.T) {
	e := newEnv(t)

	_, err := e.run(t, "query", "anything")
	require.ErrorIs(t, err, paperdex.ErrNotReady)
	assert.Equal(t, 3, exitCode(err))

	out := e.mustRun(t, "versions")
	assert.Contains(t, out, "No artifacts published.")
}

func TestBuildAndQuery(t *testing.T) {
	e := newEnv(t)

	out := e.mustRun(t, "build", "--version", "v1")
	assert.Contains(t, out, "Published v1 (quick-start)")
	assert.Contains(t, out, "Chunks:    300")

	out = e.mustRun(t, "--json", "query", "land rush", "-k", "3")
	var passages []model.Passage
	require.NoError(t, json.Unmarshal([]byte(out), &passages))
	require.Len(t, passages, 3)
	ids := make([]model.ID, len(passages))
	for i, p := range passages {
		ids[i] = p.ID
		assert.NotEmpty(t, p.Title)
		assert.NotEmpty(t, p.Publication)
	}
	// Chunk 0 carries id 1 and is the query vector itself.
	assert.Contains(t, ids, model.ID(1))

	out = e.mustRun(t, "query", "land rush")
	assert.Contains(t, out, "[1] Article")
	assert.Contains(t, out, "[5] Article")
	assert.Contains(t, out, "Chunk ")
}

func TestAskWithoutCompletion(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, "build", "--version", "v1")

	out := e.mustRun(t, "ask", "what happened?", "-k", "4")
	assert.Contains(t, out, "Found 4 relevant articles from the Utah Digital Newspapers archive.")
	assert.Contains(t, out, "[4] Article")

	out = e.mustRun(t, "--json", "ask", "what happened?", "-k", "2")
	var answer struct {
		Answer   string          `json:"answer"`
		Sources  []model.Passage `json:"sources"`
		Fallback bool            `json:"fallback"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &answer))
	assert.True(t, answer.Fallback)
	assert.Len(t, answer.Sources, 2)
}

func TestStatsInspectVersionsPromote(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, "build", "--version", "v1", "--max-shards", "1")
	e.mustRun(t, "build", "--version", "v2", "--mode", "full")

	out := e.mustRun(t, "stats")
	assert.Contains(t, out, "Version:      v2")
	assert.Contains(t, out, "Documents:    300")
	assert.Contains(t, out, "test-embedder (ollama)")

	out = e.mustRun(t, "--json", "stats")
	var stats statsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, uint64(300), stats.TotalIndexed)
	assert.Equal(t, model.ModeFull, stats.Mode)
	assert.Equal(t, "ollama", stats.EmbedderBackend)
	assert.Empty(t, stats.CompletionBackend)

	out = e.mustRun(t, "--json", "inspect", "v1", "--verify")
	var inspected struct {
		Manifest struct {
			Version      string `json:"version"`
			TotalIndexed uint64 `json:"total_indexed"`
		} `json:"manifest"`
		Current  bool      `json:"current"`
		Lists    listStats `json:"lists"`
		Verified bool      `json:"verified"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &inspected))
	assert.Equal(t, "v1", inspected.Manifest.Version)
	assert.Equal(t, uint64(100), inspected.Manifest.TotalIndexed)
	assert.False(t, inspected.Current)
	assert.True(t, inspected.Verified)
	assert.Equal(t, 4, inspected.Lists.Lists)

	out = e.mustRun(t, "inspect")
	assert.Contains(t, out, "Version:      v2 (current)")
	assert.Contains(t, out, "Lists:        4")

	out = e.mustRun(t, "versions")
	assert.Contains(t, out, "  v1  quick-start 100 chunks")
	assert.Contains(t, out, "* v2  full        300 chunks")

	out = e.mustRun(t, "promote", "v1")
	assert.Contains(t, out, "CURRENT -> v1")

	out = e.mustRun(t, "--json", "versions")
	var versions []versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &versions))
	require.Len(t, versions, 2)
	assert.True(t, versions[0].Current)
	assert.False(t, versions[1].Current)

	_, err := e.run(t, "promote", "v9")
	require.Error(t, err)
}

func TestArgumentErrors(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, "build", "--version", "v1")

	_, err := e.run(t, "query", "x", "-k", "21")
	require.ErrorIs(t, err, paperdex.ErrInvalidK)
	assert.Equal(t, 1, exitCode(err))

	_, err = e.run(t, "query")
	require.Error(t, err)

	_, err = e.run(t, "build", "--mode", "partial")
	require.Error(t, err)
}

func TestSummarizeLists(t *testing.T) {
	s := summarizeLists([]int{0, 2, 4, 10, 0})
	assert.Equal(t, 5, s.Lists)
	assert.Equal(t, 2, s.Empty)
	assert.Equal(t, 0, s.Min)
	assert.Equal(t, 10, s.Max)
	assert.InDelta(t, 3.2, s.Mean, 1e-9)

	total := 0
	for _, b := range s.Histogram {
		total += b.Lists
	}
	assert.Equal(t, 5, total)

	assert.Equal(t, listStats{}, summarizeLists(nil))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "3.0 MiB", formatBytes(3<<20))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 3, exitCode(fmt.Errorf("wrap: %w", paperdex.ErrNotReady)))
	assert.Equal(t, 4, exitCode(&paperdex.DimensionMismatchError{Expected: 16, Actual: 8}))
	assert.Equal(t, 5, exitCode(paperdex.ErrCorruptArtifact))
	assert.Equal(t, 1, exitCode(fmt.Errorf("boom")))
}
