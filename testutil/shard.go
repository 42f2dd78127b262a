package testutil

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/shard"
)

// Chunk is the metadata half of a fixture row.
type Chunk struct {
	ArticleID string
	Title     string
	Date      string
	Paper     string
	Text      string
}

// FixtureHeader is the CSV header written by WriteShard.
var FixtureHeader = []string{
	shard.ColumnID, shard.ColumnTitle, shard.ColumnDate, shard.ColumnPaper,
	shard.ColumnChunkIndex, shard.ColumnChunkText,
}

// WriteShard stores <base>.npy and <base>.csv in store.
func WriteShard(t testing.TB, store blobstore.BlobStore, base string, chunks []Chunk, vectors [][]float32) {
	t.Helper()
	require.Equal(t, len(chunks), len(vectors), "fixture rows")

	rows := make([][]string, len(chunks))
	for i, c := range chunks {
		rows[i] = []string{c.ArticleID, c.Title, c.Date, c.Paper, strconv.Itoa(i), c.Text}
	}
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, base+shard.EmbeddingExt, shard.EncodeNpy(vectors)))
	require.NoError(t, store.Put(ctx, base+shard.MetadataExt, shard.EncodeCSV(FixtureHeader, rows)))
}

// Corpus returns n clustered vectors and matching chunks. Chunk i has
// article id "A<i>" and text that mentions i, so resolved text can be
// matched back to its row.
func (r *RNG) Corpus(n, dim, clusters int) ([]Chunk, [][]float32) {
	vectors := r.ClusteredVectors(n, dim, clusters, 0.05)
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{
			ArticleID: fmt.Sprintf("A%d", i),
			Title:     fmt.Sprintf("Article %d", i),
			Date:      fmt.Sprintf("19%02d-01-%02dT00:00:00", 20+i%60, 1+i%28),
			Paper:     fmt.Sprintf("Paper %d", i%7),
			Text:      fmt.Sprintf("Chunk %d reports, \"quoted\" news,\nacross lines.", i),
		}
	}
	return chunks, vectors
}

// WriteCorpus splits chunks and vectors into shards consecutive shards named
// shard_000, shard_001, ... and returns the names.
func WriteCorpus(t testing.TB, store blobstore.BlobStore, shards int, chunks []Chunk, vectors [][]float32) []string {
	t.Helper()
	names := make([]string, shards)
	per := (len(chunks) + shards - 1) / shards
	for s := range shards {
		lo := min(s*per, len(chunks))
		hi := min(lo+per, len(chunks))
		names[s] = fmt.Sprintf("shard_%03d", s)
		WriteShard(t, store, names[s], chunks[lo:hi], vectors[lo:hi])
	}
	return names
}

// NpyWithRows encodes vectors like shard.EncodeNpy but declares rows rows in
// the header, which must not be fewer than len(vectors). The header length
// is kept by consuming its padding.
func NpyWithRows(t testing.TB, vectors [][]float32, rows int) []byte {
	t.Helper()
	data := shard.EncodeNpy(vectors)
	from := fmt.Sprintf("(%d, %d), }", len(vectors), len(vectors[0]))
	to := fmt.Sprintf("(%d, %d), }", rows, len(vectors[0]))
	grow := len(to) - len(from)
	require.GreaterOrEqual(t, grow, 0, "rows below the real count")

	i := bytes.Index(data, []byte(from))
	require.GreaterOrEqual(t, i, 0, "shape not found")
	end := i + len(from)
	require.Equal(t, strings.Repeat(" ", grow), string(data[end:end+grow]), "header padding too short")

	out := append([]byte{}, data[:i]...)
	out = append(out, to...)
	return append(out, data[end+grow:]...)
}
