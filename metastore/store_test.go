package metastore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/paperdex/model"
)

func testRow(id model.ID, shard string) model.Row {
	return model.Row{
		ID: id,
		Attributes: model.Attributes{
			Title:       fmt.Sprintf("Title %d", id),
			Date:        "1925-03-04T00:00:00",
			Publication: "Gazette",
			ArticleID:   fmt.Sprintf("A%d", id),
		},
		Location: model.Location{Shard: shard, Offset: int64(id) * 100, Length: 90},
	}
}

// setupStore bulk-loads rows and reopens the database read-only.
func setupStore(t *testing.T, rows []model.Row, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")

	w, err := Create(path, opts...)
	require.NoError(t, err)
	require.NoError(t, w.PutBatch(context.Background(), rows))
	require.NoError(t, w.SetInfo(context.Background(), "embedding_model", "all-MiniLM-L6-v2"))
	require.NoError(t, w.Close())

	r, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, r.Close()) })
	return r
}

func TestGetBatchPartialSuccess(t *testing.T) {
	s := setupStore(t, []model.Row{testRow(1, "shard_000"), testRow(2, "shard_000")})

	found, missing, err := s.GetBatch(context.Background(), []model.ID{1, 999})
	require.NoError(t, err)

	require.Contains(t, found, model.ID(1))
	assert.Equal(t, testRow(1, "shard_000"), found[1])
	assert.NotContains(t, found, model.ID(999))

	require.Contains(t, missing, model.ID(999))
	assert.ErrorIs(t, missing[999], model.ErrNotFound)
	var nf *model.NotFoundError
	require.True(t, errors.As(missing[999], &nf))
	assert.Equal(t, model.ID(999), nf.ID)
	assert.Len(t, missing, 1)
}

func TestGetBatchChunksLargeRequests(t *testing.T) {
	var rows []model.Row
	for i := range 1200 {
		rows = append(rows, testRow(model.ID(i), fmt.Sprintf("shard_%03d", i/400)))
	}
	s := setupStore(t, rows, WithLookupBatch(128))

	ids := make([]model.ID, 0, 1300)
	for i := range 1300 {
		ids = append(ids, model.ID(i))
	}
	found, missing, err := s.GetBatch(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, found, 1200)
	assert.Len(t, missing, 100)
	assert.Equal(t, "shard_002", found[1199].Location.Shard)
}

func TestLocateAndGet(t *testing.T) {
	s := setupStore(t, []model.Row{testRow(5, "a"), testRow(6, "b")})
	ctx := context.Background()

	loc, err := s.Locate(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, model.Location{Shard: "b", Offset: 600, Length: 90}, loc)

	_, err = s.Get(ctx, 7)
	assert.ErrorIs(t, err, model.ErrNotFound)

	locs, missing, err := s.LocateBatch(ctx, []model.ID{5, 7})
	require.NoError(t, err)
	assert.Equal(t, "a", locs[5].Shard)
	assert.Contains(t, missing, model.ID(7))
}

func TestCountShardsInfo(t *testing.T) {
	s := setupStore(t, []model.Row{testRow(1, "z"), testRow(2, "a"), testRow(3, "z")})
	ctx := context.Background()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	shards, err := s.Shards(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a"}, shards)

	v, err := s.Info(ctx, "embedding_model")
	require.NoError(t, err)
	assert.Equal(t, "all-MiniLM-L6-v2", v)

	v, err = s.Info(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	s := setupStore(t, []model.Row{testRow(1, "a")})

	assert.Error(t, s.PutBatch(context.Background(), []model.Row{testRow(2, "a")}))
	assert.Error(t, s.SetInfo(context.Background(), "k", "v"))
}

func TestPutBatchDuplicateRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.db")
	w, err := Create(path)
	require.NoError(t, err)
	defer w.Close()
	ctx := context.Background()

	require.NoError(t, w.PutBatch(ctx, []model.Row{testRow(1, "a")}))
	assert.Error(t, w.PutBatch(ctx, []model.Row{testRow(2, "b"), testRow(1, "b")}))

	n, err := w.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	// The rolled back shard is registered again by the next batch.
	require.NoError(t, w.PutBatch(ctx, []model.Row{testRow(3, "b")}))
	shards, err := w.Shards(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, shards)
}

func TestCreateReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.db")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.PutBatch(context.Background(), []model.Row{testRow(1, "a")}))
	require.NoError(t, w.Close())

	w, err = Create(path)
	require.NoError(t, err)
	defer w.Close()
	n, err := w.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPathWithURIDelimiters(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run?mode=rwc#1 %20x")
	path := filepath.Join(dir, "metadata.db")

	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.PutBatch(context.Background(), []model.Row{testRow(7, "a")}))
	require.NoError(t, w.Close())
	assert.FileExists(t, path)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	row, err := r.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "Title 7", row.Attributes.Title)
	assert.Error(t, r.SetInfo(context.Background(), "k", "v"))
}

func TestFileDSN(t *testing.T) {
	dsn, err := fileDSN("/data/a?b#c.db", "mode=ro")
	require.NoError(t, err)
	assert.Equal(t, "file:///data/a%3Fb%23c.db?mode=ro", dsn)

	dsn, err = fileDSN("rel/x.db", "mode=ro")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "file:///"), dsn)
	assert.True(t, strings.HasSuffix(dsn, "/rel/x.db?mode=ro"), dsn)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}

func TestConcurrentReaders(t *testing.T) {
	var rows []model.Row
	for i := range 200 {
		rows = append(rows, testRow(model.ID(i), "s"))
	}
	s := setupStore(t, rows)

	var wg sync.WaitGroup
	for g := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := []model.ID{model.ID(g), model.ID(g + 100), 5000}
			found, missing, err := s.GetBatch(context.Background(), ids)
			assert.NoError(t, err)
			assert.Len(t, found, 2)
			assert.Len(t, missing, 1)
		}()
	}
	wg.Wait()
}
