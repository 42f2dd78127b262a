package shard

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/resource"
)

// File extensions of the two halves of a shard.
const (
	EmbeddingExt = ".npy"
	MetadataExt  = ".csv"
)

// Info names one shard.
type Info struct {
	// Name is the shard base name, used as the shard key in text locations.
	Name       string
	Embeddings string
	Metadata   string
}

// Source enumerates shards. Embeddings and metadata may live in the same
// store or in separate ones.
type Source struct {
	Embeddings blobstore.BlobStore
	// Metadata defaults to Embeddings.
	Metadata blobstore.BlobStore
	// MaxShards limits the number of shards returned by List. Zero means all.
	MaxShards int
	// Spread picks MaxShards evenly spaced shards instead of the first ones.
	Spread bool
	// Resources throttles shard reads. Nil means unlimited.
	Resources *resource.Controller
}

// MetadataStore returns the store holding the CSV files.
func (s *Source) MetadataStore() blobstore.BlobStore {
	if s.Metadata != nil {
		return s.Metadata
	}
	return s.Embeddings
}

// List returns the selected shards ordered by name. Every .npy file yields a
// shard whether or not its CSV exists; a missing CSV surfaces when the
// records are opened.
func (s *Source) List(ctx context.Context) ([]Info, error) {
	names, err := s.Embeddings.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var bases []string
	for _, n := range names {
		if strings.HasSuffix(n, EmbeddingExt) {
			bases = append(bases, strings.TrimSuffix(n, EmbeddingExt))
		}
	}
	sort.Strings(bases)
	bases = Select(bases, s.MaxShards, s.Spread)

	out := make([]Info, len(bases))
	for i, b := range bases {
		out[i] = Info{Name: b, Embeddings: b + EmbeddingExt, Metadata: b + MetadataExt}
	}
	return out, nil
}

// Select returns at most limit names. With spread the picks are evenly
// spaced over the whole list, so a subset still covers the full date range
// of a chronologically named corpus.
func Select(names []string, limit int, spread bool) []string {
	if limit <= 0 || limit >= len(names) {
		return names
	}
	if !spread {
		return names[:limit]
	}
	out := make([]string, limit)
	for i := range out {
		out[i] = names[i*len(names)/limit]
	}
	return out
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (s *Source) open(ctx context.Context, store blobstore.BlobStore, name string) (io.ReadCloser, int64, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	var r io.Reader = blobstore.NewSectionReader(ctx, b)
	if s.Resources != nil {
		r = resource.NewRateLimitedReader(ctx, r, s.Resources)
	}
	return readCloser{Reader: r, Closer: b}, b.Size(), nil
}

// OpenEmbeddings opens the embedding array of info. The header's shape must
// account for the blob size exactly. The returned closer releases the
// underlying blob.
func (s *Source) OpenEmbeddings(ctx context.Context, info Info) (*NpyReader, io.Closer, error) {
	rc, size, err := s.open(ctx, s.Embeddings, info.Embeddings)
	if err != nil {
		return nil, nil, err
	}
	nr, err := NewNpyReader(rc)
	if err == nil {
		err = nr.CheckSize(size)
	}
	if err != nil {
		_ = rc.Close()
		return nil, nil, err
	}
	return nr, rc, nil
}

// OpenRecords opens the metadata CSV of info.
func (s *Source) OpenRecords(ctx context.Context, info Info) (*RecordReader, io.Closer, error) {
	rc, _, err := s.open(ctx, s.MetadataStore(), info.Metadata)
	if err != nil {
		return nil, nil, err
	}
	rr, err := NewRecordReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, nil, err
	}
	return rr, rc, nil
}
