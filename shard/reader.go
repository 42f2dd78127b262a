package shard

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/paperdex/model"
)

// Reader walks a shard's embeddings and records in lockstep. Every error it
// returns is a *model.IngestError.
type Reader struct {
	info   Info
	emb    *NpyReader
	rec    *RecordReader
	embC   io.Closer
	recC   io.Closer
	vec    []float32
	row    int64
	header Header
}

// Open opens both halves of a shard.
func (s *Source) Open(ctx context.Context, info Info) (*Reader, error) {
	emb, embC, err := s.OpenEmbeddings(ctx, info)
	if err != nil {
		return nil, &model.IngestError{Shard: info.Name, Row: -1, Err: fmt.Errorf("embeddings: %w", err)}
	}
	rec, recC, err := s.OpenRecords(ctx, info)
	if err != nil {
		_ = embC.Close()
		return nil, &model.IngestError{Shard: info.Name, Row: -1, Err: fmt.Errorf("metadata: %w", err)}
	}
	return &Reader{
		info:   info,
		emb:    emb,
		rec:    rec,
		embC:   embC,
		recC:   recC,
		header: rec.Header(),
	}, nil
}

// Info returns the shard being read.
func (r *Reader) Info() Info { return r.info }

// Dim returns the embedding width.
func (r *Reader) Dim() int { return r.emb.Dim() }

// Rows returns the number of embeddings declared by the array header.
func (r *Reader) Rows() int { return r.emb.Rows() }

// Header returns the CSV header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next embedding and its record. The vector is reused by
// the following call. A shard whose halves disagree on the row count fails
// at the first unmatched row.
func (r *Reader) Next() ([]float32, Record, error) {
	vec, verr := r.emb.Next(r.vec)
	r.vec = vec
	rec, rerr := r.rec.Next()

	switch {
	case errors.Is(verr, io.EOF) && errors.Is(rerr, io.EOF):
		return nil, Record{}, io.EOF
	case errors.Is(verr, io.EOF):
		return nil, Record{}, r.fail(fmt.Errorf("csv has more rows than the %d embeddings", r.emb.Rows()))
	case errors.Is(rerr, io.EOF):
		return nil, Record{}, r.fail(fmt.Errorf("csv ends at row %d, embeddings declare %d", r.row, r.emb.Rows()))
	case verr != nil:
		return nil, Record{}, r.fail(verr)
	case rerr != nil:
		return nil, Record{}, r.fail(rerr)
	}
	r.row++
	return vec, rec, nil
}

func (r *Reader) fail(err error) error {
	return &model.IngestError{Shard: r.info.Name, Row: r.row, Err: err}
}

// Close releases both blobs.
func (r *Reader) Close() error {
	return errors.Join(r.embC.Close(), r.recC.Close())
}
