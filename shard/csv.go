package shard

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Column names of the metadata CSV.
const (
	ColumnID         = "id"
	ColumnTitle      = "article_title"
	ColumnDate       = "date"
	ColumnPaper      = "paper"
	ColumnChunkText  = "chunk_text"
	ColumnChunkIndex = "chunk_index"
)

var requiredColumns = []string{ColumnID, ColumnTitle, ColumnDate, ColumnPaper, ColumnChunkText}

// Header maps column names to positions.
type Header struct {
	Names []string
	index map[string]int
}

// NewHeader builds a header from column names. A leading UTF-8 byte order
// mark on the first name is dropped.
func NewHeader(names []string) Header {
	h := Header{Names: make([]string, len(names)), index: make(map[string]int, len(names))}
	for i, n := range names {
		if i == 0 {
			n = strings.TrimPrefix(n, "\ufeff")
		}
		n = strings.TrimSpace(n)
		h.Names[i] = n
		if _, dup := h.index[n]; !dup {
			h.index[n] = i
		}
	}
	return h
}

// Index returns the position of column name.
func (h Header) Index(name string) (int, bool) {
	i, ok := h.index[name]
	return i, ok
}

// Require fails unless every named column is present.
func (h Header) Require(names ...string) error {
	var missing []string
	for _, n := range names {
		if _, ok := h.index[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing columns %s", strings.Join(missing, ", "))
	}
	return nil
}

// Record is one metadata row.
type Record struct {
	// Row is the zero-based data row number (the header is not counted).
	Row int64
	// Offset and Length delimit the raw record bytes inside the CSV file,
	// including its line terminator.
	Offset int64
	Length int64

	Fields []string
}

// Get returns the named column, or "" when the header lacks it.
func (r Record) Get(h Header, name string) string {
	i, ok := h.Index(name)
	if !ok || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i]
}

// RecordReader streams CSV records together with their byte ranges.
type RecordReader struct {
	cr     *csv.Reader
	header Header
	row    int64
	last   int64
}

// NewRecordReader reads the header line and checks for the required
// columns. Quoted fields may span lines.
func NewRecordReader(r io.Reader) (*RecordReader, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	names, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty csv")
		}
		return nil, fmt.Errorf("csv header: %w", err)
	}
	h := NewHeader(names)
	if err := h.Require(requiredColumns...); err != nil {
		return nil, err
	}
	return &RecordReader{cr: cr, header: h, last: cr.InputOffset()}, nil
}

// Header returns the parsed header.
func (r *RecordReader) Header() Header { return r.header }

// Next returns the next record, or io.EOF.
func (r *RecordReader) Next() (Record, error) {
	fields, err := r.cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("csv row %d: %w", r.row, err)
	}
	end := r.cr.InputOffset()
	rec := Record{Row: r.row, Offset: r.last, Length: end - r.last, Fields: fields}
	r.row++
	r.last = end
	return rec, nil
}

// ParseRecord decodes the single CSV record held in data.
func ParseRecord(data []byte) ([]string, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return cr.Read()
}

// ReadHeader parses the header line from the start of a CSV file.
func ReadHeader(r io.Reader) (Header, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	names, err := cr.Read()
	if err != nil {
		return Header{}, fmt.Errorf("csv header: %w", err)
	}
	return NewHeader(names), nil
}

// EncodeCSV writes header and rows as CSV.
func EncodeCSV(header []string, rows [][]string) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(header)
	_ = w.WriteAll(rows)
	return buf.Bytes()
}
