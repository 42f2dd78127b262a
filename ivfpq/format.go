package ivfpq

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/distance"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/quantization"
)

// Artifact layout, all integers little-endian:
//
//	header     magic "PDX1", version u16, metric u8, compression u8,
//	           dim u32, nlist u32, m u32, bits u32, nprobe u32,
//	           total u64, built unix-nanos i64, pq length u32, reserved u32
//	centroids  nlist*dim f32
//	pq         quantization.ProductQuantizer.MarshalBinary
//	directory  nlist * {count u64, offset u64, stored length u32, crc32c u32}
//	meta crc   crc32c over header, centroids, pq and directory
//	lists      per list: ids (count u64) then codes (count*m bytes),
//	           stored as one block when compressed
const (
	magic         = "PDX1"
	formatVersion = 1
	headerSize    = 56
	dirEntrySize  = 24
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type header struct {
	metric      distance.Metric
	compression Compression
	dim         uint32
	nlist       uint32
	m           uint32
	bits        uint32
	nprobe      uint32
	total       uint64
	built       int64
	pqLen       uint32
}

func (h *header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf, magic)
	binary.LittleEndian.PutUint16(buf[4:], formatVersion)
	buf[6] = byte(h.metric)
	buf[7] = byte(h.compression)
	binary.LittleEndian.PutUint32(buf[8:], h.dim)
	binary.LittleEndian.PutUint32(buf[12:], h.nlist)
	binary.LittleEndian.PutUint32(buf[16:], h.m)
	binary.LittleEndian.PutUint32(buf[20:], h.bits)
	binary.LittleEndian.PutUint32(buf[24:], h.nprobe)
	binary.LittleEndian.PutUint64(buf[28:], h.total)
	binary.LittleEndian.PutUint64(buf[36:], uint64(h.built))
	binary.LittleEndian.PutUint32(buf[44:], h.pqLen)
	return buf
}

func (h *header) unmarshal(buf []byte) error {
	if len(buf) < headerSize {
		return model.Corruptf("ivfpq header truncated (%d bytes)", len(buf))
	}
	if string(buf[:4]) != magic {
		return model.Corruptf("ivfpq bad magic %q", buf[:4])
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != formatVersion {
		return model.Corruptf("ivfpq unsupported version %d", v)
	}
	h.metric = distance.Metric(buf[6])
	h.compression = Compression(buf[7])
	h.dim = binary.LittleEndian.Uint32(buf[8:])
	h.nlist = binary.LittleEndian.Uint32(buf[12:])
	h.m = binary.LittleEndian.Uint32(buf[16:])
	h.bits = binary.LittleEndian.Uint32(buf[20:])
	h.nprobe = binary.LittleEndian.Uint32(buf[24:])
	h.total = binary.LittleEndian.Uint64(buf[28:])
	h.built = int64(binary.LittleEndian.Uint64(buf[36:]))
	h.pqLen = binary.LittleEndian.Uint32(buf[44:])
	if !h.metric.Valid() || !h.compression.valid() {
		return model.Corruptf("ivfpq invalid metric %d or compression %d", h.metric, h.compression)
	}
	if h.dim == 0 || h.nlist == 0 || h.m == 0 || h.dim%h.m != 0 {
		return model.Corruptf("ivfpq invalid shape dim=%d nlist=%d m=%d", h.dim, h.nlist, h.m)
	}
	return nil
}

type dirEntry struct {
	count  uint64
	offset uint64
	stored uint32
	crc    uint32
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteTo serializes a sealed index.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	if !idx.sealed() {
		return 0, model.ErrNotReady
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	pqBytes, err := idx.pq.MarshalBinary()
	if err != nil {
		return 0, err
	}
	h := header{
		metric:      idx.cfg.Metric,
		compression: idx.cfg.Compression,
		dim:         uint32(idx.cfg.Dimension),
		nlist:       uint32(idx.nlist),
		m:           uint32(idx.cfg.M),
		bits:        uint32(idx.cfg.Bits),
		nprobe:      uint32(idx.cfg.NProbe),
		total:       idx.total,
		built:       idx.built.UnixNano(),
		pqLen:       uint32(len(pqBytes)),
	}

	// Compressed payloads are materialized up front so the directory can
	// carry their offsets.
	blocks := make([][]byte, idx.nlist)
	dir := make([]dirEntry, idx.nlist)
	offset := uint64(headerSize + 4*len(idx.centroids) + len(pqBytes) + dirEntrySize*idx.nlist + 4)
	for i := range idx.lists {
		l := &idx.lists[i]
		e := &dir[i]
		e.count = uint64(l.count)
		e.offset = offset
		if idx.cfg.Compression == CompressionNone {
			e.stored = uint32(len(l.ids) + len(l.codes))
			e.crc = crc32.Update(crc32.Checksum(l.ids, castagnoli), castagnoli, l.codes)
		} else {
			raw := make([]byte, 0, len(l.ids)+len(l.codes))
			raw = append(append(raw, l.ids...), l.codes...)
			block, err := compressBlock(raw, idx.cfg.Compression)
			if err != nil {
				return 0, fmt.Errorf("ivfpq: compress list %d: %w", i, err)
			}
			blocks[i] = block
			e.stored = uint32(len(block))
			e.crc = crc32.Checksum(block, castagnoli)
		}
		offset += uint64(e.stored)
	}

	meta := make([]byte, 0, int(dir[0].offset))
	meta = append(meta, h.marshal()...)
	for _, f := range idx.centroids {
		meta = binary.LittleEndian.AppendUint32(meta, math.Float32bits(f))
	}
	meta = append(meta, pqBytes...)
	for _, e := range dir {
		meta = binary.LittleEndian.AppendUint64(meta, e.count)
		meta = binary.LittleEndian.AppendUint64(meta, e.offset)
		meta = binary.LittleEndian.AppendUint32(meta, e.stored)
		meta = binary.LittleEndian.AppendUint32(meta, e.crc)
	}
	meta = binary.LittleEndian.AppendUint32(meta, crc32.Checksum(meta, castagnoli))

	cw := &countingWriter{w: w}
	bw := bufio.NewWriterSize(cw, 1<<20)
	if _, err := bw.Write(meta); err != nil {
		return cw.n, err
	}
	for i := range idx.lists {
		if blocks[i] != nil {
			if _, err := bw.Write(blocks[i]); err != nil {
				return cw.n, err
			}
			continue
		}
		if _, err := bw.Write(idx.lists[i].ids); err != nil {
			return cw.n, err
		}
		if _, err := bw.Write(idx.lists[i].codes); err != nil {
			return cw.n, err
		}
	}
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Save writes the index to name in store.
func (idx *Index) Save(ctx context.Context, store blobstore.BlobStore, name string) error {
	w, err := store.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := idx.WriteTo(w); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Sync(); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

type loadOptions struct {
	dim      int
	metric   *distance.Metric
	nprobe   int
	skipCRCs bool
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithExpectedDimension fails the load with *model.ConfigMismatchError when
// the artifact was built for a different embedding width.
func WithExpectedDimension(dim int) LoadOption {
	return func(o *loadOptions) { o.dim = dim }
}

// WithExpectedMetric fails the load with *model.ConfigMismatchError when the
// artifact uses a different metric.
func WithExpectedMetric(m distance.Metric) LoadOption {
	return func(o *loadOptions) { o.metric = &m }
}

// WithNProbe overrides the default nprobe stored in the artifact.
func WithNProbe(n int) LoadOption {
	return func(o *loadOptions) { o.nprobe = n }
}

// WithoutListChecksums skips per-list CRC verification. The metadata
// checksum is always verified.
func WithoutListChecksums() LoadOption {
	return func(o *loadOptions) { o.skipCRCs = true }
}

// Load opens a sealed index from b. Ownership of b passes to the index: it
// is closed by Index.Close, or immediately when loading fails or the blob
// content has been copied. Uncompressed artifacts on mappable blobs are
// served zero-copy.
func Load(ctx context.Context, b blobstore.Blob, opts ...LoadOption) (*Index, error) {
	o := loadOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	data, keep, err := blobBytes(ctx, b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	idx, err := parse(data, o)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	if keep {
		// Lists alias the mapping, including raw-stored blocks of
		// compressed artifacts.
		idx.closer = b
	} else {
		_ = b.Close()
	}
	return idx, nil
}

// Open loads name from store.
func Open(ctx context.Context, store blobstore.BlobStore, name string, opts ...LoadOption) (*Index, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return Load(ctx, b, opts...)
}

func blobBytes(ctx context.Context, b blobstore.Blob) ([]byte, bool, error) {
	if m, ok := b.(blobstore.Mappable); ok {
		data, err := m.Bytes()
		if err == nil {
			return data, true, nil
		}
	}
	buf := make([]byte, b.Size())
	if len(buf) == 0 {
		return buf, false, nil
	}
	n, err := b.ReadAt(ctx, buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return nil, false, err
	}
	return buf, false, nil
}

func parse(data []byte, o loadOptions) (*Index, error) {
	var h header
	if err := h.unmarshal(data); err != nil {
		return nil, err
	}

	if o.dim > 0 && int(h.dim) != o.dim {
		return nil, &model.ConfigMismatchError{
			Field:    "dimension",
			Artifact: strconv.Itoa(int(h.dim)),
			Runtime:  strconv.Itoa(o.dim),
		}
	}
	if o.metric != nil && *o.metric != h.metric {
		return nil, &model.ConfigMismatchError{
			Field:    "metric",
			Artifact: h.metric.String(),
			Runtime:  o.metric.String(),
		}
	}

	dim, nlist, m := int(h.dim), int(h.nlist), int(h.m)
	centroidsLen := 4 * nlist * dim
	metaLen := headerSize + centroidsLen + int(h.pqLen) + dirEntrySize*nlist
	if len(data) < metaLen+4 {
		return nil, model.Corruptf("ivfpq metadata truncated: have %d bytes, need %d", len(data), metaLen+4)
	}
	if got, want := crc32.Checksum(data[:metaLen], castagnoli), binary.LittleEndian.Uint32(data[metaLen:]); got != want {
		return nil, model.Corruptf("ivfpq metadata checksum %08x, want %08x", got, want)
	}

	centroids := make([]float32, nlist*dim)
	off := headerSize
	for i := range centroids {
		centroids[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4*i:]))
	}
	off += centroidsLen

	pq := &quantization.ProductQuantizer{}
	if err := pq.UnmarshalBinary(data[off : off+int(h.pqLen)]); err != nil {
		return nil, model.Corruptf("ivfpq codebooks: %v", err)
	}
	if pq.Dimension() != dim || pq.NumSubvectors() != m {
		return nil, model.Corruptf("ivfpq codebooks shape %dx%d, header %dx%d", pq.Dimension(), pq.NumSubvectors(), dim, m)
	}
	off += int(h.pqLen)

	lists := make([]invList, nlist)
	var total uint64
	for i := range lists {
		e := dirEntry{
			count:  binary.LittleEndian.Uint64(data[off:]),
			offset: binary.LittleEndian.Uint64(data[off+8:]),
			stored: binary.LittleEndian.Uint32(data[off+16:]),
			crc:    binary.LittleEndian.Uint32(data[off+20:]),
		}
		off += dirEntrySize

		end := e.offset + uint64(e.stored)
		if e.offset < uint64(metaLen+4) || end > uint64(len(data)) {
			return nil, model.Corruptf("ivfpq list %d range [%d,%d) outside artifact", i, e.offset, end)
		}
		stored := data[e.offset:end]
		if !o.skipCRCs {
			if got := crc32.Checksum(stored, castagnoli); got != e.crc {
				return nil, model.Corruptf("ivfpq list %d checksum %08x, want %08x", i, got, e.crc)
			}
		}

		raw := stored
		if h.compression != CompressionNone {
			var err error
			if raw, err = decompressBlock(stored, h.compression); err != nil {
				return nil, model.Corruptf("ivfpq list %d: %v", i, err)
			}
		}
		count := int(e.count)
		if uint64(len(raw)) != e.count*uint64(8+m) {
			return nil, model.Corruptf("ivfpq list %d holds %d bytes for %d entries", i, len(raw), count)
		}
		lists[i] = invList{ids: raw[:8*count], codes: raw[8*count:], count: count}
		total += e.count
	}
	if total != h.total {
		return nil, model.Corruptf("ivfpq lists hold %d vectors, header says %d", total, h.total)
	}

	cfg := Config{
		Dimension:   dim,
		Metric:      h.metric,
		NList:       nlist,
		M:           m,
		Bits:        int(h.bits),
		NProbe:      int(h.nprobe),
		Compression: h.compression,
	}
	if o.nprobe > 0 {
		cfg.NProbe = o.nprobe
	}
	idx, err := New(cfg)
	if err != nil {
		return nil, model.Corruptf("ivfpq: %v", err)
	}
	idx.nlist = nlist
	idx.centroids = centroids
	idx.pq = pq
	idx.lists = lists
	idx.total = total
	idx.built = time.Unix(0, h.built).UTC()
	idx.state.Store(uint32(stateSealed))
	return idx, nil
}
