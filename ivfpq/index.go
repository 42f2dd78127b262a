package ivfpq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/paperdex/distance"
	"github.com/hupe1980/paperdex/internal/kmeans"
	"github.com/hupe1980/paperdex/internal/searcher"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/quantization"
)

type state uint32

const (
	stateUntrained state = iota
	stateTrained
	stateSealed
)

// ErrNotTrained is returned when vectors are added before Train.
var ErrNotTrained = errors.New("ivfpq: index not trained")

// ErrSealed is returned when vectors are added after Seal.
var ErrSealed = errors.New("ivfpq: index is sealed")

// invList is one inverted list. ids holds count little-endian uint64 values
// and codes holds count*M PQ codes in the same order. Both may alias a
// memory-mapped artifact.
type invList struct {
	ids   []byte
	codes []byte
	count int
}

func (l *invList) id(i int) model.ID {
	return model.ID(binary.LittleEndian.Uint64(l.ids[i*8:]))
}

func (l *invList) append(id model.ID, code []byte) {
	l.ids = binary.LittleEndian.AppendUint64(l.ids, uint64(id))
	l.codes = append(l.codes, code...)
	l.count++
}

// Index is an IVF-PQ index.
//
// Train, Add, Merge and Seal are serialized by an internal mutex. After Seal
// the index is read-only and Search may be called concurrently without
// taking it.
type Index struct {
	mu    sync.Mutex
	cfg   Config
	state atomic.Uint32 // written under mu

	nlist     int
	centroids []float32
	pq        *quantization.ProductQuantizer
	lists     []invList
	total     uint64
	built     time.Time

	// own is the partition used by Index.Add.
	own *Partition

	scratch sync.Pool
	closer  io.Closer
}

// New returns an untrained index.
func New(cfg Config) (*Index, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	idx := &Index{cfg: cfg}
	idx.scratch.New = func() any { return &searchScratch{} }
	return idx, nil
}

// Train learns the coarse quantizer and the residual PQ codebooks from a
// flattened sample (n*Dimension). NList is clamped to n and the PQ codebook
// size to min(2^Bits, n). Training twice is an error.
func (idx *Index) Train(ctx context.Context, sample []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.phase() != stateUntrained {
		return errors.New("ivfpq: index already trained")
	}
	dim := idx.cfg.Dimension
	if len(sample) == 0 || len(sample)%dim != 0 {
		return fmt.Errorf("ivfpq: training sample must be a non-empty multiple of %d floats", dim)
	}
	if !distance.Finite(sample) {
		return fmt.Errorf("ivfpq: training sample: %w", distance.ErrNonFinite)
	}
	n := len(sample) / dim

	if idx.cfg.Metric.Normalizes() {
		normalized := make([]float32, len(sample))
		copy(normalized, sample)
		for i := 0; i < n; i++ {
			distance.NormalizeL2InPlace(normalized[i*dim : (i+1)*dim])
		}
		sample = normalized
	}

	centroids, err := kmeans.Train(ctx, sample, dim, min(idx.cfg.NList, n), kmeans.Options{
		MaxIter: idx.cfg.TrainIters,
		Seed:    idx.cfg.Seed,
		Workers: idx.cfg.Workers,
	})
	if err != nil {
		return fmt.Errorf("ivfpq: coarse quantizer: %w", err)
	}
	nlist := len(centroids) / dim

	assign, err := kmeans.Assign(ctx, sample, centroids, dim, idx.cfg.Workers)
	if err != nil {
		return fmt.Errorf("ivfpq: assign sample: %w", err)
	}
	residuals := make([]float32, len(sample))
	for i, c := range assign {
		distance.Sub(residuals[i*dim:(i+1)*dim], sample[i*dim:(i+1)*dim], centroids[int(c)*dim:(int(c)+1)*dim])
	}

	pq, err := quantization.NewProductQuantizer(dim, idx.cfg.M, idx.cfg.Bits)
	if err != nil {
		return err
	}
	if err := pq.Train(ctx, residuals, quantization.TrainOptions{
		MaxIter: idx.cfg.TrainIters,
		Seed:    idx.cfg.Seed,
		Workers: idx.cfg.Workers,
	}); err != nil {
		return fmt.Errorf("ivfpq: product quantizer: %w", err)
	}

	idx.nlist = nlist
	idx.centroids = centroids
	idx.pq = pq
	idx.lists = make([]invList, nlist)
	idx.state.Store(uint32(stateTrained))
	return nil
}

// Partition buffers encoded vectors for one worker. Partitions are not safe
// for concurrent use; give each worker its own and Merge them in a fixed
// order to keep list contents deterministic.
type Partition struct {
	idx      *Index
	lists    []invList
	count    uint64
	vec      []float32
	residual []float32
	code     []byte
}

// NewPartition returns an empty partition bound to the trained index.
func (idx *Index) NewPartition() (*Partition, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.newPartitionLocked()
}

func (idx *Index) newPartitionLocked() (*Partition, error) {
	switch idx.phase() {
	case stateUntrained:
		return nil, ErrNotTrained
	case stateSealed:
		return nil, ErrSealed
	}
	return &Partition{
		idx:      idx,
		lists:    make([]invList, idx.nlist),
		vec:      make([]float32, idx.cfg.Dimension),
		residual: make([]float32, idx.cfg.Dimension),
		code:     make([]byte, idx.cfg.M),
	}, nil
}

// Add encodes vec into the partition under id.
func (p *Partition) Add(id model.ID, vec []float32) error {
	idx := p.idx
	dim := idx.cfg.Dimension
	if len(vec) != dim {
		return &model.DimensionMismatchError{Expected: dim, Actual: len(vec)}
	}
	copy(p.vec, vec)
	if idx.cfg.Metric.Normalizes() {
		distance.NormalizeL2InPlace(p.vec)
	}
	if !distance.Finite(p.vec) {
		return fmt.Errorf("ivfpq: id %d: %w", id, distance.ErrNonFinite)
	}
	list, _ := kmeans.Nearest(p.vec, idx.centroids, dim)
	if list < 0 {
		return fmt.Errorf("ivfpq: id %d: no finite centroid distance: %w", id, distance.ErrNonFinite)
	}
	distance.Sub(p.residual, p.vec, idx.centroids[list*dim:(list+1)*dim])
	p.code = idx.pq.Encode(p.residual, p.code)
	p.lists[list].append(id, p.code)
	p.count++
	return nil
}

// Len returns the number of vectors buffered in the partition.
func (p *Partition) Len() uint64 { return p.count }

// Merge appends the contents of p to the index and empties p.
func (idx *Index) Merge(p *Partition) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.mergeLocked(p)
}

func (idx *Index) mergeLocked(p *Partition) error {
	if p.idx != idx {
		return errors.New("ivfpq: partition belongs to another index")
	}
	if idx.phase() == stateSealed {
		return ErrSealed
	}
	for i := range p.lists {
		src := &p.lists[i]
		if src.count == 0 {
			continue
		}
		dst := &idx.lists[i]
		if dst.count == 0 {
			*dst = *src
		} else {
			dst.ids = append(dst.ids, src.ids...)
			dst.codes = append(dst.codes, src.codes...)
			dst.count += src.count
		}
		*src = invList{}
	}
	idx.total += p.count
	p.count = 0
	return nil
}

// Add inserts a single vector. Bulk loaders should prefer partitions.
func (idx *Index) Add(id model.ID, vec []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.own == nil {
		p, err := idx.newPartitionLocked()
		if err != nil {
			return err
		}
		idx.own = p
	}
	if err := idx.own.Add(id, vec); err != nil {
		return err
	}
	return idx.mergeLocked(idx.own)
}

// Seal freezes the index. Sealing an untrained index is an error; sealing
// twice is a no-op.
func (idx *Index) Seal() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	switch idx.phase() {
	case stateUntrained:
		return ErrNotTrained
	case stateSealed:
		return nil
	}
	idx.own = nil
	idx.built = time.Now().UTC()
	idx.state.Store(uint32(stateSealed))
	return nil
}

func (idx *Index) phase() state { return state(idx.state.Load()) }

func (idx *Index) sealed() bool { return idx.phase() == stateSealed }

type searchScratch struct {
	query    []float32
	residual []float32
	table    []float32
}

// Search returns up to k approximate nearest neighbors of query ordered by
// ascending distance, ties broken by ascending id. Distances are squared L2
// between the (normalized, for cosine) query and the reconstructed vectors.
//
// nprobe <= 0 uses the configured default and is clamped to NList. When the
// probed lists hold fewer than k vectors, further lists are visited in order
// of centroid distance until k candidates are found or every list is
// exhausted, so min(k, Len()) results are always returned.
func (idx *Index) Search(ctx context.Context, query []float32, k, nprobe int) ([]model.Neighbor, error) {
	if !idx.sealed() {
		return nil, model.ErrNotReady
	}
	if k <= 0 {
		return nil, model.ErrInvalidK
	}
	dim := idx.cfg.Dimension
	if len(query) != dim {
		return nil, &model.DimensionMismatchError{Expected: dim, Actual: len(query)}
	}
	if !distance.Finite(query) {
		return nil, fmt.Errorf("ivfpq: query: %w", distance.ErrNonFinite)
	}
	if nprobe <= 0 {
		nprobe = idx.cfg.NProbe
	}
	nprobe = min(nprobe, idx.nlist)

	s := idx.scratch.Get().(*searchScratch)
	defer idx.scratch.Put(s)
	if cap(s.query) < dim {
		s.query = make([]float32, dim)
		s.residual = make([]float32, dim)
	}
	q := s.query[:dim]
	copy(q, query)
	if idx.cfg.Metric.Normalizes() {
		distance.NormalizeL2InPlace(q)
	}

	order := kmeans.NearestN(q, idx.centroids, dim, idx.nlist)
	top := searcher.NewTopK(k)
	m := idx.cfg.M
	for probed, list := range order {
		if probed >= nprobe && top.Full() {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l := &idx.lists[list]
		if l.count == 0 {
			continue
		}
		r := distance.Sub(s.residual[:dim], q, idx.centroids[list*dim:(list+1)*dim])
		s.table = idx.pq.DistanceTable(r, s.table)
		for i := 0; i < l.count; i++ {
			d := idx.pq.ADC(s.table, l.codes[i*m:(i+1)*m])
			top.Push(model.Neighbor{ID: l.id(i), Distance: d})
		}
	}
	return top.Sorted(), nil
}

// Len returns the number of indexed vectors.
func (idx *Index) Len() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.total
}

// Config returns the effective configuration. NList reflects the trained
// number of cells once the index is trained.
func (idx *Index) Config() Config {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cfg := idx.cfg
	if idx.phase() != stateUntrained {
		cfg.NList = idx.nlist
	}
	return cfg
}

// Dimension returns the vector width.
func (idx *Index) Dimension() int { return idx.cfg.Dimension }

// Metric returns the distance metric.
func (idx *Index) Metric() distance.Metric { return idx.cfg.Metric }

// BuildTime returns when the index was sealed.
func (idx *Index) BuildTime() time.Time {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.built
}

// Codebooks returns the product quantizer, or nil before training.
func (idx *Index) Codebooks() *quantization.ProductQuantizer {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.pq
}

// ListSizes returns the number of vectors in each inverted list.
func (idx *Index) ListSizes() []int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]int, len(idx.lists))
	for i := range idx.lists {
		out[i] = idx.lists[i].count
	}
	return out
}

// Close releases the backing artifact of a loaded index. Searching a closed
// index that was memory-mapped is undefined.
func (idx *Index) Close() error {
	idx.mu.Lock()
	c := idx.closer
	idx.closer = nil
	idx.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// IDSet returns the ids stored in the index.
func (idx *Index) IDSet() *roaring64.Bitmap {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	bm := roaring64.New()
	buf := make([]uint64, 0, 1024)
	for i := range idx.lists {
		l := &idx.lists[i]
		for j := 0; j < l.count; j++ {
			buf = append(buf, uint64(l.id(j)))
			if len(buf) == cap(buf) {
				bm.AddMany(buf)
				buf = buf[:0]
			}
		}
	}
	bm.AddMany(buf)
	return bm
}
