package quantization

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/paperdex/internal/kmeans"
)

// ErrNotTrained is returned when encoding or searching with an untrained quantizer.
var ErrNotTrained = errors.New("quantization: product quantizer not trained")

// ProductQuantizer compresses vectors into M one-byte codes.
type ProductQuantizer struct {
	numSubvectors int // M
	bits          int
	numCentroids  int // K actually trained, at most 1<<bits
	dimension     int
	subvectorDim  int
	// codebooks is M*K*subvectorDim, subspace-major.
	codebooks []float32
	trained   bool
}

// NewProductQuantizer creates an untrained quantizer.
// dimension must be divisible by numSubvectors and bits must be in [1, 8].
func NewProductQuantizer(dimension, numSubvectors, bits int) (*ProductQuantizer, error) {
	if dimension <= 0 || numSubvectors <= 0 {
		return nil, errors.New("quantization: dimension and numSubvectors must be positive")
	}
	if dimension%numSubvectors != 0 {
		return nil, fmt.Errorf("quantization: dimension %d not divisible by %d subvectors", dimension, numSubvectors)
	}
	if bits < 1 || bits > 8 {
		return nil, fmt.Errorf("quantization: bits must be in [1,8], got %d", bits)
	}

	return &ProductQuantizer{
		numSubvectors: numSubvectors,
		bits:          bits,
		numCentroids:  1 << bits,
		dimension:     dimension,
		subvectorDim:  dimension / numSubvectors,
	}, nil
}

// TrainOptions configures Train.
type TrainOptions struct {
	MaxIter int
	Seed    int64
	Workers int
}

// Train learns one codebook per subspace from the flattened vectors (n*D).
// Fewer than 1<<bits training vectors shrink the codebooks to n entries.
func (pq *ProductQuantizer) Train(ctx context.Context, vectors []float32, opts TrainOptions) error {
	if len(vectors) == 0 || len(vectors)%pq.dimension != 0 {
		return fmt.Errorf("quantization: training data must be a non-empty multiple of %d", pq.dimension)
	}
	n := len(vectors) / pq.dimension
	k := min(1<<pq.bits, n)
	sub := pq.subvectorDim

	codebooks := make([]float32, pq.numSubvectors*k*sub)

	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for m := 0; m < pq.numSubvectors; m++ {
		g.Go(func() error {
			subvectors := make([]float32, n*sub)
			for i := 0; i < n; i++ {
				src := vectors[i*pq.dimension+m*sub : i*pq.dimension+(m+1)*sub]
				copy(subvectors[i*sub:], src)
			}
			centroids, err := kmeans.Train(gctx, subvectors, sub, k, kmeans.Options{
				MaxIter: opts.MaxIter,
				Seed:    opts.Seed + int64(m),
				Workers: 1,
			})
			if err != nil {
				return fmt.Errorf("subspace %d: %w", m, err)
			}
			copy(codebooks[m*k*sub:], centroids)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	pq.codebooks = codebooks
	pq.numCentroids = k
	pq.trained = true
	return nil
}

func (pq *ProductQuantizer) centroid(m, c int) []float32 {
	off := (m*pq.numCentroids + c) * pq.subvectorDim
	return pq.codebooks[off : off+pq.subvectorDim]
}

// Encode quantizes vec into M codes, appending to dst[:0] when it has capacity.
func (pq *ProductQuantizer) Encode(vec []float32, dst []byte) []byte {
	if cap(dst) >= pq.numSubvectors {
		dst = dst[:pq.numSubvectors]
	} else {
		dst = make([]byte, pq.numSubvectors)
	}
	sub := pq.subvectorDim
	k := pq.numCentroids
	for m := 0; m < pq.numSubvectors; m++ {
		book := pq.codebooks[m*k*sub : (m+1)*k*sub]
		best, _ := kmeans.Nearest(vec[m*sub:(m+1)*sub], book, sub)
		// A subvector with no finite distance gets code 0; callers reject
		// non-finite input before encoding.
		dst[m] = byte(max(best, 0))
	}
	return dst
}

// Decode reconstructs the approximate vector for code into dst.
func (pq *ProductQuantizer) Decode(code []byte, dst []float32) []float32 {
	if cap(dst) >= pq.dimension {
		dst = dst[:pq.dimension]
	} else {
		dst = make([]float32, pq.dimension)
	}
	for m := 0; m < pq.numSubvectors; m++ {
		copy(dst[m*pq.subvectorDim:], pq.centroid(m, int(code[m])))
	}
	return dst
}

// DistanceTable fills dst (length M*K) with the squared distances between each
// query subvector and every centroid of its subspace.
func (pq *ProductQuantizer) DistanceTable(query []float32, dst []float32) []float32 {
	size := pq.numSubvectors * pq.numCentroids
	if cap(dst) >= size {
		dst = dst[:size]
	} else {
		dst = make([]float32, size)
	}
	sub := pq.subvectorDim
	for m := 0; m < pq.numSubvectors; m++ {
		q := query[m*sub : (m+1)*sub]
		row := dst[m*pq.numCentroids : (m+1)*pq.numCentroids]
		for c := range row {
			cen := pq.centroid(m, c)
			var s float32
			for i, x := range q {
				d := x - cen[i]
				s += d * d
			}
			row[c] = s
		}
	}
	return dst
}

// ADC sums the table entries selected by code.
func (pq *ProductQuantizer) ADC(table []float32, code []byte) float32 {
	k := pq.numCentroids
	var s float32
	for m, c := range code {
		s += table[m*k+int(c)]
	}
	return s
}

// Dimension returns D.
func (pq *ProductQuantizer) Dimension() int { return pq.dimension }

// NumSubvectors returns M, which is also the code size in bytes.
func (pq *ProductQuantizer) NumSubvectors() int { return pq.numSubvectors }

// NumCentroids returns the trained codebook size per subspace.
func (pq *ProductQuantizer) NumCentroids() int { return pq.numCentroids }

// Bits returns the configured code width.
func (pq *ProductQuantizer) Bits() int { return pq.bits }

// IsTrained reports whether codebooks are available.
func (pq *ProductQuantizer) IsTrained() bool { return pq.trained }

// CompressionRatio returns the float32-to-code size ratio.
func (pq *ProductQuantizer) CompressionRatio() float64 {
	return float64(pq.dimension*4) / float64(pq.numSubvectors)
}

const pqHeaderSize = 16

// MarshalBinary encodes the trained quantizer as
// [dim u32][M u32][bits u32][K u32][codebooks f32...], little-endian.
func (pq *ProductQuantizer) MarshalBinary() ([]byte, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	buf := make([]byte, pqHeaderSize+4*len(pq.codebooks))
	binary.LittleEndian.PutUint32(buf[0:], uint32(pq.dimension))
	binary.LittleEndian.PutUint32(buf[4:], uint32(pq.numSubvectors))
	binary.LittleEndian.PutUint32(buf[8:], uint32(pq.bits))
	binary.LittleEndian.PutUint32(buf[12:], uint32(pq.numCentroids))
	for i, f := range pq.codebooks {
		binary.LittleEndian.PutUint32(buf[pqHeaderSize+4*i:], math.Float32bits(f))
	}
	return buf, nil
}

// UnmarshalBinary restores a quantizer written by MarshalBinary.
func (pq *ProductQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) < pqHeaderSize {
		return errors.New("quantization: truncated header")
	}
	dim := int(binary.LittleEndian.Uint32(data[0:]))
	m := int(binary.LittleEndian.Uint32(data[4:]))
	bits := int(binary.LittleEndian.Uint32(data[8:]))
	k := int(binary.LittleEndian.Uint32(data[12:]))

	fresh, err := NewProductQuantizer(dim, m, bits)
	if err != nil {
		return err
	}
	if k < 1 || k > 1<<bits {
		return fmt.Errorf("quantization: invalid codebook size %d for %d bits", k, bits)
	}
	want := m * k * (dim / m)
	if len(data)-pqHeaderSize != 4*want {
		return fmt.Errorf("quantization: codebook payload is %d bytes, want %d", len(data)-pqHeaderSize, 4*want)
	}

	fresh.numCentroids = k
	fresh.codebooks = make([]float32, want)
	for i := range fresh.codebooks {
		fresh.codebooks[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[pqHeaderSize+4*i:]))
	}
	fresh.trained = true
	*pq = *fresh
	return nil
}
