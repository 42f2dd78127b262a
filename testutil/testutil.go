package testutil

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hupe1980/paperdex/distance"
	"github.com/hupe1980/paperdex/model"
)

// RNG wraps a seeded random source. It is safe for concurrent use.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG returns a generator seeded with seed.
func NewRNG(seed int64) *RNG {
	return &RNG{rand: rand.New(rand.NewSource(seed)), seed: seed}
}

// Reset rewinds the generator to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Intn returns a value in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// UniformVectors returns num vectors with components in [-1, 1).
func (r *RNG) UniformVectors(num, dim int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	out := make([][]float32, num)
	for i := range num {
		v := data[i*dim : (i+1)*dim]
		for j := range v {
			v[j] = r.rand.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

// UnitVectors returns num L2-normalized vectors drawn uniformly from the sphere.
func (r *RNG) UnitVectors(num, dim int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	out := make([][]float32, num)
	for i := range num {
		v := data[i*dim : (i+1)*dim]
		r.unitLocked(v)
		out[i] = v
	}
	return out
}

func (r *RNG) unitLocked(v []float32) {
	for {
		var norm float64
		for j := range v {
			x := r.rand.NormFloat64()
			v[j] = float32(x)
			norm += x * x
		}
		if norm > 0 {
			inv := float32(1 / math.Sqrt(norm))
			for j := range v {
				v[j] *= inv
			}
			return
		}
	}
}

// ClusteredVectors returns num vectors spread around clusters random unit
// centroids with Gaussian noise of the given standard deviation. Vector i
// belongs to cluster i%clusters.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float32) [][]float32 {
	centroids := r.UnitVectors(clusters, dim)

	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	out := make([][]float32, num)
	for i := range num {
		c := centroids[i%clusters]
		v := data[i*dim : (i+1)*dim]
		for j := range v {
			v[j] = c[j] + float32(r.rand.NormFloat64())*spread
		}
		out[i] = v
	}
	return out
}

// Flatten concatenates vectors into one row-major slice.
func Flatten(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	out := make([]float32, 0, len(vectors)*dim)
	for _, v := range vectors {
		out = append(out, v...)
	}
	return out
}

// ExactKNN returns the k nearest of vectors to query by brute force. ids[i]
// labels vectors[i]; a nil ids labels vectors by position. Distances use the
// same convention as the index: squared L2, on normalized copies for cosine.
func ExactKNN(vectors [][]float32, ids []model.ID, query []float32, k int, metric distance.Metric) []model.Neighbor {
	q := query
	if metric.Normalizes() {
		q, _ = distance.NormalizeL2Copy(query)
	}

	out := make([]model.Neighbor, len(vectors))
	for i, v := range vectors {
		if metric.Normalizes() {
			v, _ = distance.NormalizeL2Copy(v)
		}
		id := model.ID(i)
		if ids != nil {
			id = ids[i]
		}
		out[i] = model.Neighbor{ID: id, Distance: distance.SquaredL2(q, v)}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Recall returns the fraction of exact neighbors present in approx.
func Recall(exact, approx []model.Neighbor) float64 {
	if len(exact) == 0 {
		if len(approx) == 0 {
			return 1
		}
		return 0
	}
	truth := make(map[model.ID]struct{}, len(exact))
	for _, n := range exact {
		truth[n.ID] = struct{}{}
	}
	hits := 0
	for _, n := range approx {
		if _, ok := truth[n.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(exact))
}
