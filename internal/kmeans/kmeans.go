package kmeans

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/paperdex/distance"
)

// chunkSize is the number of points assigned per work item. Fixed so that
// results do not depend on the number of workers.
const chunkSize = 2048

// ErrNoData is returned when training is attempted on an empty sample.
var ErrNoData = errors.New("kmeans: no training vectors")

// Options configures Train.
type Options struct {
	// MaxIter bounds the number of Lloyd iterations (default 25).
	MaxIter int
	// Seed drives k-means++ seeding.
	Seed int64
	// Workers is the assignment parallelism (default GOMAXPROCS).
	Workers int
	// SeedSample caps the number of points considered by k-means++ seeding
	// (default 64*k). Seeding cost is O(SeedSample*k*dim).
	SeedSample int
}

func (o *Options) defaults(k int) {
	if o.MaxIter <= 0 {
		o.MaxIter = 25
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.SeedSample <= 0 {
		o.SeedSample = 64 * k
	}
}

// Train clusters the flattened vectors (n*dim) into at most k centroids using
// k-means++ seeding followed by Lloyd iterations under squared L2.
// k is clamped to the number of vectors. It returns the flattened centroids.
func Train(ctx context.Context, vectors []float32, dim, k int, opts Options) ([]float32, error) {
	if dim <= 0 {
		return nil, errors.New("kmeans: dimension must be positive")
	}
	if len(vectors)%dim != 0 {
		return nil, errors.New("kmeans: vector data not a multiple of dimension")
	}
	n := len(vectors) / dim
	if n == 0 {
		return nil, ErrNoData
	}
	if k <= 0 {
		return nil, errors.New("kmeans: k must be positive")
	}
	if !distance.Finite(vectors) {
		return nil, fmt.Errorf("kmeans: %w", distance.ErrNonFinite)
	}
	if k > n {
		k = n
	}
	opts.defaults(k)

	rng := rand.New(rand.NewSource(opts.Seed))
	centroids := seedPlusPlus(vectors, dim, n, k, opts.SeedSample, rng)

	assignments := make([]int32, n)
	for i := range assignments {
		assignments[i] = -1
	}
	dists := make([]float32, n)
	counts := make([]int, k)
	sums := make([]float64, k*dim)

	for iter := 0; iter < opts.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		changed, err := assign(ctx, vectors, centroids, dim, assignments, dists, opts.Workers)
		if err != nil {
			return nil, err
		}
		if changed == 0 && iter > 0 {
			break
		}

		clear(sums)
		clear(counts)
		for i := 0; i < n; i++ {
			c := int(assignments[i])
			vec := vectors[i*dim : (i+1)*dim]
			row := sums[c*dim : (c+1)*dim]
			for d, x := range vec {
				row[d] += float64(x)
			}
			counts[c]++
		}

		for j := 0; j < k; j++ {
			dst := centroids[j*dim : (j+1)*dim]
			if counts[j] == 0 {
				// Re-seed from the point worst served by its centroid.
				far := farthest(dists)
				copy(dst, vectors[far*dim:(far+1)*dim])
				dists[far] = 0
				continue
			}
			inv := 1 / float64(counts[j])
			for d := range dst {
				dst[d] = float32(sums[j*dim+d] * inv)
			}
		}
	}

	return centroids, nil
}

// seedPlusPlus picks k initial centroids by D² sampling over at most
// limit points drawn uniformly from the data.
func seedPlusPlus(vectors []float32, dim, n, k, limit int, rng *rand.Rand) []float32 {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	if limit < k {
		limit = k
	}
	if n > limit {
		rng.Shuffle(n, func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		pool = pool[:limit]
		sort.Ints(pool)
	}

	centroids := make([]float32, k*dim)
	minDist := make([]float64, len(pool))

	first := pool[rng.Intn(len(pool))]
	copy(centroids[:dim], vectors[first*dim:(first+1)*dim])
	for i, p := range pool {
		minDist[i] = float64(distance.SquaredL2(vectors[p*dim:(p+1)*dim], centroids[:dim]))
	}

	for c := 1; c < k; c++ {
		var total float64
		for _, d := range minDist {
			total += d
		}

		pick := 0
		if total > 0 {
			target := rng.Float64() * total
			var acc float64
			pick = len(pool) - 1
			for i, d := range minDist {
				acc += d
				if acc >= target && d > 0 {
					pick = i
					break
				}
			}
		} else {
			pick = rng.Intn(len(pool))
		}

		src := pool[pick]
		center := centroids[c*dim : (c+1)*dim]
		copy(center, vectors[src*dim:(src+1)*dim])
		for i, p := range pool {
			d := float64(distance.SquaredL2(vectors[p*dim:(p+1)*dim], center))
			if d < minDist[i] {
				minDist[i] = d
			}
		}
	}

	return centroids
}

// assign updates assignments and dists in place and returns how many
// assignments changed.
func assign(ctx context.Context, vectors, centroids []float32, dim int, assignments []int32, dists []float32, workers int) (int, error) {
	n := len(assignments)
	numChunks := (n + chunkSize - 1) / chunkSize
	changedPerChunk := make([]int, numChunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := 0; c < numChunks; c++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := c * chunkSize
			end := min(start+chunkSize, n)
			for i := start; i < end; i++ {
				best, d := Nearest(vectors[i*dim:(i+1)*dim], centroids, dim)
				if best < 0 {
					return fmt.Errorf("kmeans: vector %d: %w", i, distance.ErrNonFinite)
				}
				dists[i] = d
				if assignments[i] != int32(best) {
					assignments[i] = int32(best)
					changedPerChunk[c]++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	changed := 0
	for _, c := range changedPerChunk {
		changed += c
	}
	return changed, nil
}

func farthest(dists []float32) int {
	best := 0
	for i, d := range dists {
		if d > dists[best] {
			best = i
		}
	}
	return best
}

// Nearest returns the index of the closest centroid and its squared L2 distance.
// Ties resolve to the lower index. It returns -1 when no distance is finite,
// which happens for NaN components.
func Nearest(vec, centroids []float32, dim int) (int, float32) {
	k := len(centroids) / dim
	best := -1
	minDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := distance.SquaredL2(vec, centroids[j*dim:(j+1)*dim])
		if d < minDist {
			minDist = d
			best = j
		}
	}
	return best, minDist
}

// Assign returns the nearest centroid for each of the flattened vectors.
func Assign(ctx context.Context, vectors, centroids []float32, dim, workers int) ([]int32, error) {
	n := len(vectors) / dim
	out := make([]int32, n)
	for i := range out {
		out[i] = -1
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if _, err := assign(ctx, vectors, centroids, dim, out, make([]float32, n), workers); err != nil {
		return nil, err
	}
	return out, nil
}

// NearestN returns the indices of the n closest centroids to query, ordered
// by ascending distance and then ascending index. n is clamped to the number
// of centroids.
func NearestN(query, centroids []float32, dim, n int) []int {
	k := len(centroids) / dim
	if n > k {
		n = k
	}
	if n <= 0 {
		return nil
	}

	type cd struct {
		id   int
		dist float32
	}
	all := make([]cd, k)
	for i := 0; i < k; i++ {
		all[i] = cd{id: i, dist: distance.SquaredL2(query, centroids[i*dim:(i+1)*dim])}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].id < all[j].id
	})

	out := make([]int, n)
	for i := range out {
		out[i] = all[i].id
	}
	return out
}
