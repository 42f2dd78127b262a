// Package distance provides the vector kernels used by the index.
//
// # Supported Metrics
//
//   - MetricL2: squared Euclidean distance
//   - MetricCosine: vectors are L2-normalized on the way in and compared with
//     squared L2, which ranks identically to inner product on unit vectors
//
// # Usage
//
//	d := distance.SquaredL2(a, b)
//	ok := distance.NormalizeL2InPlace(v)
//	score := distance.MetricCosine.Score(d)
package distance
