// Package quantization implements product quantization (PQ) for residual
// compression.
//
// A vector of dimension D is split into M equal subvectors and each one is
// replaced by the index of its nearest centroid in a per-subspace codebook of
// at most 256 entries, so a vector costs M bytes:
//
//	pq, err := quantization.NewProductQuantizer(384, 48, 8)
//	err = pq.Train(ctx, sample, quantization.TrainOptions{Seed: 1})
//	code := pq.Encode(vec, nil)
//
// Search never decodes stored codes. A query builds a distance table once
// (DistanceTable) and every code is scored by M table lookups (ADC).
package quantization
