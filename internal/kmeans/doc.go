// Package kmeans implements k-means clustering for quantizer training.
//
// It is used to learn the coarse quantizer of the IVF index and the
// per-subspace codebooks of product quantization. Training is
// deterministic for a fixed seed regardless of the worker count.
package kmeans
