// Package ivfpq implements an inverted-file index with product-quantized
// residuals (IVF-PQ).
//
// A coarse k-means quantizer partitions the vector space into NList cells.
// Every vector is stored in the inverted list of its nearest cell as its id
// plus the PQ code of its residual (vector minus cell centroid). A query
// visits the NProbe nearest cells and scores each stored code with
// asymmetric distance computation: one lookup table per visited cell, M
// table lookups per code, no decompression.
//
// # Lifecycle
//
//	idx, _ := ivfpq.New(cfg)
//	_ = idx.Train(ctx, sample)       // coarse quantizer + PQ codebooks
//	p := idx.NewPartition()          // one per worker
//	_ = p.Add(id, vec)
//	_ = idx.Merge(p)
//	_ = idx.Seal()                   // no writes after this point
//	hits, _ := idx.Search(ctx, q, 10, 32)
//
// A sealed index is immutable and safe for any number of concurrent readers.
// It is persisted with WriteTo and reopened with Load.
package ivfpq
