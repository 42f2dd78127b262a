// Package testutil provides helpers for paperdex tests.
//
// This package is intended for use in tests only. It generates seeded
// vectors, writes shard fixtures (an .npy embedding file plus its .csv
// metadata file), computes exact nearest neighbors and measures recall.
//
// # Random Vectors
//
//	rng := testutil.NewRNG(seed)
//	vecs := rng.ClusteredVectors(1000, 32, 10, 0.1)
//
// # Shard Fixtures
//
//	store := blobstore.NewMemoryStore()
//	testutil.WriteShard(t, store, "shard_000", records, vecs)
//
// # Recall Verification
//
//	exact := testutil.ExactKNN(vecs, ids, query, k, distance.MetricL2)
//	recall := testutil.Recall(exact, approx)
package testutil
