// Package paperdex retrieves passages from a very large historical newspaper
// corpus under bounded memory.
//
// Embeddings are compressed into an IVF-PQ index, chunk attributes live in a
// SQLite metadata store and chunk text stays in the source CSV shards, where
// it is fetched with one ranged read per passage. An offline build turns a
// directory of shards into a versioned artifact; a serving process loads the
// artifact CURRENT points to and swaps atomically when a new one is
// published.
//
// # Quick Start
//
// Build an artifact from local shards:
//
//	ctx := context.Background()
//	layout := artifact.NewLocalLayout("./data")
//	src := shard.Source{Embeddings: blobstore.NewLocalStore("./shards")}
//	m, err := paperdex.Build(ctx, layout, src, builder.QuickStartConfig())
//
// Serve it:
//
//	db, err := paperdex.Open(ctx, layout, src.Embeddings, paperdex.WithEmbedder(embedder))
//	defer db.Close()
//	passages, err := db.RetrieveText(ctx, "When did Utah become a state?", 5)
//	for _, p := range passages {
//	    fmt.Println(p.Title, p.Publication, p.Date, p.Link)
//	}
//
// # Cloud mode
//
// Artifacts and shards may live in S3 or MinIO (see blobstore/s3 and
// blobstore/minio). The CURRENT pointer can then be kept in DynamoDB with
// artifact.NewDynamoPointer, so concurrent publishers never overwrite each
// other.
//
// # Modes
//
// A quick-start build ingests an evenly spread subset of 50 shards with at
// most 256 coarse cells; a full build ingests every shard with up to 4096.
// Both can coexist; Promote switches between them without a rebuild.
package paperdex
