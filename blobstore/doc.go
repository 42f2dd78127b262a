// Package blobstore abstracts the storage that holds shards and published
// artifacts.
//
// Every blob is immutable once written. Readers use ranged reads so a
// single chunk record can be fetched from a multi-gigabyte shard without
// touching the rest of the file.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem, reads through read-only mmap
//   - MemoryStore: in-process, for tests
//   - s3.Store: Amazon S3 with ranged GETs and multipart uploads
//   - minio.Store: any S3-compatible endpoint through minio-go
//   - CachingStore: block cache in front of any store
package blobstore
