// Package s3 implements blobstore.BlobStore on Amazon S3.
//
// Reads are ranged GETs, so opening a shard costs one HEAD request and each
// chunk record costs one GET of exactly its bytes. Writes stream through the
// S3 upload manager, which switches to multipart uploads for large artifacts.
package s3
