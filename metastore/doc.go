// Package metastore is the chunk metadata store: an embedded SQLite database
// mapping chunk ids to their attributes and to the byte range of their
// record inside the source shard.
//
// A store is bulk-loaded once per build with Create and PutBatch, then
// reopened read-only with Open for serving. Read-only stores accept any
// number of concurrent readers.
//
// This package uses modernc.org/sqlite, a pure Go SQLite implementation that
// requires no CGO.
package metastore
