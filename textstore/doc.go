// Package textstore resolves chunk text on demand.
//
// Text is never loaded ahead of time. The metadata store records where each
// chunk's CSV record lives (shard, byte offset, length); a lookup issues one
// ranged read for those bytes and decodes the chunk_text column. Blob handles
// are opened per request, so the resolver holds no per-shard state apart
// from the column position of chunk_text and an optional block cache.
package textstore
