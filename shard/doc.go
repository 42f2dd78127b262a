// Package shard reads ingestion shards.
//
// A shard is a pair of immutable files sharing a base name: <base>.npy holds
// a 2-D float32 or float64 array with one embedding per row, and <base>.csv
// holds one metadata record per row with at least the columns id,
// article_title, date, paper and chunk_text. Row i of the CSV belongs to row
// i of the array.
//
// Both readers stream: only the current row is resident. RecordReader
// reports the byte range of every CSV record so that text can later be
// fetched with a single ranged read.
package shard
