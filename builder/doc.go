// Package builder turns a directory of embedding shards into a published
// index artifact.
//
// A build runs five phases in strict order:
//
//  1. sample: one pass over every shard validates it, establishes the
//     embedding width and fills a seeded reservoir sample.
//  2. train: the coarse quantizer and PQ codebooks are learned from the
//     sample.
//  3. encode: workers own contiguous shard ranges, encode into private
//     partitions and bulk-load metadata rows; partitions are merged in
//     worker order.
//  4. seal: the index and the metadata database are written to a staging
//     area.
//  5. publish: the staging area becomes artifacts/<version> and CURRENT is
//     switched to it.
//
// Any failure before publish discards the staging area, so serving never
// observes a partial artifact.
package builder
