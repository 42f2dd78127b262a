// Package mmap provides read-only memory mappings of immutable files.
//
// Artifacts and shard files never change after they are published, so a
// shared read-only mapping can be handed to any number of goroutines.
// Platforms without mmap fall back to reading the file into memory.
package mmap
