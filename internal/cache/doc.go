// Package cache provides a byte-bounded LRU for immutable blocks read from
// blob storage.
package cache
