// Package retrieval is the query-time entry point. A Retriever serves one
// immutable Snapshot (index, metadata store, text resolver) at a time and
// answers queries with ranked, cited passages.
//
// Snapshots are swapped atomically. Each query pins the snapshot it started
// on, so in-flight queries finish against the old artifact while new ones
// see the new artifact; the old snapshot is closed when its last query
// returns.
package retrieval
