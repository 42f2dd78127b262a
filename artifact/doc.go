// Package artifact publishes and locates immutable index artifacts.
//
// An artifact is a directory of three files written by one build:
//
//	artifacts/<version>/index.ivfpq    vector index
//	artifacts/<version>/metadata.db    chunk metadata (SQLite)
//	artifacts/<version>/manifest.json  build description and file checksums
//
// A build writes into a staging location that serving never reads, then
// publishes in two steps: the artifact becomes visible under its version,
// and the CURRENT pointer is switched to it. A crash before the pointer
// switch leaves the previous artifact in service. Pointers are a file in the
// blob store (FilePointer) or a DynamoDB item updated with a conditional
// write (DynamoPointer).
package artifact
