// Package model defines the types shared by the index, the metadata store,
// the text resolver and the retriever, together with the error kinds they
// report.
//
// Chunk ids are the join key across subsystems: the vector index stores only
// ids and PQ codes, the metadata store maps ids to attributes and a text
// location, and the text resolver turns a location into text.
package model
