// Package searcher implements bounded top-k selection for index search.
package searcher
