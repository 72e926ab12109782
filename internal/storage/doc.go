// Package storage is a small document store keyed by (collection, id).
//
// Drivers:
//   - "file": JSON Lines journal compacted into a snapshot, no dependencies
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "memory": process-local, for tests and throwaway runs
//
// Documents are opaque JSON blobs; Collection[T] adds typed access.
package storage
