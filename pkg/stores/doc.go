// Package stores persists task specs, instance trees, unroutable events and
// the status audit trail.
//
// Two implementations satisfy Store: MemoryStore, for tests and single
// process runs, and SQLiteStore, which uses WAL mode, embedded migrations
// and one JSON document per hierarchy root with a node index for lookups by
// task id and spec id.
package stores
