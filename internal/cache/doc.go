// Package cache defines the named cache generations that back the offline
// worker. A Storage holds any number of caches keyed by name (the version
// tag); each Cache maps a request identity (normalized GET URL) to a fully
// materialized response Entry. Three backends share the same contract: a
// file-system store (temp file + rename writes), a SQLite store and an
// in-memory store used by tests. Every operation is atomic on its own; there
// are no cross-operation transactions and writes to one key are
// last-writer-wins.
package cache
