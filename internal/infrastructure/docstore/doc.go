// Package docstore provides the persistent document store for
// AquaSync Core.
//
// The rest of the system treats persistence as an external
// collaborator with exactly four operations — get, set (with merge),
// update, and query — over schemaless JSON documents grouped into
// collections. This package defines that contract (Store) and a
// SQLite-backed implementation that keeps each document as a JSON
// blob keyed by (collection, id).
//
// # Merge semantics
//
// Set with merge=true and Update both deep-merge nested maps
// key-by-key, so a patch like
//
//	{"dailyUsage": {"2026-08-28": 0.8}}
//
// adds or overwrites only that date bucket and leaves earlier dates
// untouched. Repeated merges of the same patch are idempotent.
//
// # Consistency
//
// The engine's in-memory state is authoritative; this store is an
// eventually-consistent mirror used for durability and for serving
// listing queries. Write failures are surfaced to the caller for
// logging but never roll anything back.
package docstore
