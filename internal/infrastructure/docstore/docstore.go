package docstore

import "context"

// Doc is a schemaless JSON document, as stored and retrieved.
type Doc = map[string]any

// Predicate filters documents during a Query. A nil predicate matches
// every document in the collection.
type Predicate func(Doc) bool

// Store is the persistent document store consumed by the engine and
// the administrative API.
//
// The engine treats the store as an eventually-consistent mirror of
// its in-memory state: writes may be issued asynchronously, write
// failures are logged but never roll back in-memory state, and reads
// serve listing endpoints rather than engine decisions.
type Store interface {
	// Get retrieves one document. Returns ErrNotFound if absent.
	Get(ctx context.Context, collection, id string) (Doc, error)

	// Set writes a document. With merge=true the given fields are
	// deep-merged into the existing document (nested maps merge
	// key-by-key); with merge=false the document is replaced.
	// Set creates the document if it does not exist.
	Set(ctx context.Context, collection, id string, doc Doc, merge bool) error

	// Update deep-merges a patch into an existing document.
	// Returns ErrNotFound if the document does not exist.
	Update(ctx context.Context, collection, id string, patch Doc) error

	// Delete removes a document. Deleting an absent document returns
	// ErrNotFound.
	Delete(ctx context.Context, collection, id string) error

	// Query returns all documents in a collection matching the
	// predicate, in unspecified order.
	Query(ctx context.Context, collection string, match Predicate) ([]Doc, error)
}

// merge deep-merges patch into dst and returns dst. Nested maps are
// merged key-by-key; any other value (including slices) is replaced
// wholesale, which makes repeated merges of the same patch idempotent.
func merge(dst, patch Doc) Doc {
	if dst == nil {
		dst = make(Doc, len(patch))
	}
	for k, v := range patch {
		pm, patchIsMap := v.(map[string]any)
		dm, dstIsMap := dst[k].(map[string]any)
		if patchIsMap && dstIsMap {
			dst[k] = merge(dm, pm)
			continue
		}
		dst[k] = v
	}
	return dst
}
