package docstore

import "errors"

// Sentinel errors for document store operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when the requested document does not exist.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrEncoding is returned when a document cannot be serialized or
	// a stored document cannot be decoded.
	ErrEncoding = errors.New("docstore: document encoding failed")
)
