package device

import "errors"

// Domain-specific errors for device operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when a device record does not exist.
	ErrNotFound = errors.New("device: not found")

	// ErrIDRequired is returned when an operation is attempted without
	// a device identifier.
	ErrIDRequired = errors.New("device: id is required")
)
