package engine

import "errors"

// Domain-specific errors for engine operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidStatus is returned when a subscription change names a
	// status other than active or inactive.
	ErrInvalidStatus = errors.New("engine: invalid subscription status")

	// ErrPublishFailed is returned when an outbound control or
	// subscription message could not be handed to the transport.
	ErrPublishFailed = errors.New("engine: publish failed")
)
