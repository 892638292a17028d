package engine

// Observer event types.
const (
	// EventAck marks a telemetry- or acknowledgment-driven update and
	// carries the device's full state.
	EventAck = "ACK"

	// EventUpdate marks a liveness or subscription transition and
	// carries only the changed fields plus the device ID.
	EventUpdate = "UPDATE"
)

// Event is one observer notification.
type Event struct {
	Type   string `json:"type"`
	Device any    `json:"device"`
}

// Broadcaster delivers events to connected observers. Delivery is
// best-effort and must never block the caller.
type Broadcaster interface {
	Broadcast(v any)
}
