// Package engine is the device telemetry and command synchronization
// core.
//
// It reconciles MQTT status messages with the in-memory device table,
// correlates outbound control commands with device acknowledgments,
// accumulates per-day water usage, derives liveness from message
// recency, and drives the subscription entitlement lifecycle. Every
// resulting state delta is merged into the document store and fanned
// out to WebSocket observers.
//
// Concurrency model: all mutations of one device's state run inside
// that device's Table critical section, so the transport handler, the
// liveness sweep, the usage checkpoint, and administrative calls are
// serialized per device while unrelated devices proceed in parallel.
// In-memory state is authoritative for engine decisions; store writes
// are asynchronous and a failed merge is logged, never rolled back.
package engine
