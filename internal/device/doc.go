// Package device defines the per-device state model and the keyed
// in-memory state table.
//
// A Record carries everything known about one field device: mirrored
// operational flags, the entitlement window, accumulated daily usage,
// and derived liveness. Records live in a Table, which serializes all
// mutations per device while letting unrelated devices proceed in
// parallel; the engine never mutates a Record outside a Table critical
// section.
//
// Repository projects Records onto the schemaless document store. The
// store is a durable mirror of the Table, not the other way round:
// engine decisions read in-memory state, and store writes may lag.
package device
