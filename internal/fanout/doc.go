// Package fanout delivers engine events to WebSocket observers.
//
// The Hub holds every connected observer and broadcasts each event to
// all of them; there is no per-client channel filtering. Delivery is
// best-effort: a slow observer whose send buffer is full loses frames
// rather than stalling the broadcast path. Engine progress never
// depends on observer consumption.
package fanout
