// Package influxdb mirrors water usage telemetry into InfluxDB.
//
// This is an optional, write-only integration: per-message volume
// deltas and flushed daily-usage buckets are batched into a
// time-series bucket for dashboards. The document store remains the
// system of record; if InfluxDB is disabled or unreachable the engine
// runs unchanged.
//
// Writes are non-blocking. Async write failures surface through the
// SetOnError callback and are logged, never retried by this package.
package influxdb
