// Package logging provides structured logging for AquaSync Core.
//
// It wraps log/slog with service defaults (service name, version),
// configurable level/format/output, and a With helper for component
// loggers. Every long-lived component receives a logger tagged with
// its component name:
//
//	engineLog := logger.With("component", "engine")
package logging
