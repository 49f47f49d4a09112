// Package gateway is the persistence and configuration boundary of the
// device-link coordinator.
//
// It resolves deepstream servers by hardware address, records their
// connection lifecycle and log entries, builds the configuration payload
// pushed to a server after identification and stores diagnostics history.
//
// SQLiteRepository is the production implementation. Diagnostics are
// optionally mirrored to a time-series store through a Telemetry sink.
package gateway
