// Package logging provides structured logging for the device-link coordinator.
//
// It wraps log/slog so every component (device links, client links,
// stream bridges, the relay) logs with the same default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	linkLog := logger.With("component", "devicelink", "remote", addr)
//	linkLog.Info("Sending command to fetch MAC address from server.")
//
// Never log broker passwords or InfluxDB tokens.
package logging
