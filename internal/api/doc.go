// Package api implements the HTTP and WebSocket surface of the device-link
// coordinator.
//
// This package provides:
//   - the device socket endpoint, one devicelink.Link per deepstream server
//   - the viewer socket endpoint, one clientlink.Link per frontend viewer,
//     scoped to the zone named in the URL
//   - a command endpoint that queues outbound commands on a live device link
//   - link state, activity log and diagnostics history lookups
//   - health, JSON system metrics and Prometheus exposition
//
// # Sockets
//
// Each accepted socket gets a read pump feeding the link's inbound channel
// and a write pump draining a bounded send buffer. The link goroutine owns
// the connection's lifetime: when it returns the socket is closed, and a
// read error closes the inbound channel so the link returns.
//
// # Graceful Degradation
//
// The server runs without a broker; device links still identify and
// configure servers, only bridge opens fail.
package api
