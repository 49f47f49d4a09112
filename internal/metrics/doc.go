// Package metrics holds the Prometheus collectors for device links, client
// links, broker bridges and the fan-out relay.
//
// Collectors are registered with the default registry on package init and
// exposed by the API server at /metrics.
package metrics
