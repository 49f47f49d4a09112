// Package bridge adapts a broker subscription into the fan-out relay.
//
// A Factory opens one Bridge per streaming device link. Each bridge owns a
// dedicated clean-session broker client subscribed to the topic derived from
// the device's routing key; the subscription disappears with the client.
//
// Deliveries are queued into a bounded buffer (the prefetch) and consumed by
// a single goroutine that runs the processor chain, waits the pacing delay
// and then acknowledges the message. A full buffer blocks the broker client's
// router, which stops it reading from the network.
//
// Broker connects are wrapped in a circuit breaker: after a run of failed
// opens the factory rejects new opens until the breaker timeout elapses.
package bridge
