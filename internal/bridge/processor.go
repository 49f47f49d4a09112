package bridge

import "context"

// Message is one broker delivery handed to the processor chain.
type Message struct {
	Topic      string
	RoutingKey string
	Zone       string
	Payload    []byte
}

// Processor handles one delivery. Processors run in order; an error is
// logged and does not stop the chain or prevent acknowledgement.
type Processor interface {
	Process(ctx context.Context, msg Message) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg Message) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Publisher is the fan-out side of the relay.
type Publisher interface {
	Publish(zone string, msg []byte) int
}

// RelayForwarder returns a processor that publishes every delivery into the
// zone group the bridge was opened for.
func RelayForwarder(p Publisher) Processor {
	return ProcessorFunc(func(_ context.Context, msg Message) error {
		p.Publish(msg.Zone, msg.Payload)
		return nil
	})
}
