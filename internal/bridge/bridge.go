package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/dslink-core/internal/infrastructure/config"
	"github.com/nerrad567/dslink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/dslink-core/internal/metrics"
)

// Bridge is an open broker consumer bound to one routing key.
type Bridge struct {
	routingKey string
	zone       string
	topic      string
	pacing     time.Duration

	consumer   Consumer
	processors []Processor
	queue      chan mqtt.Delivery
	logger     Logger
	onClose    func(*Bridge)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newBridge(cfg config.BrokerConfig, consumer Consumer, routingKey, zone string, processors []Processor, logger Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	topic := mqtt.Topics{}.Route(cfg.Exchange, routingKey)

	b := &Bridge{
		routingKey: routingKey,
		zone:       zone,
		topic:      topic,
		pacing:     cfg.Pacing(),
		consumer:   consumer,
		processors: processors,
		queue:      make(chan mqtt.Delivery, cfg.Prefetch),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go b.consume()
	return b
}

// logAttrs returns the attributes every bridge log line carries, followed by args.
func (b *Bridge) logAttrs(args ...any) []any {
	return append([]any{"routing_key", b.routingKey, "zone_id", b.zone, "topic", b.topic}, args...)
}

// RoutingKey returns the routing key the bridge is bound to.
func (b *Bridge) RoutingKey() string { return b.routingKey }

// Zone returns the zone deliveries are forwarded to.
func (b *Bridge) Zone() string { return b.zone }

// Topic returns the broker topic the bridge is subscribed to.
func (b *Bridge) Topic() string { return b.topic }

// connectionLost runs on the broker client when its connection drops. The
// client reconnects on its own and restores the subscription.
func (b *Bridge) connectionLost(err error) {
	metrics.RecordBridgeConnectionLost()
	b.logger.Warn("bridge lost broker connection", b.logAttrs("error", err)...)
}

// enqueue runs on the broker client's router. It blocks while the queue is
// full and gives up once the bridge is closing, leaving the delivery unacked.
func (b *Bridge) enqueue(d mqtt.Delivery) {
	select {
	case b.queue <- d:
	case <-b.ctx.Done():
	}
}

func (b *Bridge) consume() {
	defer close(b.done)

	for {
		select {
		case <-b.ctx.Done():
			return
		case d := <-b.queue:
			b.handle(d)
		}
	}
}

func (b *Bridge) handle(d mqtt.Delivery) {
	msg := Message{
		Topic:      d.Topic(),
		RoutingKey: b.routingKey,
		Zone:       b.zone,
		Payload:    d.Payload(),
	}

	start := time.Now()
	var firstErr error
	for _, p := range b.processors {
		if err := p.Process(b.ctx, msg); err != nil {
			b.logger.Warn("processor failed", b.logAttrs("error", err)...)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	metrics.RecordDelivery(time.Since(start), firstErr)

	if b.pacing > 0 {
		t := time.NewTimer(b.pacing)
		select {
		case <-t.C:
		case <-b.ctx.Done():
			t.Stop()
		}
	}

	d.Ack()
}

func (b *Bridge) stop() {
	b.cancel()
	<-b.done
}

// Close stops consumption, drops the subscription and disconnects the
// broker client. Deliveries still queued are left unacknowledged. Close is
// safe to call more than once; later calls return the first result.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.stop()

		if err := b.consumer.Unsubscribe(b.topic); err != nil {
			b.logger.Debug("unsubscribe on close failed", b.logAttrs("error", err)...)
		}
		b.closeErr = b.consumer.Close()

		if b.onClose != nil {
			b.onClose(b)
		}
		metrics.RecordBridgeClosed()
		b.logger.Info("bridge closed", b.logAttrs()...)
	})
	return b.closeErr
}
