package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/nerrad567/dslink-core/internal/infrastructure/config"
	"github.com/nerrad567/dslink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/dslink-core/internal/metrics"
)

// clientIDPrefix prefixes the generated broker client id of each bridge.
const clientIDPrefix = "dslink-bridge-"

// Logger defines the logging interface used by bridges.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Consumer is the broker client a bridge consumes from.
// *mqtt.Client satisfies it.
type Consumer interface {
	SubscribeDeliveries(topic string, qos byte, handler mqtt.DeliveryHandler) error
	Unsubscribe(topic string) error
	SetOnConnectionLost(callback func(err error))
	HealthCheck(ctx context.Context) error
	Close() error
}

// Dialer connects a new consumer with the given client id. logger receives
// handler panics recovered by the consumer.
type Dialer func(ctx context.Context, cfg config.BrokerConfig, clientID string, logger mqtt.Logger) (Consumer, error)

// MQTTDialer connects a manual-ack MQTT client.
func MQTTDialer(ctx context.Context, cfg config.BrokerConfig, clientID string, logger mqtt.Logger) (Consumer, error) {
	client, err := mqtt.Connect(ctx, cfg, mqtt.WithClientID(clientID), mqtt.WithManualAck())
	if err != nil {
		return nil, err
	}
	client.SetLogger(logger)
	return client, nil
}

// Health summarises the breaker and the broker links of open bridges.
type Health struct {
	BreakerState string `json:"breaker_state"`
	Open         int    `json:"open"`
	Disconnected int    `json:"disconnected"`
}

// Factory opens bridges against one broker. It is safe for concurrent use.
type Factory struct {
	cfg        config.BrokerConfig
	processors []Processor
	breaker    *gobreaker.CircuitBreaker[*Bridge]

	mu     sync.RWMutex
	dial   Dialer
	logger Logger

	openMu sync.Mutex
	open   map[*Bridge]struct{}
}

// NewFactory creates a factory whose bridges run processors in the given order.
func NewFactory(cfg config.BrokerConfig, processors ...Processor) *Factory {
	f := &Factory{
		cfg:        cfg,
		processors: processors,
		dial:       MQTTDialer,
		logger:     noopLogger{},
		open:       make(map[*Bridge]struct{}),
	}

	f.breaker = gobreaker.NewCircuitBreaker[*Bridge](gobreaker.Settings{
		Name:        "bridge-open",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.getLogger().Warn("bridge circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return f
}

// SetLogger sets the logger for the factory and the bridges it opens.
func (f *Factory) SetLogger(logger Logger) {
	f.mu.Lock()
	f.logger = logger
	f.mu.Unlock()
}

// SetDialer replaces the broker dialer.
func (f *Factory) SetDialer(d Dialer) {
	f.mu.Lock()
	f.dial = d
	f.mu.Unlock()
}

func (f *Factory) getLogger() Logger {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.logger
}

func (f *Factory) getDialer() Dialer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dial
}

// BreakerState reports the open circuit breaker state ("closed", "open", "half-open").
func (f *Factory) BreakerState() string {
	return f.breaker.State().String()
}

// Health checks the broker link of every open bridge.
func (f *Factory) Health(ctx context.Context) Health {
	f.openMu.Lock()
	bridges := make([]*Bridge, 0, len(f.open))
	for b := range f.open {
		bridges = append(bridges, b)
	}
	f.openMu.Unlock()

	h := Health{BreakerState: f.BreakerState(), Open: len(bridges)}
	for _, b := range bridges {
		if err := b.consumer.HealthCheck(ctx); err != nil {
			h.Disconnected++
		}
	}
	return h
}

func (f *Factory) track(b *Bridge) {
	f.openMu.Lock()
	f.open[b] = struct{}{}
	f.openMu.Unlock()
}

func (f *Factory) untrack(b *Bridge) {
	f.openMu.Lock()
	delete(f.open, b)
	f.openMu.Unlock()
}

// Open connects a dedicated consumer, subscribes it to the routing key's topic
// and starts consuming. Deliveries are forwarded to zone by the processors.
// The returned bridge must be closed by the caller.
func (f *Factory) Open(ctx context.Context, routingKey, zone string) (*Bridge, error) {
	if !mqtt.ValidRoutingKey(routingKey) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoutingKey, routingKey)
	}

	b, err := f.breaker.Execute(func() (*Bridge, error) {
		return f.openBridge(ctx, routingKey, zone)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.RecordBridgeOpen(err, true)
		return nil, fmt.Errorf("%w: %w", ErrBreakerOpen, err)
	}
	metrics.RecordBridgeOpen(err, false)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (f *Factory) openBridge(ctx context.Context, routingKey, zone string) (*Bridge, error) {
	logger := f.getLogger()
	clientID := clientIDPrefix + uuid.NewString()
	consumer, err := f.getDialer()(ctx, f.cfg, clientID, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting: %w", ErrOpenFailed, err)
	}

	b := newBridge(f.cfg, consumer, routingKey, zone, f.processors, logger)
	b.onClose = f.untrack
	consumer.SetOnConnectionLost(b.connectionLost)
	if err := consumer.SubscribeDeliveries(b.topic, byte(f.cfg.QoS), b.enqueue); err != nil {
		b.stop()
		_ = consumer.Close() //nolint:errcheck // best-effort cleanup on failed open
		return nil, fmt.Errorf("%w: subscribing %s: %w", ErrOpenFailed, b.topic, err)
	}

	f.track(b)
	b.logger.Info("bridge opened", b.logAttrs("client_id", clientID)...)
	return b, nil
}
