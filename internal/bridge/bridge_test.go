package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/dslink-core/internal/infrastructure/config"
	"github.com/nerrad567/dslink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/dslink-core/internal/metrics"
)

type fakeDelivery struct {
	topic   string
	payload []byte
	acked   atomic.Bool
}

func (d *fakeDelivery) Topic() string   { return d.topic }
func (d *fakeDelivery) Payload() []byte { return d.payload }
func (d *fakeDelivery) Ack()            { d.acked.Store(true) }

type fakeConsumer struct {
	mu           sync.Mutex
	clientID     string
	logger       mqtt.Logger
	topic        string
	qos          byte
	handler      mqtt.DeliveryHandler
	onLost       func(error)
	healthErr    error
	subscribeErr error
	unsubscribed bool
	closed       int
}

func (c *fakeConsumer) SetOnConnectionLost(callback func(err error)) {
	c.mu.Lock()
	c.onLost = callback
	c.mu.Unlock()
}

func (c *fakeConsumer) HealthCheck(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthErr
}

// lose simulates the broker connection dropping.
func (c *fakeConsumer) lose(err error) {
	c.mu.Lock()
	cb := c.onLost
	c.mu.Unlock()
	cb(err)
}

func (c *fakeConsumer) SubscribeDeliveries(topic string, qos byte, handler mqtt.DeliveryHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.topic, c.qos, c.handler = topic, qos, handler
	return nil
}

func (c *fakeConsumer) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = true
	return nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// deliver simulates the broker router invoking the subscription handler.
func (c *fakeConsumer) deliver(d mqtt.Delivery) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(d)
}

type fakePublisher struct {
	mu   sync.Mutex
	got  map[string][]string
	seen chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{got: make(map[string][]string), seen: make(chan struct{}, 16)}
}

func (p *fakePublisher) Publish(zone string, msg []byte) int {
	p.mu.Lock()
	p.got[zone] = append(p.got[zone], string(msg))
	p.mu.Unlock()
	p.seen <- struct{}{}
	return 1
}

func (p *fakePublisher) messages(zone string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.got[zone]...)
}

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		Host:     "localhost",
		Port:     1883,
		ClientID: "dslink-test",
		QoS:      1,
		Exchange: "deepstream",
		Prefetch: 4,
		PacingMS: 0,
		Breaker: config.BreakerConfig{
			FailureThreshold: 2,
			Timeout:          60,
		},
	}
}

func newTestFactory(t *testing.T, cfg config.BrokerConfig, dial Dialer, processors ...Processor) *Factory {
	t.Helper()
	f := NewFactory(cfg, processors...)
	f.SetDialer(dial)
	return f
}

func staticDialer(c *fakeConsumer) Dialer {
	return func(_ context.Context, _ config.BrokerConfig, clientID string, logger mqtt.Logger) (Consumer, error) {
		c.mu.Lock()
		c.clientID = clientID
		c.logger = logger
		c.mu.Unlock()
		return c, nil
	}
}

func waitAcked(t *testing.T, d *fakeDelivery) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !d.acked.Load() {
		if time.Now().After(deadline) {
			t.Fatal("delivery was not acknowledged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpen_SubscribesMappedTopic(t *testing.T) {
	consumer := &fakeConsumer{}
	f := newTestFactory(t, testBrokerConfig(), staticDialer(consumer))

	b, err := f.Open(context.Background(), "zoneA.cam1", "zoneA")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()

	if b.Topic() != "deepstream/zoneA/cam1" || consumer.topic != b.Topic() {
		t.Errorf("topic = %q (consumer %q), want deepstream/zoneA/cam1", b.Topic(), consumer.topic)
	}
	if consumer.qos != 1 {
		t.Errorf("qos = %d, want 1", consumer.qos)
	}
	if len(consumer.clientID) <= len(clientIDPrefix) || consumer.clientID[:len(clientIDPrefix)] != clientIDPrefix {
		t.Errorf("client id = %q, want %s prefix", consumer.clientID, clientIDPrefix)
	}
	if b.RoutingKey() != "zoneA.cam1" || b.Zone() != "zoneA" {
		t.Errorf("bridge bound to %q/%q", b.RoutingKey(), b.Zone())
	}
}

type recordingLogger struct {
	noopLogger
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func TestOpen_ConsumerLogsThroughFactoryLogger(t *testing.T) {
	consumer := &fakeConsumer{}
	f := newTestFactory(t, testBrokerConfig(), staticDialer(consumer))
	logger := &recordingLogger{}
	f.SetLogger(logger)

	b, err := f.Open(context.Background(), "zoneA.cam1", "zoneA")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()

	if consumer.logger != logger {
		t.Errorf("consumer logger = %v, want the factory logger", consumer.logger)
	}
}

func TestBridge_ConnectionLost(t *testing.T) {
	consumer := &fakeConsumer{}
	f := newTestFactory(t, testBrokerConfig(), staticDialer(consumer))
	logger := &recordingLogger{}
	f.SetLogger(logger)

	b, err := f.Open(context.Background(), "zoneA.cam1", "zoneA")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()

	before := testutil.ToFloat64(metrics.BridgeConnectionsLost)
	consumer.lose(errors.New("keepalive timeout"))

	if got := testutil.ToFloat64(metrics.BridgeConnectionsLost); got != before+1 {
		t.Errorf("connections lost = %v, want %v", got, before+1)
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 1 || logger.warns[0] != "bridge lost broker connection" {
		t.Errorf("warnings = %v", logger.warns)
	}
}

func TestFactory_Health(t *testing.T) {
	healthy := &fakeConsumer{}
	down := &fakeConsumer{healthErr: mqtt.ErrNotConnected}
	consumers := []*fakeConsumer{healthy, down}

	var next atomic.Int32
	dial := func(ctx context.Context, cfg config.BrokerConfig, id string, l mqtt.Logger) (Consumer, error) {
		return staticDialer(consumers[next.Add(1)-1])(ctx, cfg, id, l)
	}
	f := newTestFactory(t, testBrokerConfig(), dial)

	if h := f.Health(context.Background()); h.Open != 0 || h.BreakerState != "closed" {
		t.Fatalf("Health() before opens = %+v", h)
	}

	b1, err := f.Open(context.Background(), "zoneA.cam1", "zoneA")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	b2, err := f.Open(context.Background(), "zoneA.cam2", "zoneA")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if h := f.Health(context.Background()); h.Open != 2 || h.Disconnected != 1 {
		t.Errorf("Health() = %+v, want 2 open, 1 disconnected", h)
	}

	b2.Close()
	if h := f.Health(context.Background()); h.Open != 1 || h.Disconnected != 0 {
		t.Errorf("Health() after close = %+v, want 1 open, 0 disconnected", h)
	}
	b1.Close()
}

func TestOpen_InvalidRoutingKey(t *testing.T) {
	f := newTestFactory(t, testBrokerConfig(), staticDialer(&fakeConsumer{}))

	for _, key := range []string{"", "a..b", "a.#.b", "a/b"} {
		if _, err := f.Open(context.Background(), key, "z"); !errors.Is(err, ErrInvalidRoutingKey) {
			t.Errorf("Open(%q) error = %v, want ErrInvalidRoutingKey", key, err)
		}
	}
}

func TestOpen_SubscribeFailureClosesConsumer(t *testing.T) {
	consumer := &fakeConsumer{subscribeErr: mqtt.ErrSubscribeFailed}
	f := newTestFactory(t, testBrokerConfig(), staticDialer(consumer))

	_, err := f.Open(context.Background(), "zoneA.cam1", "zoneA")
	if !errors.Is(err, ErrOpenFailed) || !errors.Is(err, mqtt.ErrSubscribeFailed) {
		t.Fatalf("Open() error = %v, want ErrOpenFailed wrapping ErrSubscribeFailed", err)
	}
	if consumer.closed != 1 {
		t.Errorf("consumer closed %d times, want 1", consumer.closed)
	}
}

func TestOpen_BreakerTrips(t *testing.T) {
	var dials atomic.Int32
	dial := func(context.Context, config.BrokerConfig, string, mqtt.Logger) (Consumer, error) {
		dials.Add(1)
		return nil, mqtt.ErrConnectionFailed
	}
	f := newTestFactory(t, testBrokerConfig(), dial)

	for i := 0; i < 2; i++ {
		if _, err := f.Open(context.Background(), "k", "z"); !errors.Is(err, ErrOpenFailed) {
			t.Fatalf("attempt %d: error = %v, want ErrOpenFailed", i, err)
		}
	}

	_, err := f.Open(context.Background(), "k", "z")
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("error = %v, want ErrBreakerOpen", err)
	}
	if dials.Load() != 2 {
		t.Errorf("dialed %d times, want 2", dials.Load())
	}
	if f.BreakerState() != "open" {
		t.Errorf("BreakerState() = %q, want open", f.BreakerState())
	}
}

func TestBridge_ProcessesInOrderThenAcks(t *testing.T) {
	consumer := &fakeConsumer{}
	pub := newFakePublisher()

	var mu sync.Mutex
	var order []string
	record := func(name string) Processor {
		return ProcessorFunc(func(_ context.Context, msg Message) error {
			mu.Lock()
			order = append(order, name+":"+string(msg.Payload))
			mu.Unlock()
			return nil
		})
	}

	f := newTestFactory(t, testBrokerConfig(), staticDialer(consumer), record("first"), RelayForwarder(pub), record("last"))
	b, err := f.Open(context.Background(), "zoneA.cam1", "zoneA")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()

	d := &fakeDelivery{topic: b.Topic(), payload: []byte(`{"sensorId":1}`)}
	consumer.deliver(d)
	waitAcked(t, d)

	if got := pub.messages("zoneA"); len(got) != 1 || got[0] != `{"sensorId":1}` {
		t.Errorf("relayed = %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != `first:{"sensorId":1}` || order[1] != `last:{"sensorId":1}` {
		t.Errorf("processor order = %v", order)
	}
}

func TestBridge_ProcessorErrorStillAcks(t *testing.T) {
	consumer := &fakeConsumer{}
	failing := ProcessorFunc(func(context.Context, Message) error { return errors.New("boom") })

	f := newTestFactory(t, testBrokerConfig(), staticDialer(consumer), failing)
	b, err := f.Open(context.Background(), "k", "z")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()

	d := &fakeDelivery{topic: b.Topic(), payload: []byte("x")}
	consumer.deliver(d)
	waitAcked(t, d)
}

func TestBridge_PacingDelaysAck(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.PacingMS = 50
	consumer := &fakeConsumer{}

	f := newTestFactory(t, cfg, staticDialer(consumer))
	b, err := f.Open(context.Background(), "k", "z")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()

	start := time.Now()
	d := &fakeDelivery{topic: b.Topic(), payload: []byte("x")}
	consumer.deliver(d)
	waitAcked(t, d)

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("acked after %v, want at least 50ms", elapsed)
	}
}

func TestBridge_CloseIdempotent(t *testing.T) {
	consumer := &fakeConsumer{}
	f := newTestFactory(t, testBrokerConfig(), staticDialer(consumer))

	b, err := f.Open(context.Background(), "k", "z")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !consumer.unsubscribed || consumer.closed != 1 {
		t.Errorf("unsubscribed=%v closed=%d, want true/1", consumer.unsubscribed, consumer.closed)
	}
}

func TestBridge_CloseUnblocksFullQueue(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.Prefetch = 1
	consumer := &fakeConsumer{}

	release := make(chan struct{})
	blocking := ProcessorFunc(func(ctx context.Context, _ Message) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	f := newTestFactory(t, cfg, staticDialer(consumer), blocking)
	b, err := f.Open(context.Background(), "k", "z")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		for i := 0; i < 3; i++ {
			consumer.deliver(&fakeDelivery{topic: b.Topic(), payload: []byte("x")})
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case <-routerDone:
	case <-time.After(time.Second):
		t.Fatal("router still blocked after Close")
	}
	close(release)
}
