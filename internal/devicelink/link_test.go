package devicelink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/nerrad567/dslink-core/internal/gateway"
	"github.com/nerrad567/dslink-core/internal/protocol"
)

const testMAC = "aa:bb:cc:dd:ee:ff"

type fakeGateway struct {
	mu          sync.Mutex
	devices     map[string]*gateway.Device
	configErr   error
	entries     []string
	statuses    []gateway.Status
	onlineAddr  string
	offline     int
	touched     int
	diagnostics []*gateway.Diagnostics
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		devices: map[string]*gateway.Device{
			testMAC: {ID: 7, MACAddr: testMAC, ZoneID: "zoneA"},
		},
	}
}

func (g *fakeGateway) LookupDeviceByHWAddress(_ context.Context, mac string) (*gateway.Device, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.devices[strings.ToLower(mac)]
	if !ok {
		return nil, gateway.ErrDeviceNotFound
	}
	return d, nil
}

func (g *fakeGateway) LookupZoneForDevice(_ context.Context, id int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range g.devices {
		if d.ID == id {
			return d.ZoneID, nil
		}
	}
	return "", gateway.ErrDeviceNotFound
}

func (g *fakeGateway) PersistDeviceOnline(_ context.Context, _ int64, addr string, _ time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onlineAddr = addr
	return nil
}

func (g *fakeGateway) PersistDeviceOffline(context.Context, int64, time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offline++
	return nil
}

func (g *fakeGateway) SetStatus(_ context.Context, _ int64, s gateway.Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses = append(g.statuses, s)
	return nil
}

func (g *fakeGateway) TouchResponse(context.Context, int64, time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.touched++
	return nil
}

func (g *fakeGateway) AppendLogEntry(_ context.Context, _ int64, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = append(g.entries, message)
	return nil
}

func (g *fakeGateway) BuildDeviceConfig(_ context.Context, id int64) (*gateway.DeviceConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.configErr != nil {
		return nil, g.configErr
	}
	return &gateway.DeviceConfig{
		ID:      "7",
		Cameras: []gateway.Camera{},
		AMQPConfig: gateway.BrokerCredentials{
			Username: "ds", Password: "secret", Hostname: "broker", Port: 1883, Exchange: "deepstream",
		},
	}, nil
}

func (g *fakeGateway) RecordDiagnostics(_ context.Context, _ int64, _ string, d *gateway.Diagnostics) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.diagnostics = append(g.diagnostics, d)
	return nil
}

func (g *fakeGateway) hasEntry(prefix string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entries {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

func (g *fakeGateway) lastStatus() gateway.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.statuses) == 0 {
		return ""
	}
	return g.statuses[len(g.statuses)-1]
}

type fakeBridge struct {
	mu     sync.Mutex
	closed int
}

func (b *fakeBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *fakeBridge) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeOpener struct {
	mu      sync.Mutex
	err     error
	opened  []string
	bridges []*fakeBridge
}

func (o *fakeOpener) Open(_ context.Context, routingKey, zone string) (Bridge, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, routingKey+"@"+zone)
	if o.err != nil {
		return nil, o.err
	}
	b := &fakeBridge{}
	o.bridges = append(o.bridges, b)
	return b, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

type chanSender chan []byte

func (s chanSender) Send(_ context.Context, msg []byte) error {
	s <- msg
	return nil
}

type harness struct {
	t      *testing.T
	gw     *fakeGateway
	opener *fakeOpener
	out    chanSender
	in     chan []byte
	link   *Link
	reg    *Registry
	once   sync.Once
}

func startLink(t *testing.T, configure func(*harness, *Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		gw:     newFakeGateway(),
		opener: &fakeOpener{},
		out:    make(chanSender, 32),
		in:     make(chan []byte),
		reg:    NewRegistry(),
	}
	opts := Options{
		RemoteAddr:    "10.0.0.5:41000",
		Route:         "/deepstream/server/",
		CommandBuffer: 4,
		Registry:      h.reg,
	}
	if configure != nil {
		configure(h, &opts)
	}
	h.link = New(h.gw, h.opener, h.out, opts)

	go h.link.Run(context.Background(), h.in)
	t.Cleanup(h.disconnect)

	if got := h.expect(); got["msg_protocol"] != float64(protocol.SendAddr) {
		t.Fatalf("first message = %v, want SEND_ADDR", got)
	}
	return h
}

func (h *harness) disconnect() {
	h.once.Do(func() {
		close(h.in)
		select {
		case <-h.link.Done():
		case <-time.After(time.Second):
			h.t.Error("link did not stop")
		}
	})
}

func (h *harness) send(raw string) {
	h.t.Helper()
	select {
	case h.in <- []byte(raw):
	case <-time.After(time.Second):
		h.t.Fatal("link not reading")
	}
}

// expect returns the next message the link sent.
func (h *harness) expect() map[string]any {
	h.t.Helper()
	select {
	case raw := <-h.out:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			h.t.Fatalf("link sent invalid JSON %s: %v", raw, err)
		}
		return m
	case <-time.After(time.Second):
		h.t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

// expectRaw returns the next message the link sent, undecoded.
func (h *harness) expectRaw() string {
	h.t.Helper()
	select {
	case raw := <-h.out:
		return string(raw)
	case <-time.After(time.Second):
		h.t.Fatal("timed out waiting for outbound message")
		return ""
	}
}

func (h *harness) expectCommand(cmd protocol.DeviceCommand) map[string]any {
	h.t.Helper()
	m := h.expect()
	if m["msg_protocol"] != float64(cmd) {
		h.t.Fatalf("sent %v, want %v command", m, cmd)
	}
	return m
}

func (h *harness) expectNothing() {
	h.t.Helper()
	select {
	case raw := <-h.out:
		h.t.Fatalf("unexpected outbound message %s", raw)
	case <-time.After(30 * time.Millisecond):
	}
}

// sync waits until the link has finished its current step by round-tripping
// an envelope that is always rejected.
func (h *harness) sync() {
	h.t.Helper()
	h.send(`{"msg_protocol":0}`)
	if got := h.expectRaw(); got != `{"status":400,"error":{"status":"Field is required."}}` {
		h.t.Fatalf("sync reply = %s", got)
	}
}

func (h *harness) identify() {
	h.t.Helper()
	h.send(`{"status":200,"msg_protocol":0,"mac_addr":"` + testMAC + `"}`)
	h.expectCommand(protocol.UpdateConfig)
}

func (h *harness) stream() {
	h.t.Helper()
	h.identify()
	h.send(`{"status":200,"msg_protocol":2}`)
	h.expectCommand(protocol.StartStreaming)
	h.send(`{"status":200,"msg_protocol":4,"stream_info":{"routing_key":"zoneA.cam1"}}`)
	h.sync()
}

func TestIdentify(t *testing.T) {
	h := startLink(t, nil)

	h.send(`{"status":200,"msg_protocol":0,"mac_addr":"` + testMAC + `"}`)
	cmd := h.expectCommand(protocol.UpdateConfig)

	data, ok := cmd["data"].(map[string]any)
	if !ok || data["id"] != "7" {
		t.Fatalf("config payload = %v", cmd["data"])
	}
	amqp, _ := data["amqp_config"].(map[string]any)
	if amqp["hostname"] != "broker" || amqp["username"] != "ds" {
		t.Errorf("amqp_config = %v", amqp)
	}

	h.sync()
	snap := h.link.Snapshot()
	if !snap.Alive || snap.DeviceID != 7 || snap.ZoneID != "zoneA" || snap.Phase != PhaseIdentified {
		t.Errorf("snapshot = %+v", snap)
	}
	if h.gw.onlineAddr != "10.0.0.5:41000" {
		t.Errorf("online addr = %q", h.gw.onlineAddr)
	}
	if !h.gw.hasEntry(entryConnected) || !h.gw.hasEntry(entryUpdatingConfig) {
		t.Errorf("log entries = %v", h.gw.entries)
	}
	if l, ok := h.reg.Get(7); !ok || l != h.link {
		t.Error("identified link not registered")
	}
}

func TestIdentify_UnknownMAC(t *testing.T) {
	h := startLink(t, nil)

	h.send(`{"status":200,"msg_protocol":0,"mac_addr":"00:00:00:00:00:00"}`)
	got := h.expectRaw()
	want := `{"status":400,"error":{"mac_addr":"MAC address not registered as a deepstream server."}}`
	if got != want {
		t.Errorf("reply = %s, want %s", got, want)
	}

	h.sync()
	if h.link.Snapshot().Alive {
		t.Error("link became alive for an unknown MAC")
	}
	if h.reg.Count() != 0 {
		t.Error("unidentified link registered")
	}
}

func TestIdentify_InvalidMAC(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"missing", `{"status":200,"msg_protocol":0}`, `{"status":400,"error":{"mac_addr":"Field is required."}}`},
		{"bad hex", `{"status":200,"msg_protocol":0,"mac_addr":"zz:bb:cc:dd:ee:ff"}`, `{"status":400,"error":{"mac_addr":"MAC address is invalid."}}`},
		{"too short", `{"status":200,"msg_protocol":0,"mac_addr":"aa:bb:cc:dd:ee"}`, `{"status":400,"error":{"mac_addr":"MAC address is invalid."}}`},
		{"too long", `{"status":200,"msg_protocol":0,"mac_addr":"aa:bb:cc:dd:ee:ff:00"}`, `{"status":400,"error":{"mac_addr":"MAC address is invalid."}}`},
		{"not a string", `{"status":200,"msg_protocol":0,"mac_addr":42}`, `{"status":400,"error":{"mac_addr":"MAC address is invalid."}}`},
		{"failed status", `{"status":500,"msg_protocol":0,"mac_addr":"nope"}`, `{"status":400,"error":{"mac_addr":"MAC address is invalid."}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startLink(t, nil)
			h.send(tt.msg)
			if got := h.expectRaw(); got != tt.want {
				t.Errorf("reply = %s, want %s", got, tt.want)
			}
			h.sync()
			if snap := h.link.Snapshot(); snap.Alive || snap.Phase != PhaseUnidentified {
				t.Errorf("state changed: %+v", snap)
			}
		})
	}
}

func TestCommandsBeforeIdentity(t *testing.T) {
	for _, msg := range []string{
		`{"status":200,"msg_protocol":1,"diagnostics_info":{"cpu_utilization":5}}`,
		`{"status":200,"msg_protocol":2}`,
		`{"status":200,"msg_protocol":3}`,
		`{"status":200,"msg_protocol":4,"stream_info":{"routing_key":"zoneA.cam1"}}`,
	} {
		t.Run(msg, func(t *testing.T) {
			h := startLink(t, nil)
			h.send(msg)
			if got := h.expectRaw(); got != `{"status":400,"error":"Server must send its MAC address to operate"}` {
				t.Errorf("reply = %s", got)
			}
			h.sync()
			if h.link.Snapshot().Alive || h.opener.openCount() != 0 || len(h.gw.diagnostics) != 0 {
				t.Error("command processed before identity")
			}
		})
	}
}

// errorLog records Error messages.
type errorLog struct {
	noopLogger
	mu     sync.Mutex
	events []string
}

func (l *errorLog) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.events = append(l.events, msg)
	l.mu.Unlock()
}

func (l *errorLog) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

func TestEnvelopeValidation(t *testing.T) {
	choices := `{"status":400,"error":{"msg_protocol":"Can only be of the following [0, 1, 2, 3, 4]."}}`
	tests := []struct {
		name  string
		msg   string
		want  string
		event string
	}{
		{"missing status", `{"msg_protocol":0,"mac_addr":"` + testMAC + `"}`, `{"status":400,"error":{"status":"Field is required."}}`, "invalid response object received"},
		{"missing msg_protocol", `{"status":200}`, choices, "missing msg_protocol received"},
		{"unknown msg_protocol", `{"status":200,"msg_protocol":9}`, choices, "invalid msg_protocol received"},
		{"string msg_protocol", `{"status":200,"msg_protocol":"0"}`, choices, "invalid msg_protocol received"},
		{"not json", `{"status":`, `{"status":400,"error":"Could not process request."}`, ""},
		{"not an object", `[1,2,3]`, `{"status":400,"error":"Could not process request."}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &errorLog{}
			h := startLink(t, func(_ *harness, opts *Options) { opts.Logger = rec })
			h.send(tt.msg)
			if got := h.expectRaw(); got != tt.want {
				t.Errorf("reply = %s, want %s", got, tt.want)
			}
			if tt.event != "" && !rec.has(tt.event) {
				t.Errorf("no %q error logged", tt.event)
			}
		})
	}
}

func TestProtocolErrorSwallowed(t *testing.T) {
	h := startLink(t, nil)

	h.send(`{"status":400,"error":{"msg_protocol":"Can only be of the following [0, 1, 2, 3, 4]."}}`)
	h.expectNothing()
	h.sync()
}

func TestStreamingLifecycle(t *testing.T) {
	h := startLink(t, nil)
	h.stream()

	if got := h.opener.opened; len(got) != 1 || got[0] != "zoneA.cam1@zoneA" {
		t.Fatalf("opened = %v", got)
	}
	snap := h.link.Snapshot()
	if snap.Phase != PhaseStreaming || !snap.Streaming || snap.RoutingKey != "zoneA.cam1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if h.gw.lastStatus() != gateway.StatusOnlineStreaming {
		t.Errorf("status = %s", h.gw.lastStatus())
	}
	for _, e := range []string{entryConfigUpdated, entryStarting, entryStarted} {
		if !h.gw.hasEntry(e) {
			t.Errorf("missing log entry %q", e)
		}
	}

	if err := h.link.Enqueue(protocol.StopStreaming); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	h.expectCommand(protocol.StopStreaming)
	if h.opener.bridges[0].closeCount() != 0 {
		t.Error("bridge closed before the stop was acknowledged")
	}

	h.send(`{"status":200,"msg_protocol":3}`)
	h.sync()

	if h.opener.bridges[0].closeCount() != 1 {
		t.Errorf("bridge closed %d times, want 1", h.opener.bridges[0].closeCount())
	}
	snap = h.link.Snapshot()
	if snap.Phase != PhaseStopped || snap.Streaming {
		t.Errorf("after stop: %+v", snap)
	}
	if h.gw.lastStatus() != gateway.StatusOnlineIdle {
		t.Errorf("status = %s", h.gw.lastStatus())
	}

	// Restart reuses the same path.
	if err := h.link.Enqueue(protocol.StartStreaming); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	h.expectCommand(protocol.StartStreaming)
	h.send(`{"status":200,"msg_protocol":4,"stream_info":{"routing_key":"zoneA.cam1"}}`)
	h.sync()
	if h.opener.openCount() != 2 || h.link.Snapshot().Phase != PhaseStreaming {
		t.Errorf("restart: opens=%d phase=%v", h.opener.openCount(), h.link.Snapshot().Phase)
	}
}

func TestStartStreaming_MissingRoutingKey(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"no stream_info", `{"status":200,"msg_protocol":4}`, `{"status":400,"error":{"stream_info":"Field is required."}}`},
		{"no routing_key", `{"status":200,"msg_protocol":4,"stream_info":{}}`, `{"status":400,"error":{"stream_info":{"routing_key":"Field is required."}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startLink(t, nil)
			h.identify()
			h.send(tt.msg)
			if got := h.expectRaw(); got != tt.want {
				t.Errorf("reply = %s, want %s", got, tt.want)
			}
			h.sync()
			if h.opener.openCount() != 0 {
				t.Error("bridge opened without a routing key")
			}
		})
	}
}

func TestStartStreaming_BridgeFailureUnwinds(t *testing.T) {
	h := startLink(t, func(h *harness, _ *Options) {
		h.opener.err = errors.New("broker unreachable")
	})
	h.identify()

	h.send(`{"status":200,"msg_protocol":4,"stream_info":{"routing_key":"zoneA.cam1"}}`)
	h.expectCommand(protocol.StopStreaming)
	h.sync()

	snap := h.link.Snapshot()
	if snap.Phase != PhaseStopped || snap.Streaming {
		t.Errorf("snapshot = %+v", snap)
	}
	if !h.gw.hasEntry(entryBridgeFailed) || !h.gw.hasEntry(entryStopping) {
		t.Errorf("log entries = %v", h.gw.entries)
	}

	// The stop acknowledgement finds no bridge to close.
	h.send(`{"status":200,"msg_protocol":3}`)
	h.sync()
	if h.link.Snapshot().Phase != PhaseStopped {
		t.Error("phase changed on stop ack")
	}
}

func TestStartStreaming_AlreadyActive(t *testing.T) {
	h := startLink(t, nil)
	h.stream()

	h.send(`{"status":200,"msg_protocol":4,"stream_info":{"routing_key":"zoneA.cam2"}}`)
	h.sync()

	if h.opener.openCount() != 1 {
		t.Errorf("opened %d bridges, want 1", h.opener.openCount())
	}
	if h.link.Snapshot().RoutingKey != "zoneA.cam1" {
		t.Errorf("routing key = %q", h.link.Snapshot().RoutingKey)
	}
}

func TestStopStreaming_WithoutBridge(t *testing.T) {
	h := startLink(t, nil)
	h.identify()

	h.send(`{"status":200,"msg_protocol":3}`)
	h.sync()

	if h.link.Snapshot().Phase != PhaseStopped {
		t.Errorf("phase = %v", h.link.Snapshot().Phase)
	}
}

func TestStopStreaming_FailedAckKeepsBridge(t *testing.T) {
	h := startLink(t, nil)
	h.stream()

	h.send(`{"status":500,"msg_protocol":3,"error":"pipeline busy"}`)
	h.sync()

	if h.opener.bridges[0].closeCount() != 0 {
		t.Error("bridge closed on failed stop ack")
	}
	if !h.gw.hasEntry(failStop + ` {"status":500,"error":"pipeline busy"}`) {
		t.Errorf("log entries = %v", h.gw.entries)
	}
	if h.gw.lastStatus() != gateway.StatusOnlineInError {
		t.Errorf("status = %s", h.gw.lastStatus())
	}
}

func TestUpdateConfig_Failure(t *testing.T) {
	h := startLink(t, nil)
	h.identify()

	h.send(`{"status":500,"msg_protocol":2,"error":{"cameras":"invalid"}}`)
	h.sync()

	if !h.gw.hasEntry(failConfig) {
		t.Errorf("log entries = %v", h.gw.entries)
	}
	if h.link.Snapshot().Phase != PhaseIdentified {
		t.Errorf("phase = %v", h.link.Snapshot().Phase)
	}
}

func TestUpdateConfig_BuildFailure(t *testing.T) {
	h := startLink(t, func(h *harness, _ *Options) {
		h.gw.configErr = gateway.ErrDeviceNotFound
	})

	h.send(`{"status":200,"msg_protocol":0,"mac_addr":"` + testMAC + `"}`)
	h.sync()

	if !h.gw.hasEntry(entryConfigFailed) {
		t.Errorf("log entries = %v", h.gw.entries)
	}
	if !h.link.Snapshot().Alive {
		t.Error("link should stay identified")
	}
}

func TestDiagnostics(t *testing.T) {
	h := startLink(t, nil)
	h.identify()

	if err := h.link.Enqueue(protocol.SendDiagnostics); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	h.expectCommand(protocol.SendDiagnostics)

	h.send(`{"status":200,"msg_protocol":1}`)
	if got := h.expectRaw(); got != `{"status":400,"error":{"diagnostics_info":"Field is required."}}` {
		t.Errorf("reply = %s", got)
	}

	h.send(`{"status":200,"msg_protocol":1,"diagnostics_info":{"cpu_utilization":12,"temperature":55}}`)
	h.sync()

	snap := h.link.Snapshot()
	if snap.Diagnostics == nil || *snap.Diagnostics.CPUUtilization != 12 {
		t.Fatalf("diagnostics = %+v", snap.Diagnostics)
	}
	if len(h.gw.diagnostics) != 1 || !h.gw.hasEntry(entryDiagnosticsRecvd) || !h.gw.hasEntry(entryRequestingDiag) {
		t.Errorf("recorded=%d entries=%v", len(h.gw.diagnostics), h.gw.entries)
	}

	h.send(`{"status":200,"msg_protocol":1,"diagnostics_info":"hot"}`)
	if got := h.expectRaw(); got != `{"status":400,"error":{"diagnostics_info":"Field must be an object."}}` {
		t.Errorf("reply = %s", got)
	}
	h.sync()
	if len(h.gw.diagnostics) != 1 {
		t.Error("non-object diagnostics recorded")
	}
}

func TestDiagnostics_Periodic(t *testing.T) {
	h := startLink(t, func(_ *harness, o *Options) {
		o.DiagnosticsInterval = 20 * time.Millisecond
	})
	h.identify()

	h.expectCommand(protocol.SendDiagnostics)
}

func TestResponsesRefreshLastSeen(t *testing.T) {
	h := startLink(t, nil)
	h.identify()
	h.send(`{"status":200,"msg_protocol":2}`)
	h.expectCommand(protocol.StartStreaming)
	h.sync()

	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	if h.gw.touched != 1 {
		t.Errorf("touched = %d, want 1", h.gw.touched)
	}
}

func TestDisconnect_SupersededLinkLeavesDeviceOnline(t *testing.T) {
	gw := newFakeGateway()
	reg := NewRegistry()
	shared := func(h *harness, opts *Options) {
		h.gw = gw
		h.reg = reg
		opts.Registry = reg
	}

	first := startLink(t, shared)
	first.identify()
	second := startLink(t, shared)
	second.identify()

	first.disconnect()

	if gw.offline != 0 || gw.hasEntry("Connection closed with the server.") {
		t.Errorf("superseded link marked the device offline: offline=%d entries=%v", gw.offline, gw.entries)
	}
	if l, ok := reg.Get(7); !ok || l != second.link {
		t.Fatal("superseded link removed its replacement from the registry")
	}

	second.disconnect()

	if gw.offline != 1 || !gw.hasEntry("Connection closed with the server.") {
		t.Errorf("offline=%d entries=%v", gw.offline, gw.entries)
	}
	if reg.Count() != 0 {
		t.Error("link still registered after disconnect")
	}
}

func TestDisconnect_ReleasesResources(t *testing.T) {
	h := startLink(t, nil)
	h.stream()

	h.disconnect()

	if h.opener.bridges[0].closeCount() != 1 {
		t.Errorf("bridge closed %d times, want 1", h.opener.bridges[0].closeCount())
	}
	if h.gw.offline != 1 || !h.gw.hasEntry("Connection closed with the server.") {
		t.Errorf("offline=%d entries=%v", h.gw.offline, h.gw.entries)
	}
	if h.reg.Count() != 0 {
		t.Error("link still registered after disconnect")
	}
	if h.link.Snapshot().Alive {
		t.Error("snapshot still alive after disconnect")
	}
}

func TestDisconnect_Unidentified(t *testing.T) {
	h := startLink(t, nil)
	h.disconnect()

	if h.gw.offline != 0 || len(h.gw.entries) != 0 {
		t.Errorf("unidentified disconnect touched the gateway: offline=%d entries=%v", h.gw.offline, h.gw.entries)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	gw := newFakeGateway()
	out := make(chanSender, 4)
	l := New(gw, &fakeOpener{}, out, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx, make(chan []byte))
	<-out
	cancel()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEnqueue(t *testing.T) {
	l := New(newFakeGateway(), &fakeOpener{}, make(chanSender, 1), Options{CommandBuffer: 1})

	if err := l.Enqueue(protocol.SendAddr); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("SEND_ADDR error = %v, want ErrInvalidCommand", err)
	}
	if err := l.Enqueue(protocol.DeviceCommand(9)); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("unknown tag error = %v, want ErrInvalidCommand", err)
	}
	if err := l.Enqueue(protocol.SendDiagnostics); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if err := l.Enqueue(protocol.SendDiagnostics); !errors.Is(err, ErrMailboxFull) {
		t.Errorf("second Enqueue() error = %v, want ErrMailboxFull", err)
	}
}

func TestEnqueue_AfterClose(t *testing.T) {
	h := startLink(t, nil)
	h.disconnect()

	if err := h.link.Enqueue(protocol.SendDiagnostics); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("error = %v, want ErrLinkClosed", err)
	}
}

func TestEnqueue_IgnoredBeforeIdentity(t *testing.T) {
	h := startLink(t, nil)

	if err := h.link.Enqueue(protocol.StartStreaming); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	h.expectNothing()
}
