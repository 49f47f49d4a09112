package devicelink

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/nerrad567/dslink-core/internal/bridge"
	"github.com/nerrad567/dslink-core/internal/gateway"
	"github.com/nerrad567/dslink-core/internal/metrics"
	"github.com/nerrad567/dslink-core/internal/protocol"
)

// teardownTimeout bounds the gateway writes made after the connection ends.
const teardownTimeout = 5 * time.Second

// macPattern matches six colon-separated hex pairs.
var macPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)

// Logger defines the logging interface used by links.
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

// Gateway is the persistence boundary a device link uses.
// *gateway.SQLiteRepository satisfies it.
type Gateway interface {
	LookupDeviceByHWAddress(ctx context.Context, mac string) (*gateway.Device, error)
	LookupZoneForDevice(ctx context.Context, deviceID int64) (string, error)
	PersistDeviceOnline(ctx context.Context, deviceID int64, addr string, at time.Time) error
	PersistDeviceOffline(ctx context.Context, deviceID int64, at time.Time) error
	SetStatus(ctx context.Context, deviceID int64, status gateway.Status) error
	TouchResponse(ctx context.Context, deviceID int64, at time.Time) error
	AppendLogEntry(ctx context.Context, deviceID int64, message string) error
	BuildDeviceConfig(ctx context.Context, deviceID int64) (*gateway.DeviceConfig, error)
	RecordDiagnostics(ctx context.Context, deviceID int64, zoneID string, d *gateway.Diagnostics) error
}

// Bridge is an open broker bridge owned by a link.
type Bridge interface {
	Close() error
}

// BridgeOpener opens a bridge bound to a routing key, forwarding into zone.
type BridgeOpener interface {
	Open(ctx context.Context, routingKey, zone string) (Bridge, error)
}

// FactoryOpener adapts a bridge.Factory to BridgeOpener.
func FactoryOpener(f *bridge.Factory) BridgeOpener {
	return factoryOpener{f}
}

type factoryOpener struct{ f *bridge.Factory }

func (o factoryOpener) Open(ctx context.Context, routingKey, zone string) (Bridge, error) {
	b, err := o.f.Open(ctx, routingKey, zone)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Sender writes one message to the server's socket.
type Sender interface {
	Send(ctx context.Context, msg []byte) error
}

// Options configures a Link.
type Options struct {
	// RemoteAddr is the server's host:port as seen by the coordinator.
	RemoteAddr string

	// Route is the request path the server connected on, used in log lines.
	Route string

	// CommandBuffer is the capacity of the external command mailbox.
	CommandBuffer int

	// DiagnosticsInterval requests diagnostics periodically once identified. Zero disables.
	DiagnosticsInterval time.Duration

	// Registry, when set, indexes the link by device id once identified.
	Registry *Registry

	Logger Logger
}

// Link is the coordinator side of one deepstream server connection.
type Link struct {
	gw     Gateway
	opener BridgeOpener
	out    Sender
	opts   Options
	logger Logger

	commands    chan protocol.DeviceCommand
	done        chan struct{}
	connectedAt time.Time

	generators [protocol.NumDeviceCommands]func(ctx context.Context)
	callbacks  [protocol.NumDeviceCommands]func(ctx context.Context, m *protocol.DeviceMessage)

	// owned by the Run goroutine
	st state

	snapshot atomic.Pointer[Snapshot]
}

// New creates a link. Call Run to drive it.
func New(gw Gateway, opener BridgeOpener, out Sender, opts Options) *Link {
	if opts.CommandBuffer <= 0 {
		opts.CommandBuffer = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	l := &Link{
		gw:          gw,
		opener:      opener,
		out:         out,
		opts:        opts,
		logger:      logger,
		commands:    make(chan protocol.DeviceCommand, opts.CommandBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now().UTC(),
	}

	l.generators = [protocol.NumDeviceCommands]func(context.Context){
		protocol.SendAddr:        l.sendAddr,
		protocol.SendDiagnostics: l.sendDiagnostics,
		protocol.UpdateConfig:    l.updateConfig,
		protocol.StopStreaming:   l.stopStreaming,
		protocol.StartStreaming:  l.startStreaming,
	}
	l.callbacks = [protocol.NumDeviceCommands]func(context.Context, *protocol.DeviceMessage){
		protocol.SendAddr:        l.onSendAddr,
		protocol.SendDiagnostics: l.onSendDiagnostics,
		protocol.UpdateConfig:    l.onUpdateConfig,
		protocol.StopStreaming:   l.onStopStreaming,
		protocol.StartStreaming:  l.onStartStreaming,
	}

	l.publish()
	return l
}

// Snapshot returns the state as of the link's last completed step.
func (l *Link) Snapshot() Snapshot {
	return *l.snapshot.Load()
}

// Done is closed once Run has returned.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Enqueue asks the link to issue cmd. The command runs on the link's own
// goroutine and is ignored if the server has not identified itself.
func (l *Link) Enqueue(cmd protocol.DeviceCommand) error {
	if !cmd.Valid() || cmd == protocol.SendAddr {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, cmd)
	}
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.commands <- cmd:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Run drives the link until inbound is closed or ctx is cancelled. It asks
// the server for its MAC address first. All resources owned by the link
// are released before Run returns.
func (l *Link) Run(ctx context.Context, inbound <-chan []byte) {
	metrics.RecordLinkOpened(metrics.LinkDevice)
	defer close(l.done)
	defer metrics.RecordLinkClosed(metrics.LinkDevice)
	defer l.teardown(ctx)

	l.logger.Info("connection accepted", l.attrs()...)
	l.generate(ctx, protocol.SendAddr)

	var tick <-chan time.Time
	if l.opts.DiagnosticsInterval > 0 {
		ticker := time.NewTicker(l.opts.DiagnosticsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-inbound:
			if !ok {
				return
			}
			l.handle(ctx, raw)
		case cmd := <-l.commands:
			l.generate(ctx, cmd)
		case <-tick:
			if l.st.alive {
				l.generate(ctx, protocol.SendDiagnostics)
			}
		}
		l.publish()
	}
}

// teardown closes the bridge before anything else so no delivery is
// processed for a link that no longer exists.
func (l *Link) teardown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	l.closeBridge()

	if l.st.alive {
		current := l.opts.Registry == nil || l.opts.Registry.unregister(l.st.deviceID, l)
		if current {
			if err := l.gw.PersistDeviceOffline(ctx, l.st.deviceID, time.Now()); err != nil {
				l.logger.Error("failed to mark device offline", l.attrs("error", err)...)
			}
			l.logEntry(ctx, "Connection closed with the server.")
		} else {
			// The device reconnected on another link and is still online there.
			l.logger.Info("superseded link closed", l.attrs()...)
		}
		metrics.DevicesIdentified.Dec()
	}

	l.st.alive = false
	l.publish()
	l.logger.Info("connection closed", l.attrs()...)
}

func (l *Link) publish() {
	snap := &Snapshot{
		Phase:       l.st.phase,
		Alive:       l.st.alive,
		DeviceID:    l.st.deviceID,
		ZoneID:      l.st.zoneID,
		Streaming:   l.st.bridge != nil,
		RoutingKey:  l.st.routingKey,
		Diagnostics: l.st.diagnostics,
		RemoteAddr:  l.opts.RemoteAddr,
		ConnectedAt: l.connectedAt,
	}
	l.snapshot.Store(snap)
}

// attrs returns the connection attributes followed by args.
func (l *Link) attrs(args ...any) []any {
	base := []any{"conn_protocol", "WebSocket", "url", l.opts.Route, "client", l.opts.RemoteAddr}
	if l.st.alive {
		base = append(base, "device_id", l.st.deviceID, "zone_id", l.st.zoneID)
	}
	return append(base, args...)
}

// handle validates and dispatches one inbound envelope. Panics and parse
// failures are answered with a generic error; the connection stays open.
func (l *Link) handle(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic handling device message", l.attrs("panic", r)...)
			metrics.RecordLinkMessage(metrics.LinkDevice, "error")
			l.reply(ctx, protocol.EncodeError(protocol.MsgCouldNotProcess))
		}
	}()

	m, err := protocol.DecodeDeviceMessage(raw)
	if err != nil {
		l.logger.Error("could not parse device message", l.attrs("status", protocol.StatusBadRequest, "error", err)...)
		metrics.RecordLinkMessage(metrics.LinkDevice, "error")
		l.reply(ctx, protocol.EncodeError(protocol.MsgCouldNotProcess))
		return
	}

	cmd, ok := l.validate(ctx, m)
	if !ok {
		metrics.RecordLinkMessage(metrics.LinkDevice, "rejected")
		return
	}
	metrics.RecordLinkMessage(metrics.LinkDevice, "accepted")

	if l.st.alive {
		if err := l.gw.TouchResponse(ctx, l.st.deviceID, time.Now()); err != nil {
			l.logger.Warn("failed to record response time", l.attrs("error", err)...)
		}
	}

	l.callbacks[cmd.Index()](ctx, m)
}

// validate applies the envelope rules for the current state. On rejection
// it has already answered the server (or deliberately stayed silent).
func (l *Link) validate(ctx context.Context, m *protocol.DeviceMessage) (protocol.DeviceCommand, bool) {
	if !m.HasStatus() {
		l.logger.Error("invalid response object received", l.attrs("status", "", "msg_protocol", "")...)
		l.reply(ctx, protocol.EncodeError(protocol.FieldErrors{"status": protocol.FieldRequired}))
		return 0, false
	}

	// The server could not parse one of our commands. Answering would only
	// provoke another error, so it is logged and dropped.
	if m.Failed() && m.HasProtocolError() {
		l.logger.Error("server rejected command: "+m.ErrorSummary(), l.attrs("msg_protocol", "")...)
		return 0, false
	}

	cmd, known := m.Command()
	if !known {
		event := "invalid msg_protocol received"
		if !m.HasMsgProtocol() {
			event = "missing msg_protocol received"
		}
		l.logger.Error(event, l.attrs("status", protocol.StatusBadRequest, "msg_protocol", string(m.MsgProtocol))...)
		l.reply(ctx, protocol.EncodeError(protocol.FieldErrors{"msg_protocol": protocol.DeviceCommandChoices()}))
		return 0, false
	}

	reject := func(errVal any) (protocol.DeviceCommand, bool) {
		l.logger.Error("device message rejected", l.attrs("status", protocol.StatusBadRequest, "msg_protocol", cmd.String(), "error", errVal)...)
		l.reply(ctx, protocol.EncodeError(errVal))
		return 0, false
	}

	if !l.st.alive {
		if cmd != protocol.SendAddr {
			return reject(MsgMACRequired)
		}
		if !m.HasMAC() {
			return reject(protocol.FieldErrors{"mac_addr": protocol.FieldRequired})
		}
		if mac, ok := m.MAC(); !ok || !macPattern.MatchString(mac) {
			return reject(protocol.FieldErrors{"mac_addr": MsgMACInvalid})
		}
		return cmd, true
	}

	// Failure acknowledgements carry no payload and go to the callback for logging.
	if m.Failed() {
		return cmd, true
	}

	switch cmd {
	case protocol.SendDiagnostics:
		if !m.HasDiagnostics() {
			return reject(protocol.FieldErrors{"diagnostics_info": protocol.FieldRequired})
		}
	case protocol.StartStreaming:
		if _, ferr := m.RoutingKey(); ferr != nil {
			return reject(ferr)
		}
	}
	return cmd, true
}

// reply sends a response envelope to the server.
func (l *Link) reply(ctx context.Context, msg []byte) {
	if err := l.out.Send(ctx, msg); err != nil {
		l.logger.Warn("failed to send to device", l.attrs("error", err)...)
	}
}

// command sends an outbound command envelope.
func (l *Link) command(ctx context.Context, cmd protocol.DeviceCommand, data any) {
	msg, err := protocol.EncodeCommand(cmd, data)
	if err != nil {
		l.logger.Error("failed to encode command", l.attrs("msg_protocol", cmd.String(), "error", err)...)
		return
	}
	if err := l.out.Send(ctx, msg); err != nil {
		l.logger.Warn("failed to send command", l.attrs("msg_protocol", cmd.String(), "error", err)...)
		return
	}
	metrics.RecordCommandSent(cmd.String())
	l.logger.Debug("command sent", l.attrs("msg_protocol", cmd.String())...)
}

func (l *Link) generate(ctx context.Context, cmd protocol.DeviceCommand) {
	l.generators[cmd.Index()](ctx)
}

// logEntry appends to the device's activity log once its id is known.
func (l *Link) logEntry(ctx context.Context, message string) {
	if !l.st.alive {
		return
	}
	if err := l.gw.AppendLogEntry(ctx, l.st.deviceID, message); err != nil {
		l.logger.Warn("failed to append log entry", l.attrs("entry", message, "error", err)...)
	}
}

// logFailure records a failed acknowledgement in the process log and the device log.
func (l *Link) logFailure(ctx context.Context, m *protocol.DeviceMessage, cmd protocol.DeviceCommand, prefix string) {
	message := prefix + " " + m.ErrorSummary()
	code, _ := m.StatusCode()
	l.logger.Error(message, l.attrs("msg_protocol", cmd.String(), "status", code)...)
	l.logEntry(ctx, message)
}

func (l *Link) setStatus(ctx context.Context, status gateway.Status) {
	if !l.st.alive {
		return
	}
	if err := l.gw.SetStatus(ctx, l.st.deviceID, status); err != nil {
		l.logger.Warn("failed to update device status", l.attrs("device_status", string(status), "error", err)...)
	}
}

func (l *Link) closeBridge() {
	if l.st.bridge == nil {
		return
	}
	if err := l.st.bridge.Close(); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Warn("bridge close failed", l.attrs("routing_key", l.st.routingKey, "error", err)...)
	}
	l.st.bridge = nil
	l.st.routingKey = ""
}
