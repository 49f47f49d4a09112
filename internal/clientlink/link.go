package clientlink

import (
	"context"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/nerrad567/dslink-core/internal/metrics"
	"github.com/nerrad567/dslink-core/internal/protocol"
	"github.com/nerrad567/dslink-core/internal/relay"
)

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

// Relay is the fan-out membership a link joins. *relay.Relay satisfies it.
type Relay interface {
	Join(zone string) *relay.Subscription
}

// Sender writes one message to the viewer's socket.
type Sender interface {
	Send(ctx context.Context, msg []byte) error
}

// Options configures a Link.
type Options struct {
	// Zone is the relay group the viewer watches.
	Zone string

	RemoteAddr string
	Route      string
	Logger     Logger
}

// State is the viewer-visible link state echoed after every command.
type State struct {
	Streaming bool              `json:"streaming"`
	CameraIDs []json.RawMessage `json:"camera_ids"`
}

// Link is the coordinator side of one viewer connection.
type Link struct {
	rel    Relay
	out    Sender
	opts   Options
	logger Logger
	done   chan struct{}

	// owned by the Run goroutine
	streaming bool
	cameraIDs []json.RawMessage
	watched   map[string]struct{}

	state atomic.Pointer[State]
}

// New creates a link in the idle state with nothing watched.
func New(rel Relay, out Sender, opts Options) *Link {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	l := &Link{
		rel:       rel,
		out:       out,
		opts:      opts,
		logger:    logger,
		done:      make(chan struct{}),
		cameraIDs: []json.RawMessage{},
		watched:   map[string]struct{}{},
	}
	l.publish()
	return l
}

// State returns the state as of the link's last completed step.
func (l *Link) State() State {
	return *l.state.Load()
}

// Done is closed once Run has returned.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Run joins the zone's relay group, then handles viewer commands and relayed
// messages until inbound is closed or ctx is cancelled. The group membership
// is released before Run returns.
func (l *Link) Run(ctx context.Context, inbound <-chan []byte) {
	sub := l.rel.Join(l.opts.Zone)
	defer close(l.done)
	defer sub.Leave()

	metrics.RecordLinkOpened(metrics.LinkClient)
	defer metrics.RecordLinkClosed(metrics.LinkClient)

	l.logger.Info("viewer connected", l.attrs()...)
	defer l.logger.Info("viewer disconnected", l.attrs()...)

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-inbound:
			if !ok {
				return
			}
			l.handle(ctx, raw)
			l.publish()
		case msg := <-sub.C():
			l.Deliver(ctx, msg)
		}
	}
}

// Deliver pushes a relayed message to the viewer if it is streaming and
// watching the message's source camera. It reports whether the message was
// forwarded. Deliver must only be called from the goroutine running Run, or
// before Run is started.
func (l *Link) Deliver(ctx context.Context, msg []byte) bool {
	forwarded := l.watching(msg)
	metrics.RecordClientPush(forwarded)
	if !forwarded {
		return false
	}

	out, err := protocol.EncodeData(protocol.StreamedData{StreamedData: string(msg)})
	if err != nil {
		l.logger.Error("failed to encode streamed data", l.attrs("error", err)...)
		return false
	}
	l.send(ctx, out)
	return true
}

func (l *Link) watching(msg []byte) bool {
	if !l.streaming || len(l.watched) == 0 {
		return false
	}
	id, ok := protocol.SourceID(msg)
	if !ok {
		return false
	}
	key, ok := canonical(id)
	if !ok {
		return false
	}
	_, ok = l.watched[key]
	return ok
}

func (l *Link) handle(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic handling viewer message", l.attrs("panic", r)...)
			metrics.RecordLinkMessage(metrics.LinkClient, "error")
			l.send(ctx, protocol.EncodeError(protocol.MsgCouldNotProcess))
		}
	}()

	m, err := protocol.DecodeClientMessage(raw)
	if err != nil {
		l.logger.Warn("could not parse viewer message", l.attrs("error", err)...)
		metrics.RecordLinkMessage(metrics.LinkClient, "error")
		l.send(ctx, protocol.EncodeError(protocol.MsgCouldNotProcess))
		return
	}

	cmd, ids, ferr := validate(m)
	if ferr != nil {
		l.logger.Debug("viewer message rejected", l.attrs("error", ferr)...)
		metrics.RecordLinkMessage(metrics.LinkClient, "rejected")
		l.send(ctx, protocol.EncodeError(ferr))
		return
	}
	metrics.RecordLinkMessage(metrics.LinkClient, "accepted")

	switch cmd {
	case protocol.ClientStartStreaming:
		l.streaming = true
		l.watch(ids)
	case protocol.ClientStopStreaming:
		l.streaming = false
	case protocol.ClientChangeCameraIDs:
		l.watch(ids)
	}

	l.logger.Debug("viewer command applied", l.attrs("command", cmd.String(), "streaming", l.streaming, "camera_ids", len(l.cameraIDs))...)
	l.echo(ctx)
}

// validate checks a viewer command. It returns the camera ids for commands
// that carry them.
func validate(m *protocol.ClientMessage) (protocol.ClientCommand, []json.RawMessage, protocol.FieldErrors) {
	if !m.HasCommand() {
		return 0, nil, protocol.FieldErrors{"command": protocol.FieldRequired}
	}
	cmd, ok := m.Tag()
	if !ok {
		return 0, nil, protocol.FieldErrors{"command": protocol.ClientCommandChoices()}
	}
	if !cmd.NeedsCameraIDs() {
		return cmd, nil, nil
	}
	if !m.HasCameraIDs() {
		return 0, nil, protocol.FieldErrors{"camera_ids": protocol.FieldRequired}
	}
	ids, ok := m.CameraIDList()
	if !ok {
		return 0, nil, protocol.FieldErrors{"camera_ids": protocol.MsgCameraIDsNotList}
	}
	return cmd, ids, nil
}

// watch replaces the watched camera ids.
func (l *Link) watch(ids []json.RawMessage) {
	l.cameraIDs = ids
	l.watched = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if key, ok := canonical(id); ok {
			l.watched[key] = struct{}{}
		}
	}
}

func (l *Link) echo(ctx context.Context) {
	out, err := protocol.EncodeData(State{Streaming: l.streaming, CameraIDs: l.cameraIDs})
	if err != nil {
		l.logger.Error("failed to encode link state", l.attrs("error", err)...)
		l.send(ctx, protocol.EncodeError(protocol.MsgCouldNotProcess))
		return
	}
	l.send(ctx, out)
}

func (l *Link) send(ctx context.Context, msg []byte) {
	if err := l.out.Send(ctx, msg); err != nil {
		l.logger.Warn("failed to send to viewer", l.attrs("error", err)...)
	}
}

func (l *Link) publish() {
	ids := make([]json.RawMessage, len(l.cameraIDs))
	copy(ids, l.cameraIDs)
	l.state.Store(&State{Streaming: l.streaming, CameraIDs: ids})
}

func (l *Link) attrs(args ...any) []any {
	base := []any{"conn_protocol", "WebSocket", "url", l.opts.Route, "client", l.opts.RemoteAddr, "zone_id", l.opts.Zone}
	return append(base, args...)
}

// canonical renders a JSON value in a form where equal values compare equal
// as strings: numbers are normalised and object keys sorted.
func canonical(raw json.RawMessage) (string, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}
