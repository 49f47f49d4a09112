package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/dslink-core/internal/clientlink"
	"github.com/nerrad567/dslink-core/internal/devicelink"
	"github.com/nerrad567/dslink-core/internal/infrastructure/config"
	"github.com/nerrad567/dslink-core/internal/infrastructure/logging"
)

// Socket kinds tracked by the hub.
const (
	kindDevice = "device"
	kindClient = "client"
)

// WebSocket defaults applied when the configuration leaves a value at zero.
const (
	defaultSendBufferSize = 256
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	closeGracePeriod      = time.Second
)

// errSessionClosed is returned by Send after the socket has been closed.
var errSessionClosed = errors.New("api: websocket session closed")

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// Hub tracks open sockets so they can be counted and closed on shutdown.
type Hub struct {
	logger   *logging.Logger
	sessions map[*session]struct{}
	mu       sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:   logger,
		sessions: make(map[*session]struct{}),
	}
}

// Run blocks until the context is cancelled, then closes every socket.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket connected", "kind", s.kind, "sockets", h.Count(""))
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.logger.Debug("websocket disconnected", "kind", s.kind, "sockets", h.Count(""))
}

// Count returns the number of open sockets of kind, or of all kinds when kind is empty.
func (h *Hub) Count(kind string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if kind == "" {
		return len(h.sessions)
	}
	n := 0
	for s := range h.sessions {
		if s.kind == kind {
			n++
		}
	}
	return n
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.close()
	}
}

// session is one accepted socket. It implements the links' Sender.
type session struct {
	hub       *Hub
	conn      *websocket.Conn
	kind      string
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(hub *Hub, conn *websocket.Conn, kind string, cfg config.WebSocketConfig) *session {
	size := cfg.SendBufferSize
	if size <= 0 {
		size = defaultSendBufferSize
	}
	s := &session{
		hub:    hub,
		conn:   conn,
		kind:   kind,
		send:   make(chan []byte, size),
		closed: make(chan struct{}),
	}
	hub.register(s)
	return s
}

// Send queues msg for the write pump. It blocks while the buffer is full.
func (s *session) Send(ctx context.Context, msg []byte) error {
	select {
	case s.send <- msg:
		return nil
	case <-s.closed:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close sends a close frame and releases the connection. Safe to call more than once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.hub.unregister(s)
		//nolint:errcheck // Best-effort close frame
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		s.conn.Close()
	})
}

func timings(cfg config.WebSocketConfig) (pingInterval, pongWait time.Duration) {
	pingInterval = time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait = time.Duration(cfg.PongTimeout) * time.Second
	if pongWait <= 0 {
		pongWait = defaultPongTimeout
	}
	return pingInterval, pongWait
}

// readPump feeds inbound text frames to the link. inbound is closed when the
// socket fails or is closed.
func (s *session) readPump(cfg config.WebSocketConfig, inbound chan<- []byte) {
	defer close(inbound)

	if cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	pingInterval, pongWait := timings(cfg)
	//nolint:errcheck // Best-effort deadline on connection setup
	s.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("websocket read error", "kind", s.kind, "error", err)
			} else {
				s.hub.logger.Debug("websocket closed", "kind", s.kind, "error", err)
			}
			return
		}
		// Any peer message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		s.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		select {
		case inbound <- message:
		case <-s.closed:
			return
		}
	}
}

// writePump writes queued messages and keepalive pings until the session closes.
func (s *session) writePump(cfg config.WebSocketConfig) {
	pingInterval, pongWait := timings(cfg)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case message := <-s.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			s.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			s.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// handleDeviceSocket accepts a deepstream server connection.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "kind", kindDevice, "error", err)
		return
	}

	sess := newSession(s.hub, conn, kindDevice, s.wsCfg)
	link := devicelink.New(s.gw, s.opener, sess, devicelink.Options{
		RemoteAddr:          r.RemoteAddr,
		Route:               r.URL.Path,
		CommandBuffer:       s.linksCfg.CommandBuffer,
		DiagnosticsInterval: time.Duration(s.linksCfg.DiagnosticsInterval) * time.Second,
		Registry:            s.devices,
		Logger:              s.logger.With("link", kindDevice),
	})

	inbound := make(chan []byte)
	go sess.writePump(s.wsCfg)
	go sess.readPump(s.wsCfg, inbound)
	go func() {
		defer sess.close()
		link.Run(s.ctx, inbound)
	}()
}

// handleClientSocket accepts a viewer connection for the zone in the URL.
// Unknown zones are refused before the upgrade.
func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	zone := chi.URLParam(r, "group_id")

	ok, err := s.gw.ZoneExists(r.Context(), zone)
	if err != nil {
		s.logger.Error("zone lookup failed", "zone_id", zone, "error", err)
		writeInternalError(w, "failed to look up zone")
		return
	}
	if !ok {
		writeNotFound(w, "zone not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "kind", kindClient, "error", err)
		return
	}

	sess := newSession(s.hub, conn, kindClient, s.wsCfg)
	link := clientlink.New(s.relay, sess, clientlink.Options{
		Zone:       zone,
		RemoteAddr: r.RemoteAddr,
		Route:      r.URL.Path,
		Logger:     s.logger.With("link", kindClient),
	})

	inbound := make(chan []byte)
	go sess.writePump(s.wsCfg)
	go sess.readPump(s.wsCfg, inbound)
	go func() {
		defer sess.close()
		link.Run(s.ctx, inbound)
	}()
}
