package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/dslink-core/internal/bridge"
	"github.com/nerrad567/dslink-core/internal/devicelink"
	"github.com/nerrad567/dslink-core/internal/gateway"
	"github.com/nerrad567/dslink-core/internal/infrastructure/config"
	"github.com/nerrad567/dslink-core/internal/infrastructure/database"
	"github.com/nerrad567/dslink-core/internal/infrastructure/logging"
	"github.com/nerrad567/dslink-core/internal/relay"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// History serves the per-device activity log and diagnostics history.
// *gateway.SQLiteRepository satisfies it.
type History interface {
	GetDevice(ctx context.Context, id int64) (*gateway.Device, error)
	LogEntries(ctx context.Context, deviceID int64, limit int) ([]gateway.LogEntry, error)
	DiagnosticsHistory(ctx context.Context, deviceID int64, limit int) ([]gateway.Diagnostics, error)
}

// BridgeReporter reports the circuit breaker and broker links of open
// bridges. *bridge.Factory satisfies it.
type BridgeReporter interface {
	Health(ctx context.Context) bridge.Health
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Links   config.LinksConfig
	Logger  *logging.Logger
	DB      *database.DB
	Gateway gateway.Gateway
	History History // optional; history endpoints answer 404 without it
	Opener  devicelink.BridgeOpener
	Relay   *relay.Relay
	Devices *devicelink.Registry
	Bridges BridgeReporter // optional
	Version string
}

// Server is the HTTP server for the coordinator.
//
// It owns the listener, the router and the hub of open sockets. Links run
// under the server's context and are torn down when it is closed.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	linksCfg  config.LinksConfig
	logger    *logging.Logger
	db        *database.DB
	gw        gateway.Gateway
	history   History
	opener    devicelink.BridgeOpener
	relay     *relay.Relay
	devices   *devicelink.Registry
	bridges   BridgeReporter
	version   string
	startTime time.Time

	server   *http.Server
	hub      *Hub
	ctx      context.Context
	cancel   context.CancelFunc
	serveErr chan error // receives a listener failure
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() or Serve() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if deps.Opener == nil {
		return nil, fmt.Errorf("bridge opener is required")
	}
	if deps.Relay == nil {
		return nil, fmt.Errorf("relay is required")
	}
	if deps.Devices == nil {
		deps.Devices = devicelink.NewRegistry()
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		linksCfg:  deps.Links,
		logger:    deps.Logger,
		db:        deps.DB,
		gw:        deps.Gateway,
		history:   deps.History,
		opener:    deps.Opener,
		relay:     deps.Relay,
		devices:   deps.Devices,
		bridges:   deps.Bridges,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(s.logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// Handler returns the router. Sockets accepted through it run until the
// server is closed.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(s.ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	s.serveErr = make(chan error, 1)

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
			s.serveErr <- err
		}
	}()

	return nil
}

// Serve runs the server until ctx is cancelled or the listener fails, then
// shuts it down. It lets the server run as a supervised service.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-s.serveErr:
	}

	if err := s.Close(); err != nil {
		return err
	}
	if listenErr != nil {
		return fmt.Errorf("api listener: %w", listenErr)
	}
	return ctx.Err()
}

func (s *Server) String() string { return "api-server" }

// Close gracefully shuts down the server and every open link.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.cancel()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
