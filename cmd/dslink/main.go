// Deepstream device-link coordinator.
//
// The coordinator accepts WebSocket connections from edge deepstream servers
// and from frontend viewers. It identifies and configures each server,
// bridges the server's broker stream into a per-zone fan-out relay, and
// pushes relayed messages to the viewers watching that zone.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/nerrad567/dslink-core/internal/api"
	"github.com/nerrad567/dslink-core/internal/bridge"
	"github.com/nerrad567/dslink-core/internal/devicelink"
	"github.com/nerrad567/dslink-core/internal/gateway"
	"github.com/nerrad567/dslink-core/internal/infrastructure/config"
	"github.com/nerrad567/dslink-core/internal/infrastructure/database"
	"github.com/nerrad567/dslink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/dslink-core/internal/infrastructure/logging"
	"github.com/nerrad567/dslink-core/internal/metrics"
	"github.com/nerrad567/dslink-core/internal/relay"
	"github.com/nerrad567/dslink-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Supervision tuning.
const (
	failureThreshold = 5.0
	failureDecay     = 30.0
	failureBackoff   = 15 * time.Second
	shutdownTimeout  = 10 * time.Second
	sampleInterval   = 15 * time.Second
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting dslink coordinator",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	repo := gateway.NewSQLiteRepository(db.DB, cfg.Broker)

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		repo.SetTelemetry(influxClient)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	rel := relay.New(cfg.WebSocket.SendBufferSize)

	factory := bridge.NewFactory(cfg.Broker, bridge.RelayForwarder(rel))
	factory.SetLogger(log.With("component", "bridge"))
	log.Info("bridge factory ready",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"exchange", cfg.Broker.Exchange,
		"prefetch", cfg.Broker.Prefetch,
	)

	server, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Links:   cfg.Links,
		Logger:  log,
		DB:      db,
		Gateway: repo,
		History: repo,
		Opener:  devicelink.FactoryOpener(factory),
		Relay:   rel,
		Devices: devicelink.NewRegistry(),
		Bridges: factory,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	root := newSupervisor(log)
	root.Add(server)
	root.Add(&metrics.Sampler{
		Interval: sampleInterval,
		Logger:   log.With("component", "sampler"),
		Groups:   rel.GroupCount,
	})

	log.Info("dslink coordinator started",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"device_path", cfg.WebSocket.DevicePath,
		"client_path", cfg.WebSocket.ClientPath,
	)

	if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}

	log.Info("shutdown signal received, stopping...")
	return nil
}

// newSupervisor builds the root supervisor with events logged through slog.
func newSupervisor(log *logging.Logger) *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: log.Logger}
	return suture.New("dslink", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: failureThreshold,
		FailureDecay:     failureDecay,
		FailureBackoff:   failureBackoff,
		Timeout:          shutdownTimeout,
	})
}

// getConfigPath returns the configuration file path.
// Uses DSLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DSLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
