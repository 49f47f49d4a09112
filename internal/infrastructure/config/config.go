package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the device-link coordinator.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Links     LinksConfig     `yaml:"links"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path" validate:"required"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout" validate:"min=0"`
}

// BrokerConfig contains message broker settings for the live stream bridges.
//
// Credentials are also handed to edge devices inside their configuration
// payload so they can publish onto the same broker.
type BrokerConfig struct {
	Host      string                `yaml:"host" validate:"required"`
	Port      int                   `yaml:"port" validate:"min=1,max=65535"`
	TLS       bool                  `yaml:"tls"`
	ClientID  string                `yaml:"client_id" validate:"required"`
	Auth      BrokerAuthConfig      `yaml:"auth"`
	QoS       int                   `yaml:"qos" validate:"min=0,max=2"`
	Exchange  string                `yaml:"exchange" validate:"required"`
	Prefetch  int                   `yaml:"prefetch" validate:"min=1"`
	PacingMS  int                   `yaml:"pacing_ms" validate:"min=0"`
	Reconnect BrokerReconnectConfig `yaml:"reconnect"`
	Breaker   BreakerConfig         `yaml:"breaker"`
}

// BrokerAuthConfig contains broker authentication credentials.
type BrokerAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BrokerReconnectConfig contains broker reconnection settings.
type BrokerReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay" validate:"min=0"`
	MaxDelay     int `yaml:"max_delay" validate:"min=0"`
}

// BreakerConfig controls the circuit breaker guarding bridge opens.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive connect failures that trips the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold" validate:"min=1"`

	// Timeout is how long (seconds) the breaker stays open before allowing a probe.
	Timeout int `yaml:"timeout" validate:"min=1"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port" validate:"min=1,max=65535"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings shared by the device and client socket endpoints.
type WebSocketConfig struct {
	DevicePath     string `yaml:"device_path" validate:"required,startswith=/"`
	ClientPath     string `yaml:"client_path" validate:"required,startswith=/"`
	MaxMessageSize int    `yaml:"max_message_size" validate:"min=0"`
	PingInterval   int    `yaml:"ping_interval" validate:"min=0"`
	PongTimeout    int    `yaml:"pong_timeout" validate:"min=0"`
	SendBufferSize int    `yaml:"send_buffer_size" validate:"min=0"`
}

// LinksConfig contains per-link behaviour settings.
type LinksConfig struct {
	// CommandBuffer is the capacity of each device link's external command mailbox.
	CommandBuffer int `yaml:"command_buffer" validate:"min=1"`

	// DiagnosticsInterval requests diagnostics from identified devices every N seconds.
	// Zero disables periodic requests.
	DiagnosticsInterval int `yaml:"diagnostics_interval" validate:"min=0"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url" validate:"required_if=Enabled true"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// validate is shared; validator.Validate caches struct metadata and is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DSLINK_SECTION_KEY
// For example: DSLINK_DATABASE_PATH, DSLINK_BROKER_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Deepstream Link",
		},
		Database: DatabaseConfig{
			Path:        "./data/dslink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Broker: BrokerConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "dslink-core",
			QoS:      1,
			Exchange: "deepstream",
			Prefetch: 100,
			PacingMS: 1000,
			Reconnect: BrokerReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Timeout:          30,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			DevicePath:     "/deepstream/server/",
			ClientPath:     "/deepstream/client",
			MaxMessageSize: 1 << 20,
			PingInterval:   30,
			PongTimeout:    10,
			SendBufferSize: 256,
		},
		Links: LinksConfig{
			CommandBuffer: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DSLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DSLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Broker
	if v := os.Getenv("DSLINK_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("DSLINK_BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = port
		}
	}
	if v := os.Getenv("DSLINK_BROKER_USERNAME"); v != "" {
		cfg.Broker.Auth.Username = v
	}
	if v := os.Getenv("DSLINK_BROKER_PASSWORD"); v != "" {
		cfg.Broker.Auth.Password = v
	}
	if v := os.Getenv("DSLINK_BROKER_EXCHANGE"); v != "" {
		cfg.Broker.Exchange = v
	}

	if v := os.Getenv("DSLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("DSLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Struct tag rules are checked first, then cross-field rules that tags
// cannot express. All failures are reported together.
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("configuration errors: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Sprintf("%s failed %q", fieldPath(fe.Namespace()), fe.Tag()))
		}
	}

	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls requires cert_file and key_file when enabled")
	}

	if c.Broker.Reconnect.MaxDelay > 0 && c.Broker.Reconnect.MaxDelay < c.Broker.Reconnect.InitialDelay {
		errs = append(errs, "broker.reconnect.max_delay must not be less than initial_delay")
	}

	if c.WebSocket.DevicePath == c.WebSocket.ClientPath {
		errs = append(errs, "websocket.device_path and websocket.client_path must differ")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// fieldPath turns a validator namespace ("Config.Broker.QoS") into a
// lower-case dotted path without the root type ("broker.qos").
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		namespace = namespace[i+1:]
	}
	return strings.ToLower(namespace)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// Pacing returns the delay applied between broker deliveries.
func (b BrokerConfig) Pacing() time.Duration {
	return time.Duration(b.PacingMS) * time.Millisecond
}

// BreakerTimeout returns how long the bridge circuit breaker stays open.
func (b BrokerConfig) BreakerTimeout() time.Duration {
	return time.Duration(b.Breaker.Timeout) * time.Second
}
