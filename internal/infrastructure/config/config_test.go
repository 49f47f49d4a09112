package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
broker:
  host: "rabbit.local"
  port: 1883
  client_id: "test-client"
  exchange: "streams"
  prefetch: 10
  pacing_ms: 0
  auth:
    username: "ds"
    password: "secret"
api:
  host: "0.0.0.0"
  port: 8080
links:
  diagnostics_interval: 15
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.Broker.Host != "rabbit.local" {
		t.Errorf("Broker.Host = %q, want %q", cfg.Broker.Host, "rabbit.local")
	}
	if cfg.Broker.Exchange != "streams" {
		t.Errorf("Broker.Exchange = %q, want %q", cfg.Broker.Exchange, "streams")
	}
	if cfg.Broker.Prefetch != 10 {
		t.Errorf("Broker.Prefetch = %d, want 10", cfg.Broker.Prefetch)
	}
	if cfg.Broker.Pacing() != 0 {
		t.Errorf("Broker.Pacing() = %v, want 0", cfg.Broker.Pacing())
	}
	if cfg.Links.DiagnosticsInterval != 15 {
		t.Errorf("Links.DiagnosticsInterval = %d, want 15", cfg.Links.DiagnosticsInterval)
	}
	// Unset sections keep their defaults.
	if cfg.WebSocket.DevicePath != "/deepstream/server/" {
		t.Errorf("WebSocket.DevicePath = %q, want default", cfg.WebSocket.DevicePath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: ""
database:
  path: "/tmp/test.db"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error for empty site.id, got nil")
	}
	if !strings.Contains(err.Error(), "site.id") {
		t.Errorf("error %q should name site.id", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing site ID",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.Broker.QoS = 3 },
			wantErr: "broker.qos",
		},
		{
			name:    "zero prefetch",
			mutate:  func(c *Config) { c.Broker.Prefetch = 0 },
			wantErr: "broker.prefetch",
		},
		{
			name:    "missing exchange",
			mutate:  func(c *Config) { c.Broker.Exchange = "" },
			wantErr: "broker.exchange",
		},
		{
			name:    "invalid port low",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
		{
			name:    "invalid port high",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:    "device path without slash",
			mutate:  func(c *Config) { c.WebSocket.DevicePath = "deepstream" },
			wantErr: "websocket.devicepath",
		},
		{
			name: "device and client paths collide",
			mutate: func(c *Config) {
				c.WebSocket.ClientPath = c.WebSocket.DevicePath
			},
			wantErr: "must differ",
		},
		{
			name: "tls without cert",
			mutate: func(c *Config) {
				c.API.TLS.Enabled = true
			},
			wantErr: "api.tls",
		},
		{
			name: "influx enabled without url",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.URL = ""
			},
			wantErr: "influxdb.url",
		},
		{
			name: "reconnect max below initial",
			mutate: func(c *Config) {
				c.Broker.Reconnect.InitialDelay = 10
				c.Broker.Reconnect.MaxDelay = 5
			},
			wantErr: "max_delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate_ReportsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Site.ID = ""
	cfg.Broker.QoS = 7

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want error")
	}
	for _, want := range []string{"site.id", "broker.qos"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %q, missing %q", err, want)
		}
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestBrokerConfig_Durations(t *testing.T) {
	b := BrokerConfig{PacingMS: 250, Breaker: BreakerConfig{Timeout: 12}}

	if got := b.Pacing(); got != 250*time.Millisecond {
		t.Errorf("Pacing() = %v, want 250ms", got)
	}
	if got := b.BreakerTimeout(); got != 12*time.Second {
		t.Errorf("BreakerTimeout() = %v, want 12s", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("DSLINK_DATABASE_PATH", "/custom/path.db")
	t.Setenv("DSLINK_BROKER_HOST", "broker.example.com")
	t.Setenv("DSLINK_BROKER_PORT", "8883")
	t.Setenv("DSLINK_BROKER_USERNAME", "testuser")
	t.Setenv("DSLINK_BROKER_PASSWORD", "testpass")
	t.Setenv("DSLINK_BROKER_EXCHANGE", "cams")
	t.Setenv("DSLINK_API_HOST", "192.168.1.1")
	t.Setenv("DSLINK_INFLUXDB_TOKEN", "secret-token")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.Broker.Host != "broker.example.com" {
		t.Errorf("Broker.Host = %q, want %q", cfg.Broker.Host, "broker.example.com")
	}
	if cfg.Broker.Port != 8883 {
		t.Errorf("Broker.Port = %d, want 8883", cfg.Broker.Port)
	}
	if cfg.Broker.Auth.Username != "testuser" {
		t.Errorf("Broker.Auth.Username = %q, want %q", cfg.Broker.Auth.Username, "testuser")
	}
	if cfg.Broker.Auth.Password != "testpass" {
		t.Errorf("Broker.Auth.Password = %q, want %q", cfg.Broker.Auth.Password, "testpass")
	}
	if cfg.Broker.Exchange != "cams" {
		t.Errorf("Broker.Exchange = %q, want %q", cfg.Broker.Exchange, "cams")
	}
	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
}

func TestApplyEnvOverrides_BadPortIgnored(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("DSLINK_BROKER_PORT", "not-a-port")

	applyEnvOverrides(cfg)

	if cfg.Broker.Port != 1883 {
		t.Errorf("Broker.Port = %d, want 1883", cfg.Broker.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.Broker.Port != 1883 {
		t.Errorf("defaultConfig Broker.Port = %d, want 1883", cfg.Broker.Port)
	}
	if cfg.Broker.Prefetch != 100 {
		t.Errorf("defaultConfig Broker.Prefetch = %d, want 100", cfg.Broker.Prefetch)
	}
	if cfg.Broker.Pacing() != time.Second {
		t.Errorf("defaultConfig Broker.Pacing() = %v, want 1s", cfg.Broker.Pacing())
	}
	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}
