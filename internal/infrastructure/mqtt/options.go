package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/dslink-core/internal/infrastructure/config"
)

const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultOperationTimeout bounds subscribe and unsubscribe round trips.
	defaultOperationTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	defaultKeepAlive = 60 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// Option customises a single Connect call.
type Option func(*connectOptions)

type connectOptions struct {
	clientID  string
	manualAck bool
}

// WithClientID overrides cfg.ClientID. Each concurrently connected client needs its own id.
func WithClientID(id string) Option {
	return func(o *connectOptions) { o.clientID = id }
}

// WithManualAck disables automatic acknowledgement; deliveries must be Ack'ed by the handler.
func WithManualAck() Option {
	return func(o *connectOptions) { o.manualAck = true }
}

func resolveOptions(cfg config.BrokerConfig, opts []Option) connectOptions {
	o := connectOptions{clientID: cfg.ClientID}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// brokerURL returns tcp:// or ssl:// depending on cfg.TLS.
func brokerURL(cfg config.BrokerConfig) string {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
}

// buildClientOptions creates paho options from the broker config.
//
// Sessions are always clean: a bridge's subscription must not outlive its
// client, which is how an exclusive auto-deleting queue is modelled here.
func buildClientOptions(cfg config.BrokerConfig, o connectOptions) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg))
	opts.SetClientID(o.clientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoAckDisabled(o.manualAck)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}
