// Package tuic implements the server side of the TUIC v5 protocol on top of
// a multiplexed QUIC connection: authentication, per-connection command
// dispatch, TCP relays on bidirectional streams, UDP sessions over datagrams
// or unidirectional streams, and heartbeat liveness.
package tuic

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/iwayproxy/iway/internal/auth"
	"github.com/iwayproxy/iway/internal/metrics"
	"github.com/iwayproxy/iway/internal/protocol"
	"github.com/iwayproxy/iway/internal/relay"
	"github.com/iwayproxy/iway/internal/udp"
)

// maxPending bounds the relay commands held while authentication is pending.
const maxPending = 64

// Config contains per-connection settings.
type Config struct {
	// AuthTimeout is the window, from connection creation, in which the
	// client must authenticate.
	AuthTimeout time.Duration

	// StrictAuth closes the connection on any relay command received before
	// authentication. When false such commands are held until the
	// Authenticate outcome is known.
	StrictAuth bool

	Heartbeat HeartbeatConfig

	// MaxConnections caps concurrent connections. Zero is unlimited.
	MaxConnections int

	// AcceptRate is the sustained number of new connections per second.
	// Zero disables rate limiting.
	AcceptRate  float64
	AcceptBurst int

	UDP udp.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout: 3 * time.Second,
		StrictAuth:  true,
		Heartbeat: HeartbeatConfig{
			Interval: 10 * time.Second,
			Timeout:  10 * time.Second,
		},
		AcceptBurst: 64,
		UDP:         udp.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = def.Heartbeat.Timeout
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = def.AcceptBurst
	}
	return c
}

// Authenticator validates an Authenticate command against the connection's
// exported keying material. *auth.Table satisfies it.
type Authenticator interface {
	Authenticate(id uuid.UUID, token []byte, exp auth.Exporter) error
}

// Router turns a requested address into the address that is dialed.
// *relay.Router satisfies it.
type Router interface {
	Route(ctx context.Context, addr protocol.Address) (netip.AddrPort, error)
}

// Dialer opens outbound TCP connections and relays streams through them.
// *relay.Dialer satisfies it.
type Dialer interface {
	Dial(ctx context.Context, dst netip.AddrPort) (net.Conn, error)
	Relay(ctx context.Context, proto string, client, remote io.ReadWriteCloser, logger *slog.Logger) (relay.Stats, error)
}

// Deps are the shared services every connection uses.
type Deps struct {
	Auth    Authenticator
	Router  Router
	Dialer  Dialer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}
