// Package relay dials outbound TCP destinations and pumps bytes between them
// and client streams.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/iwayproxy/iway/internal/logging"
	"github.com/iwayproxy/iway/internal/metrics"
	"github.com/iwayproxy/iway/internal/protocol"
)

// ErrNoDestination is returned when a request carries the None address.
var ErrNoDestination = errors.New("no destination address")

// Config contains outbound dial configuration.
type Config struct {
	// ConnectTimeout bounds each dial.
	ConnectTimeout time.Duration

	// KeepAlive is the TCP keepalive period for dialed sockets.
	KeepAlive time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		KeepAlive:      30 * time.Second,
	}
}

// Resolver resolves a hostname to a dialable address.
type Resolver interface {
	ResolveAddrPort(ctx context.Context, host string, port uint16) (netip.AddrPort, error)
}

// Mapper rewrites destinations that point at the server itself.
type Mapper interface {
	Map(netip.AddrPort) netip.AddrPort
}

// Router turns a requested address into the address that is dialed.
type Router struct {
	resolver Resolver
	mapper   Mapper
}

// NewRouter creates a router. A nil mapper leaves addresses unchanged.
func NewRouter(resolver Resolver, mapper Mapper) *Router {
	return &Router{resolver: resolver, mapper: mapper}
}

// Route resolves domain addresses and applies the self-address mapping.
func (r *Router) Route(ctx context.Context, addr protocol.Address) (netip.AddrPort, error) {
	var ap netip.AddrPort
	switch {
	case addr.IsNone():
		return netip.AddrPort{}, ErrNoDestination
	case addr.IsDomain():
		resolved, err := r.resolver.ResolveAddrPort(ctx, addr.Host, addr.Port)
		if err != nil {
			return netip.AddrPort{}, err
		}
		ap = resolved
	default:
		ap, _ = addr.AddrPort()
	}

	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	if r.mapper != nil {
		ap = r.mapper.Map(ap)
	}
	return ap, nil
}

// Dialer opens outbound TCP connections.
type Dialer struct {
	cfg     Config
	dialer  *net.Dialer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDialer creates a dialer.
func NewDialer(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Dialer {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if m == nil {
		m = metrics.Default()
	}

	return &Dialer{
		cfg: cfg,
		dialer: &net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: cfg.KeepAlive,
		},
		metrics: m,
		logger:  logging.Component(logger, "relay"),
	}
}

// Dial connects to dst. There is no retry.
func (d *Dialer) Dial(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	start := time.Now()
	conn, err := d.dialer.DialContext(ctx, "tcp", dst.String())
	d.metrics.RecordDial(time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", dst, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// Relay copies between client and remote until either side finishes, then
// closes both. protocol labels metrics and logs.
func (d *Dialer) Relay(ctx context.Context, proto string, client, remote io.ReadWriteCloser, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = d.logger
	}

	d.metrics.RelayStarted(proto)
	stats, err := Copy(ctx, client, remote)
	d.metrics.RelayFinished(proto, stats.Up, stats.Down)

	logger.Debug("relay finished",
		logging.KeyBytesUp, humanize.IBytes(uint64(stats.Up)),
		logging.KeyBytesDown, humanize.IBytes(uint64(stats.Down)),
		logging.KeyDuration, stats.Duration.Round(time.Millisecond),
		logging.KeyError, err)

	return stats, err
}

// Stats summarises a finished relay.
type Stats struct {
	Up       int64 // client to remote
	Down     int64 // remote to client
	Duration time.Duration
}

// errDone stops the group when one direction reaches EOF.
var errDone = errors.New("relay direction finished")

// Copy pumps bytes in both directions. The first direction to finish, by EOF
// or error, closes both a and b; so does cancelling ctx. A clean EOF returns
// nil.
func Copy(ctx context.Context, client, remote io.ReadWriteCloser) (Stats, error) {
	start := time.Now()

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			remote.Close()
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	var stats Stats
	g.Go(func() error {
		n, err := io.Copy(remote, client)
		stats.Up = n
		return finished(err)
	})
	g.Go(func() error {
		n, err := io.Copy(client, remote)
		stats.Down = n
		return finished(err)
	})

	err := g.Wait()
	closeBoth()
	stats.Duration = time.Since(start)

	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	if errors.Is(err, errDone) || IsClosedError(err) {
		return stats, nil
	}
	return stats, err
}

func finished(err error) error {
	if err == nil {
		return errDone
	}
	return err
}

// IsClosedError reports whether err only says the connection went away.
func IsClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// DialErrorKind classifies a dial error for logs and metrics.
func DialErrorKind(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "refused"
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return "unreachable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "other"
}
