// Package resolver resolves destination hostnames with a TTL cache.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/net/idna"

	"github.com/iwayproxy/iway/internal/logging"
	"github.com/iwayproxy/iway/internal/metrics"
)

var (
	// ErrNoAddresses is returned when a lookup succeeds with no usable address.
	ErrNoAddresses = errors.New("no addresses found")

	// ErrInvalidHost is returned for names that are not valid hostnames.
	ErrInvalidHost = errors.New("invalid hostname")
)

// Config contains resolver configuration.
type Config struct {
	// Servers are "host:port" upstreams. Empty uses the system resolver.
	Servers []string

	Timeout  time.Duration
	CacheTTL time.Duration

	// PreferIPv4 orders IPv4 results before IPv6.
	PreferIPv4 bool

	// Hosts are static entries that never expire.
	Hosts map[string][]netip.Addr
}

// DefaultConfig returns sensible defaults. No servers are configured so
// local names (e.g. printer.local) resolve through the system.
func DefaultConfig() Config {
	return Config{
		Timeout:    5 * time.Second,
		CacheTTL:   time.Minute,
		PreferIPv4: true,
	}
}

// Resolver handles hostname resolution.
type Resolver struct {
	cfg     Config
	cache   *cache.Cache
	lookup  func(ctx context.Context, host string) ([]net.IPAddr, error)
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a resolver.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if m == nil {
		m = metrics.Default()
	}

	r := &Resolver{
		cfg:     cfg,
		cache:   cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		metrics: m,
		logger:  logging.Component(logger, "resolver"),
	}
	r.lookup = r.systemResolver().LookupIPAddr

	for host, ips := range cfg.Hosts {
		r.SetStatic(host, ips)
	}
	return r
}

func (r *Resolver) systemResolver() *net.Resolver {
	if len(r.cfg.Servers) == 0 {
		return net.DefaultResolver
	}

	dialer := &net.Dialer{Timeout: r.cfg.Timeout}
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var lastErr error
			for _, server := range r.cfg.Servers {
				conn, err := dialer.DialContext(ctx, network, server)
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
}

// Resolve returns the addresses for host. IP literals are returned as is.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}

	name, err := normalize(host)
	if err != nil {
		return nil, err
	}

	if v, ok := r.cache.Get(name); ok {
		r.metrics.RecordDNS("cached", 0)
		return v.([]netip.Addr), nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	addrs, err := r.lookup(lookupCtx, name)
	elapsed := time.Since(start)
	if err != nil {
		r.metrics.RecordDNS("error", elapsed.Seconds())
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}

	ips := r.order(addrs)
	if len(ips) == 0 {
		r.metrics.RecordDNS("empty", elapsed.Seconds())
		return nil, fmt.Errorf("resolve %s: %w", name, ErrNoAddresses)
	}
	r.metrics.RecordDNS("success", elapsed.Seconds())

	r.cache.Set(name, ips, cache.DefaultExpiration)
	r.logger.Debug("resolved",
		logging.KeyAddress, name,
		logging.KeyCount, len(ips),
		logging.KeyDuration, elapsed)

	return ips, nil
}

// ResolveAddrPort resolves host and returns the first address with port.
func (r *Resolver) ResolveAddrPort(ctx context.Context, host string, port uint16) (netip.AddrPort, error) {
	ips, err := r.Resolve(ctx, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ips[0], port), nil
}

// SetStatic pins host to ips with no expiry.
func (r *Resolver) SetStatic(host string, ips []netip.Addr) {
	name, err := normalize(host)
	if err != nil || len(ips) == 0 {
		return
	}
	r.cache.Set(name, append([]netip.Addr(nil), ips...), cache.NoExpiration)
}

// Flush drops every cached entry, static ones included.
func (r *Resolver) Flush() {
	r.cache.Flush()
}

// CacheSize returns the number of cached names.
func (r *Resolver) CacheSize() int {
	return r.cache.ItemCount()
}

func (r *Resolver) order(addrs []net.IPAddr) []netip.Addr {
	ips := make([]netip.Addr, 0, len(addrs))
	seen := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}

	if r.cfg.PreferIPv4 {
		sort.SliceStable(ips, func(i, j int) bool {
			return ips[i].Is4() && !ips[j].Is4()
		})
	}
	return ips
}

func normalize(host string) (string, error) {
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", ErrInvalidHost
	}
	name, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidHost, host, err)
	}
	return name, nil
}
