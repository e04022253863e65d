// Package addrmap rewrites destinations that point back at the server to
// loopback.
package addrmap

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/iwayproxy/iway/internal/logging"
	"github.com/iwayproxy/iway/internal/recovery"
)

// DefaultRefreshInterval is how often interface addresses are re-read when
// the server listens on an unspecified address.
const DefaultRefreshInterval = 5 * time.Second

var (
	loopback4 = netip.MustParseAddr("127.0.0.1")
	loopback6 = netip.IPv6Loopback()
)

// Mapper holds the set of addresses the server is reachable on.
type Mapper struct {
	listen   []netip.Addr
	wildcard bool
	local    atomic.Pointer[map[netip.Addr]struct{}]
	ifaddrs  func() ([]net.Addr, error)
	logger   *slog.Logger
}

// New creates a mapper for the given listen addresses. If any of them is
// unspecified, every interface address counts as local.
func New(listen []netip.Addr, logger *slog.Logger) *Mapper {
	m := &Mapper{
		ifaddrs: net.InterfaceAddrs,
		logger:  logging.Component(logger, "addrmap"),
	}
	for _, ip := range listen {
		ip = ip.Unmap()
		if ip.IsUnspecified() {
			m.wildcard = true
			continue
		}
		m.listen = append(m.listen, ip)
	}
	m.Refresh()
	return m
}

// Refresh rebuilds the local address set.
func (m *Mapper) Refresh() {
	set := make(map[netip.Addr]struct{}, len(m.listen)+4)
	for _, ip := range m.listen {
		set[ip] = struct{}{}
	}

	if m.wildcard {
		addrs, err := m.ifaddrs()
		if err != nil {
			m.logger.Warn("failed to list interface addresses", logging.KeyError, err)
		}
		for _, a := range addrs {
			var ip netip.Addr
			switch v := a.(type) {
			case *net.IPNet:
				ip, _ = netip.AddrFromSlice(v.IP)
			case *net.IPAddr:
				ip, _ = netip.AddrFromSlice(v.IP)
			}
			if ip.IsValid() {
				set[ip.Unmap().WithZone("")] = struct{}{}
			}
		}
	}

	m.local.Store(&set)
}

// Run refreshes the address set every interval until ctx is done. It returns
// immediately when no wildcard listen address was configured.
func (m *Mapper) Run(ctx context.Context, interval time.Duration) {
	if !m.wildcard {
		return
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	defer recovery.RecoverWithLog(m.logger, "addrmap.refresh")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh()
		}
	}
}

// IsLocal reports whether ip belongs to the server.
func (m *Mapper) IsLocal(ip netip.Addr) bool {
	set := m.local.Load()
	if set == nil {
		return false
	}
	_, ok := (*set)[ip.Unmap().WithZone("")]
	return ok
}

// Map rewrites ap to loopback when it targets the server itself, keeping the
// port. IPv4 and IPv4-mapped IPv6 destinations map to 127.0.0.1, IPv6 to ::1.
func (m *Mapper) Map(ap netip.AddrPort) netip.AddrPort {
	ip := ap.Addr()
	if !m.IsLocal(ip) {
		return ap
	}
	if ip.Unmap().Is4() {
		return netip.AddrPortFrom(loopback4, ap.Port())
	}
	return netip.AddrPortFrom(loopback6, ap.Port())
}
