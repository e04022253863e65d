// Package agent assembles a running iway process from its configuration:
// listeners, protocol servers, the shared resolver and relay, and the health
// endpoint.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"

	"github.com/iwayproxy/iway/internal/addrmap"
	"github.com/iwayproxy/iway/internal/auth"
	"github.com/iwayproxy/iway/internal/config"
	"github.com/iwayproxy/iway/internal/health"
	"github.com/iwayproxy/iway/internal/logging"
	"github.com/iwayproxy/iway/internal/metrics"
	"github.com/iwayproxy/iway/internal/recovery"
	"github.com/iwayproxy/iway/internal/relay"
	"github.com/iwayproxy/iway/internal/resolver"
	"github.com/iwayproxy/iway/internal/transport"
	"github.com/iwayproxy/iway/internal/trojan"
	"github.com/iwayproxy/iway/internal/tuic"
	"github.com/iwayproxy/iway/internal/udp"
)

// Agent is one iway process.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	resolver *resolver.Resolver
	mapper   *addrmap.Mapper
	dialer   *relay.Dialer

	tuicSrv *tuic.Server
	tuicTLS *tls.Config
	tuicLn  *transport.QUICListener

	trojanSrv *trojan.Server
	trojanTLS *tls.Config
	trojanLn  net.Listener

	healthServer *health.Server

	running  atomic.Bool
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds every component the configuration enables. Certificates are
// loaded here so a bad path fails before anything binds.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("iway"),
	)
	m := metrics.NewMetricsWithRegistry(registry)

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := a.initComponents(); err != nil {
		cancel()
		return nil, err
	}
	return a, nil
}

func (a *Agent) initComponents() error {
	cfg := a.cfg

	a.resolver = resolver.New(resolver.Config{
		Servers:    cfg.DNS.Servers,
		Timeout:    cfg.DNS.Timeout,
		CacheTTL:   cfg.DNS.CacheTTL,
		PreferIPv4: cfg.DNS.PreferIPv4,
		Hosts:      cfg.DNS.StaticHosts(),
	}, a.metrics, a.logger)

	var listenIPs []netip.Addr
	if cfg.TUIC.Enabled {
		listenIPs = append(listenIPs, config.ListenIP(cfg.TUIC.Listen))
	}
	if cfg.Trojan.Enabled {
		listenIPs = append(listenIPs, config.ListenIP(cfg.Trojan.Listen))
	}
	a.mapper = addrmap.New(listenIPs, a.logger)

	router := relay.NewRouter(a.resolver, a.mapper)
	a.dialer = relay.NewDialer(relay.Config{
		ConnectTimeout: cfg.TCP.ConnectTimeout,
		KeepAlive:      cfg.TCP.KeepAlive,
	}, a.metrics, a.logger)

	udpCfg := udp.Config{
		SessionTimeout:     cfg.UDP.SessionTimeout,
		ReassemblyTimeout:  cfg.UDP.ReassemblyTimeout,
		MaxSessions:        cfg.UDP.MaxSessions,
		MaxReassemblyBytes: int(cfg.UDP.MaxReassemblyBytes),
		MaxPacketSize:      cfg.UDP.MaxPacketSize,
		SendQueue:          cfg.UDP.SendQueue,
	}

	if cfg.TUIC.Enabled {
		t := cfg.TUIC
		creds, err := t.Credentials()
		if err != nil {
			return err
		}
		table, err := auth.NewTable(creds)
		if err != nil {
			return fmt.Errorf("build tuic users: %w", err)
		}
		a.tuicTLS, err = transport.LoadTLSConfig(t.TLS.Cert, t.TLS.Key, t.TLS.ALPN)
		if err != nil {
			return fmt.Errorf("tuic: %w", err)
		}

		a.tuicSrv = tuic.NewServer(tuic.Config{
			AuthTimeout: t.AuthTimeout,
			StrictAuth:  t.StrictAuth,
			Heartbeat: tuic.HeartbeatConfig{
				Interval: t.Heartbeat.Interval,
				Timeout:  t.Heartbeat.Timeout,
				Echo:     t.Heartbeat.Echo,
			},
			MaxConnections: t.MaxConnections,
			AcceptRate:     t.AcceptRate,
			AcceptBurst:    t.AcceptBurst,
			UDP:            udpCfg,
		}, tuic.Deps{
			Auth:    table,
			Router:  router,
			Dialer:  a.dialer,
			Metrics: a.metrics,
			Logger:  a.logger,
		})
	}

	if cfg.Trojan.Enabled {
		t := cfg.Trojan
		var err error
		a.trojanTLS, err = transport.LoadTLSConfig(t.TLS.Cert, t.TLS.Key, t.TLS.ALPN)
		if err != nil {
			return fmt.Errorf("trojan: %w", err)
		}

		a.trojanSrv, err = trojan.NewServer(trojan.Config{
			HandshakeTimeout: t.HandshakeTimeout,
			Fallback:         t.Fallback,
			UDP:              udpCfg,
		}, trojan.Deps{
			Auth:    auth.NewTrojanTable(t.Passwords),
			Router:  router,
			Dialer:  a.dialer,
			Metrics: a.metrics,
			Logger:  a.logger,
		})
		if err != nil {
			return fmt.Errorf("trojan: %w", err)
		}
	}

	if cfg.Health.Enabled {
		hc := health.DefaultServerConfig()
		hc.Address = cfg.Health.Address
		hc.Gatherer = a.registry
		hc.EnablePprof = cfg.Health.Pprof
		a.healthServer = health.NewServer(hc, a, a.logger)
	}

	return nil
}

// Start binds every listener and begins serving. On error nothing is left
// running.
func (a *Agent) Start() error {
	if a.running.Load() {
		return errors.New("agent already running")
	}
	a.running.Store(true)

	a.logger.Info("starting iway",
		"tuic", a.tuicSrv != nil,
		"trojan", a.trojanSrv != nil)

	recovery.Go(&a.wg, a.logger, "addrmap.refresh", func() {
		a.mapper.Run(a.ctx, addrmap.DefaultRefreshInterval)
	})

	if err := a.startTUIC(); err != nil {
		a.Stop()
		return err
	}
	if err := a.startTrojan(); err != nil {
		a.Stop()
		return err
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.logger.Error("failed to start health server",
				logging.KeyAddress, a.cfg.Health.Address,
				logging.KeyError, err)
			a.Stop()
			return fmt.Errorf("start health server: %w", err)
		}
	}

	a.logger.Info("iway started")
	return nil
}

func (a *Agent) startTUIC() error {
	if a.tuicSrv == nil {
		return nil
	}
	t := a.cfg.TUIC

	opts := transport.DefaultQUICOptions()
	opts.MaxIdleTimeout = t.MaxIdleTimeout
	opts.KeepAlivePeriod = t.KeepAlivePeriod
	opts.MaxIncomingStreams = t.MaxStreams
	opts.MaxIncomingUniStreams = t.MaxStreams
	opts.Socket = transport.SocketOptions{
		ReuseAddr:  t.Socket.ReuseAddr,
		RecvBuffer: int(t.Socket.RecvBuffer),
		SendBuffer: int(t.Socket.SendBuffer),
		TOS:        t.Socket.TOS,
	}

	ln, err := transport.ListenQUIC(t.Listen, a.tuicTLS, opts)
	if err != nil {
		a.logger.Error("failed to start tuic listener",
			logging.KeyAddress, t.Listen,
			logging.KeyError, err)
		return fmt.Errorf("start tuic listener %s: %w", t.Listen, err)
	}
	a.tuicLn = ln

	recovery.Go(&a.wg, a.logger, "tuic.serve", func() {
		err := a.tuicSrv.Serve(a.ctx, ln)
		a.serveStopped("tuic", err)
	})
	return nil
}

func (a *Agent) startTrojan() error {
	if a.trojanSrv == nil {
		return nil
	}
	t := a.cfg.Trojan

	ln, err := transport.ListenTLS(t.Listen, a.trojanTLS, transport.SocketOptions{ReuseAddr: true})
	if err != nil {
		a.logger.Error("failed to start trojan listener",
			logging.KeyAddress, t.Listen,
			logging.KeyError, err)
		return fmt.Errorf("start trojan listener %s: %w", t.Listen, err)
	}
	a.trojanLn = ln

	recovery.Go(&a.wg, a.logger, "trojan.serve", func() {
		err := a.trojanSrv.Serve(a.ctx, ln)
		a.serveStopped("trojan", err)
	})
	return nil
}

func (a *Agent) serveStopped(proto string, err error) {
	if a.ctx.Err() != nil || errors.Is(err, tuic.ErrServerClosed) || errors.Is(err, trojan.ErrServerClosed) {
		return
	}
	a.logger.Error("server stopped unexpectedly",
		logging.KeyProtocol, proto,
		logging.KeyError, err)
}

// Stop closes every listener and connection and waits for all goroutines.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		a.logger.Info("stopping iway")
		a.running.Store(false)
		a.cancel()

		if a.healthServer != nil {
			a.healthServer.Stop()
		}
		if a.tuicSrv != nil {
			a.tuicSrv.Close()
		}
		if a.tuicLn != nil {
			a.tuicLn.Close()
		}
		if a.trojanSrv != nil {
			a.trojanSrv.Close()
		}
		if a.trojanLn != nil {
			a.trojanLn.Close()
		}

		a.wg.Wait()
		a.logger.Info("iway stopped")
	})
	return nil
}

// StopWithContext stops, giving up when ctx expires.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether every enabled server is accepting.
func (a *Agent) IsRunning() bool {
	if !a.running.Load() {
		return false
	}
	if a.tuicSrv != nil && !a.tuicSrv.IsRunning() {
		return false
	}
	if a.trojanSrv != nil && !a.trojanSrv.IsRunning() {
		return false
	}
	return true
}

// Stats implements health.StatsProvider.
func (a *Agent) Stats() health.Stats {
	var st health.Stats
	if a.tuicSrv != nil {
		ts := a.tuicSrv.Stats()
		st.TUICRunning = a.tuicSrv.IsRunning()
		st.TUICConnections = ts.Connections
		st.TUICAuthenticated = ts.Authenticated
		st.UDPSessions = ts.UDPSessions
		st.TCPRelays = ts.TCPRelays
	}
	if a.trojanSrv != nil {
		st.TrojanRunning = a.trojanSrv.IsRunning()
		st.TrojanSessions = a.trojanSrv.Active()
	}
	return st
}

// TUICAddr returns the bound TUIC address, or nil.
func (a *Agent) TUICAddr() net.Addr {
	if a.tuicLn == nil {
		return nil
	}
	return a.tuicLn.Addr()
}

// TrojanAddr returns the bound Trojan address, or nil.
func (a *Agent) TrojanAddr() net.Addr {
	if a.trojanLn == nil {
		return nil
	}
	return a.trojanLn.Addr()
}

// HealthAddr returns the bound health address, or nil.
func (a *Agent) HealthAddr() net.Addr {
	if a.healthServer == nil {
		return nil
	}
	return a.healthServer.Address()
}

// Metrics returns the agent's metrics.
func (a *Agent) Metrics() *metrics.Metrics {
	return a.metrics
}
