package tuic

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/iwayproxy/iway/internal/logging"
	"github.com/iwayproxy/iway/internal/metrics"
	"github.com/iwayproxy/iway/internal/recovery"
	"github.com/iwayproxy/iway/internal/transport"
	"github.com/iwayproxy/iway/internal/udp"
)

// Stats is a snapshot of the server's live resources.
type Stats struct {
	Connections   int
	Authenticated int
	UDPSessions   int
	TCPRelays     int
}

// Server accepts QUIC connections and runs a Connection for each.
type Server struct {
	config  Config
	deps    Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
	limiter *rate.Limiter

	mu     sync.RWMutex
	conns  map[uint64]*Connection
	closed bool
	nextID atomic.Uint64

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server. It does not listen until Serve.
func NewServer(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}

	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  cfg,
		deps:    deps,
		metrics: deps.Metrics,
		logger:  logging.Component(deps.Logger, "tuic"),
		limiter: limiter,
		conns:   make(map[uint64]*Connection),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Serve accepts connections from ln until ctx is canceled or Close is
// called. It returns ErrServerClosed after Close. The listener is not closed.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("tuic server listening", logging.KeyLocalAddr, ln.Addr().String())

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrListenerClosed) {
				return err
			}
			s.logger.Warn("accept failed", logging.KeyError, err)
			continue
		}
		s.accept(conn)
	}
}

func (s *Server) accept(conn transport.Conn) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.reject(conn, "rate")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.CloseWithError(CodeNormal, errShutdown.Error())
		return
	}
	if s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections {
		s.mu.Unlock()
		s.reject(conn, "limit")
		return
	}
	id := s.nextID.Add(1)
	c := newConnection(s.ctx, id, conn, s.config, s.deps)
	s.conns[id] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.remove(id)
		defer recovery.RecoverWithCallback(c.logger, "tuic.conn", func(any) {
			s.metrics.RecordPanic("tuic.conn")
			conn.CloseWithError(CodeProtocolError, "internal error")
		})
		c.Run()
	}()
}

func (s *Server) reject(conn transport.Conn, reason string) {
	s.metrics.ConnectionRejected("tuic", reason)
	s.logger.Warn("connection rejected",
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		"reason", reason)
	conn.CloseWithError(CodeResourceLimit, ErrConnectionLimit.Error())
}

func (s *Server) remove(id uint64) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// Close stops accepting, closes every connection and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		<-c.Done()
	}
	s.wg.Wait()
	s.logger.Info("tuic server stopped", logging.KeyCount, len(conns))
	return nil
}

// IsRunning reports whether Serve is accepting.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Lookup returns the live connection with id, or nil.
func (s *Server) Lookup(id uint64) *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

// Session returns a UDP session of a live connection, or nil.
func (s *Server) Session(connID uint64, assocID uint16) *udp.Session {
	c := s.Lookup(connID)
	if c == nil {
		return nil
	}
	return c.Sessions().Session(assocID)
}

// Len returns the number of live connections.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Stats returns a snapshot of live connections and their resources.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Connections: len(s.conns)}
	for _, c := range s.conns {
		if c.State() == StateAuthenticated {
			st.Authenticated++
		}
		st.UDPSessions += c.Sessions().Len()
		st.TCPRelays += c.ActiveRelays()
	}
	return st
}
