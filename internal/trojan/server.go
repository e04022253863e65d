package trojan

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iwayproxy/iway/internal/logging"
	"github.com/iwayproxy/iway/internal/metrics"
	"github.com/iwayproxy/iway/internal/protocol"
	"github.com/iwayproxy/iway/internal/recovery"
	"github.com/iwayproxy/iway/internal/relay"
	"github.com/iwayproxy/iway/internal/udp"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("trojan server closed")

// fallbackResponse is sent when there is no fallback to hand the client to.
const fallbackResponse = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/html\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

// maxFrameSize keeps every UDP reply in a single frame.
const maxFrameSize = 1 << 17

// Unread client bytes are drained after the fallback response, up to these
// bounds, so closing the socket does not reset the response away.
const (
	fallbackDrainLimit   = 64 << 10
	fallbackDrainTimeout = time.Second
)

// closeWriter is implemented by *tls.Conn and *net.TCPConn.
type closeWriter interface {
	CloseWrite() error
}

// Config contains Trojan server settings.
type Config struct {
	// HandshakeTimeout bounds the TLS handshake and the request header.
	HandshakeTimeout time.Duration

	// Fallback is the host:port unauthenticated clients are relayed to.
	// Empty answers them with an empty HTTP 200 instead.
	Fallback string

	// UDP configures the session behind a UDP associate request.
	UDP udp.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		UDP:              udp.DefaultConfig(),
	}
}

// Authenticator checks a password hash. *auth.TrojanTable satisfies it.
type Authenticator interface {
	Authenticate(hash []byte) error
}

// Router turns a requested address into the address that is dialed.
type Router interface {
	Route(ctx context.Context, addr protocol.Address) (netip.AddrPort, error)
}

// Dialer opens outbound TCP connections and relays client connections
// through them. *relay.Dialer satisfies it.
type Dialer interface {
	Dial(ctx context.Context, dst netip.AddrPort) (net.Conn, error)
	Relay(ctx context.Context, proto string, client, remote io.ReadWriteCloser, logger *slog.Logger) (relay.Stats, error)
}

// Deps are the services the server uses.
type Deps struct {
	Auth    Authenticator
	Router  Router
	Dialer  Dialer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server serves Trojan over an accepted TLS listener.
type Server struct {
	config   Config
	fallback protocol.Address
	auth     Authenticator
	router   Router
	dialer   Dialer
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closed  bool
	nextID  atomic.Uint64
	active  atomic.Int64
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. An unparsable fallback address is an error.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	cfg.UDP.MaxPacketSize = maxFrameSize
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}

	fallback := protocol.NoneAddress()
	if cfg.Fallback != "" {
		addr, err := protocol.ParseAddress(cfg.Fallback)
		if err != nil {
			return nil, fmt.Errorf("invalid fallback address: %w", err)
		}
		fallback = addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   cfg,
		fallback: fallback,
		auth:     deps.Auth,
		router:   deps.Router,
		dialer:   deps.Dialer,
		metrics:  deps.Metrics,
		logger:   logging.Component(deps.Logger, "trojan"),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Serve accepts connections from ln until ctx is canceled or Close is
// called. ln is closed when Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	stopListener := context.AfterFunc(ctx, func() { ln.Close() })
	defer stopListener()

	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("trojan server listening", logging.KeyLocalAddr, ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("accept failed", logging.KeyError, err)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		recovery.Go(&s.wg, s.logger, "trojan.conn", func() {
			defer s.untrack(conn)
			s.handle(conn)
		})
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.active.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.active.Add(-1)
	conn.Close()
}

// Close stops accepting, closes every connection and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("trojan server stopped")
	return nil
}

// IsRunning reports whether Serve is accepting.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Active returns the number of open client connections.
func (s *Server) Active() int {
	return int(s.active.Load())
}

func (s *Server) handle(conn net.Conn) {
	id := s.nextID.Add(1)
	logger := s.logger.With(
		logging.KeyConnID, id,
		logging.KeyRemoteAddr, conn.RemoteAddr().String())

	deadline := time.Now().Add(s.config.HandshakeTimeout)
	conn.SetDeadline(deadline)

	if tc, ok := conn.(*tls.Conn); ok {
		ctx, cancel := context.WithDeadline(s.ctx, deadline)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			s.metrics.RecordTrojan("tls_error")
			logger.Debug("tls handshake failed", logging.KeyError, err)
			return
		}
	}

	// Everything read before the request is accepted is replayed to the
	// fallback.
	var consumed bytes.Buffer
	r := io.TeeReader(conn, &consumed)

	req, err := s.readRequest(r)
	if err != nil {
		if consumed.Len() == 0 {
			logger.Debug("client closed before request", logging.KeyError, err)
			return
		}
		logger.Debug("request rejected", logging.KeyError, err)
		conn.SetDeadline(time.Time{})
		s.serveFallback(conn, consumed.Bytes(), logger)
		return
	}
	conn.SetDeadline(time.Time{})

	logger = logger.With(
		logging.KeyCommand, req.Command.String(),
		logging.KeyDestination, req.Addr.String())

	switch req.Command {
	case CmdConnect:
		s.connect(conn, req, logger)
	case CmdUDPAssociate:
		s.associate(conn, id, logger)
	}
}

func (s *Server) readRequest(r io.Reader) (*Request, error) {
	hash, err := ReadAuth(r)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Authenticate(hash); err != nil {
		s.metrics.RecordAuth("trojan", false)
		return nil, err
	}
	s.metrics.RecordAuth("trojan", true)
	return ReadRequest(r)
}

// serveFallback relays the client to the fallback server, replaying what
// was already read. Without a reachable fallback the client gets an empty
// HTTP 200.
func (s *Server) serveFallback(conn net.Conn, consumed []byte, logger *slog.Logger) {
	s.metrics.RecordTrojan("fallback")

	if !s.fallback.IsNone() {
		remote, err := s.dialFallback()
		if err == nil {
			if _, err := remote.Write(consumed); err != nil {
				remote.Close()
				logger.Debug("fallback replay failed", logging.KeyError, err)
				return
			}
			s.dialer.Relay(s.ctx, "fallback", conn, remote, logger)
			return
		}
		logger.Warn("fallback unreachable",
			logging.KeyAddress, s.fallback.String(),
			logging.KeyError, err)
	}

	if _, err := io.WriteString(conn, fallbackResponse); err != nil {
		logger.Debug("fallback response failed", logging.KeyError, err)
		return
	}
	if cw, ok := conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil {
			logger.Debug("fallback half-close failed", logging.KeyError, err)
		}
	}
	conn.SetReadDeadline(time.Now().Add(fallbackDrainTimeout))
	io.Copy(io.Discard, io.LimitReader(conn, fallbackDrainLimit))
}

func (s *Server) dialFallback() (net.Conn, error) {
	dst, err := s.router.Route(s.ctx, s.fallback)
	if err != nil {
		return nil, err
	}
	return s.dialer.Dial(s.ctx, dst)
}

func (s *Server) connect(conn net.Conn, req *Request, logger *slog.Logger) {
	dst, err := s.router.Route(s.ctx, req.Addr)
	if err != nil {
		s.metrics.RecordTrojan("connect_failed")
		logger.Debug("connect destination unroutable", logging.KeyError, err)
		return
	}
	remote, err := s.dialer.Dial(s.ctx, dst)
	if err != nil {
		s.metrics.RecordTrojan("connect_failed")
		logger.Debug("connect failed",
			"kind", relay.DialErrorKind(err),
			logging.KeyError, err)
		return
	}

	s.metrics.RecordTrojan("connect")
	s.dialer.Relay(s.ctx, "trojan", conn, remote, logger)
}

// frameWriter writes UDP replies back onto the TLS stream.
type frameWriter struct {
	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

// SendPacket implements udp.ReplyWriter. Replies are never fragmented.
func (w *frameWriter) SendPacket(_ udp.Mode, pkt *protocol.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, err := AppendFrame(w.buf[:0], pkt.Addr, pkt.Payload)
	if err != nil {
		return err
	}
	w.buf = b
	_, err = w.conn.Write(b)
	return err
}

// associate relays UDP frames through a single session until the client
// closes the stream.
func (s *Server) associate(conn net.Conn, id uint64, logger *slog.Logger) {
	s.metrics.RecordTrojan("udp_associate")

	sessions := udp.NewManager(id, s.config.UDP, s.router, &frameWriter{conn: conn}, s.metrics, s.logger)
	defer sessions.Close()

	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	br := bufio.NewReader(conn)
	var packetID uint16
	for {
		f, err := ReadFrame(br)
		if err != nil {
			if !relay.IsClosedError(err) && s.ctx.Err() == nil {
				logger.Debug("udp frame rejected", logging.KeyError, err)
			}
			return
		}

		err = sessions.HandlePacket(&protocol.Packet{
			PacketID:  packetID,
			FragTotal: 1,
			Addr:      f.Addr,
			Payload:   f.Payload,
		}, udp.ModeStream)
		packetID++
		if err != nil {
			logger.Debug("udp frame dropped",
				logging.KeyDestination, f.Addr.String(),
				logging.KeyError, err)
		}
	}
}
