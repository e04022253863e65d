package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout     = 30 * time.Second
	DefaultKeepAlivePeriod    = 10 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultMaxIncomingStreams = 512
	DefaultALPN               = "h3"
)

// QUICOptions configures a QUIC listener or dialer.
type QUICOptions struct {
	MaxIdleTimeout        time.Duration
	KeepAlivePeriod       time.Duration
	HandshakeTimeout      time.Duration
	MaxIncomingStreams    int64
	MaxIncomingUniStreams int64
	Socket                SocketOptions
}

// DefaultQUICOptions returns QUICOptions with sensible defaults.
func DefaultQUICOptions() QUICOptions {
	return QUICOptions{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		HandshakeTimeout:      DefaultHandshakeTimeout,
		MaxIncomingStreams:    DefaultMaxIncomingStreams,
		MaxIncomingUniStreams: DefaultMaxIncomingStreams,
	}
}

func (o QUICOptions) quicConfig() *quic.Config {
	d := DefaultQUICOptions()
	if o.MaxIdleTimeout <= 0 {
		o.MaxIdleTimeout = d.MaxIdleTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.MaxIncomingStreams <= 0 {
		o.MaxIncomingStreams = d.MaxIncomingStreams
	}
	if o.MaxIncomingUniStreams <= 0 {
		o.MaxIncomingUniStreams = d.MaxIncomingUniStreams
	}
	return &quic.Config{
		EnableDatagrams:       true,
		HandshakeIdleTimeout:  o.HandshakeTimeout,
		MaxIdleTimeout:        o.MaxIdleTimeout,
		KeepAlivePeriod:       o.KeepAlivePeriod,
		MaxIncomingStreams:    o.MaxIncomingStreams,
		MaxIncomingUniStreams: o.MaxIncomingUniStreams,
	}
}

// prepareQUICTLS clones cfg and enforces TLS 1.3 plus a default ALPN.
func prepareQUICTLS(cfg *tls.Config) *tls.Config {
	cfg = cfg.Clone()
	cfg.MinVersion = tls.VersionTLS13
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{DefaultALPN}
	}
	return cfg
}

// QUICListener accepts QUIC connections on a UDP socket it owns.
type QUICListener struct {
	listener *quic.Listener
	pconn    net.PacketConn
	mu       sync.Mutex
	closed   bool
}

// ListenQUIC binds addr and starts accepting QUIC connections with
// datagrams enabled.
func ListenQUIC(addr string, tlsConfig *tls.Config, opts QUICOptions) (*QUICListener, error) {
	if tlsConfig == nil {
		return nil, errors.New("TLS config required for QUIC listener")
	}

	pconn, err := opts.Socket.listenConfig().ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}

	ln, err := quic.Listen(pconn, prepareQUICTLS(tlsConfig), opts.quicConfig())
	if err != nil {
		pconn.Close()
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	return &QUICListener{listener: ln, pconn: pconn}, nil
}

// Accept waits for and returns the next QUIC connection.
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return &QUICConn{conn: conn}, nil
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener and releases the UDP socket. Connections that
// were already accepted are not closed.
func (l *QUICListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	err := l.listener.Close()
	if cerr := l.pconn.Close(); err == nil {
		err = cerr
	}
	return err
}

// DialQUIC connects to a QUIC server with datagrams enabled.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config, opts QUICOptions) (*QUICConn, error) {
	if tlsConfig == nil {
		return nil, errors.New("TLS config required for QUIC dial")
	}
	conn, err := quic.DialAddr(ctx, addr, prepareQUICTLS(tlsConfig), opts.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}
	return &QUICConn{conn: conn}, nil
}

// QUICConn implements Conn for a quic-go connection.
type QUICConn struct {
	conn quic.Connection
}

// AcceptStream waits for the next bidirectional stream.
func (c *QUICConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &QUICStream{stream: s}, nil
}

// OpenStream opens a bidirectional stream.
func (c *QUICConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	return &QUICStream{stream: s}, nil
}

// AcceptUniStream waits for the next unidirectional stream.
func (c *QUICConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicReceiveStream{stream: s}, nil
}

// OpenUniStream opens a unidirectional stream.
func (c *QUICConn) OpenUniStream(ctx context.Context) (SendStream, error) {
	s, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC uni stream: %w", err)
	}
	return &quicSendStream{stream: s}, nil
}

// ReceiveDatagram waits for the next datagram.
func (c *QUICConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

// SendDatagram sends b as a single unreliable datagram.
func (c *QUICConn) SendDatagram(b []byte) error {
	return c.conn.SendDatagram(b)
}

// ExportKeyingMaterial derives keying material from the TLS 1.3 session.
func (c *QUICConn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	state := c.conn.ConnectionState()
	return state.TLS.ExportKeyingMaterial(label, context, length)
}

// CloseWithError closes the connection with an application error code.
func (c *QUICConn) CloseWithError(code uint64, msg string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

// Context is canceled when the connection closes.
func (c *QUICConn) Context() context.Context {
	return c.conn.Context()
}

// LocalAddr returns the local address.
func (c *QUICConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote address.
func (c *QUICConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// QUICStream implements Stream for a quic-go bidirectional stream.
type QUICStream struct {
	stream quic.Stream
}

// StreamID returns the QUIC stream ID.
func (s *QUICStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *QUICStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *QUICStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// CloseWrite sends FIN. In QUIC, Close on a stream only closes the send side.
func (s *QUICStream) CloseWrite() error {
	return s.stream.Close()
}

// Close sends FIN and abandons the receive side.
func (s *QUICStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

// Reset aborts both directions with code.
func (s *QUICStream) Reset(code uint64) {
	s.stream.CancelWrite(quic.StreamErrorCode(code))
	s.stream.CancelRead(quic.StreamErrorCode(code))
}

// SetDeadline sets read and write deadlines.
func (s *QUICStream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (s *QUICStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (s *QUICStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}

type quicReceiveStream struct {
	stream quic.ReceiveStream
}

func (s *quicReceiveStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *quicReceiveStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *quicReceiveStream) CancelRead(code uint64) {
	s.stream.CancelRead(quic.StreamErrorCode(code))
}

func (s *quicReceiveStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

type quicSendStream struct {
	stream quic.SendStream
}

func (s *quicSendStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *quicSendStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

func (s *quicSendStream) Close() error {
	return s.stream.Close()
}

func (s *quicSendStream) CancelWrite(code uint64) {
	s.stream.CancelWrite(quic.StreamErrorCode(code))
}

func (s *quicSendStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}
