// Package transport provides the listeners the proxy serves on: a QUIC
// listener with unreliable datagrams enabled for TUIC, and a TLS-over-TCP
// listener for Trojan.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// Conn is an accepted multiplexed connection. It exposes the three channels
// a TUIC connection carries: bidirectional streams, unidirectional streams
// and datagrams.
type Conn interface {
	// AcceptStream waits for the next client-opened bidirectional stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// AcceptUniStream waits for the next client-opened unidirectional stream.
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)

	// OpenUniStream opens a server-to-client unidirectional stream, blocking
	// until the peer's stream limit allows it.
	OpenUniStream(ctx context.Context) (SendStream, error)

	ReceiveDatagram(ctx context.Context) ([]byte, error)
	SendDatagram(b []byte) error

	// ExportKeyingMaterial derives keying material from the TLS session as
	// described in RFC 5705.
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)

	// CloseWithError closes the connection with an application error code.
	CloseWithError(code uint64, msg string) error

	// Context is canceled once the connection is closed.
	Context() context.Context

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Stream is a bidirectional stream.
type Stream interface {
	io.Reader
	io.Writer

	StreamID() uint64

	// CloseWrite finishes the send direction. Reads remain possible.
	CloseWrite() error

	// Close finishes the send direction and stops reading.
	Close() error

	// Reset aborts both directions with an application error code.
	Reset(code uint64)

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// ReceiveStream is the receiving end of a unidirectional stream.
type ReceiveStream interface {
	io.Reader

	StreamID() uint64
	CancelRead(code uint64)
	SetReadDeadline(t time.Time) error
}

// SendStream is the sending end of a unidirectional stream. Close finishes
// the stream after all written data.
type SendStream interface {
	io.Writer
	io.Closer

	StreamID() uint64
	CancelWrite(code uint64)
	SetWriteDeadline(t time.Time) error
}

// Listener accepts multiplexed connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// SocketOptions are applied to listening sockets before bind.
type SocketOptions struct {
	// ReuseAddr sets SO_REUSEADDR and SO_REUSEPORT.
	ReuseAddr bool

	// RecvBuffer and SendBuffer set SO_RCVBUF and SO_SNDBUF when positive.
	RecvBuffer int
	SendBuffer int

	// TOS sets IP_TOS (IPV6_TCLASS on IPv6 sockets) when non-zero.
	TOS int
}

// listenConfig returns a net.ListenConfig applying opts to new sockets.
func (o SocketOptions) listenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: o.control}
}
