package tuic

import (
	"errors"
)

// Application error codes carried in the QUIC CONNECTION_CLOSE frame.
const (
	CodeNormal        uint64 = 0
	CodeProtocolError uint64 = 0xfffffff0
	CodeAuthFailed    uint64 = 0xfffffff1
	CodeAuthTimeout   uint64 = 0xfffffff2
	CodeIdleTimeout   uint64 = 0xfffffff3
	CodeResourceLimit uint64 = 0xfffffff4
)

// StreamCodeConnectFailed resets a Connect stream whose destination could
// not be reached.
const StreamCodeConnectFailed uint64 = 0x01

var (
	// ErrAuthTimeout is the close cause when no Authenticate arrived in time.
	ErrAuthTimeout = errors.New("authentication timeout")

	// ErrIdleTimeout is the close cause when the peer stayed silent past the
	// heartbeat deadline.
	ErrIdleTimeout = errors.New("heartbeat timeout")

	// ErrConnectionLimit is returned for connections refused by the accept
	// rate or the connection cap.
	ErrConnectionLimit = errors.New("connection limit reached")

	// ErrProtocolViolation is the close cause for commands that are valid on
	// the wire but not allowed on their channel or in the current state.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("tuic server closed")

	errShutdown = errors.New("server shutdown")
)

// closeReason is the outcome of a connection's dispatch loop.
type closeReason struct {
	code  uint64
	label string
	err   error
}

func (r closeReason) message() string {
	if r.err == nil {
		return ""
	}
	return r.err.Error()
}

func violation(err error) closeReason {
	return closeReason{code: CodeProtocolError, label: "protocol_error", err: err}
}

// CodeName returns a short name for an application error code.
func CodeName(code uint64) string {
	switch code {
	case CodeNormal:
		return "normal"
	case CodeProtocolError:
		return "protocol_error"
	case CodeAuthFailed:
		return "auth_failed"
	case CodeAuthTimeout:
		return "auth_timeout"
	case CodeIdleTimeout:
		return "idle_timeout"
	case CodeResourceLimit:
		return "resource_limit"
	default:
		return "unknown"
	}
}
