package udp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iwayproxy/iway/internal/protocol"
)

// Mode is the channel a Packet arrived on. Replies use the same channel.
type Mode int32

const (
	// ModeDatagram carries packets in unreliable QUIC datagrams.
	ModeDatagram Mode = iota
	// ModeStream carries each packet in its own unidirectional stream.
	ModeStream
)

// String returns the channel name used in logs and metrics.
func (m Mode) String() string {
	switch m {
	case ModeDatagram:
		return "datagram"
	case ModeStream:
		return "uni_stream"
	default:
		return "unknown"
	}
}

type outbound struct {
	addr    protocol.Address
	payload []byte
}

// Session is one UDP association of a connection.
type Session struct {
	mu sync.Mutex

	assocID   uint16
	conn      *net.UDPConn
	fragments map[uint16]*FragmentBuffer
	buffered  int
	createdAt time.Time
	lastUsed  time.Time
	closed    bool

	mode     atomic.Int32
	packetID atomic.Uint32

	sendq  chan outbound
	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(assocID uint16, conn *net.UDPConn, queue int, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		assocID:   assocID,
		conn:      conn,
		fragments: make(map[uint16]*FragmentBuffer),
		createdAt: now,
		lastUsed:  now,
		sendq:     make(chan outbound, queue),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AssocID returns the association id.
func (s *Session) AssocID() uint16 {
	return s.assocID
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastUsed returns the time of the last packet in either direction.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Mode returns the channel replies are sent on.
func (s *Session) Mode() Mode {
	return Mode(s.mode.Load())
}

// LocalAddr returns the relay socket's local address.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// pendingFragments returns the number of incomplete fragment buffers.
func (s *Session) pendingFragments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fragments)
}

// isClosed reports whether the session has been destroyed.
func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastUsed) {
		s.lastUsed = now
	}
	s.mu.Unlock()
}

func (s *Session) idle(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastUsed) > ttl
}

// nextPacketID returns the id for the next reply; it wraps at 65536.
func (s *Session) nextPacketID() uint16 {
	return uint16(s.packetID.Add(1) - 1)
}

// enqueue hands a datagram to the send goroutine without blocking.
func (s *Session) enqueue(addr protocol.Address, payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	select {
	case s.sendq <- outbound{addr: addr, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// reassemble records one fragment of a multi-fragment packet. It returns
// the assembled payload and destination once every fragment is present.
func (s *Session) reassemble(pkt *protocol.Packet, maxBytes int, now time.Time) ([]byte, protocol.Address, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, protocol.Address{}, false, ErrSessionClosed
	}

	buf, ok := s.fragments[pkt.PacketID]
	if ok && buf.total != pkt.FragTotal {
		s.dropLocked(pkt.PacketID)
		return nil, protocol.Address{}, false, errFragTotalMismatch(pkt.PacketID, buf.total, pkt.FragTotal)
	}
	if ok && !pkt.Addr.IsNone() && !buf.addr.IsNone() && pkt.Addr != buf.addr {
		s.dropLocked(pkt.PacketID)
		return nil, protocol.Address{}, false, errFragAddrMismatch(pkt.PacketID, buf.addr, pkt.Addr)
	}
	if !ok {
		buf = newFragmentBuffer(pkt.FragTotal, now)
		s.fragments[pkt.PacketID] = buf
	}

	s.buffered += buf.add(pkt.FragID, pkt.Addr, pkt.Payload)
	if maxBytes > 0 && s.buffered > maxBytes {
		s.dropLocked(pkt.PacketID)
		return nil, protocol.Address{}, false, ErrReassemblyLimit
	}

	if !buf.complete() {
		return nil, protocol.Address{}, false, nil
	}
	payload := buf.assemble()
	addr := buf.addr
	s.dropLocked(pkt.PacketID)
	return payload, addr, true, nil
}

func (s *Session) dropLocked(packetID uint16) {
	if buf, ok := s.fragments[packetID]; ok {
		s.buffered -= buf.size
		delete(s.fragments, packetID)
	}
}

// expireFragments discards buffers older than ttl and returns how many.
func (s *Session) expireFragments(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, buf := range s.fragments {
		if buf.expired(now, ttl) {
			s.dropLocked(id)
			n++
		}
	}
	return n
}

// close releases the relay socket and stops the session goroutines. It
// reports whether this call performed the close.
func (s *Session) close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.fragments = nil
	s.buffered = 0
	s.mu.Unlock()

	s.cancel()
	s.conn.Close()
	return true
}
