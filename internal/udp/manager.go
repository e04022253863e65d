package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/iwayproxy/iway/internal/logging"
	"github.com/iwayproxy/iway/internal/metrics"
	"github.com/iwayproxy/iway/internal/protocol"
	"github.com/iwayproxy/iway/internal/recovery"
)

var (
	// ErrSessionLimit is returned when a new session would exceed MaxSessions.
	ErrSessionLimit = errors.New("udp session limit reached")

	// ErrReassemblyLimit is returned when a fragment would exceed the
	// per-session reassembly budget. The affected buffer is discarded.
	ErrReassemblyLimit = errors.New("udp reassembly limit reached")

	// ErrQueueFull is returned when a session's send queue is full and the
	// datagram was dropped.
	ErrQueueFull = errors.New("udp send queue full")

	// ErrSessionClosed is returned for packets racing a session teardown.
	ErrSessionClosed = errors.New("udp session closed")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("udp manager closed")
)

func errFragTotalMismatch(packetID uint16, had, got uint8) error {
	return fmt.Errorf("%w: packet %d frag_total %d, previously %d",
		protocol.ErrFragmentMismatch, packetID, got, had)
}

func errFragAddrMismatch(packetID uint16, had, got protocol.Address) error {
	return fmt.Errorf("%w: packet %d address %s, previously %s",
		protocol.ErrFragmentMismatch, packetID, got, had)
}

// Router turns a packet's address into the address the datagram is sent to.
type Router interface {
	Route(ctx context.Context, addr protocol.Address) (netip.AddrPort, error)
}

// ReplyWriter sends reply packets back to the client. The packet and its
// payload are only valid for the duration of the call.
type ReplyWriter interface {
	SendPacket(mode Mode, pkt *protocol.Packet) error
}

// maxDatagram is the read buffer size for relay sockets.
const maxDatagram = 64 * 1024

// Manager owns the UDP sessions of one connection.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint16]*Session
	closed   bool

	connID  uint64
	config  Config
	router  Router
	writer  ReplyWriter
	metrics *metrics.Metrics
	logger  *slog.Logger

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager for connection connID and starts its
// sweep goroutine.
func NewManager(connID uint64, cfg Config, router Router, writer ReplyWriter, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return newManager(connID, cfg, router, writer, m, logger, time.Now)
}

func newManager(connID uint64, cfg Config, router Router, writer ReplyWriter, m *metrics.Metrics, logger *slog.Logger, now func() time.Time) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if m == nil {
		m = metrics.Default()
	}

	mgr := &Manager{
		sessions: make(map[uint16]*Session),
		connID:   connID,
		config:   cfg.withDefaults(),
		router:   router,
		writer:   writer,
		metrics:  m,
		logger:   logging.Component(logger, "udp").With(logging.KeyConnID, connID),
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
	}

	recovery.Go(&mgr.wg, mgr.logger, "udp.sweep", mgr.sweepLoop)
	return mgr
}

func listenRelay() (*net.UDPConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{})
}

// HandlePacket processes one Packet command that arrived on mode. Errors
// are per-packet and never fatal to the connection.
func (m *Manager) HandlePacket(pkt *protocol.Packet, mode Mode) error {
	if pkt.FragTotal == 0 || pkt.FragID >= pkt.FragTotal || pkt.FragTotal > protocol.MaxFragments {
		m.metrics.RecordFragmentDrop("invalid")
		return fmt.Errorf("%w: fragment %d of %d", protocol.ErrFragmentMismatch, pkt.FragID, pkt.FragTotal)
	}

	now := m.now()
	s, err := m.session(pkt.AssocID, now)
	if err != nil {
		return err
	}
	s.mode.Store(int32(mode))
	s.touch(now)

	if pkt.FragTotal == 1 {
		return m.forward(s, pkt.Addr, pkt.Payload)
	}

	payload, addr, complete, err := s.reassemble(pkt, m.config.MaxReassemblyBytes, now)
	if err != nil {
		reason := "mismatch"
		if errors.Is(err, ErrReassemblyLimit) {
			reason = "limit"
		}
		if !errors.Is(err, ErrSessionClosed) {
			m.metrics.RecordFragmentDrop(reason)
		}
		return err
	}
	if !complete {
		return nil
	}
	m.metrics.RecordReassembled()
	return m.forward(s, addr, payload)
}

func (m *Manager) forward(s *Session, addr protocol.Address, payload []byte) error {
	err := s.enqueue(addr, payload)
	if errors.Is(err, ErrQueueFull) {
		m.metrics.RecordUDPPacket("dropped", len(payload))
	}
	return err
}

// session returns the session for id, creating it if needed.
func (m *Manager) session(id uint16, now time.Time) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return nil, ErrSessionLimit
	}

	conn, err := listenRelay()
	if err != nil {
		return nil, fmt.Errorf("create relay socket: %w", err)
	}

	s = newSession(id, conn, m.config.SendQueue, now)
	m.sessions[id] = s
	m.metrics.UDPSessionOpened()

	recovery.Go(&m.wg, m.logger, "udp.send", func() { m.sendLoop(s) })
	recovery.Go(&m.wg, m.logger, "udp.recv", func() { m.recvLoop(s) })

	m.logger.Debug("udp session created",
		logging.KeyAssocID, id,
		logging.KeyLocalAddr, conn.LocalAddr().String())
	return s, nil
}

// Session returns the live session for id, or nil.
func (m *Manager) Session(id uint16) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Dissociate destroys the session for id. It reports whether one existed.
func (m *Manager) Dissociate(id uint16) bool {
	return m.remove(id, nil, "dissociate")
}

// remove deletes the session for id. When want is non-nil the session is
// only removed if it is still the one registered under id.
func (m *Manager) remove(id uint16, want *Session, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok && want != nil && s != want {
		ok = false
	}
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	pending := s.pendingFragments()
	if s.close() {
		m.metrics.UDPSessionClosed(reason)
		for i := 0; i < pending; i++ {
			m.metrics.RecordFragmentDrop("session_closed")
		}
		m.logger.Debug("udp session closed",
			logging.KeyAssocID, id,
			"reason", reason,
			"pending_fragments", pending,
			logging.KeyDuration, m.now().Sub(s.CreatedAt()).Round(time.Millisecond))
	}
	return true
}

// Close destroys every session and waits for all session goroutines.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[uint16]*Session)
	m.mu.Unlock()

	m.cancel()
	for _, s := range sessions {
		if s.close() {
			m.metrics.UDPSessionClosed("connection_closed")
		}
	}

	m.wg.Wait()
	return nil
}

// sendLoop resolves each queued datagram's destination and writes it to the
// relay socket. Failures drop the datagram.
func (m *Manager) sendLoop(s *Session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case out := <-s.sendq:
			dst, err := m.router.Route(s.ctx, out.addr)
			if err != nil {
				m.logger.Debug("udp destination unroutable",
					logging.KeyAssocID, s.assocID,
					logging.KeyDestination, out.addr.String(),
					logging.KeyError, err)
				continue
			}

			n, err := s.conn.WriteToUDPAddrPort(out.payload, dst)
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				m.logger.Debug("udp send failed",
					logging.KeyAssocID, s.assocID,
					logging.KeyDestination, dst.String(),
					logging.KeyError, err)
				continue
			}
			s.touch(m.now())
			m.metrics.RecordUDPPacket("up", n)
		}
	}
}

// recvLoop wraps datagrams read from the relay socket into Packet commands
// and sends them to the client on the session's current mode.
func (m *Manager) recvLoop(s *Session) {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Debug("udp receive failed",
				logging.KeyAssocID, s.assocID,
				logging.KeyError, err)
			continue
		}

		s.touch(m.now())
		m.metrics.RecordUDPPacket("down", n)

		pkts, err := protocol.SplitPacket(s.assocID, s.nextPacketID(),
			protocol.AddressFromAddrPort(src), buf[:n], m.config.MaxPacketSize)
		if err != nil {
			m.metrics.RecordFragmentDrop("oversize")
			m.logger.Debug("udp reply dropped",
				logging.KeyAssocID, s.assocID,
				logging.KeyError, err)
			continue
		}

		mode := s.Mode()
		for _, pkt := range pkts {
			if err := m.writer.SendPacket(mode, pkt); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				m.logger.Debug("udp reply send failed",
					logging.KeyAssocID, s.assocID,
					logging.KeyPacketID, pkt.PacketID,
					logging.KeyError, err)
				break
			}
		}
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.config.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(m.now())
		}
	}
}

// sweep destroys idle sessions and discards stale fragment buffers.
func (m *Manager) sweep(now time.Time) {
	m.mu.RLock()
	var idle []*Session
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.idle(now, m.config.SessionTimeout) {
			idle = append(idle, s)
		} else {
			live = append(live, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		m.remove(s.assocID, s, "idle")
	}
	for _, s := range live {
		if n := s.expireFragments(now, m.config.ReassemblyTimeout); n > 0 {
			for i := 0; i < n; i++ {
				m.metrics.RecordFragmentDrop("timeout")
			}
			m.logger.Debug("fragment buffers expired",
				logging.KeyAssocID, s.assocID,
				logging.KeyCount, n)
		}
	}
}
