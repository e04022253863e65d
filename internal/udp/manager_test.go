package udp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/iwayproxy/iway/internal/logging"
	"github.com/iwayproxy/iway/internal/metrics"
	"github.com/iwayproxy/iway/internal/protocol"
)

// directRouter sends to literal IP addresses only.
type directRouter struct{}

func (directRouter) Route(_ context.Context, addr protocol.Address) (netip.AddrPort, error) {
	ap, ok := addr.AddrPort()
	if !ok {
		return netip.AddrPort{}, errors.New("not an IP address")
	}
	return ap, nil
}

// gatedRouter blocks every Route call until release is closed.
type gatedRouter struct {
	release chan struct{}
}

func (r gatedRouter) Route(ctx context.Context, addr protocol.Address) (netip.AddrPort, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
	return directRouter{}.Route(ctx, addr)
}

type sentPacket struct {
	mode Mode
	pkt  protocol.Packet
}

// mockReplyWriter records reply packets.
type mockReplyWriter struct {
	mu      sync.Mutex
	packets []sentPacket
	notify  chan struct{}
}

func newMockReplyWriter() *mockReplyWriter {
	return &mockReplyWriter{notify: make(chan struct{}, 256)}
}

func (w *mockReplyWriter) SendPacket(mode Mode, pkt *protocol.Packet) error {
	cp := *pkt
	cp.Payload = append([]byte(nil), pkt.Payload...)

	w.mu.Lock()
	w.packets = append(w.packets, sentPacket{mode: mode, pkt: cp})
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return nil
}

func (w *mockReplyWriter) waitFor(t *testing.T, n int) []sentPacket {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		w.mu.Lock()
		if len(w.packets) >= n {
			out := append([]sentPacket(nil), w.packets...)
			w.mu.Unlock()
			return out
		}
		w.mu.Unlock()

		select {
		case <-w.notify:
		case <-deadline:
			t.Fatalf("timeout waiting for %d reply packets", n)
		}
	}
}

// udpEcho is a loopback UDP server that records and echoes datagrams.
type udpEcho struct {
	conn     *net.UDPConn
	received chan []byte
}

func newUDPEcho(t *testing.T) *udpEcho {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	e := &udpEcho{conn: conn, received: make(chan []byte, 64)}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, maxDatagram)
		for {
			n, src, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			data := append([]byte(nil), buf[:n]...)
			e.received <- data
			conn.WriteToUDPAddrPort(data, src)
		}
	}()
	return e
}

func (e *udpEcho) addr() protocol.Address {
	return protocol.AddressFromAddrPort(e.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

func (e *udpEcho) expect(t *testing.T, want []byte) {
	t.Helper()
	select {
	case got := <-e.received:
		if !bytes.Equal(got, want) {
			t.Errorf("destination received %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for datagram at destination")
	}
}

func (e *udpEcho) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case got := <-e.received:
		t.Errorf("unexpected datagram %q at destination", got)
	case <-time.After(wait):
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func newTestManager(t *testing.T, cfg Config, router Router, w ReplyWriter, clock *fakeClock) *Manager {
	t.Helper()
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	m := newManager(1, cfg, router, w, testMetrics(), logging.NopLogger(), now)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerSingleFragmentRoundTrip(t *testing.T) {
	echo := newUDPEcho(t)
	w := newMockReplyWriter()
	m := newTestManager(t, DefaultConfig(), directRouter{}, w, nil)

	err := m.HandlePacket(&protocol.Packet{
		AssocID: 5, PacketID: 0, FragTotal: 1, FragID: 0,
		Addr: echo.addr(), Payload: []byte("query"),
	}, ModeDatagram)
	if err != nil {
		t.Fatalf("HandlePacket() error = %v", err)
	}

	echo.expect(t, []byte("query"))

	sent := w.waitFor(t, 1)
	reply := sent[0]
	if reply.mode != ModeDatagram {
		t.Errorf("reply mode = %v, want datagram", reply.mode)
	}
	if reply.pkt.AssocID != 5 {
		t.Errorf("reply AssocID = %d, want 5", reply.pkt.AssocID)
	}
	if reply.pkt.FragTotal != 1 || reply.pkt.FragID != 0 {
		t.Errorf("reply fragment %d/%d, want 0/1", reply.pkt.FragID, reply.pkt.FragTotal)
	}
	if reply.pkt.Addr != echo.addr() {
		t.Errorf("reply addr = %v, want %v", reply.pkt.Addr, echo.addr())
	}
	if string(reply.pkt.Payload) != "query" {
		t.Errorf("reply payload = %q, want query", reply.pkt.Payload)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestManagerReassemblesOutOfOrderExactlyOnce(t *testing.T) {
	echo := newUDPEcho(t)
	m := newTestManager(t, DefaultConfig(), directRouter{}, newMockReplyWriter(), nil)

	dst := echo.addr()
	frags := []*protocol.Packet{
		{AssocID: 1, PacketID: 42, FragTotal: 3, FragID: 2, Addr: protocol.NoneAddress(), Payload: []byte("C")},
		{AssocID: 1, PacketID: 42, FragTotal: 3, FragID: 0, Addr: dst, Payload: []byte("A")},
		{AssocID: 1, PacketID: 42, FragTotal: 3, FragID: 2, Addr: protocol.NoneAddress(), Payload: []byte("C")},
		{AssocID: 1, PacketID: 42, FragTotal: 3, FragID: 1, Addr: protocol.NoneAddress(), Payload: []byte("B")},
	}
	for _, f := range frags {
		if err := m.HandlePacket(f, ModeStream); err != nil {
			t.Fatalf("HandlePacket() error = %v", err)
		}
	}

	echo.expect(t, []byte("ABC"))
	echo.expectNothing(t, 200*time.Millisecond)

	if n := m.Session(1).pendingFragments(); n != 0 {
		t.Errorf("pendingFragments() = %d, want 0", n)
	}
}

func TestManagerFragmentMismatchIsNonFatal(t *testing.T) {
	echo := newUDPEcho(t)
	m := newTestManager(t, DefaultConfig(), directRouter{}, newMockReplyWriter(), nil)

	dst := echo.addr()
	if err := m.HandlePacket(&protocol.Packet{AssocID: 1, PacketID: 3, FragTotal: 2, FragID: 0, Addr: dst, Payload: []byte("x")}, ModeDatagram); err != nil {
		t.Fatalf("HandlePacket() error = %v", err)
	}
	err := m.HandlePacket(&protocol.Packet{AssocID: 1, PacketID: 3, FragTotal: 4, FragID: 1, Addr: protocol.NoneAddress(), Payload: []byte("y")}, ModeDatagram)
	if !errors.Is(err, protocol.ErrFragmentMismatch) {
		t.Fatalf("error = %v, want ErrFragmentMismatch", err)
	}
	if m.Session(1).pendingFragments() != 0 {
		t.Error("mismatched buffer should be discarded")
	}

	// The session keeps working.
	if err := m.HandlePacket(&protocol.Packet{AssocID: 1, PacketID: 4, FragTotal: 1, Addr: dst, Payload: []byte("ok")}, ModeDatagram); err != nil {
		t.Fatalf("HandlePacket() error = %v", err)
	}
	echo.expect(t, []byte("ok"))
}

func TestManagerRejectsInvalidFragmentFields(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), directRouter{}, newMockReplyWriter(), nil)

	tests := []struct {
		name  string
		total uint8
		id    uint8
	}{
		{"zero total", 0, 0},
		{"id equals total", 2, 2},
		{"id beyond total", 2, 5},
		{"too many fragments", 200, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.HandlePacket(&protocol.Packet{AssocID: 1, FragTotal: tt.total, FragID: tt.id, Addr: testDest}, ModeDatagram)
			if !errors.Is(err, protocol.ErrFragmentMismatch) {
				t.Errorf("error = %v, want ErrFragmentMismatch", err)
			}
		})
	}

	if m.Len() != 0 {
		t.Errorf("Len() = %d, invalid packets should not create sessions", m.Len())
	}
}

func TestManagerSessionLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 2
	m := newTestManager(t, cfg, directRouter{}, newMockReplyWriter(), nil)

	for id := uint16(1); id <= 2; id++ {
		if err := m.HandlePacket(&protocol.Packet{AssocID: id, FragTotal: 1, Addr: testDest}, ModeDatagram); err != nil {
			t.Fatalf("HandlePacket(%d) error = %v", id, err)
		}
	}

	err := m.HandlePacket(&protocol.Packet{AssocID: 3, FragTotal: 1, Addr: testDest}, ModeDatagram)
	if !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("error = %v, want ErrSessionLimit", err)
	}

	// Existing sessions are unaffected.
	if err := m.HandlePacket(&protocol.Packet{AssocID: 1, FragTotal: 1, Addr: testDest}, ModeDatagram); err != nil {
		t.Errorf("existing session rejected: %v", err)
	}

	m.Dissociate(2)
	if err := m.HandlePacket(&protocol.Packet{AssocID: 3, FragTotal: 1, Addr: testDest}, ModeDatagram); err != nil {
		t.Errorf("HandlePacket after Dissociate error = %v", err)
	}
}

func TestManagerReassemblyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReassemblyBytes = 8
	m := newTestManager(t, cfg, directRouter{}, newMockReplyWriter(), nil)

	if err := m.HandlePacket(&protocol.Packet{AssocID: 1, PacketID: 1, FragTotal: 2, Addr: testDest, Payload: []byte("12345")}, ModeDatagram); err != nil {
		t.Fatalf("HandlePacket() error = %v", err)
	}
	err := m.HandlePacket(&protocol.Packet{AssocID: 1, PacketID: 2, FragTotal: 2, Addr: testDest, Payload: []byte("67890")}, ModeDatagram)
	if !errors.Is(err, ErrReassemblyLimit) {
		t.Fatalf("error = %v, want ErrReassemblyLimit", err)
	}
	if n := m.Session(1).pendingFragments(); n != 1 {
		t.Errorf("pendingFragments() = %d, want 1", n)
	}
}

func TestManagerQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendQueue = 1
	router := gatedRouter{release: make(chan struct{})}
	m := newTestManager(t, cfg, router, newMockReplyWriter(), nil)

	send := func() error {
		return m.HandlePacket(&protocol.Packet{AssocID: 1, FragTotal: 1, Addr: testDest, Payload: []byte("x")}, ModeDatagram)
	}

	// The first datagram is taken by the blocked send goroutine, the second
	// fills the queue.
	if err := send(); err != nil {
		t.Fatalf("first send error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(m.Session(1).sendq) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("send goroutine never dequeued")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := send(); err != nil {
		t.Fatalf("second send error = %v", err)
	}
	if err := send(); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third send error = %v, want ErrQueueFull", err)
	}
	close(router.release)
}

func TestManagerReplyFragmentation(t *testing.T) {
	echo := newUDPEcho(t)
	w := newMockReplyWriter()
	cfg := DefaultConfig()
	cfg.MaxPacketSize = 64
	m := newTestManager(t, cfg, directRouter{}, w, nil)

	payload := bytes.Repeat([]byte("0123456789"), 20)
	// Split the request too so it fits the same budget.
	reqs, err := protocol.SplitPacket(9, 100, echo.addr(), payload, cfg.MaxPacketSize)
	if err != nil {
		t.Fatalf("SplitPacket() error = %v", err)
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		if err := m.HandlePacket(reqs[i], ModeStream); err != nil {
			t.Fatalf("HandlePacket() error = %v", err)
		}
	}
	echo.expect(t, payload)

	// Count how many reply fragments to expect.
	want, _ := protocol.SplitPacket(9, 0, echo.addr(), payload, cfg.MaxPacketSize)
	sent := w.waitFor(t, len(want))

	var assembled []byte
	for i, sp := range sent {
		if sp.mode != ModeStream {
			t.Errorf("fragment %d mode = %v, want uni_stream", i, sp.mode)
		}
		if sp.pkt.FragID != uint8(i) || int(sp.pkt.FragTotal) != len(want) {
			t.Errorf("fragment %d header = %d/%d", i, sp.pkt.FragID, sp.pkt.FragTotal)
		}
		if sp.pkt.PacketID != sent[0].pkt.PacketID {
			t.Errorf("fragment %d packet id = %d, want %d", i, sp.pkt.PacketID, sent[0].pkt.PacketID)
		}
		if i == 0 && sp.pkt.Addr != echo.addr() {
			t.Errorf("first fragment addr = %v, want %v", sp.pkt.Addr, echo.addr())
		}
		if i > 0 && !sp.pkt.Addr.IsNone() {
			t.Errorf("fragment %d addr = %v, want None", i, sp.pkt.Addr)
		}
		enc, err := protocol.Encode(&sp.pkt)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if len(enc) > cfg.MaxPacketSize {
			t.Errorf("fragment %d encodes to %d bytes, limit %d", i, len(enc), cfg.MaxPacketSize)
		}
		assembled = append(assembled, sp.pkt.Payload...)
	}
	if !bytes.Equal(assembled, payload) {
		t.Error("reassembled reply differs from echoed payload")
	}
}

func TestManagerIdleSweepCreatesFreshSession(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	m := newTestManager(t, cfg, directRouter{}, newMockReplyWriter(), clock)

	pkt := &protocol.Packet{AssocID: 7, FragTotal: 1, Addr: testDest}
	if err := m.HandlePacket(pkt, ModeDatagram); err != nil {
		t.Fatalf("HandlePacket() error = %v", err)
	}
	first := m.Session(7)
	created := first.CreatedAt()

	clock.Advance(cfg.SessionTimeout / 2)
	m.sweep(clock.Now())
	if m.Session(7) != first {
		t.Fatal("session swept before idle timeout")
	}

	clock.Advance(cfg.SessionTimeout + time.Second)
	m.sweep(clock.Now())
	if m.Session(7) != nil {
		t.Fatal("idle session not swept")
	}
	if !first.isClosed() {
		t.Error("swept session not closed")
	}

	if err := m.HandlePacket(pkt, ModeDatagram); err != nil {
		t.Fatalf("HandlePacket() after sweep error = %v", err)
	}
	second := m.Session(7)
	if second == first {
		t.Fatal("expected a fresh session")
	}
	if !second.CreatedAt().After(created) {
		t.Errorf("fresh session CreatedAt %v not after %v", second.CreatedAt(), created)
	}
}

func TestManagerSweepExpiresFragments(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	m := newTestManager(t, cfg, directRouter{}, newMockReplyWriter(), clock)

	if err := m.HandlePacket(&protocol.Packet{AssocID: 1, PacketID: 1, FragTotal: 2, Addr: testDest, Payload: []byte("a")}, ModeDatagram); err != nil {
		t.Fatalf("HandlePacket() error = %v", err)
	}

	clock.Advance(cfg.ReassemblyTimeout + time.Second)
	// keep the session itself alive
	m.Session(1).touch(clock.Now())
	m.sweep(clock.Now())

	s := m.Session(1)
	if s == nil {
		t.Fatal("session should survive fragment expiry")
	}
	if s.pendingFragments() != 0 {
		t.Errorf("pendingFragments() = %d, want 0", s.pendingFragments())
	}
}

func TestManagerDissociate(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), directRouter{}, newMockReplyWriter(), nil)

	if m.Dissociate(1) {
		t.Error("Dissociate of unknown id should report false")
	}
	if err := m.HandlePacket(&protocol.Packet{AssocID: 1, FragTotal: 1, Addr: testDest}, ModeDatagram); err != nil {
		t.Fatalf("HandlePacket() error = %v", err)
	}
	s := m.Session(1)
	if !m.Dissociate(1) {
		t.Error("Dissociate of live id should report true")
	}
	if !s.isClosed() {
		t.Error("dissociated session not closed")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

func TestManagerDissociateDropsPendingFragments(t *testing.T) {
	mt := testMetrics()
	m := newManager(1, DefaultConfig(), directRouter{}, newMockReplyWriter(), mt, logging.NopLogger(), time.Now)
	t.Cleanup(func() { m.Close() })

	for _, id := range []uint16{1, 2} {
		pkt := &protocol.Packet{AssocID: 1, PacketID: id, FragTotal: 2, Addr: testDest, Payload: []byte("half")}
		if err := m.HandlePacket(pkt, ModeDatagram); err != nil {
			t.Fatalf("HandlePacket() error = %v", err)
		}
	}
	if !m.Dissociate(1) {
		t.Fatal("Dissociate(1) = false")
	}
	if got := testutil.ToFloat64(mt.FragmentsDropped.WithLabelValues("session_closed")); got != 2 {
		t.Errorf("dropped session_closed = %v, want 2", got)
	}
}

func TestManagerClose(t *testing.T) {
	m := newManager(1, DefaultConfig(), directRouter{}, newMockReplyWriter(), testMetrics(), logging.NopLogger(), time.Now)

	var sessions []*Session
	for id := uint16(1); id <= 3; id++ {
		if err := m.HandlePacket(&protocol.Packet{AssocID: id, FragTotal: 1, Addr: testDest}, ModeDatagram); err != nil {
			t.Fatalf("HandlePacket() error = %v", err)
		}
		sessions = append(sessions, m.Session(id))
	}

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	for _, s := range sessions {
		if !s.isClosed() {
			t.Errorf("session %d still open after Close", s.AssocID())
		}
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}

	err := m.HandlePacket(&protocol.Packet{AssocID: 1, FragTotal: 1, Addr: testDest}, ModeDatagram)
	if !errors.Is(err, ErrManagerClosed) {
		t.Errorf("HandlePacket after Close error = %v, want ErrManagerClosed", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestManagerReplyModeFollowsLastPacket(t *testing.T) {
	echo := newUDPEcho(t)
	w := newMockReplyWriter()
	m := newTestManager(t, DefaultConfig(), directRouter{}, w, nil)

	pkt := &protocol.Packet{AssocID: 2, FragTotal: 1, Addr: echo.addr(), Payload: []byte("1")}
	m.HandlePacket(pkt, ModeDatagram)
	echo.expect(t, []byte("1"))
	w.waitFor(t, 1)

	pkt.Payload = []byte("2")
	m.HandlePacket(pkt, ModeStream)
	echo.expect(t, []byte("2"))
	sent := w.waitFor(t, 2)

	if sent[0].mode != ModeDatagram || sent[1].mode != ModeStream {
		t.Errorf("reply modes = %v, %v; want datagram, uni_stream", sent[0].mode, sent[1].mode)
	}
	if sent[0].pkt.PacketID == sent[1].pkt.PacketID {
		t.Error("consecutive replies reused a packet id")
	}
}
