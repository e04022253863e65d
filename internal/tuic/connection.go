package tuic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iwayproxy/iway/internal/logging"
	"github.com/iwayproxy/iway/internal/metrics"
	"github.com/iwayproxy/iway/internal/protocol"
	"github.com/iwayproxy/iway/internal/recovery"
	"github.com/iwayproxy/iway/internal/relay"
	"github.com/iwayproxy/iway/internal/transport"
	"github.com/iwayproxy/iway/internal/udp"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// channel identifies where a command arrived.
type channel uint8

const (
	channelBidi channel = iota
	channelUni
	channelDatagram
)

func (ch channel) String() string {
	switch ch {
	case channelBidi:
		return "bidi"
	case channelUni:
		return "uni"
	case channelDatagram:
		return "datagram"
	default:
		return "unknown"
	}
}

// inbound is one decoded command, or a read failure, handed from a reader
// goroutine to the dispatch loop.
type inbound struct {
	cmd     protocol.Command
	channel channel
	stream  transport.Stream // bidi streams only
	err     error
}

// Connection serves one accepted QUIC connection. Reader goroutines decode
// commands from the three channels and feed a single dispatch loop, which
// owns the connection state.
type Connection struct {
	id     uint64
	conn   transport.Conn
	config Config

	auth    Authenticator
	router  Router
	dialer  Dialer
	metrics *metrics.Metrics
	logger  *slog.Logger

	// State
	state    atomic.Int32
	userMu   sync.RWMutex
	user     uuid.UUID
	sessions *udp.Manager
	relays   atomic.Int32

	// Owned by the dispatch loop
	events  chan inbound
	pending []inbound
	monitor *Monitor

	createdAt time.Time
	now       func() time.Time

	// Lifecycle
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// newConnection wraps conn. The connection does nothing until Run.
func newConnection(parent context.Context, id uint64, conn transport.Conn, cfg Config, deps Deps) *Connection {
	ctx, cancel := context.WithCancelCause(parent)
	m := deps.Metrics
	if m == nil {
		m = metrics.Default()
	}
	logger := logging.Component(deps.Logger, "tuic").With(
		logging.KeyConnID, id,
		logging.KeyRemoteAddr, conn.RemoteAddr().String())

	now := time.Now()
	c := &Connection{
		id:        id,
		conn:      conn,
		config:    cfg.withDefaults(),
		auth:      deps.Auth,
		router:    deps.Router,
		dialer:    deps.Dialer,
		metrics:   m,
		logger:    logger,
		events:    make(chan inbound, maxPending),
		createdAt: now,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.monitor = NewMonitor(c.config.Heartbeat, now)
	c.sessions = udp.NewManager(id, c.config.UDP, deps.Router, c, m, deps.Logger)
	return c
}

// ID returns the connection id.
func (c *Connection) ID() uint64 {
	return c.id
}

// State returns the current state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("state changed",
			"from", old.String(),
			"to", s.String())
	}
}

// User returns the authenticated user, if any.
func (c *Connection) User() (uuid.UUID, bool) {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.user, c.user != uuid.Nil
}

// RemoteAddr returns the client address.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// CreatedAt returns when the connection was accepted.
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// Sessions returns the connection's UDP session manager.
func (c *Connection) Sessions() *udp.Manager {
	return c.sessions
}

// ActiveRelays returns the number of running TCP relays.
func (c *Connection) ActiveRelays() int {
	return int(c.relays.Load())
}

// Done is closed once the connection reached StateClosed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close asks the connection to shut down and waits until it has.
func (c *Connection) Close() error {
	c.cancel(errShutdown)
	<-c.done
	return nil
}

// Run serves the connection until it closes and returns the close cause.
// A connection closed by Close returns nil.
func (c *Connection) Run() error {
	defer close(c.done)

	c.metrics.ConnectionOpened("tuic")
	c.logger.Debug("connection accepted")

	recovery.Go(&c.wg, c.logger, "tuic.accept_bidi", c.acceptBidi)
	recovery.Go(&c.wg, c.logger, "tuic.accept_uni", c.acceptUni)
	recovery.Go(&c.wg, c.logger, "tuic.datagrams", c.readDatagrams)

	reason := c.dispatch()
	c.shutdown(reason)

	if errors.Is(reason.err, errShutdown) {
		return nil
	}
	return reason.err
}

func (c *Connection) dispatch() closeReason {
	authTimer := time.NewTimer(c.config.AuthTimeout)
	defer authTimer.Stop()

	ticker := time.NewTicker(c.monitor.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return closeReason{code: CodeNormal, label: "shutdown", err: context.Cause(c.ctx)}

		case <-c.conn.Context().Done():
			return closeReason{code: CodeNormal, label: "remote", err: context.Cause(c.conn.Context())}

		case <-authTimer.C:
			if c.State() == StateUnauthenticated {
				return closeReason{code: CodeAuthTimeout, label: "auth_timeout", err: ErrAuthTimeout}
			}

		case <-ticker.C:
			if r, closing := c.tick(c.now()); closing {
				return r
			}

		case ev := <-c.events:
			if r, closing := c.handle(ev); closing {
				return r
			}
		}
	}
}

// tick runs the heartbeat check. Running relays count as activity.
func (c *Connection) tick(now time.Time) (closeReason, bool) {
	if c.relays.Load() > 0 {
		c.monitor.Touch(now)
	}

	switch c.monitor.check(now) {
	case heartbeatExpired:
		return closeReason{code: CodeIdleTimeout, label: "idle_timeout", err: ErrIdleTimeout}, true
	case heartbeatProbe:
		if err := c.sendHeartbeat(); err != nil {
			c.logger.Debug("heartbeat probe failed", logging.KeyError, err)
		}
	}
	return closeReason{}, false
}

func (c *Connection) sendHeartbeat() error {
	b, err := protocol.Encode(&protocol.Heartbeat{})
	if err != nil {
		return err
	}
	if err := c.conn.SendDatagram(b); err != nil {
		return err
	}
	c.metrics.RecordHeartbeatSent()
	return nil
}

func (c *Connection) handle(ev inbound) (closeReason, bool) {
	if ev.err != nil {
		c.logger.Warn("malformed command",
			"channel", ev.channel.String(),
			logging.KeyError, ev.err)
		return violation(ev.err), true
	}

	typ := ev.cmd.Type()
	c.metrics.RecordCommand(typ.String(), ev.channel.String())
	c.monitor.Touch(c.now())

	switch cmd := ev.cmd.(type) {
	case *protocol.Authenticate:
		return c.authenticate(cmd)
	case *protocol.Heartbeat:
		c.metrics.RecordHeartbeatReceived()
		if c.config.Heartbeat.Echo {
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Debug("heartbeat echo failed", logging.KeyError, err)
			}
		}
		return closeReason{}, false
	}

	if c.State() == StateUnauthenticated {
		if c.config.StrictAuth {
			resetStream(ev, CodeProtocolError)
			return violation(fmt.Errorf("%w: %s before authentication", ErrProtocolViolation, typ)), true
		}
		if len(c.pending) >= maxPending {
			resetStream(ev, CodeProtocolError)
			return violation(fmt.Errorf("%w: too many commands before authentication", ErrProtocolViolation)), true
		}
		c.pending = append(c.pending, ev)
		return closeReason{}, false
	}

	c.process(ev)
	return closeReason{}, false
}

func (c *Connection) authenticate(cmd *protocol.Authenticate) (closeReason, bool) {
	if c.State() != StateUnauthenticated {
		return violation(fmt.Errorf("%w: duplicate authenticate", ErrProtocolViolation)), true
	}

	err := c.auth.Authenticate(cmd.UUID, cmd.Token[:], c.conn)
	c.metrics.RecordAuth("tuic", err == nil)
	if err != nil {
		c.logger.Warn("authentication failed", logging.KeyUUID, cmd.UUID.String())
		return closeReason{code: CodeAuthFailed, label: "auth_failed", err: err}, true
	}

	c.userMu.Lock()
	c.user = cmd.UUID
	c.userMu.Unlock()
	c.setState(StateAuthenticated)
	c.logger.Info("client authenticated",
		logging.KeyUUID, cmd.UUID.String(),
		"pending", len(c.pending))

	pending := c.pending
	c.pending = nil
	for _, ev := range pending {
		c.process(ev)
	}
	return closeReason{}, false
}

// process executes a relay-class command on an authenticated connection.
func (c *Connection) process(ev inbound) {
	switch cmd := ev.cmd.(type) {
	case *protocol.Connect:
		c.startRelay(cmd.Addr, ev.stream)

	case *protocol.Packet:
		mode := udp.ModeStream
		if ev.channel == channelDatagram {
			mode = udp.ModeDatagram
		}
		if err := c.sessions.HandlePacket(cmd, mode); err != nil && !errors.Is(err, udp.ErrManagerClosed) {
			c.logger.Debug("packet dropped",
				logging.KeyAssocID, cmd.AssocID,
				logging.KeyPacketID, cmd.PacketID,
				logging.KeyError, err)
		}

	case *protocol.Dissociate:
		if c.sessions.Dissociate(cmd.AssocID) {
			c.logger.Debug("udp session dissociated", logging.KeyAssocID, cmd.AssocID)
		}
	}
}

func (c *Connection) startRelay(addr protocol.Address, stream transport.Stream) {
	c.relays.Add(1)
	recovery.Go(&c.wg, c.logger, "tuic.relay", func() {
		defer c.relays.Add(-1)
		c.relay(addr, stream)
	})
}

// relay dials the Connect destination and pumps bytes until either side
// finishes. A destination that cannot be reached resets the stream.
func (c *Connection) relay(addr protocol.Address, stream transport.Stream) {
	logger := c.logger.With(
		logging.KeyStreamID, stream.StreamID(),
		logging.KeyDestination, addr.String())

	dst, err := c.router.Route(c.ctx, addr)
	if err != nil {
		logger.Debug("connect destination unroutable", logging.KeyError, err)
		stream.Reset(StreamCodeConnectFailed)
		return
	}

	remote, err := c.dialer.Dial(c.ctx, dst)
	if err != nil {
		logger.Debug("connect failed",
			logging.KeyAddress, dst.String(),
			"kind", relay.DialErrorKind(err),
			logging.KeyError, err)
		stream.Reset(StreamCodeConnectFailed)
		return
	}

	c.dialer.Relay(c.ctx, "tuic", stream, remote, logger)
}

// SendPacket writes a reply packet on the given channel. It implements
// udp.ReplyWriter.
func (c *Connection) SendPacket(mode udp.Mode, pkt *protocol.Packet) error {
	b, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	if mode == udp.ModeDatagram {
		return c.conn.SendDatagram(b)
	}

	s, err := c.conn.OpenUniStream(c.ctx)
	if err != nil {
		return err
	}
	if _, err := s.Write(b); err != nil {
		s.CancelWrite(CodeNormal)
		return err
	}
	return s.Close()
}

// shutdown tears the connection down. Closing the QUIC connection first
// unblocks every stream read and write, so no task outlives it.
func (c *Connection) shutdown(reason closeReason) {
	c.setState(StateClosing)
	c.cancel(reason.err)
	c.conn.CloseWithError(reason.code, reason.message())

	for _, ev := range c.pending {
		resetStream(ev, reason.code)
	}
	c.pending = nil

	c.sessions.Close()
	c.wg.Wait()
	c.setState(StateClosed)

	c.metrics.ConnectionClosed("tuic", reason.label)

	attrs := []any{
		"reason", reason.label,
		logging.KeyDuration, time.Since(c.createdAt).Round(time.Millisecond),
	}
	switch reason.code {
	case CodeNormal:
		c.logger.Debug("connection closed", attrs...)
	default:
		attrs = append(attrs, "code", CodeName(reason.code), logging.KeyError, reason.err)
		c.logger.Info("connection closed", attrs...)
	}
}

func resetStream(ev inbound, code uint64) {
	if ev.stream != nil {
		ev.stream.Reset(code)
	}
}

// post hands an event to the dispatch loop. It returns false once the
// connection is shutting down.
func (c *Connection) post(ev inbound) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		resetStream(ev, CodeNormal)
		return false
	}
}

func (c *Connection) acceptBidi() {
	for {
		stream, err := c.conn.AcceptStream(c.ctx)
		if err != nil {
			c.readerDone("bidi", err)
			return
		}
		recovery.Go(&c.wg, c.logger, "tuic.bidi", func() { c.readBidi(stream) })
	}
}

// readBidi reads the Connect header of a bidirectional stream. The rest of
// the stream is relayed.
func (c *Connection) readBidi(stream transport.Stream) {
	cmd, err := protocol.ReadCommand(stream)
	if err != nil {
		if !protocol.IsProtocolError(err) {
			c.streamFailed("bidi", stream.StreamID(), err)
			stream.Reset(CodeNormal)
			return
		}
		stream.Reset(CodeProtocolError)
		c.post(inbound{channel: channelBidi, err: err})
		return
	}
	if _, ok := cmd.(*protocol.Connect); !ok {
		stream.Reset(CodeProtocolError)
		c.post(inbound{channel: channelBidi, err: fmt.Errorf("%w: %s on bidirectional stream", ErrProtocolViolation, cmd.Type())})
		return
	}
	c.post(inbound{cmd: cmd, channel: channelBidi, stream: stream})
}

func (c *Connection) acceptUni() {
	for {
		stream, err := c.conn.AcceptUniStream(c.ctx)
		if err != nil {
			c.readerDone("uni", err)
			return
		}
		recovery.Go(&c.wg, c.logger, "tuic.uni", func() { c.readUni(stream) })
	}
}

// readUni reads the single command a unidirectional stream carries.
func (c *Connection) readUni(stream transport.ReceiveStream) {
	cmd, err := protocol.ReadCommand(stream)
	stream.CancelRead(CodeNormal)
	if err != nil {
		if !protocol.IsProtocolError(err) {
			c.streamFailed("uni", stream.StreamID(), err)
			return
		}
		c.post(inbound{channel: channelUni, err: err})
		return
	}
	if cmd.Type() == protocol.CmdConnect {
		c.post(inbound{channel: channelUni, err: fmt.Errorf("%w: connect on unidirectional stream", ErrProtocolViolation)})
		return
	}
	c.post(inbound{cmd: cmd, channel: channelUni})
}

func (c *Connection) readDatagrams() {
	for {
		b, err := c.conn.ReceiveDatagram(c.ctx)
		if err != nil {
			c.readerDone("datagram", err)
			return
		}

		cmd, err := protocol.DecodeDatagram(b)
		if err == nil {
			switch cmd.Type() {
			case protocol.CmdPacket, protocol.CmdHeartbeat:
			default:
				err = fmt.Errorf("%w: %s in datagram", ErrProtocolViolation, cmd.Type())
			}
		}
		if err != nil {
			c.post(inbound{channel: channelDatagram, err: err})
			return
		}
		if !c.post(inbound{cmd: cmd, channel: channelDatagram}) {
			return
		}
	}
}

func (c *Connection) readerDone(ch string, err error) {
	if c.ctx.Err() != nil || c.conn.Context().Err() != nil {
		return
	}
	c.logger.Debug("reader stopped",
		"channel", ch,
		logging.KeyError, err)
}

// streamFailed logs a stream that ended without a complete command for a
// reason other than malformed input, such as a peer reset.
func (c *Connection) streamFailed(ch string, id uint64, err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.logger.Debug("stream dropped",
		"channel", ch,
		logging.KeyStreamID, id,
		logging.KeyError, err)
}
