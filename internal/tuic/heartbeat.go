package tuic

import (
	"time"
)

// HeartbeatConfig controls the liveness monitor.
type HeartbeatConfig struct {
	// Interval is how long the peer may stay silent before it is probed.
	Interval time.Duration

	// Timeout is the extra grace after the probe before the connection is
	// closed.
	Timeout time.Duration

	// Echo answers every received Heartbeat with one of our own.
	Echo bool
}

// heartbeatAction is what the monitor wants done after a check.
type heartbeatAction int

const (
	heartbeatNone heartbeatAction = iota
	heartbeatProbe
	heartbeatExpired
)

// Monitor tracks the last activity of a connection. It is owned by the
// connection's dispatch loop and is not safe for concurrent use.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	lastSeen time.Time
	probed   bool
}

// NewMonitor creates a monitor whose idle clock starts at now.
func NewMonitor(cfg HeartbeatConfig, now time.Time) *Monitor {
	return &Monitor{
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		lastSeen: now,
	}
}

// Touch records activity and re-arms the probe.
func (m *Monitor) Touch(now time.Time) {
	if now.After(m.lastSeen) {
		m.lastSeen = now
	}
	m.probed = false
}

// lastActivity returns the time of the last recorded activity.
func (m *Monitor) lastActivity() time.Time {
	return m.lastSeen
}

// TickInterval is the period at which check should be called.
func (m *Monitor) TickInterval() time.Duration {
	d := m.interval / 2
	if d <= 0 {
		d = time.Second
	}
	return d
}

// check reports whether the peer should be probed or given up on. A probe
// is requested once per idle period.
func (m *Monitor) check(now time.Time) heartbeatAction {
	idle := now.Sub(m.lastSeen)
	switch {
	case idle > m.interval+m.timeout:
		return heartbeatExpired
	case idle > m.interval && !m.probed:
		m.probed = true
		return heartbeatProbe
	default:
		return heartbeatNone
	}
}
