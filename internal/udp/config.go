package udp

import "time"

// Config holds configuration for a connection's UDP sessions.
type Config struct {
	// SessionTimeout is how long a session may stay idle before the sweep
	// destroys it.
	SessionTimeout time.Duration

	// ReassemblyTimeout bounds how long an incomplete fragment buffer is kept.
	ReassemblyTimeout time.Duration

	// MaxSessions limits concurrent sessions per connection. 0 means unlimited.
	MaxSessions int

	// MaxReassemblyBytes limits buffered fragment bytes per session.
	// 0 means unlimited.
	MaxReassemblyBytes int

	// MaxPacketSize is the largest encoded Packet command sent to the client.
	MaxPacketSize int

	// SendQueue is the number of outbound datagrams buffered per session.
	// Datagrams arriving while the queue is full are dropped.
	SendQueue int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:     30 * time.Second,
		ReassemblyTimeout:  10 * time.Second,
		MaxSessions:        512,
		MaxReassemblyBytes: 1 << 20,
		MaxPacketSize:      1200,
		SendQueue:          256,
	}
}

// withDefaults fills zero durations and sizes from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.ReassemblyTimeout <= 0 {
		c.ReassemblyTimeout = d.ReassemblyTimeout
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = d.MaxPacketSize
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	return c
}

// sweepInterval returns half the shorter of the two timeouts.
func (c Config) sweepInterval() time.Duration {
	return min(c.SessionTimeout, c.ReassemblyTimeout) / 2
}
