package udp

import (
	"time"

	"github.com/iwayproxy/iway/internal/protocol"
)

// FragmentBuffer collects the fragments of one packet id.
type FragmentBuffer struct {
	total     uint8
	received  int
	slots     [][]byte
	size      int
	addr      protocol.Address
	createdAt time.Time
}

func newFragmentBuffer(total uint8, now time.Time) *FragmentBuffer {
	return &FragmentBuffer{
		total:     total,
		slots:     make([][]byte, total),
		addr:      protocol.NoneAddress(),
		createdAt: now,
	}
}

// add stores a copy of payload at id and returns the change in buffered
// bytes. A duplicate id overwrites the earlier payload. The first non-None
// address becomes the destination; callers reject conflicting ones.
func (b *FragmentBuffer) add(id uint8, addr protocol.Address, payload []byte) int {
	data := append([]byte{}, payload...)

	delta := len(data)
	if old := b.slots[id]; old != nil {
		delta -= len(old)
	} else {
		b.received++
	}
	b.slots[id] = data
	b.size += delta

	if b.addr.IsNone() {
		b.addr = addr
	}
	return delta
}

func (b *FragmentBuffer) complete() bool {
	return b.received == int(b.total)
}

// assemble concatenates the fragments in id order.
func (b *FragmentBuffer) assemble() []byte {
	out := make([]byte, 0, b.size)
	for _, s := range b.slots {
		out = append(out, s...)
	}
	return out
}

func (b *FragmentBuffer) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(b.createdAt) > ttl
}
