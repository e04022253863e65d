package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Version is the only protocol version this codec speaks.
const Version = 0x05

// TokenSize is the length of the Authenticate token.
const TokenSize = 32

// MaxFragments is the largest FRAG_TOTAL accepted or produced.
const MaxFragments = 128

var (
	// ErrUnknownCommand is returned for an unrecognised CMD byte.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrBadVersion is returned when VER is not 0x05.
	ErrBadVersion = errors.New("unsupported protocol version")

	// ErrTruncated is returned when a declared length exceeds the bytes available.
	ErrTruncated = errors.New("command truncated")

	// ErrTrailingData is returned when a datagram holds more than one command.
	ErrTrailingData = errors.New("trailing data after command")

	// ErrAddressMalformed is returned for an invalid ADDR type or domain length.
	ErrAddressMalformed = errors.New("malformed address")

	// ErrFragmentMismatch is returned when fragment fields are inconsistent.
	ErrFragmentMismatch = errors.New("fragment mismatch")

	// ErrPayloadTooLarge is returned when a payload cannot be encoded.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// IsProtocolError reports whether err was produced by malformed input.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrBadVersion) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrTrailingData) ||
		errors.Is(err, ErrAddressMalformed) ||
		errors.Is(err, ErrFragmentMismatch)
}

// CommandType is the CMD byte.
type CommandType uint8

// Command types.
const (
	CmdAuthenticate CommandType = 0x00
	CmdConnect      CommandType = 0x01
	CmdPacket       CommandType = 0x02
	CmdDissociate   CommandType = 0x03
	CmdHeartbeat    CommandType = 0x04
)

// String returns the command name.
func (t CommandType) String() string {
	switch t {
	case CmdAuthenticate:
		return "authenticate"
	case CmdConnect:
		return "connect"
	case CmdPacket:
		return "packet"
	case CmdDissociate:
		return "dissociate"
	case CmdHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// IsRelay reports whether the command requires an authenticated connection.
func (t CommandType) IsRelay() bool {
	return t == CmdConnect || t == CmdPacket || t == CmdDissociate
}

// Command is one decoded command. The concrete type is one of *Authenticate,
// *Connect, *Packet, *Dissociate or *Heartbeat.
type Command interface {
	Type() CommandType
	command()
}

// Authenticate presents a credential for the connection.
type Authenticate struct {
	UUID  uuid.UUID
	Token [TokenSize]byte
}

// Connect opens a TCP relay on the bidirectional stream carrying it.
type Connect struct {
	Addr Address
}

// Packet carries one fragment of a UDP datagram.
type Packet struct {
	AssocID   uint16
	PacketID  uint16
	FragTotal uint8
	FragID    uint8
	Addr      Address
	Payload   []byte
}

// Dissociate tears down a UDP session.
type Dissociate struct {
	AssocID uint16
}

// Heartbeat is a liveness probe.
type Heartbeat struct{}

func (*Authenticate) Type() CommandType { return CmdAuthenticate }
func (*Connect) Type() CommandType      { return CmdConnect }
func (*Packet) Type() CommandType       { return CmdPacket }
func (*Dissociate) Type() CommandType   { return CmdDissociate }
func (*Heartbeat) Type() CommandType    { return CmdHeartbeat }

func (*Authenticate) command() {}
func (*Connect) command()      {}
func (*Packet) command()       {}
func (*Dissociate) command()   {}
func (*Heartbeat) command()    {}

// packetOverhead is VER, CMD and the fixed Packet fields.
const packetOverhead = 2 + 2 + 2 + 1 + 1 + 2

// SplitPacket fragments payload into Packet commands whose encoded size does
// not exceed maxSize. The first fragment carries addr, the rest carry None.
func SplitPacket(assocID, packetID uint16, addr Address, payload []byte, maxSize int) ([]*Packet, error) {
	capacity := maxSize - packetOverhead - addr.EncodedLen()
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: packet size %d leaves no room for payload", ErrPayloadTooLarge, maxSize)
	}

	total := (len(payload) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}
	if total > MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes needs %d fragments", ErrPayloadTooLarge, len(payload), total)
	}

	pkts := make([]*Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := min(start+capacity, len(payload))
		a := addr
		if i > 0 {
			a = NoneAddress()
		}
		pkts = append(pkts, &Packet{
			AssocID:   assocID,
			PacketID:  packetID,
			FragTotal: uint8(total),
			FragID:    uint8(i),
			Addr:      a,
			Payload:   payload[start:end],
		})
	}
	return pkts, nil
}
