// Package trojan implements a Trojan protocol server over TLS. Clients that
// fail authentication or send a malformed request are handed to a fallback
// web server so the listener looks like an ordinary HTTPS site.
package trojan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"

	"golang.org/x/crypto/cryptobyte"

	"github.com/iwayproxy/iway/internal/auth"
	"github.com/iwayproxy/iway/internal/protocol"
)

// Command is the request CMD byte.
type Command uint8

// Request commands.
const (
	CmdConnect      Command = 0x01
	CmdUDPAssociate Command = 0x03
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "connect"
	case CmdUDPAssociate:
		return "udp_associate"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(c))
	}
}

// Address types on the wire. They follow SOCKS5, not TUIC.
const (
	addrIPv4   = 0x01
	addrDomain = 0x03
	addrIPv6   = 0x04
)

var (
	// ErrBadRequest is returned for a request that is not Trojan.
	ErrBadRequest = errors.New("malformed trojan request")

	// ErrUnknownCommand is returned for an unsupported CMD byte.
	ErrUnknownCommand = errors.New("unknown trojan command")
)

var crlf = [2]byte{'\r', '\n'}

// Request is the command line that follows the password hash.
type Request struct {
	Command Command
	Addr    protocol.Address
}

// ReadAuth reads the hex password hash and its CRLF terminator.
func ReadAuth(r io.Reader) ([]byte, error) {
	buf := make([]byte, auth.TrojanHashSize+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, shortRead(err, "password hash")
	}
	if [2]byte(buf[auth.TrojanHashSize:]) != crlf {
		return nil, fmt.Errorf("%w: missing CRLF after hash", ErrBadRequest)
	}
	return buf[:auth.TrojanHashSize], nil
}

// ReadRequest reads CMD, ADDR and the trailing CRLF.
func ReadRequest(r io.Reader) (*Request, error) {
	var cmd [1]byte
	if _, err := io.ReadFull(r, cmd[:]); err != nil {
		return nil, shortRead(err, "command")
	}

	req := &Request{Command: Command(cmd[0])}
	switch req.Command {
	case CmdConnect, CmdUDPAssociate:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Command)
	}

	addr, err := ReadAddress(r)
	if err != nil {
		return nil, err
	}
	req.Addr = addr

	var end [2]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return nil, shortRead(err, "request terminator")
	}
	if end != crlf {
		return nil, fmt.Errorf("%w: missing CRLF after request", ErrBadRequest)
	}
	return req, nil
}

// ReadAddress reads a SOCKS5 style address.
func ReadAddress(r io.Reader) (protocol.Address, error) {
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return protocol.Address{}, shortRead(err, "address type")
	}

	switch typ[0] {
	case addrIPv4:
		var buf [4 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return protocol.Address{}, shortRead(err, "ipv4 address")
		}
		ip := netip.AddrFrom4([4]byte(buf[:4]))
		return protocol.AddressFromAddrPort(netip.AddrPortFrom(ip, binary.BigEndian.Uint16(buf[4:]))), nil

	case addrIPv6:
		var buf [16 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return protocol.Address{}, shortRead(err, "ipv6 address")
		}
		ip := netip.AddrFrom16([16]byte(buf[:16]))
		return protocol.Address{Type: protocol.AddrIPv6, IP: ip, Port: binary.BigEndian.Uint16(buf[16:])}, nil

	case addrDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return protocol.Address{}, shortRead(err, "domain length")
		}
		if n[0] == 0 {
			return protocol.Address{}, fmt.Errorf("%w: empty domain", ErrBadRequest)
		}
		buf := make([]byte, int(n[0])+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return protocol.Address{}, shortRead(err, "domain")
		}
		return protocol.DomainAddress(string(buf[:n[0]]), binary.BigEndian.Uint16(buf[n[0]:])), nil

	default:
		return protocol.Address{}, fmt.Errorf("%w: address type 0x%02x", ErrBadRequest, typ[0])
	}
}

// Frame is one UDP datagram carried on the TLS stream.
type Frame struct {
	Addr    protocol.Address
	Payload []byte
}

// ReadFrame reads one UDP frame: ADDR LEN CRLF PAYLOAD.
func ReadFrame(r io.Reader) (*Frame, error) {
	addr, err := ReadAddress(r)
	if err != nil {
		return nil, err
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, shortRead(err, "frame length")
	}
	if [2]byte(hdr[2:]) != crlf {
		return nil, fmt.Errorf("%w: missing CRLF in frame", ErrBadRequest)
	}

	payload := make([]byte, binary.BigEndian.Uint16(hdr[:2]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, shortRead(err, "frame payload")
	}
	return &Frame{Addr: addr, Payload: payload}, nil
}

// AppendRequest appends a complete client request: hash, CRLF, CMD, ADDR,
// CRLF.
func AppendRequest(dst, hash []byte, req *Request) ([]byte, error) {
	if len(hash) != auth.TrojanHashSize {
		return nil, fmt.Errorf("%w: hash is %d bytes", ErrBadRequest, len(hash))
	}
	b := cryptobyte.NewBuilder(dst)
	b.AddBytes(hash)
	b.AddBytes(crlf[:])
	b.AddUint8(uint8(req.Command))
	addAddress(b, req.Addr)
	b.AddBytes(crlf[:])
	return b.Bytes()
}

// AppendFrame appends a UDP frame.
func AppendFrame(dst []byte, addr protocol.Address, payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d byte frame", protocol.ErrPayloadTooLarge, len(payload))
	}
	b := cryptobyte.NewBuilder(dst)
	addAddress(b, addr)
	b.AddUint16(uint16(len(payload)))
	b.AddBytes(crlf[:])
	b.AddBytes(payload)
	return b.Bytes()
}

func addAddress(b *cryptobyte.Builder, a protocol.Address) {
	switch a.Type {
	case protocol.AddrIPv4:
		ip := a.IP.As4()
		b.AddUint8(addrIPv4)
		b.AddBytes(ip[:])
	case protocol.AddrIPv6:
		ip := a.IP.As16()
		b.AddUint8(addrIPv6)
		b.AddBytes(ip[:])
	case protocol.AddrDomain:
		if len(a.Host) == 0 || len(a.Host) > protocol.MaxDomainLength {
			b.SetError(fmt.Errorf("%w: domain length %d", ErrBadRequest, len(a.Host)))
			return
		}
		b.AddUint8(addrDomain)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(a.Host))
		})
	default:
		b.SetError(fmt.Errorf("%w: cannot encode %s address", ErrBadRequest, a.Type))
		return
	}
	b.AddUint16(a.Port)
}

// shortRead maps a truncated read onto ErrBadRequest. A clean EOF before the
// first byte is passed through as io.EOF.
func shortRead(err error, what string) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrBadRequest, what)
	}
	return err
}
