package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"

	"golang.org/x/crypto/cryptobyte"
)

// ReadCommand decodes one command from a stream. It returns io.EOF when the
// stream ends cleanly before the first byte of a command.
func ReadCommand(r io.Reader) (Command, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, truncated(err, "header")
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadVersion, hdr[0])
	}

	switch t := CommandType(hdr[1]); t {
	case CmdAuthenticate:
		var buf [16 + TokenSize]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, truncated(err, "authenticate")
		}
		c := &Authenticate{}
		copy(c.UUID[:], buf[:16])
		copy(c.Token[:], buf[16:])
		return c, nil

	case CmdConnect:
		addr, err := readAddress(r)
		if err != nil {
			return nil, err
		}
		return &Connect{Addr: addr}, nil

	case CmdPacket:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, truncated(err, "packet header")
		}
		c := &Packet{
			AssocID:   binary.BigEndian.Uint16(buf[0:2]),
			PacketID:  binary.BigEndian.Uint16(buf[2:4]),
			FragTotal: buf[4],
			FragID:    buf[5],
		}
		size := binary.BigEndian.Uint16(buf[6:8])
		addr, err := readAddress(r)
		if err != nil {
			return nil, err
		}
		c.Addr = addr
		c.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, c.Payload); err != nil {
			return nil, truncated(err, "packet payload")
		}
		return c, nil

	case CmdDissociate:
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, truncated(err, "dissociate")
		}
		return &Dissociate{AssocID: binary.BigEndian.Uint16(buf[:])}, nil

	case CmdHeartbeat:
		return &Heartbeat{}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, t)
	}
}

func readAddress(r io.Reader) (Address, error) {
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return Address{}, truncated(err, "address type")
	}

	switch t := AddressType(typ[0]); t {
	case AddrNone:
		return NoneAddress(), nil

	case AddrDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return Address{}, truncated(err, "domain length")
		}
		if n[0] == 0 {
			return Address{}, fmt.Errorf("%w: empty domain", ErrAddressMalformed)
		}
		buf := make([]byte, int(n[0])+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, truncated(err, "domain")
		}
		return DomainAddress(string(buf[:n[0]]), binary.BigEndian.Uint16(buf[n[0]:])), nil

	case AddrIPv4:
		var buf [4 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Address{}, truncated(err, "ipv4 address")
		}
		ip := netip.AddrFrom4([4]byte(buf[:4]))
		return Address{Type: AddrIPv4, IP: ip, Port: binary.BigEndian.Uint16(buf[4:])}, nil

	case AddrIPv6:
		var buf [16 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Address{}, truncated(err, "ipv6 address")
		}
		ip := netip.AddrFrom16([16]byte(buf[:16]))
		return Address{Type: AddrIPv6, IP: ip, Port: binary.BigEndian.Uint16(buf[16:])}, nil

	default:
		return Address{}, fmt.Errorf("%w: type %s", ErrAddressMalformed, t)
	}
}

// truncated maps a short read onto ErrTruncated and passes other I/O errors
// through unchanged.
func truncated(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s", ErrTruncated, what)
	}
	return err
}

// DecodeDatagram decodes a datagram holding exactly one command. The returned
// Packet payload aliases b.
func DecodeDatagram(b []byte) (Command, error) {
	s := cryptobyte.String(b)

	var ver, typ uint8
	if !s.ReadUint8(&ver) || !s.ReadUint8(&typ) {
		return nil, fmt.Errorf("%w: header", ErrTruncated)
	}
	if ver != Version {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadVersion, ver)
	}

	var cmd Command
	switch t := CommandType(typ); t {
	case CmdAuthenticate:
		c := &Authenticate{}
		var id, token []byte
		if !s.ReadBytes(&id, 16) || !s.ReadBytes(&token, TokenSize) {
			return nil, fmt.Errorf("%w: authenticate", ErrTruncated)
		}
		copy(c.UUID[:], id)
		copy(c.Token[:], token)
		cmd = c

	case CmdConnect:
		addr, err := parseAddress(&s)
		if err != nil {
			return nil, err
		}
		cmd = &Connect{Addr: addr}

	case CmdPacket:
		c := &Packet{}
		var size uint16
		if !s.ReadUint16(&c.AssocID) || !s.ReadUint16(&c.PacketID) ||
			!s.ReadUint8(&c.FragTotal) || !s.ReadUint8(&c.FragID) ||
			!s.ReadUint16(&size) {
			return nil, fmt.Errorf("%w: packet header", ErrTruncated)
		}
		addr, err := parseAddress(&s)
		if err != nil {
			return nil, err
		}
		c.Addr = addr
		if !s.ReadBytes(&c.Payload, int(size)) {
			return nil, fmt.Errorf("%w: packet payload", ErrTruncated)
		}
		cmd = c

	case CmdDissociate:
		c := &Dissociate{}
		if !s.ReadUint16(&c.AssocID) {
			return nil, fmt.Errorf("%w: dissociate", ErrTruncated)
		}
		cmd = c

	case CmdHeartbeat:
		cmd = &Heartbeat{}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, t)
	}

	if !s.Empty() {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(s))
	}
	return cmd, nil
}

func parseAddress(s *cryptobyte.String) (Address, error) {
	var typ uint8
	if !s.ReadUint8(&typ) {
		return Address{}, fmt.Errorf("%w: address type", ErrTruncated)
	}

	var port uint16
	switch t := AddressType(typ); t {
	case AddrNone:
		return NoneAddress(), nil

	case AddrDomain:
		var host cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&host) {
			return Address{}, fmt.Errorf("%w: domain", ErrTruncated)
		}
		if len(host) == 0 {
			return Address{}, fmt.Errorf("%w: empty domain", ErrAddressMalformed)
		}
		if !s.ReadUint16(&port) {
			return Address{}, fmt.Errorf("%w: domain port", ErrTruncated)
		}
		return DomainAddress(string(host), port), nil

	case AddrIPv4:
		var ip []byte
		if !s.ReadBytes(&ip, 4) || !s.ReadUint16(&port) {
			return Address{}, fmt.Errorf("%w: ipv4 address", ErrTruncated)
		}
		return Address{Type: AddrIPv4, IP: netip.AddrFrom4([4]byte(ip)), Port: port}, nil

	case AddrIPv6:
		var ip []byte
		if !s.ReadBytes(&ip, 16) || !s.ReadUint16(&port) {
			return Address{}, fmt.Errorf("%w: ipv6 address", ErrTruncated)
		}
		return Address{Type: AddrIPv6, IP: netip.AddrFrom16([16]byte(ip)), Port: port}, nil

	default:
		return Address{}, fmt.Errorf("%w: type %s", ErrAddressMalformed, t)
	}
}

// Encode serialises c.
func Encode(c Command) ([]byte, error) {
	return AppendCommand(nil, c)
}

// AppendCommand appends the encoding of c to dst.
func AppendCommand(dst []byte, c Command) ([]byte, error) {
	b := cryptobyte.NewBuilder(dst)
	b.AddUint8(Version)
	b.AddUint8(uint8(c.Type()))

	switch c := c.(type) {
	case *Authenticate:
		b.AddBytes(c.UUID[:])
		b.AddBytes(c.Token[:])

	case *Connect:
		addAddress(b, c.Addr)

	case *Packet:
		if len(c.Payload) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(c.Payload))
		}
		b.AddUint16(c.AssocID)
		b.AddUint16(c.PacketID)
		b.AddUint8(c.FragTotal)
		b.AddUint8(c.FragID)
		b.AddUint16(uint16(len(c.Payload)))
		addAddress(b, c.Addr)
		b.AddBytes(c.Payload)

	case *Dissociate:
		b.AddUint16(c.AssocID)

	case *Heartbeat:

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, c)
	}

	return b.Bytes()
}

func addAddress(b *cryptobyte.Builder, a Address) {
	b.AddUint8(uint8(a.Type))

	switch a.Type {
	case AddrNone:

	case AddrDomain:
		if len(a.Host) == 0 || len(a.Host) > MaxDomainLength {
			b.SetError(fmt.Errorf("%w: domain length %d", ErrAddressMalformed, len(a.Host)))
			return
		}
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(a.Host))
		})
		b.AddUint16(a.Port)

	case AddrIPv4:
		if !a.IP.Is4() {
			b.SetError(fmt.Errorf("%w: %s is not ipv4", ErrAddressMalformed, a.IP))
			return
		}
		ip := a.IP.As4()
		b.AddBytes(ip[:])
		b.AddUint16(a.Port)

	case AddrIPv6:
		if !a.IP.IsValid() {
			b.SetError(fmt.Errorf("%w: missing ipv6 address", ErrAddressMalformed))
			return
		}
		ip := a.IP.As16()
		b.AddBytes(ip[:])
		b.AddUint16(a.Port)

	default:
		b.SetError(fmt.Errorf("%w: type %s", ErrAddressMalformed, a.Type))
	}
}
