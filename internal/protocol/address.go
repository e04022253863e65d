package protocol

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// AddressType is the ADDR type tag.
type AddressType uint8

// Address type tags.
const (
	AddrDomain AddressType = 0x00
	AddrIPv4   AddressType = 0x01
	AddrIPv6   AddressType = 0x02
	AddrNone   AddressType = 0xff
)

// MaxDomainLength is the longest hostname ADDR can carry.
const MaxDomainLength = 255

// String returns the address type name.
func (t AddressType) String() string {
	switch t {
	case AddrDomain:
		return "domain"
	case AddrIPv4:
		return "ipv4"
	case AddrIPv6:
		return "ipv6"
	case AddrNone:
		return "none"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Address is a command destination. Host is set for AddrDomain, IP for
// AddrIPv4 and AddrIPv6. The zero value is not valid; use NoneAddress.
type Address struct {
	Type AddressType
	Host string
	IP   netip.Addr
	Port uint16
}

// NoneAddress returns the empty address carried by non-initial fragments.
func NoneAddress() Address {
	return Address{Type: AddrNone}
}

// DomainAddress returns a hostname address.
func DomainAddress(host string, port uint16) Address {
	return Address{Type: AddrDomain, Host: host, Port: port}
}

// AddressFromAddrPort returns an IP address. IPv4-mapped IPv6 addresses are
// encoded as IPv4.
func AddressFromAddrPort(ap netip.AddrPort) Address {
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		return Address{Type: AddrIPv4, IP: ip, Port: ap.Port()}
	}
	return Address{Type: AddrIPv6, IP: ip, Port: ap.Port()}
}

// ParseAddress parses "host:port". Literal IPs become IP addresses, anything
// else a domain.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrAddressMalformed, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: invalid port %q", ErrAddressMalformed, portStr)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return AddressFromAddrPort(netip.AddrPortFrom(ip, uint16(port))), nil
	}
	if host == "" || len(host) > MaxDomainLength {
		return Address{}, fmt.Errorf("%w: invalid host %q", ErrAddressMalformed, host)
	}
	return DomainAddress(host, uint16(port)), nil
}

// IsNone reports whether a is the None address.
func (a Address) IsNone() bool {
	return a.Type == AddrNone
}

// IsDomain reports whether a needs resolving.
func (a Address) IsDomain() bool {
	return a.Type == AddrDomain
}

// AddrPort returns the IP destination. ok is false for domain and None
// addresses.
func (a Address) AddrPort() (ap netip.AddrPort, ok bool) {
	if a.Type != AddrIPv4 && a.Type != AddrIPv6 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.IP, a.Port), true
}

// String returns "host:port", or "none".
func (a Address) String() string {
	switch a.Type {
	case AddrDomain:
		return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
	case AddrIPv4, AddrIPv6:
		return netip.AddrPortFrom(a.IP, a.Port).String()
	case AddrNone:
		return "none"
	default:
		return a.Type.String()
	}
}

// EncodedLen returns the number of bytes a occupies on the wire.
func (a Address) EncodedLen() int {
	switch a.Type {
	case AddrDomain:
		return 1 + 1 + len(a.Host) + 2
	case AddrIPv4:
		return 1 + 4 + 2
	case AddrIPv6:
		return 1 + 16 + 2
	default:
		return 1
	}
}
