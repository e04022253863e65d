package trojan

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"

	"github.com/iwayproxy/iway/internal/auth"
	"github.com/iwayproxy/iway/internal/protocol"
)

func TestRequestRoundTrip(t *testing.T) {
	hash := auth.TrojanHash("secret")

	tests := []struct {
		name string
		req  Request
	}{
		{
			name: "connect ipv4",
			req: Request{
				Command: CmdConnect,
				Addr:    protocol.AddressFromAddrPort(netip.MustParseAddrPort("192.0.2.10:443")),
			},
		},
		{
			name: "connect ipv6",
			req: Request{
				Command: CmdConnect,
				Addr:    protocol.AddressFromAddrPort(netip.MustParseAddrPort("[2001:db8::1]:8080")),
			},
		},
		{
			name: "udp associate domain",
			req: Request{
				Command: CmdUDPAssociate,
				Addr:    protocol.DomainAddress("example.com", 53),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := AppendRequest(nil, hash, &tt.req)
			if err != nil {
				t.Fatalf("AppendRequest() error = %v", err)
			}
			r := bytes.NewReader(b)

			gotHash, err := ReadAuth(r)
			if err != nil {
				t.Fatalf("ReadAuth() error = %v", err)
			}
			if !bytes.Equal(gotHash, hash) {
				t.Errorf("hash = %q, want %q", gotHash, hash)
			}

			got, err := ReadRequest(r)
			if err != nil {
				t.Fatalf("ReadRequest() error = %v", err)
			}
			if *got != tt.req {
				t.Errorf("ReadRequest() = %+v, want %+v", *got, tt.req)
			}
			if r.Len() != 0 {
				t.Errorf("%d bytes left unread", r.Len())
			}
		})
	}
}

func TestReadRequestErrors(t *testing.T) {
	hash := string(auth.TrojanHash("secret"))

	tests := []struct {
		name    string
		input   string
		auth    bool
		wantErr error
	}{
		{
			name:    "http request instead of hash",
			input:   "GET / HTTP/1.1\r\nHost: example.com\r\nUser-Agent: curl/8.0\r\nAccept: */*\r\n\r\n",
			auth:    true,
			wantErr: ErrBadRequest,
		},
		{
			name:    "truncated hash",
			input:   hash[:20],
			auth:    true,
			wantErr: ErrBadRequest,
		},
		{
			name:    "empty",
			input:   "",
			auth:    true,
			wantErr: io.EOF,
		},
		{
			name:    "unknown command",
			input:   "\x05\x01\x7f\x00\x00\x01\x00\x50\r\n",
			wantErr: ErrUnknownCommand,
		},
		{
			name:    "bad address type",
			input:   "\x01\x02\x7f\x00\x00\x01\x00\x50\r\n",
			wantErr: ErrBadRequest,
		},
		{
			name:    "empty domain",
			input:   "\x01\x03\x00\x00\x50\r\n",
			wantErr: ErrBadRequest,
		},
		{
			name:    "missing terminator",
			input:   "\x01\x01\x7f\x00\x00\x01\x00\x50XX",
			wantErr: ErrBadRequest,
		},
		{
			name:    "truncated address",
			input:   "\x01\x01\x7f\x00",
			wantErr: ErrBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := strings.NewReader(tt.input)
			var err error
			if tt.auth {
				_, err = ReadAuth(r)
			} else {
				_, err = ReadRequest(r)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	addrs := []protocol.Address{
		protocol.AddressFromAddrPort(netip.MustParseAddrPort("198.51.100.7:53")),
		protocol.AddressFromAddrPort(netip.MustParseAddrPort("[2001:db8::53]:53")),
		protocol.DomainAddress("dns.example", 853),
	}

	var stream []byte
	for i, a := range addrs {
		var err error
		stream, err = AppendFrame(stream, a, bytes.Repeat([]byte{byte(i)}, 100*i))
		if err != nil {
			t.Fatalf("AppendFrame() error = %v", err)
		}
	}

	r := bytes.NewReader(stream)
	for i, want := range addrs {
		f, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame(%d) error = %v", i, err)
		}
		if f.Addr != want {
			t.Errorf("frame %d addr = %v, want %v", i, f.Addr, want)
		}
		if len(f.Payload) != 100*i {
			t.Errorf("frame %d payload length = %d, want %d", i, len(f.Payload), 100*i)
		}
	}
	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame() at end = %v, want io.EOF", err)
	}
}

func TestReadFrameErrors(t *testing.T) {
	addr := protocol.AddressFromAddrPort(netip.MustParseAddrPort("127.0.0.1:53"))
	good, err := AppendFrame(nil, addr, []byte("payload"))
	if err != nil {
		t.Fatalf("AppendFrame() error = %v", err)
	}

	badCRLF := append([]byte(nil), good...)
	badCRLF[9] = 'x'

	tests := []struct {
		name  string
		input []byte
	}{
		{"missing crlf", badCRLF},
		{"truncated payload", good[:len(good)-3]},
		{"truncated length", good[:8]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadFrame(bytes.NewReader(tt.input)); !errors.Is(err, ErrBadRequest) {
				t.Errorf("error = %v, want ErrBadRequest", err)
			}
		})
	}
}

func TestAppendErrors(t *testing.T) {
	addr := protocol.DomainAddress("example.com", 80)

	if _, err := AppendRequest(nil, []byte("short"), &Request{Command: CmdConnect, Addr: addr}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("AppendRequest(short hash) error = %v", err)
	}
	if _, err := AppendFrame(nil, protocol.NoneAddress(), nil); !errors.Is(err, ErrBadRequest) {
		t.Errorf("AppendFrame(none) error = %v", err)
	}
	if _, err := AppendFrame(nil, addr, make([]byte, 70000)); !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Errorf("AppendFrame(oversize) error = %v", err)
	}
}

func TestCommandString(t *testing.T) {
	if CmdConnect.String() != "connect" || CmdUDPAssociate.String() != "udp_associate" {
		t.Error("unexpected command names")
	}
	if got := Command(9).String(); got != "unknown(0x09)" {
		t.Errorf("Command(9).String() = %q", got)
	}
}
