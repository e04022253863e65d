package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iwayproxy/iway/internal/logging"
	"github.com/iwayproxy/iway/internal/metrics"
	"github.com/iwayproxy/iway/internal/protocol"
)

func testDialer() *Dialer {
	return NewDialer(DefaultConfig(), metrics.NewMetricsWithRegistry(prometheus.NewRegistry()), logging.NopLogger())
}

type staticResolver map[string]netip.Addr

func (r staticResolver) ResolveAddrPort(_ context.Context, host string, port uint16) (netip.AddrPort, error) {
	ip, ok := r[host]
	if !ok {
		return netip.AddrPort{}, errors.New("nxdomain")
	}
	return netip.AddrPortFrom(ip, port), nil
}

type selfMapper struct{ self netip.Addr }

func (m selfMapper) Map(ap netip.AddrPort) netip.AddrPort {
	if ap.Addr() == m.self {
		return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), ap.Port())
	}
	return ap
}

func TestRouter_Route(t *testing.T) {
	r := NewRouter(
		staticResolver{"example.com": netip.MustParseAddr("93.184.216.34"), "self.test": netip.MustParseAddr("203.0.113.1")},
		selfMapper{self: netip.MustParseAddr("203.0.113.1")},
	)

	tests := []struct {
		name    string
		addr    protocol.Address
		want    string
		wantErr bool
	}{
		{"domain", protocol.DomainAddress("example.com", 80), "93.184.216.34:80", false},
		{"domain to self", protocol.DomainAddress("self.test", 8080), "127.0.0.1:8080", false},
		{"ip to self", protocol.AddressFromAddrPort(netip.MustParseAddrPort("203.0.113.1:22")), "127.0.0.1:22", false},
		{"plain ip", protocol.AddressFromAddrPort(netip.MustParseAddrPort("198.51.100.2:53")), "198.51.100.2:53", false},
		{"unknown domain", protocol.DomainAddress("nope.test", 80), "", true},
		{"none", protocol.NoneAddress(), "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Route(context.Background(), tc.addr)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Route() = %s, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			if got.String() != tc.want {
				t.Errorf("Route() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCopy_Bidirectional(t *testing.T) {
	clientIn, clientOut := net.Pipe()
	remoteIn, remoteOut := net.Pipe()

	done := make(chan Stats, 1)
	go func() {
		stats, err := Copy(context.Background(), clientIn, remoteIn)
		if err != nil {
			t.Errorf("Copy() error = %v", err)
		}
		done <- stats
	}()

	go func() {
		clientOut.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(remoteOut, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("remote read = %q, %v", buf, err)
	}

	go func() {
		remoteOut.Write([]byte("pong!"))
	}()
	buf = make([]byte, 5)
	if _, err := io.ReadFull(clientOut, buf); err != nil || string(buf) != "pong!" {
		t.Fatalf("client read = %q, %v", buf, err)
	}

	clientOut.Close()

	select {
	case stats := <-done:
		if stats.Up != 4 || stats.Down != 5 {
			t.Errorf("stats = %+v, want up 4 down 5", stats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Copy() did not return after client closed")
	}

	if _, err := remoteOut.Read(make([]byte, 1)); err == nil {
		t.Error("remote side still open after relay finished")
	}
}

func TestCopy_ContextCancel(t *testing.T) {
	clientIn, clientOut := net.Pipe()
	remoteIn, remoteOut := net.Pipe()
	defer clientOut.Close()
	defer remoteOut.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Copy(ctx, clientIn, remoteIn)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Copy() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Copy() did not return after cancel")
	}
}

func TestDialer_DialAndRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	d := testDialer()
	remote, err := d.Dial(context.Background(), netip.MustParseAddrPort(ln.Addr().String()))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	clientIn, clientOut := net.Pipe()
	done := make(chan Stats, 1)
	go func() {
		stats, _ := d.Relay(context.Background(), "test", clientIn, remote, nil)
		done <- stats
	}()

	msg := bytes.Repeat([]byte("echo"), 1024)
	go clientOut.Write(msg)

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(clientOut, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Error("echoed data differs")
	}
	clientOut.Close()

	select {
	case stats := <-done:
		if stats.Up != int64(len(msg)) {
			t.Errorf("Up = %d, want %d", stats.Up, len(msg))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Relay() did not return")
	}
}

func TestDialer_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()

	_, err = testDialer().Dial(context.Background(), addr)
	if err == nil {
		t.Fatal("Dial() to closed port succeeded")
	}
	if kind := DialErrorKind(err); kind != "refused" {
		t.Errorf("DialErrorKind() = %q, want refused", kind)
	}
}

func TestDialErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{&net.DNSError{Err: "no such host", Name: "x"}, "dns"},
		{context.Canceled, "canceled"},
		{errors.New("weird"), "other"},
	}
	for _, tc := range tests {
		if got := DialErrorKind(tc.err); got != tc.want {
			t.Errorf("DialErrorKind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
