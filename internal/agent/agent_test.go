package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/iwayproxy/iway/internal/auth"
	"github.com/iwayproxy/iway/internal/certutil"
	"github.com/iwayproxy/iway/internal/config"
	"github.com/iwayproxy/iway/internal/health"
	"github.com/iwayproxy/iway/internal/logging"
	"github.com/iwayproxy/iway/internal/protocol"
	"github.com/iwayproxy/iway/internal/transport"
	"github.com/iwayproxy/iway/internal/trojan"
)

var (
	testUser     = uuid.MustParse("0b8f9c3e-1d2a-4e5f-9a6b-7c8d9e0f1a2b")
	testPassword = "agent password"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cert, err := certutil.Generate(certutil.DefaultOptions("localhost"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles() error = %v", err)
	}

	cfg := config.Default()
	cfg.TUIC.Listen = "127.0.0.1:0"
	cfg.TUIC.TLS = config.TLSConfig{Cert: certPath, Key: keyPath, ALPN: []string{"h3"}}
	cfg.TUIC.Users = []config.UserConfig{{UUID: testUser.String(), Password: testPassword}}
	cfg.TUIC.Socket = config.SocketConfig{}

	cfg.Trojan.Enabled = true
	cfg.Trojan.Listen = "127.0.0.1:0"
	cfg.Trojan.TLS = config.TLSConfig{Cert: certPath, Key: keyPath}
	cfg.Trojan.Passwords = []string{testPassword}

	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func startAgent(t *testing.T, cfg *config.Config) *Agent {
	t.Helper()
	a, err := New(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	deadline := time.Now().Add(5 * time.Second)
	for !a.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("agent never reported running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return a
}

func tcpEcho(t *testing.T) protocol.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return protocol.AddressFromAddrPort(netip.MustParseAddrPort(ln.Addr().String()))
}

func TestAgentHealthEndpoints(t *testing.T) {
	a := startAgent(t, testConfig(t))
	base := "http://" + a.HealthAddr().String()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
		health.Stats
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /healthz: %v", err)
	}
	if body.Status != "healthy" || !body.TUICRunning || !body.TrojanRunning {
		t.Errorf("/healthz = %+v", body)
	}

	mresp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer mresp.Body.Close()
	text, _ := io.ReadAll(mresp.Body)
	if !strings.Contains(string(text), "iway_build_info") {
		t.Error("/metrics is missing iway_build_info")
	}
}

func TestAgentTrojanConnect(t *testing.T) {
	a := startAgent(t, testConfig(t))
	echo := tcpEcho(t)

	conn, err := tls.Dial("tcp", a.TrojanAddr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls.Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	req, err := trojan.AppendRequest(nil, auth.TrojanHash(testPassword), &trojan.Request{
		Command: trojan.CmdConnect,
		Addr:    echo,
	})
	if err != nil {
		t.Fatalf("AppendRequest() error = %v", err)
	}
	msg := "hello through trojan"
	if _, err := conn.Write(append(req, msg...)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != msg {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
	if st := a.Stats(); st.TrojanSessions != 1 {
		t.Errorf("TrojanSessions = %d, want 1", st.TrojanSessions)
	}
}

func TestAgentTUICConnect(t *testing.T) {
	a := startAgent(t, testConfig(t))
	echo := tcpEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.DialQUIC(ctx, a.TUICAddr().String(),
		&tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}},
		transport.DefaultQUICOptions())
	if err != nil {
		t.Fatalf("DialQUIC() error = %v", err)
	}
	defer conn.CloseWithError(0, "")

	ekm, err := conn.ExportKeyingMaterial(string(testUser[:]), []byte(testPassword), protocol.TokenSize)
	if err != nil {
		t.Fatalf("ExportKeyingMaterial() error = %v", err)
	}
	authCmd := &protocol.Authenticate{UUID: testUser}
	copy(authCmd.Token[:], ekm)
	authBytes, err := protocol.Encode(authCmd)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	uni, err := conn.OpenUniStream(ctx)
	if err != nil {
		t.Fatalf("OpenUniStream() error = %v", err)
	}
	uni.Write(authBytes)
	uni.Close()

	deadline := time.Now().Add(5 * time.Second)
	for a.Stats().TUICAuthenticated != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never authenticated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	connect, err := protocol.Encode(&protocol.Connect{Addr: echo})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	msg := "hello through tuic"
	if _, err := stream.Write(append(connect, msg...)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != msg {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
	if st := a.Stats(); st.TUICConnections != 1 {
		t.Errorf("TUICConnections = %d, want 1", st.TUICConnections)
	}
}

func TestAgentStop(t *testing.T) {
	a := startAgent(t, testConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.StopWithContext(ctx); err != nil {
		t.Fatalf("StopWithContext() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if _, err := net.DialTimeout("tcp", a.TrojanAddr().String(), time.Second); err == nil {
		t.Error("trojan listener still accepting after Stop")
	}
	// A second Stop is a no-op.
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestNewMissingCertificate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trojan.TLS.Cert = filepath.Join(t.TempDir(), "missing.pem")

	if _, err := New(cfg, logging.NopLogger()); err == nil {
		t.Error("New() succeeded with a missing certificate")
	}
}

func TestStartBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer busy.Close()

	cfg := testConfig(t)
	cfg.TUIC.Enabled = false
	cfg.Health.Enabled = false
	cfg.Trojan.Listen = busy.Addr().String()

	a, err := New(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(); err == nil {
		a.Stop()
		t.Fatal("Start() succeeded on a port in use")
	}
	if a.IsRunning() {
		t.Error("IsRunning() = true after failed Start")
	}
}
