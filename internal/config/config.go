// Package config provides configuration parsing and validation for iway.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/iwayproxy/iway/internal/auth"
	"github.com/iwayproxy/iway/internal/logging"
)

// Config is the complete server configuration. It is built once at startup
// and never mutated afterwards.
type Config struct {
	Log    LogConfig    `yaml:"log" toml:"log"`
	TUIC   TUICConfig   `yaml:"tuic" toml:"tuic"`
	Trojan TrojanConfig `yaml:"trojan" toml:"trojan"`
	TCP    TCPConfig    `yaml:"tcp" toml:"tcp"`
	UDP    UDPConfig    `yaml:"udp" toml:"udp"`
	DNS    DNSConfig    `yaml:"dns" toml:"dns"`
	Health HealthConfig `yaml:"health" toml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TLSConfig points at the certificate and key files of a listener.
type TLSConfig struct {
	Cert string   `yaml:"cert" toml:"cert"`
	Key  string   `yaml:"key" toml:"key"`
	ALPN []string `yaml:"alpn,omitempty" toml:"alpn"`
}

// UserConfig is one TUIC credential.
type UserConfig struct {
	UUID     string `yaml:"uuid" toml:"uuid"`
	Password string `yaml:"password" toml:"password"`
}

// HeartbeatConfig controls the per-connection liveness monitor.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval" toml:"interval"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
	Echo     bool          `yaml:"echo" toml:"echo"`
}

// SocketConfig contains UDP listening socket options.
type SocketConfig struct {
	ReuseAddr  bool     `yaml:"reuse_addr" toml:"reuse_addr"`
	RecvBuffer ByteSize `yaml:"recv_buffer" toml:"recv_buffer"`
	SendBuffer ByteSize `yaml:"send_buffer" toml:"send_buffer"`
	TOS        int      `yaml:"tos" toml:"tos"`
}

// TUICConfig is the TUIC over QUIC protocol block.
type TUICConfig struct {
	Enabled         bool            `yaml:"enabled" toml:"enabled"`
	Listen          string          `yaml:"listen" toml:"listen"`
	TLS             TLSConfig       `yaml:"tls" toml:"tls"`
	Users           []UserConfig    `yaml:"users" toml:"users"`
	AuthTimeout     time.Duration   `yaml:"auth_timeout" toml:"auth_timeout"`
	StrictAuth      bool            `yaml:"strict_auth" toml:"strict_auth"`
	MaxIdleTimeout  time.Duration   `yaml:"max_idle_timeout" toml:"max_idle_timeout"`
	KeepAlivePeriod time.Duration   `yaml:"keepalive_period" toml:"keepalive_period"`
	MaxStreams      int64           `yaml:"max_streams" toml:"max_streams"`
	MaxConnections  int             `yaml:"max_connections" toml:"max_connections"`
	AcceptRate      float64         `yaml:"accept_rate" toml:"accept_rate"`
	AcceptBurst     int             `yaml:"accept_burst" toml:"accept_burst"`
	Heartbeat       HeartbeatConfig `yaml:"heartbeat" toml:"heartbeat"`
	Socket          SocketConfig    `yaml:"socket" toml:"socket"`
}

// TrojanConfig is the Trojan over TLS protocol block.
type TrojanConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled"`
	Listen           string        `yaml:"listen" toml:"listen"`
	TLS              TLSConfig     `yaml:"tls" toml:"tls"`
	Passwords        []string      `yaml:"passwords" toml:"passwords"`
	Fallback         string        `yaml:"fallback" toml:"fallback"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// TCPConfig contains outbound TCP settings.
type TCPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keepalive" toml:"keepalive"`
}

// UDPConfig contains UDP relay settings.
type UDPConfig struct {
	SessionTimeout     time.Duration `yaml:"session_timeout" toml:"session_timeout"`
	ReassemblyTimeout  time.Duration `yaml:"reassembly_timeout" toml:"reassembly_timeout"`
	MaxSessions        int           `yaml:"max_sessions" toml:"max_sessions"`
	MaxReassemblyBytes ByteSize      `yaml:"max_reassembly_bytes" toml:"max_reassembly_bytes"`
	MaxPacketSize      int           `yaml:"max_packet_size" toml:"max_packet_size"`
	SendQueue          int           `yaml:"send_queue" toml:"send_queue"`
}

// DNSConfig contains resolver settings.
type DNSConfig struct {
	Servers    []string            `yaml:"servers" toml:"servers"`
	Timeout    time.Duration       `yaml:"timeout" toml:"timeout"`
	CacheTTL   time.Duration       `yaml:"cache_ttl" toml:"cache_ttl"`
	PreferIPv4 bool                `yaml:"prefer_ipv4" toml:"prefer_ipv4"`
	Hosts      map[string][]string `yaml:"hosts,omitempty" toml:"hosts"`
}

// HealthConfig contains the health and metrics HTTP server settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Address string `yaml:"address" toml:"address"`
	Pprof   bool   `yaml:"pprof" toml:"pprof"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		TUIC: TUICConfig{
			Enabled: true,
			Listen:  "[::]:443",
			TLS: TLSConfig{
				ALPN: []string{"h3"},
			},
			AuthTimeout:     3 * time.Second,
			StrictAuth:      true,
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
			MaxStreams:      512,
			AcceptBurst:     64,
			Heartbeat: HeartbeatConfig{
				Interval: 10 * time.Second,
				Timeout:  10 * time.Second,
			},
			Socket: SocketConfig{
				ReuseAddr:  true,
				RecvBuffer: 32 * humanize.MiByte,
				SendBuffer: 32 * humanize.MiByte,
				TOS:        0x10,
			},
		},
		Trojan: TrojanConfig{
			Listen:           "[::]:8443",
			HandshakeTimeout: 10 * time.Second,
		},
		TCP: TCPConfig{
			ConnectTimeout: 5 * time.Second,
			KeepAlive:      30 * time.Second,
		},
		UDP: UDPConfig{
			SessionTimeout:     30 * time.Second,
			ReassemblyTimeout:  10 * time.Second,
			MaxSessions:        512,
			MaxReassemblyBytes: humanize.MiByte,
			MaxPacketSize:      1200,
			SendQueue:          256,
		},
		DNS: DNSConfig{
			Timeout:    5 * time.Second,
			CacheTTL:   time.Minute,
			PreferIPv4: true,
		},
		Health: HealthConfig{
			Address: "127.0.0.1:9090",
		},
	}
}

// Load reads a configuration file. Files ending in .toml are parsed as TOML,
// everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(cfg)
}

// ParseTOML parses configuration from TOML bytes.
func ParseTOML(data []byte) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are left as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !logging.ValidLevel(c.Log.Level) {
		add("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if !logging.ValidFormat(c.Log.Format) {
		add("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	if !c.TUIC.Enabled && !c.Trojan.Enabled {
		add("at least one of tuic or trojan must be enabled")
	}

	if c.TUIC.Enabled {
		t := c.TUIC
		if err := validateHostPort(t.Listen); err != nil {
			add("tuic.listen: %v", err)
		}
		validateTLS("tuic", t.TLS, add)
		if len(t.Users) == 0 {
			add("tuic.users must contain at least one user")
		}
		seen := make(map[uuid.UUID]bool, len(t.Users))
		for i, u := range t.Users {
			id, err := uuid.Parse(u.UUID)
			if err != nil {
				add("tuic.users[%d]: invalid uuid %q", i, u.UUID)
				continue
			}
			if seen[id] {
				add("tuic.users[%d]: duplicate uuid %s", i, id)
			}
			seen[id] = true
			if u.Password == "" {
				add("tuic.users[%d]: password is required", i)
			}
		}
		if t.AuthTimeout <= 0 {
			add("tuic.auth_timeout must be positive")
		}
		if t.MaxIdleTimeout <= 0 {
			add("tuic.max_idle_timeout must be positive")
		}
		if t.MaxStreams < 1 {
			add("tuic.max_streams must be positive")
		}
		if t.MaxConnections < 0 {
			add("tuic.max_connections must not be negative")
		}
		if t.AcceptRate < 0 {
			add("tuic.accept_rate must not be negative")
		}
		if t.AcceptRate > 0 && t.AcceptBurst < 1 {
			add("tuic.accept_burst must be positive when accept_rate is set")
		}
		if t.Heartbeat.Interval <= 0 || t.Heartbeat.Timeout <= 0 {
			add("tuic.heartbeat.interval and timeout must be positive")
		}
		if t.Socket.TOS < 0 || t.Socket.TOS > 0xff {
			add("tuic.socket.tos must be between 0 and 255")
		}
	}

	if c.Trojan.Enabled {
		t := c.Trojan
		if err := validateHostPort(t.Listen); err != nil {
			add("trojan.listen: %v", err)
		}
		validateTLS("trojan", t.TLS, add)
		if len(t.Passwords) == 0 {
			add("trojan.passwords must contain at least one password")
		}
		for i, p := range t.Passwords {
			if p == "" {
				add("trojan.passwords[%d] is empty", i)
			}
		}
		if t.Fallback != "" {
			if err := validateHostPort(t.Fallback); err != nil {
				add("trojan.fallback: %v", err)
			}
		}
		if t.HandshakeTimeout <= 0 {
			add("trojan.handshake_timeout must be positive")
		}
	}

	if c.TCP.ConnectTimeout <= 0 {
		add("tcp.connect_timeout must be positive")
	}

	if c.UDP.SessionTimeout <= 0 {
		add("udp.session_timeout must be positive")
	}
	if c.UDP.ReassemblyTimeout <= 0 {
		add("udp.reassembly_timeout must be positive")
	}
	if c.UDP.MaxSessions < 0 {
		add("udp.max_sessions must not be negative")
	}
	if c.UDP.MaxPacketSize < 256 || c.UDP.MaxPacketSize > 65535 {
		add("udp.max_packet_size must be between 256 and 65535")
	}
	if c.UDP.SendQueue < 1 {
		add("udp.send_queue must be positive")
	}

	for i, s := range c.DNS.Servers {
		if err := validateHostPort(s); err != nil {
			add("dns.servers[%d]: %v", i, err)
		}
	}
	for host, ips := range c.DNS.Hosts {
		for _, ip := range ips {
			if _, err := netip.ParseAddr(ip); err != nil {
				add("dns.hosts[%s]: invalid address %q", host, ip)
			}
		}
	}

	if c.Health.Enabled {
		if err := validateHostPort(c.Health.Address); err != nil {
			add("health.address: %v", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateTLS(block string, t TLSConfig, add func(string, ...any)) {
	if t.Cert == "" {
		add("%s.tls.cert is required", block)
	}
	if t.Key == "" {
		add("%s.tls.key is required", block)
	}
}

func validateHostPort(s string) error {
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return err
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// Credentials converts the user list into authenticator credentials.
func (t TUICConfig) Credentials() ([]auth.Credential, error) {
	creds := make([]auth.Credential, 0, len(t.Users))
	for _, u := range t.Users {
		id, err := uuid.Parse(u.UUID)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", u.UUID, err)
		}
		creds = append(creds, auth.Credential{UUID: id, Password: u.Password})
	}
	return creds, nil
}

// StaticHosts returns the parsed dns.hosts table.
func (d DNSConfig) StaticHosts() map[string][]netip.Addr {
	out := make(map[string][]netip.Addr, len(d.Hosts))
	for host, ips := range d.Hosts {
		for _, s := range ips {
			if ip, err := netip.ParseAddr(s); err == nil {
				out[host] = append(out[host], ip)
			}
		}
	}
	return out
}

// ListenIP returns the IP part of a listen address. Hostnames and empty hosts
// yield the unspecified IPv6 address.
func ListenIP(listen string) netip.Addr {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return netip.IPv6Unspecified()
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.IPv6Unspecified()
	}
	return ip
}

// String returns a redacted YAML rendering, safe to log.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy with passwords and key paths replaced.
func (c *Config) Redacted() *Config {
	r := *c

	r.TUIC.Users = make([]UserConfig, len(c.TUIC.Users))
	for i, u := range c.TUIC.Users {
		r.TUIC.Users[i] = UserConfig{UUID: u.UUID, Password: redact(u.Password)}
	}
	r.TUIC.TLS.Key = redact(c.TUIC.TLS.Key)

	r.Trojan.Passwords = make([]string, len(c.Trojan.Passwords))
	for i, p := range c.Trojan.Passwords {
		r.Trojan.Passwords[i] = redact(p)
	}
	r.Trojan.TLS.Key = redact(c.Trojan.TLS.Key)

	return &r
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

// ByteSize is a size in bytes that accepts human units ("32MiB", "1.5 MB")
// as well as plain integers.
type ByteSize uint64

// UnmarshalText parses a human size.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*b = ByteSize(n)
	return nil
}

// UnmarshalYAML accepts integers and human size strings.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	return b.UnmarshalText([]byte(node.Value))
}

// MarshalText renders the size with IEC units.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(b))), nil
}

// String renders the size with IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}
