package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/iwayproxy/iway/internal/certutil"
)

// LoadTLSConfig loads a server TLS configuration from certificate and key
// files. The returned config accepts TLS 1.2 and later; QUIC listeners raise
// the minimum to 1.3 themselves.
func LoadTLSConfig(certFile, keyFile string, alpn []string) (*tls.Config, error) {
	cert, err := certutil.Load(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return TLSConfigFromCert(cert, alpn)
}

// TLSConfigFromCert builds a server TLS configuration from cert.
func TLSConfigFromCert(cert *certutil.Cert, alpn []string) (*tls.Config, error) {
	pair, err := cert.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   append([]string(nil), alpn...),
	}, nil
}

// ListenTLS binds a TCP listener on addr and wraps accepted connections in
// TLS. The handshake happens lazily on first read or write.
func ListenTLS(addr string, tlsConfig *tls.Config, opts SocketOptions) (net.Listener, error) {
	if tlsConfig == nil {
		return nil, errors.New("TLS config required for TLS listener")
	}
	ln, err := opts.listenConfig().Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return tls.NewListener(ln, tlsConfig), nil
}
