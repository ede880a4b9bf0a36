package ipc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
)

// TCPTransport serves loopback TCP, optionally wrapped in TLS. It refuses to
// bind non-loopback addresses: the supervisor is a single-host component.
type TCPTransport struct {
	Addr      string
	tlsConfig *tls.Config
}

func NewTCPTransport(addr, certFile, keyFile, caFile string) (*TCPTransport, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid tcp addr %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return nil, fmt.Errorf("tcp transport requires a loopback address, got %q", host)
	}
	t := &TCPTransport{Addr: addr}
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls keypair: %w", err)
		}
		cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		if caFile != "" {
			pem, err := os.ReadFile(caFile)
			if err != nil {
				return nil, fmt.Errorf("read tls ca: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("parse tls ca %s", caFile)
			}
			cfg.RootCAs = pool
			cfg.ClientCAs = pool
		}
		t.tlsConfig = cfg
	}
	return t, nil
}

func (t *TCPTransport) Endpoint() string { return "tcp://" + t.Addr }

func (t *TCPTransport) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return nil, err
	}
	// resolve ":0" so Endpoint and Dial see the bound port
	t.Addr = ln.Addr().String()
	if t.tlsConfig != nil {
		return tls.NewListener(ln, t.tlsConfig), nil
	}
	return ln, nil
}

func (t *TCPTransport) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	if t.tlsConfig != nil {
		td := &tls.Dialer{NetDialer: &d, Config: &tls.Config{
			RootCAs:            t.tlsConfig.RootCAs,
			InsecureSkipVerify: t.tlsConfig.RootCAs == nil, // self-signed local setups
			MinVersion:         tls.VersionTLS12,
		}}
		return td.DialContext(ctx, "tcp", t.Addr)
	}
	return d.DialContext(ctx, "tcp", t.Addr)
}
