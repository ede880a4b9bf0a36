package ipc

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
)

// Transport abstracts the platform channel under the framed protocol. A unix
// domain socket serves POSIX hosts; loopback TCP (optionally TLS) is the
// fallback elsewhere; Pipe is the in-process transport used by tests.
type Transport interface {
	Listen() (net.Listener, error)
	Dial(ctx context.Context) (net.Conn, error)
	Endpoint() string
}

// TransportConfig selects and parameterizes the transport.
type TransportConfig struct {
	Kind       string `toml:"kind" mapstructure:"kind"` // "unix", "tcp", or "" for platform default
	SocketPath string `toml:"socket_path" mapstructure:"socket_path"`
	TCPAddr    string `toml:"tcp_addr" mapstructure:"tcp_addr"`
	TLSCert    string `toml:"tls_cert" mapstructure:"tls_cert"`
	TLSKey     string `toml:"tls_key" mapstructure:"tls_key"`
	TLSCACert  string `toml:"tls_ca_cert" mapstructure:"tls_ca_cert"`
}

// NewTransport selects a transport for the current platform.
func NewTransport(cfg TransportConfig) (Transport, error) {
	kind := cfg.Kind
	if kind == "" {
		if runtime.GOOS == "windows" {
			kind = "tcp"
		} else {
			kind = "unix"
		}
	}
	switch kind {
	case "unix":
		if cfg.SocketPath == "" {
			return nil, fmt.Errorf("unix transport requires socket_path")
		}
		return &UnixTransport{Path: cfg.SocketPath}, nil
	case "tcp":
		addr := cfg.TCPAddr
		if addr == "" {
			addr = "127.0.0.1:7533"
		}
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			if err := EnsureKeypair(cfg.TLSCert, cfg.TLSKey); err != nil {
				return nil, err
			}
		}
		return NewTCPTransport(addr, cfg.TLSCert, cfg.TLSKey, cfg.TLSCACert)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

// Pipe is an in-process Transport. Dial and the listener's Accept meet over
// a channel of net.Pipe halves, so protocol behavior is testable without any
// platform socket.
type Pipe struct {
	mu     sync.Mutex
	accept chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func NewPipe() *Pipe {
	return &Pipe{accept: make(chan net.Conn), closed: make(chan struct{})}
}

func (p *Pipe) Endpoint() string { return "pipe://inproc" }

func (p *Pipe) Listen() (net.Listener, error) {
	return &pipeListener{p: p}, nil
}

func (p *Pipe) Dial(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	select {
	case p.accept <- server:
		return client, nil
	case <-p.closed:
		_ = client.Close()
		return nil, fmt.Errorf("pipe transport closed")
	case <-ctx.Done():
		_ = client.Close()
		return nil, ctx.Err()
	}
}

func (p *Pipe) close() {
	p.once.Do(func() { close(p.closed) })
}

type pipeListener struct {
	p *Pipe
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.p.accept:
		return c, nil
	case <-l.p.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.p.close()
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "inproc" }
