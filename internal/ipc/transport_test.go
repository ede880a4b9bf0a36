//go:build !windows

package ipc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPipeTransportEndToEnd(t *testing.T) {
	p := NewPipe()
	ln, err := p.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		c := NewConn(nc)
		defer c.Close()
		if _, err := ServerHandshake(c); err != nil {
			return
		}
		var req Request
		if err := c.ReadFrame(&req); err != nil {
			return
		}
		resp, _ := OKResponse(req.RequestID, map[string]string{"pong": "1"})
		_ = c.WriteFrame(resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nc, err := p.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := NewConn(nc)
	defer c.Close()
	if err := ClientHandshake(c, ClientInfo{PID: 1, User: "dev"}); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	req := NewRequest(ActionPing)
	if err := c.WriteFrame(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp Response
	if err := c.ReadFrame(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.RequestID != req.RequestID || resp.Status != StatusOK {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestUnixTransportSocketLifecycle(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "run", "warden.sock")
	tr, err := NewTransport(TransportConfig{Kind: "unix", SocketPath: sock})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ln, err := tr.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan struct{})
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			_ = nc.Close()
			close(accepted)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nc, err := tr.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = nc.Close()
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("accept never fired")
	}
	_ = ln.Close()

	// listener closed without unlink; a fresh transport must reclaim the
	// stale socket file
	tr2, err := NewTransport(TransportConfig{Kind: "unix", SocketPath: sock})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ln2, err := tr2.Listen()
	if err != nil {
		t.Fatalf("relisten on stale socket: %v", err)
	}
	_ = ln2.Close()
}

func TestTCPTransportRejectsNonLoopback(t *testing.T) {
	if _, err := NewTransport(TransportConfig{Kind: "tcp", TCPAddr: "0.0.0.0:0"}); err == nil {
		t.Fatalf("expected non-loopback address to be rejected")
	}
}

func TestTCPTransportTLS(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "warden.crt")
	key := filepath.Join(dir, "warden.key")
	tr, err := NewTransport(TransportConfig{Kind: "tcp", TCPAddr: "127.0.0.1:0", TLSCert: cert, TLSKey: key})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	// keypair was generated on demand
	if _, err := os.Stat(key); err != nil {
		t.Fatalf("key not written: %v", err)
	}

	ln, err := tr.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	echoed := make(chan []byte, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(nc, buf); err != nil {
			return
		}
		echoed <- buf
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nc, err := tr.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := nc.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-echoed:
		if string(got) != "hello" {
			t.Fatalf("server read %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never read")
	}
	_ = nc.Close()

	// a second transport reuses the existing keypair
	before, _ := os.ReadFile(cert)
	if _, err := NewTransport(TransportConfig{Kind: "tcp", TCPAddr: "127.0.0.1:0", TLSCert: cert, TLSKey: key}); err != nil {
		t.Fatalf("reuse keypair: %v", err)
	}
	after, _ := os.ReadFile(cert)
	if string(before) != string(after) {
		t.Fatalf("keypair regenerated")
	}
}

func TestTCPTransportLoopback(t *testing.T) {
	tr, err := NewTransport(TransportConfig{Kind: "tcp", TCPAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ln, err := tr.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			_ = nc.Close()
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nc, err := tr.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = nc.Close()
}
