//go:build !windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// UnixTransport is the POSIX transport: a filesystem-permissioned unix
// domain socket. The socket directory is restricted to the owning user, so
// the filesystem enforces the same-user boundary before any token check.
type UnixTransport struct {
	Path string
}

func (t *UnixTransport) Endpoint() string { return "unix://" + t.Path }

func (t *UnixTransport) Listen() (net.Listener, error) {
	dir := filepath.Dir(t.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	// remove a stale socket left by an unclean exit
	if _, err := os.Stat(t.Path); err == nil {
		conn, dialErr := net.Dial("unix", t.Path)
		if dialErr == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("socket %s already in use", t.Path)
		}
		_ = os.Remove(t.Path)
	}
	ln, err := net.Listen("unix", t.Path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(t.Path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (t *UnixTransport) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", t.Path)
}
