//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"
)

// UnixTransport is unavailable on Windows; loopback TCP is the platform
// fallback selected by NewTransport.
type UnixTransport struct {
	Path string
}

func (t *UnixTransport) Endpoint() string { return "unix://" + t.Path }

func (t *UnixTransport) Listen() (net.Listener, error) {
	return nil, fmt.Errorf("unix sockets are not supported on windows; use the tcp transport")
}

func (t *UnixTransport) Dial(context.Context) (net.Conn, error) {
	return nil, fmt.Errorf("unix sockets are not supported on windows; use the tcp transport")
}
