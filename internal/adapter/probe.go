package adapter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/loomlabs/warden/internal/service"
)

// Probe checks whether a started service is actually serving. Adapters run
// one probe per health check with the caller's timeout.
type Probe interface {
	Check(ctx context.Context, timeout time.Duration) error
}

// TCPProbe dials addr and succeeds if the connection opens.
type TCPProbe struct {
	Addr string
}

func (p TCPProbe) Check(ctx context.Context, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("tcp probe %s: %w", p.Addr, err)
	}
	return conn.Close()
}

// HTTPProbe issues a GET and succeeds on any 2xx status.
type HTTPProbe struct {
	URL string
}

func (p HTTPProbe) Check(ctx context.Context, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("http probe %s: %w", p.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// pidProbe succeeds while the process is alive. It is the fallback when a
// service exposes no port or endpoint.
type pidProbe struct {
	pid func() int
}

func (p pidProbe) Check(_ context.Context, _ time.Duration) error {
	pid := p.pid()
	if pid <= 0 {
		return fmt.Errorf("process not started")
	}
	if !processAlive(pid) {
		return fmt.Errorf("process %d exited", pid)
	}
	return nil
}

// runProbe wraps a probe result into the Health document.
func runProbe(ctx context.Context, p Probe, timeout time.Duration) service.Health {
	start := time.Now()
	err := p.Check(ctx, timeout)
	h := service.Health{Healthy: err == nil, ResponseTime: time.Since(start)}
	if err != nil {
		h.Err = err.Error()
	}
	return h
}
