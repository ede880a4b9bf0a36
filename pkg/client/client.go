// Package client talks to a running warden supervisor over its IPC socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"time"

	"github.com/loomlabs/warden/internal/ipc"
)

// ErrUnreachable is returned when no supervisor answers on the endpoint.
// Callers may fall back to direct orchestration (see Fallback).
var ErrUnreachable = errors.New("client: supervisor unreachable")

// ProgressFunc receives streamed state transitions. It may be nil.
type ProgressFunc func(p ipc.Progress)

// Config holds client configuration.
type Config struct {
	Transport ipc.Transport
	Timeout   time.Duration
	Logger    *slog.Logger
	// AuthToken is attached to privileged requests.
	AuthToken string
	Version   string
}

// Client is a connection-per-call IPC client.
type Client struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("client: transport is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log}, nil
}

func clientInfo(version string) ipc.ClientInfo {
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return ipc.ClientInfo{PID: os.Getpid(), User: name, Version: version}
}

// Do sends one request and returns the terminal response, invoking onProgress
// for each streamed frame.
func (c *Client) Do(ctx context.Context, req ipc.Request, onProgress ProgressFunc) (ipc.Response, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	nc, err := c.cfg.Transport.Dial(dialCtx)
	cancel()
	if err != nil {
		return ipc.Response{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	conn := ipc.NewConn(nc)
	defer func() { _ = conn.Close() }()

	if err := ipc.ClientHandshake(conn, clientInfo(c.cfg.Version)); err != nil {
		if errors.Is(err, ipc.ErrProtocol) {
			return ipc.Response{}, err
		}
		return ipc.Response{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if req.Action.Privileged() && req.AuthToken == "" {
		req.AuthToken = c.cfg.AuthToken
	}
	req.ClientInfo = clientInfo(c.cfg.Version)
	if err := conn.WriteFrame(req); err != nil {
		return ipc.Response{}, fmt.Errorf("send request: %w", err)
	}

	deadline := time.Now().Add(req.Timeout(c.cfg.Timeout) + 5*time.Second)
	for {
		_ = conn.SetDeadline(deadline)
		var resp ipc.Response
		if err := conn.ReadFrame(&resp); err != nil {
			return ipc.Response{}, fmt.Errorf("read response: %w", err)
		}
		if resp.RequestID != req.RequestID {
			return ipc.Response{}, fmt.Errorf("%w: response for unknown request %q", ipc.ErrProtocol, resp.RequestID)
		}
		if !resp.Terminal() {
			if onProgress != nil {
				onProgress(*resp.Progress)
			}
			continue
		}
		return resp, nil
	}
}

// queryRetries bounds retries of read-only calls that time out.
const queryRetries = 2

// doQuery retries idempotent requests on timeout. Each attempt gets a fresh
// connection; mutations never come through here.
func (c *Client) doQuery(ctx context.Context, req ipc.Request) (ipc.Response, error) {
	var (
		resp ipc.Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = c.Do(ctx, req, nil)
		if attempt >= queryRetries || ctx.Err() != nil {
			return resp, err
		}
		if err == nil && !isTimeout(resp.Error) {
			return resp, nil
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			return resp, err
		}
		c.log.Debug("query timed out, retrying", "action", req.Action, "attempt", attempt+1)
	}
}

func isTimeout(e *ipc.Error) bool {
	return e != nil && e.Code == ipc.CodeTimeout
}

// Ping checks liveness of the supervisor.
func (c *Client) Ping(ctx context.Context) (map[string]any, error) {
	resp, err := c.doQuery(ctx, ipc.NewRequest(ipc.ActionPing))
	if err != nil {
		return nil, err
	}
	return decodeResult(resp)
}

// Status fetches the status document, optionally filtered to service names.
func (c *Client) Status(ctx context.Context, filters []string) (map[string]any, error) {
	req := ipc.NewRequest(ipc.ActionStatus)
	req.Filters = filters
	resp, err := c.doQuery(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeResult(resp)
}

// Start starts the named services, or everything when names is empty.
func (c *Client) Start(ctx context.Context, names []string, options map[string]string, onProgress ProgressFunc) error {
	req := ipc.NewRequest(ipc.ActionStart)
	req.Filters = names
	for k, v := range options {
		req.Options[k] = v
	}
	req.Streaming = onProgress != nil
	resp, err := c.Do(ctx, req, onProgress)
	if err != nil {
		return err
	}
	return respErr(resp)
}

// Stop stops the named services.
func (c *Client) Stop(ctx context.Context, names []string, includeDependents, force bool, onProgress ProgressFunc) error {
	req := ipc.NewRequest(ipc.ActionStop)
	req.Filters = names
	if includeDependents {
		req.Options["include_dependents"] = "true"
	}
	if force {
		req.Options["force"] = "true"
	}
	req.Streaming = onProgress != nil
	resp, err := c.Do(ctx, req, onProgress)
	if err != nil {
		return err
	}
	return respErr(resp)
}

// Restart restarts the named services.
func (c *Client) Restart(ctx context.Context, names []string, includeDependents bool, onProgress ProgressFunc) error {
	req := ipc.NewRequest(ipc.ActionRestart)
	req.Filters = names
	if includeDependents {
		req.Options["include_dependents"] = "true"
	}
	req.Streaming = onProgress != nil
	resp, err := c.Do(ctx, req, onProgress)
	if err != nil {
		return err
	}
	return respErr(resp)
}

// Shutdown stops all services and asks the supervisor to exit.
func (c *Client) Shutdown(ctx context.Context, onProgress ProgressFunc) error {
	req := ipc.NewRequest(ipc.ActionShutdown)
	req.Streaming = onProgress != nil
	resp, err := c.Do(ctx, req, onProgress)
	if err != nil {
		return err
	}
	return respErr(resp)
}

func decodeResult(resp ipc.Response) (map[string]any, error) {
	if err := respErr(resp); err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &out); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return out, nil
}

func respErr(resp ipc.Response) error {
	if resp.Error != nil {
		return resp.Error
	}
	if resp.Status != ipc.StatusOK {
		return fmt.Errorf("unexpected response status %q", resp.Status)
	}
	return nil
}
