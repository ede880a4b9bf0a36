package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/loomlabs/warden/internal/ipc"
	"github.com/loomlabs/warden/internal/metrics"
	"github.com/loomlabs/warden/internal/orchestrator"
	"github.com/loomlabs/warden/internal/registry"
	"github.com/loomlabs/warden/internal/watchdog"
)

// SupervisorName is the registry row name for the supervisor itself.
const SupervisorName = "warden-supervisor"

// Config wires the server.
type Config struct {
	Transport    ipc.Transport
	Orchestrator *orchestrator.Orchestrator
	Watchdog     *watchdog.Watchdog
	Registry     registry.Store
	Logger       *slog.Logger
	Audit        *slog.Logger

	// TokenSecret enables signed-token checks on privileged actions when
	// non-empty.
	TokenSecret []byte

	MaxConns          int
	RateLimit         int
	RateWindow        time.Duration
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
	RequestTimeout    time.Duration
	Version           string
}

// Server accepts IPC connections and dispatches commands to the
// orchestrator. Each connection is served by one goroutine; requests on a
// connection are handled sequentially.
type Server struct {
	cfg      Config
	log      *slog.Logger
	audit    *slog.Logger
	verifier *ipc.TokenVerifier

	// beatMu serializes heartbeat refresh; the watchdog sweep and the
	// heartbeat loop both call Heartbeat.
	beatMu    sync.Mutex
	entryID   string
	startedAt time.Time

	ln       net.Listener
	conns    chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	shutdown chan struct{}
	shutOnce sync.Once
}

func New(cfg Config) (*Server, error) {
	if cfg.Transport == nil || cfg.Orchestrator == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("supervisor: transport, orchestrator and registry are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 16
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		audit:    cfg.Audit,
		shutdown: make(chan struct{}),
		conns:    make(chan struct{}, cfg.MaxConns),
	}
	if len(cfg.TokenSecret) > 0 {
		v, err := ipc.NewTokenVerifier(cfg.TokenSecret)
		if err != nil {
			return nil, err
		}
		s.verifier = v
	}
	return s, nil
}

// Start prunes stale rows, registers the supervisor's own row, and begins
// accepting connections.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if n, err := s.cfg.Registry.CleanupStale(ctx, s.cfg.StaleTimeout); err != nil {
		s.log.Warn("startup stale prune failed", "error", err)
	} else if n > 0 {
		s.log.Info("pruned stale registry entries at startup", "count", n)
	}
	if err := s.registerSelf(ctx); err != nil {
		return err
	}
	ln, err := s.cfg.Transport.Listen()
	if err != nil {
		return fmt.Errorf("supervisor listen: %w", err)
	}
	s.ln = ln
	s.startedAt = time.Now()
	s.log.Info("supervisor listening", "endpoint", s.cfg.Transport.Endpoint())
	s.wg.Add(2)
	go s.acceptLoop(ctx)
	go s.heartbeatLoop(ctx)
	return nil
}

// ShutdownRequested closes when a client asked the supervisor to exit.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdown }

// Heartbeat refreshes the supervisor's own registry row.
func (s *Server) Heartbeat(ctx context.Context) error {
	s.beatMu.Lock()
	defer s.beatMu.Unlock()
	if s.entryID == "" {
		return fmt.Errorf("supervisor not registered")
	}
	ok, err := s.cfg.Registry.Heartbeat(ctx, s.entryID)
	if err != nil {
		return err
	}
	if !ok {
		// row lost (pruned or wiped); re-register
		return s.registerSelf(ctx)
	}
	return nil
}

// Stop closes the listener and waits for in-flight connections, then
// removes the supervisor row.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
	if s.entryID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = s.cfg.Registry.Unregister(ctx, s.entryID)
		cancel()
	}
}

func (s *Server) registerSelf(ctx context.Context) error {
	e := registry.Entry{
		ServiceName: SupervisorName,
		ServiceType: registry.TypeSupervisor,
		PID:         os.Getpid(),
		StartTime:   time.Now().UTC(),
		Status:      "running",
		IPCEndpoint: s.cfg.Transport.Endpoint(),
		Metadata:    map[string]string{"version": s.cfg.Version},
	}
	id, err := s.cfg.Registry.Register(ctx, e)
	if errors.Is(err, registry.ErrDuplicate) {
		if old, gerr := s.cfg.Registry.GetByName(ctx, SupervisorName); gerr == nil {
			_ = s.cfg.Registry.Unregister(ctx, old.ID)
		}
		id, err = s.cfg.Registry.Register(ctx, e)
	}
	if err != nil {
		return fmt.Errorf("register supervisor: %w", err)
	}
	s.entryID = id
	return nil
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	tick := time.NewTicker(s.cfg.HeartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := s.Heartbeat(ctx); err != nil {
				s.log.Warn("supervisor heartbeat failed", "error", err)
			}
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		select {
		case s.conns <- struct{}{}:
		default:
			// connection pool exhausted
			c := ipc.NewConn(nc)
			_ = c.WriteFrame(ipc.ErrResponse("", ipc.CodeConcurrencyLimit, "too many connections"))
			_ = c.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.conns }()
			s.serveConn(ctx, nc)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	c := ipc.NewConn(nc)
	defer func() { _ = c.Close() }()
	info, err := ipc.ServerHandshake(c)
	if err != nil {
		s.log.Debug("handshake rejected", "error", err)
		return
	}
	limiter := ipc.NewRateLimiter(s.cfg.RateLimit, s.cfg.RateWindow)
	for {
		var req ipc.Request
		if err := c.ReadFrame(&req); err != nil {
			return
		}
		resp := s.handle(ctx, c, info, limiter, req)
		if err := c.WriteFrame(resp); err != nil {
			return
		}
		if req.Action == ipc.ActionShutdown && resp.Status == ipc.StatusOK {
			s.requestShutdown()
			return
		}
	}
}

func (s *Server) requestShutdown() {
	s.shutOnce.Do(func() { close(s.shutdown) })
}

// handle runs one request to its terminal frame. Progress frames for
// streaming requests are written directly; the returned response is the
// terminal frame.
func (s *Server) handle(ctx context.Context, c *ipc.Conn, info ipc.ClientInfo, limiter *ipc.RateLimiter, req ipc.Request) (resp ipc.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in request handler", "action", req.Action, "panic", r)
			s.auditLog(req, info, "panic")
			metrics.IncIPCRequest(string(req.Action), "panic")
			resp = ipc.ErrResponse(req.RequestID, ipc.CodeInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()
	if err := req.Validate(); err != nil {
		metrics.IncIPCRequest(string(req.Action), "invalid")
		return ipc.ErrResponse(req.RequestID, ipc.CodeInvalidArgument, err.Error())
	}
	if req.Action.Privileged() {
		if s.verifier != nil {
			if err := s.verifier.Verify(req.AuthToken); err != nil {
				s.auditLog(req, info, "unauthorized")
				metrics.IncIPCRequest(string(req.Action), "unauthorized")
				return ipc.ErrResponse(req.RequestID, ipc.CodeUnauthorized, err.Error())
			}
		}
		if !limiter.Allow() {
			s.auditLog(req, info, "rate_limited")
			metrics.IncIPCRequest(string(req.Action), "rate_limited")
			return ipc.ErrResponse(req.RequestID, ipc.CodeConcurrencyLimit, "rate limit exceeded for privileged commands")
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, req.Timeout(s.cfg.RequestTimeout))
	defer cancel()
	resp = s.dispatch(reqCtx, c, req)
	outcome := resp.Status
	if resp.Error != nil {
		outcome = string(resp.Error.Code)
	}
	if req.Action.Privileged() {
		s.auditLog(req, info, outcome)
	}
	metrics.IncIPCRequest(string(req.Action), outcome)
	return resp
}

func (s *Server) auditLog(req ipc.Request, info ipc.ClientInfo, outcome string) {
	s.audit.Info("command",
		"action", string(req.Action),
		"request_id", req.RequestID,
		"client_pid", info.PID,
		"client_user", info.User,
		"filters", req.Filters,
		"outcome", outcome,
	)
}
