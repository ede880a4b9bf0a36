package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/loomlabs/warden/internal/adapter"
	"github.com/loomlabs/warden/internal/ipc"
	"github.com/loomlabs/warden/internal/orchestrator"
	"github.com/loomlabs/warden/internal/registry"
	"github.com/loomlabs/warden/internal/service"
	"github.com/loomlabs/warden/internal/watchdog"
)

type env struct {
	server *Server
	pipe   *ipc.Pipe
	fakes  map[string]*adapter.Fake
	orch   *orchestrator.Orchestrator
	reg    *registry.Memory
}

func newEnv(t *testing.T, mutate func(*Config)) *env {
	t.Helper()
	fakes := map[string]*adapter.Fake{}
	var descs []service.Descriptor
	for _, name := range []string{"metricsdb", "collector"} {
		f := adapter.NewFake()
		fakes[name] = f
		descs = append(descs, service.Descriptor{
			Name: name, Type: "process", Required: true, Phase: service.PhaseCore, Adapter: f,
		})
	}
	dash := adapter.NewFake()
	fakes["dashboard"] = dash
	descs = append(descs, service.Descriptor{
		Name: "dashboard", Type: "process", Phase: service.PhaseFrontend,
		DependsOn: []string{"metricsdb", "collector"}, Adapter: dash,
	})
	reg := registry.NewMemory()
	orch, err := orchestrator.New(orchestrator.Config{Services: descs, Registry: reg})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	wd := watchdog.New(orch, nil, watchdog.Config{Interval: time.Hour})
	pipe := ipc.NewPipe()
	cfg := Config{
		Transport:    pipe,
		Orchestrator: orch,
		Watchdog:     wd,
		Registry:     reg,
		Version:      "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return &env{server: srv, pipe: pipe, fakes: fakes, orch: orch, reg: reg}
}

func (e *env) connect(t *testing.T) *ipc.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nc, err := e.pipe.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := ipc.NewConn(nc)
	if err := ipc.ClientHandshake(c, ipc.ClientInfo{PID: os.Getpid(), User: "test"}); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// roundTrip sends one request and collects frames until the terminal one.
func roundTrip(t *testing.T, c *ipc.Conn, req ipc.Request) (ipc.Response, []ipc.Progress) {
	t.Helper()
	if err := c.WriteFrame(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var progress []ipc.Progress
	for {
		var resp ipc.Response
		if err := c.ReadFrame(&resp); err != nil {
			t.Fatalf("read response: %v", err)
		}
		if resp.RequestID != req.RequestID {
			t.Fatalf("response for %q, want %q", resp.RequestID, req.RequestID)
		}
		if !resp.Terminal() {
			progress = append(progress, *resp.Progress)
			continue
		}
		return resp, progress
	}
}

func TestPing(t *testing.T) {
	e := newEnv(t, nil)
	c := e.connect(t)
	resp, _ := roundTrip(t, c, ipc.NewRequest(ipc.ActionPing))
	if resp.Status != ipc.StatusOK {
		t.Fatalf("resp = %+v", resp)
	}
	var res PingResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.PID != os.Getpid() || res.ProtocolVersion != ipc.ProtocolVersion {
		t.Fatalf("ping result = %+v", res)
	}
}

func TestStartStreamingProgress(t *testing.T) {
	e := newEnv(t, nil)
	c := e.connect(t)
	req := ipc.NewRequest(ipc.ActionStart)
	req.Filters = []string{"collector"}
	req.Streaming = true
	resp, progress := roundTrip(t, c, req)
	if resp.Status != ipc.StatusOK {
		t.Fatalf("resp = %+v", resp)
	}
	if len(progress) != 2 || progress[0].To != "starting" || progress[1].To != "running" {
		t.Fatalf("progress = %+v", progress)
	}
	if !e.fakes["collector"].Running() {
		t.Fatalf("collector not running")
	}
}

func TestStartAllWhenNoFilters(t *testing.T) {
	e := newEnv(t, nil)
	c := e.connect(t)
	resp, _ := roundTrip(t, c, ipc.NewRequest(ipc.ActionStart))
	if resp.Status != ipc.StatusOK {
		t.Fatalf("resp = %+v", resp)
	}
	for name, f := range e.fakes {
		if !f.Running() {
			t.Fatalf("%s not running", name)
		}
	}
}

func TestStatusDocument(t *testing.T) {
	e := newEnv(t, nil)
	c := e.connect(t)
	if resp, _ := roundTrip(t, c, ipc.NewRequest(ipc.ActionStart)); resp.Status != ipc.StatusOK {
		t.Fatalf("start failed: %+v", resp)
	}
	resp, _ := roundTrip(t, c, ipc.NewRequest(ipc.ActionStatus))
	var doc StatusDoc
	if err := json.Unmarshal(resp.Result, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Supervisor.PID != os.Getpid() || doc.Supervisor.Endpoint == "" {
		t.Fatalf("supervisor block = %+v", doc.Supervisor)
	}
	if len(doc.Services) != 3 {
		t.Fatalf("services = %+v", doc.Services)
	}
	for _, svc := range doc.Services {
		if svc.State != service.StateRunning {
			t.Fatalf("service %s state %s", svc.Name, svc.State)
		}
	}
}

func TestStopRejectedWithDependents(t *testing.T) {
	e := newEnv(t, nil)
	c := e.connect(t)
	roundTrip(t, c, ipc.NewRequest(ipc.ActionStart))
	req := ipc.NewRequest(ipc.ActionStop)
	req.Filters = []string{"metricsdb"}
	resp, _ := roundTrip(t, c, req)
	if resp.Error == nil || resp.Error.Code != ipc.CodeInvalidArgument {
		t.Fatalf("resp = %+v", resp)
	}
	req = ipc.NewRequest(ipc.ActionStop)
	req.Filters = []string{"metricsdb"}
	req.Options["include_dependents"] = "true"
	resp, _ = roundTrip(t, c, req)
	if resp.Status != ipc.StatusOK {
		t.Fatalf("resp = %+v", resp)
	}
	if e.fakes["dashboard"].Running() {
		t.Fatalf("dependent left running")
	}
}

func TestUnknownServiceNotFound(t *testing.T) {
	e := newEnv(t, nil)
	c := e.connect(t)
	req := ipc.NewRequest(ipc.ActionStart)
	req.Filters = []string{"ghost"}
	resp, _ := roundTrip(t, c, req)
	if resp.Error == nil || resp.Error.Code != ipc.CodeNotFound {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRateLimitPrivilegedCommands(t *testing.T) {
	e := newEnv(t, func(cfg *Config) {
		cfg.RateLimit = 2
		cfg.RateWindow = time.Hour
	})
	c := e.connect(t)
	for i := 0; i < 2; i++ {
		req := ipc.NewRequest(ipc.ActionStart)
		req.Filters = []string{"collector"}
		if resp, _ := roundTrip(t, c, req); resp.Status != ipc.StatusOK {
			t.Fatalf("request %d: %+v", i, resp)
		}
	}
	req := ipc.NewRequest(ipc.ActionStart)
	req.Filters = []string{"collector"}
	resp, _ := roundTrip(t, c, req)
	if resp.Error == nil || resp.Error.Code != ipc.CodeConcurrencyLimit {
		t.Fatalf("resp = %+v", resp)
	}
	// unprivileged actions are not limited
	if resp, _ := roundTrip(t, c, ipc.NewRequest(ipc.ActionStatus)); resp.Status != ipc.StatusOK {
		t.Fatalf("status limited: %+v", resp)
	}
}

func TestTokenRequiredForPrivileged(t *testing.T) {
	secret := []byte("supervisor-test-secret")
	e := newEnv(t, func(cfg *Config) { cfg.TokenSecret = secret })
	c := e.connect(t)
	req := ipc.NewRequest(ipc.ActionStart)
	req.Filters = []string{"collector"}
	resp, _ := roundTrip(t, c, req)
	if resp.Error == nil || resp.Error.Code != ipc.CodeUnauthorized {
		t.Fatalf("tokenless start = %+v", resp)
	}
	tok, err := ipc.Sign(secret, os.Getpid(), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req = ipc.NewRequest(ipc.ActionStart)
	req.Filters = []string{"collector"}
	req.AuthToken = tok
	resp, _ = roundTrip(t, c, req)
	if resp.Status != ipc.StatusOK {
		t.Fatalf("signed start = %+v", resp)
	}
	// status needs no token
	if resp, _ := roundTrip(t, c, ipc.NewRequest(ipc.ActionStatus)); resp.Status != ipc.StatusOK {
		t.Fatalf("status = %+v", resp)
	}
}

func TestShutdownStopsEverythingAndSignals(t *testing.T) {
	e := newEnv(t, nil)
	c := e.connect(t)
	roundTrip(t, c, ipc.NewRequest(ipc.ActionStart))
	resp, _ := roundTrip(t, c, ipc.NewRequest(ipc.ActionShutdown))
	if resp.Status != ipc.StatusOK {
		t.Fatalf("shutdown = %+v", resp)
	}
	for name, f := range e.fakes {
		if f.Running() {
			t.Fatalf("%s running after shutdown", name)
		}
	}
	select {
	case <-e.server.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown never signaled")
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	e := newEnv(t, nil)
	// status with a filter triggers lookups; induce panic through a bad
	// adapter instead
	descs := []service.Descriptor{{Name: "boom", Adapter: panicAdapter{}}}
	reg := registry.NewMemory()
	orch, err := orchestrator.New(orchestrator.Config{Services: descs, Registry: reg})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	e.server.cfg.Orchestrator = orch
	c := e.connect(t)
	req := ipc.NewRequest(ipc.ActionStart)
	req.Filters = []string{"boom"}
	resp, _ := roundTrip(t, c, req)
	if resp.Error == nil || resp.Error.Code != ipc.CodeInternal {
		t.Fatalf("resp = %+v", resp)
	}
	// connection survives the panic
	if resp, _ := roundTrip(t, c, ipc.NewRequest(ipc.ActionPing)); resp.Status != ipc.StatusOK {
		t.Fatalf("ping after panic = %+v", resp)
	}
}

type panicAdapter struct{}

func (panicAdapter) Start(context.Context, map[string]string) (service.StartResult, error) {
	panic("adapter exploded")
}
func (panicAdapter) Stop(context.Context, time.Duration) error { return nil }
func (panicAdapter) HealthCheck(context.Context, time.Duration) service.Health {
	return service.Health{}
}

func TestSupervisorRegistryRow(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	entry, err := e.reg.GetByName(ctx, SupervisorName)
	if err != nil {
		t.Fatalf("supervisor row: %v", err)
	}
	if entry.ServiceType != registry.TypeSupervisor || entry.PID != os.Getpid() {
		t.Fatalf("entry = %+v", entry)
	}
	hb := entry.LastHeartbeat
	if err := e.server.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	entry, _ = e.reg.GetByName(ctx, SupervisorName)
	if !entry.LastHeartbeat.After(hb) && !entry.LastHeartbeat.Equal(hb) {
		t.Fatalf("heartbeat not refreshed")
	}
}
