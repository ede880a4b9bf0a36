package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomlabs/warden/internal/adapter"
	"github.com/loomlabs/warden/internal/ipc"
	"github.com/loomlabs/warden/internal/orchestrator"
	"github.com/loomlabs/warden/internal/registry"
	"github.com/loomlabs/warden/internal/service"
	"github.com/loomlabs/warden/internal/supervisor"
)

func testServer(t *testing.T) (*ipc.Pipe, map[string]*adapter.Fake) {
	t.Helper()
	fakes := map[string]*adapter.Fake{
		"collector": adapter.NewFake(),
		"bridge":    adapter.NewFake(),
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Services: []service.Descriptor{
			{Name: "collector", Required: true, Adapter: fakes["collector"]},
			{Name: "bridge", Adapter: fakes["bridge"], DependsOn: []string{"collector"}},
		},
		Registry: registry.NewMemory(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	pipe := ipc.NewPipe()
	srv, err := supervisor.New(supervisor.Config{
		Transport:    pipe,
		Orchestrator: orch,
		Registry:     registry.NewMemory(),
		Version:      "test",
	})
	if err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start supervisor: %v", err)
	}
	t.Cleanup(srv.Stop)
	return pipe, fakes
}

func TestClientStartStatusStop(t *testing.T) {
	pipe, fakes := testServer(t)
	c, err := New(Config{Transport: pipe, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()

	var progress []ipc.Progress
	if err := c.Start(ctx, []string{"bridge"}, nil, func(p ipc.Progress) {
		progress = append(progress, p)
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !fakes["bridge"].Running() || !fakes["collector"].Running() {
		t.Fatalf("services not running after start")
	}
	if len(progress) == 0 {
		t.Fatalf("no progress frames streamed")
	}

	doc, err := c.Status(ctx, nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if _, ok := doc["services"]; !ok {
		t.Fatalf("status doc = %v", doc)
	}

	if err := c.Stop(ctx, []string{"bridge"}, false, false, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if fakes["bridge"].Running() {
		t.Fatalf("bridge still running")
	}
}

func TestClientErrorMapped(t *testing.T) {
	pipe, _ := testServer(t)
	c, err := New(Config{Transport: pipe, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	err = c.Start(context.Background(), []string{"ghost"}, nil, nil)
	var ipcErr *ipc.Error
	if !errors.As(err, &ipcErr) || ipcErr.Code != ipc.CodeNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	pipe := ipc.NewPipe() // nothing listening
	c, err := New(Config{Transport: pipe, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	_, err = c.Ping(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v", err)
	}
}

func TestClientPing(t *testing.T) {
	pipe, _ := testServer(t)
	c, err := New(Config{Transport: pipe, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	res, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res["protocol_version"] != ipc.ProtocolVersion {
		t.Fatalf("ping result = %v", res)
	}
}

func TestFallbackDirectControl(t *testing.T) {
	fake := adapter.NewFake()
	orch, err := orchestrator.New(orchestrator.Config{
		Services: []service.Descriptor{{Name: "collector", Adapter: fake}},
		Registry: registry.NewMemory(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	fb := NewFallback(orch, nil)
	ctx := context.Background()
	if err := fb.Start(ctx, []string{"collector"}, nil, nil); err != nil {
		t.Fatalf("fallback start: %v", err)
	}
	if !fake.Running() {
		t.Fatalf("collector not running")
	}
	sts, err := fb.Status(nil)
	if err != nil {
		t.Fatalf("fallback status: %v", err)
	}
	if len(sts) != 1 || sts[0].State != service.StateRunning {
		t.Fatalf("status = %+v", sts)
	}
	if err := fb.Stop(ctx, []string{"collector"}, false, false, nil); err != nil {
		t.Fatalf("fallback stop: %v", err)
	}
	if fake.Running() {
		t.Fatalf("collector still running")
	}
}
