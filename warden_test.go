//go:build !windows

package warden

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomlabs/warden/internal/config"
	"github.com/loomlabs/warden/pkg/client"
)

func testConfig(t *testing.T) *config.FileConfig {
	t.Helper()
	dir := t.TempDir()
	return &config.FileConfig{
		Services: []config.ServiceConfig{
			{Name: "collector", Type: "process", Required: true, Phase: "core", Command: "sleep 30"},
			{Name: "bridge", Type: "process", Phase: "infra", Command: "sleep 30", DependsOn: []string{"collector"}},
		},
		Registry: config.RegistryConfig{Type: "memory"},
		IPC:      config.IPCConfig{SocketPath: filepath.Join(dir, "warden.sock")},
	}
}

func TestRuntimeEndToEnd(t *testing.T) {
	fc := testConfig(t)
	w, err := New(fc)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = w.Stop(stopCtx)
	}()
	if err := w.StartAll(ctx); err != nil {
		t.Fatalf("start services: %v", err)
	}

	tr, err := Transport(fc)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	c, err := client.New(client.Config{Transport: tr, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	res, err := c.Ping(ctx)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res["protocol_version"] == "" {
		t.Fatalf("ping = %v", res)
	}
	doc, err := c.Status(ctx, nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	services, ok := doc["services"].([]any)
	if !ok || len(services) != 2 {
		t.Fatalf("status services = %v", doc["services"])
	}
}

func TestLoadConfigDefault(t *testing.T) {
	fc, err := LoadConfig("", "/tmp/warden-test")
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if len(fc.Services) != 5 {
		t.Fatalf("default services = %d", len(fc.Services))
	}
}
