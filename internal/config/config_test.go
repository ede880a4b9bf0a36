package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomlabs/warden/internal/adapter"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[registry]
type = "sqlite"
path = "/tmp/warden/registry.db"

[ipc]
socket_path = "/tmp/warden/warden.sock"
rate_limit = 10
rate_window = "1m"

[watchdog]
interval = "10s"
failure_threshold = 3

[log]
level = "debug"
dir = "/tmp/warden/logs"

[[history.sinks]]
type = "sqlite"
dsn = "/tmp/warden/history.db"

[http]
enabled = true
listen = "127.0.0.1:9090"

[[services]]
name = "metricsdb"
type = "process"
command = "warden-metricsdb --data /tmp/metrics"
required = true
phase = "core"
port = 7700

[[services]]
name = "dashboard"
phase = "frontend"
depends_on = ["metricsdb"]
health_url = "http://127.0.0.1:7800/healthz"

  [[services.strategies]]
  name = "native"
  command = "warden-dashboard"

  [[services.strategies]]
  name = "fallback"
  command = "python3 -m http.server 7800"
`)
	fc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fc.Registry.Type != "sqlite" || fc.IPC.RateLimit != 10 || fc.IPC.RateWindow != time.Minute {
		t.Fatalf("sections: %+v %+v", fc.Registry, fc.IPC)
	}
	if fc.Watchdog.Interval != 10*time.Second || fc.Watchdog.FailureThreshold != 3 {
		t.Fatalf("watchdog: %+v", fc.Watchdog)
	}
	if len(fc.History.Sinks) != 1 || fc.History.Sinks[0].Type != "sqlite" {
		t.Fatalf("history: %+v", fc.History)
	}
	if !fc.HTTP.Enabled || fc.HTTP.Listen != "127.0.0.1:9090" {
		t.Fatalf("http: %+v", fc.HTTP)
	}

	descs, err := fc.Descriptors()
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("descriptors = %d", len(descs))
	}
	var found bool
	for _, d := range descs {
		if d.Name == "dashboard" {
			found = true
			if _, ok := d.Adapter.(*adapter.Chain); !ok {
				t.Fatalf("dashboard adapter %T, want chain", d.Adapter)
			}
			if len(d.DependsOn) != 1 || d.DependsOn[0] != "metricsdb" {
				t.Fatalf("dashboard deps = %v", d.DependsOn)
			}
		}
	}
	if !found {
		t.Fatalf("dashboard descriptor missing")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing name", `
[[services]]
command = "x"
`},
		{"duplicate", `
[[services]]
name = "a"
command = "x"
[[services]]
name = "a"
command = "y"
`},
		{"no command", `
[[services]]
name = "a"
`},
		{"unknown dep", `
[[services]]
name = "a"
command = "x"
depends_on = ["ghost"]
`},
		{"bad registry", `
[registry]
type = "etcd"
[[services]]
name = "a"
command = "x"
`},
		{"bad sink", `
[[history.sinks]]
type = "kafka"
[[services]]
name = "a"
command = "x"
`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.body)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: config accepted", tc.name)
		}
	}
}

func TestDefaultTopology(t *testing.T) {
	fc := Default("/tmp/warden")
	if err := fc.Validate(); err != nil {
		t.Fatalf("default invalid: %v", err)
	}
	descs, err := fc.Descriptors()
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	if len(descs) != 5 {
		t.Fatalf("default services = %d", len(descs))
	}
	byName := map[string][]string{}
	for _, d := range descs {
		byName[d.Name] = d.DependsOn
	}
	want := []string{"metricsdb", "collector", "watcher"}
	got := byName["dashboard"]
	if len(got) != len(want) {
		t.Fatalf("dashboard deps = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dashboard deps = %v", got)
		}
	}
}

func TestReadTokenSecret(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "secret")
	if err := os.WriteFile(secretPath, []byte("s3cr3t\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	fc := &FileConfig{}
	fc.IPC.TokenSecretFile = secretPath
	b, err := fc.ReadTokenSecret()
	if err != nil {
		t.Fatalf("read secret: %v", err)
	}
	if string(b) != "s3cr3t" {
		t.Fatalf("secret = %q", b)
	}
	fc.IPC.TokenSecretFile = ""
	if b, err := fc.ReadTokenSecret(); err != nil || b != nil {
		t.Fatalf("unset secret: %v %v", b, err)
	}
}
