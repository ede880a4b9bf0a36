package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomlabs/warden/internal/adapter"
	"github.com/loomlabs/warden/internal/env"
	"github.com/loomlabs/warden/internal/logger"
	"github.com/loomlabs/warden/internal/registry"
	"github.com/loomlabs/warden/internal/service"
	"github.com/spf13/viper"
)

// FileConfig is the top-level TOML structure.
type FileConfig struct {
	// Env lists global "K=V" overrides applied to every managed service.
	Env      []string        `toml:"env" mapstructure:"env"`
	Services []ServiceConfig `toml:"services" mapstructure:"services"`
	Registry RegistryConfig  `toml:"registry" mapstructure:"registry"`
	IPC      IPCConfig       `toml:"ipc" mapstructure:"ipc"`
	Watchdog WatchdogConfig  `toml:"watchdog" mapstructure:"watchdog"`
	Log      logger.Config   `toml:"log" mapstructure:"log"`
	History  HistoryConfig   `toml:"history" mapstructure:"history"`
	HTTP     HTTPConfig      `toml:"http" mapstructure:"http"`
}

// ServiceConfig describes one managed service. Strategies are tried in
// order; a service with no strategies gets a single native command strategy.
type ServiceConfig struct {
	Name         string           `toml:"name" mapstructure:"name"`
	Type         string           `toml:"type" mapstructure:"type"`
	Command      string           `toml:"command" mapstructure:"command"`
	WorkDir      string           `toml:"workdir" mapstructure:"workdir"`
	Env          []string         `toml:"env" mapstructure:"env"`
	Port         int              `toml:"port" mapstructure:"port"`
	HealthURL    string           `toml:"health_url" mapstructure:"health_url"`
	DependsOn    []string         `toml:"depends_on" mapstructure:"depends_on"`
	Required     bool             `toml:"required" mapstructure:"required"`
	Phase        string           `toml:"phase" mapstructure:"phase"`
	StartTimeout time.Duration    `toml:"start_timeout" mapstructure:"start_timeout"`
	StopTimeout  time.Duration    `toml:"stop_timeout" mapstructure:"stop_timeout"`
	Strategies   []StrategyConfig `toml:"strategies" mapstructure:"strategies"`
}

// StrategyConfig is one entry of a service's fallback chain.
type StrategyConfig struct {
	Name      string `toml:"name" mapstructure:"name"`
	Command   string `toml:"command" mapstructure:"command"`
	WorkDir   string `toml:"workdir" mapstructure:"workdir"`
	Port      int    `toml:"port" mapstructure:"port"`
	HealthURL string `toml:"health_url" mapstructure:"health_url"`
}

type RegistryConfig struct {
	Type string `toml:"type" mapstructure:"type"`
	Path string `toml:"path" mapstructure:"path"`
	DSN  string `toml:"dsn" mapstructure:"dsn"`
	// ReconcileInterval drives the durable-store reconciler while the
	// registry runs degraded.
	ReconcileInterval time.Duration `toml:"reconcile_interval" mapstructure:"reconcile_interval"`
}

type IPCConfig struct {
	Kind       string `toml:"kind" mapstructure:"kind"`
	SocketPath string `toml:"socket_path" mapstructure:"socket_path"`
	TCPAddr    string `toml:"tcp_addr" mapstructure:"tcp_addr"`
	TLSCert    string `toml:"tls_cert" mapstructure:"tls_cert"`
	TLSKey     string `toml:"tls_key" mapstructure:"tls_key"`
	TLSCACert  string `toml:"tls_ca_cert" mapstructure:"tls_ca_cert"`
	// TokenSecretFile holds the HMAC secret for signed command tokens.
	TokenSecretFile string        `toml:"token_secret_file" mapstructure:"token_secret_file"`
	MaxConns        int           `toml:"max_conns" mapstructure:"max_conns"`
	RateLimit       int           `toml:"rate_limit" mapstructure:"rate_limit"`
	RateWindow      time.Duration `toml:"rate_window" mapstructure:"rate_window"`
	RequestTimeout  time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
}

type WatchdogConfig struct {
	Interval         time.Duration   `toml:"interval" mapstructure:"interval"`
	ProbeTimeout     time.Duration   `toml:"probe_timeout" mapstructure:"probe_timeout"`
	FailureThreshold int             `toml:"failure_threshold" mapstructure:"failure_threshold"`
	BreakerCooldown  time.Duration   `toml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
	BreakerMax       time.Duration   `toml:"breaker_max" mapstructure:"breaker_max"`
	RecoveryBackoff  []time.Duration `toml:"recovery_backoff" mapstructure:"recovery_backoff"`
	StaleTimeout     time.Duration   `toml:"stale_timeout" mapstructure:"stale_timeout"`
	PruneInterval    time.Duration   `toml:"prune_interval" mapstructure:"prune_interval"`
}

// HistoryConfig configures lifecycle event sinks. Type is sqlite, postgres
// or clickhouse; multiple sinks fan out.
type HistoryConfig struct {
	Sinks []HistorySinkConfig `toml:"sinks" mapstructure:"sinks"`
}

type HistorySinkConfig struct {
	Type string `toml:"type" mapstructure:"type"`
	DSN  string `toml:"dsn" mapstructure:"dsn"`
}

// HTTPConfig exposes the read-only operational endpoint.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Default returns the built-in configuration used when no file is given:
// the standard developer-tool service set on a sqlite registry under dir.
func Default(dir string) *FileConfig {
	return &FileConfig{
		Services: []ServiceConfig{
			{Name: "metricsdb", Type: "process", Required: true, Phase: "core", Command: "warden-metricsdb"},
			{Name: "collector", Type: "process", Required: true, Phase: "core", Command: "warden-collector"},
			{Name: "watcher", Type: "process", Phase: "infra", Command: "warden-watcher"},
			{Name: "bridge", Type: "process", Phase: "infra", Command: "warden-bridge"},
			{
				Name: "dashboard", Type: "process", Phase: "frontend", Command: "warden-dashboard",
				DependsOn: []string{"metricsdb", "collector", "watcher"},
			},
		},
		Registry: RegistryConfig{Type: "sqlite", Path: filepath.Join(dir, "registry.db")},
		IPC:      IPCConfig{SocketPath: filepath.Join(dir, "warden.sock")},
	}
}

// Validate rejects configurations the runtime could not honor.
func (fc *FileConfig) Validate() error {
	seen := map[string]bool{}
	for i := range fc.Services {
		sc := &fc.Services[i]
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return fmt.Errorf("services[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate service %q", name)
		}
		seen[name] = true
		if sc.Command == "" && len(sc.Strategies) == 0 {
			return fmt.Errorf("service %q: command or strategies required", name)
		}
		for _, st := range sc.Strategies {
			if st.Name == "" || st.Command == "" {
				return fmt.Errorf("service %q: strategy entries need name and command", name)
			}
		}
	}
	for _, sc := range fc.Services {
		for _, dep := range sc.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("service %q: unknown dependency %q", sc.Name, dep)
			}
		}
	}
	switch fc.Registry.Type {
	case "", "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("registry: unknown type %q", fc.Registry.Type)
	}
	for _, sk := range fc.History.Sinks {
		switch sk.Type {
		case "sqlite", "postgres", "clickhouse":
		default:
			return fmt.Errorf("history: unknown sink type %q", sk.Type)
		}
	}
	return nil
}

// Descriptors converts the service section into runtime descriptors with
// wired adapters.
func (fc *FileConfig) Descriptors() ([]service.Descriptor, error) {
	ge := env.New()
	ge.SetAll(fc.Env)
	out := make([]service.Descriptor, 0, len(fc.Services))
	for _, sc := range fc.Services {
		sc.Env = ge.Merge(sc.Env)
		d := service.Descriptor{
			Name:         sc.Name,
			Type:         sc.Type,
			DependsOn:    sc.DependsOn,
			Required:     sc.Required,
			Phase:        service.Phase(sc.Phase),
			StartTimeout: sc.StartTimeout,
			StopTimeout:  sc.StopTimeout,
			Adapter:      buildAdapter(sc),
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func buildAdapter(sc ServiceConfig) service.Adapter {
	if len(sc.Strategies) == 0 {
		return execFor(sc.Command, sc.WorkDir, sc.Env, sc.Port, sc.HealthURL)
	}
	chain := make([]adapter.Strategy, 0, len(sc.Strategies))
	for _, st := range sc.Strategies {
		workdir := st.WorkDir
		if workdir == "" {
			workdir = sc.WorkDir
		}
		port := st.Port
		if port == 0 {
			port = sc.Port
		}
		health := st.HealthURL
		if health == "" {
			health = sc.HealthURL
		}
		chain = append(chain, adapter.Strategy{
			Name:    st.Name,
			Adapter: execFor(st.Command, workdir, sc.Env, port, health),
		})
	}
	return adapter.NewChain(chain...)
}

func execFor(command, workdir string, env []string, port int, healthURL string) *adapter.Exec {
	e := adapter.NewExec(command)
	e.WorkDir = workdir
	e.Env = env
	e.Port = port
	if healthURL != "" {
		e.Probe = adapter.HTTPProbe{URL: healthURL}
	}
	return e
}

// RegistryConfigFor maps the registry section to the backend factory input.
func (fc *FileConfig) RegistryConfigFor() registry.Config {
	return registry.Config{Type: fc.Registry.Type, Path: fc.Registry.Path, DSN: fc.Registry.DSN}
}

// ReadTokenSecret loads the HMAC secret file when configured.
func (fc *FileConfig) ReadTokenSecret() ([]byte, error) {
	if fc.IPC.TokenSecretFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(fc.IPC.TokenSecretFile)
	if err != nil {
		return nil, fmt.Errorf("read token secret: %w", err)
	}
	return []byte(strings.TrimSpace(string(b))), nil
}
