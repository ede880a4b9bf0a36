// Package warden embeds the warden supervisor: a single-host lifecycle
// controller for background developer services.
package warden

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loomlabs/warden/internal/config"
	"github.com/loomlabs/warden/internal/history"
	hch "github.com/loomlabs/warden/internal/history/clickhouse"
	hpg "github.com/loomlabs/warden/internal/history/postgres"
	hsq "github.com/loomlabs/warden/internal/history/sqlite"
	"github.com/loomlabs/warden/internal/httpapi"
	"github.com/loomlabs/warden/internal/ipc"
	"github.com/loomlabs/warden/internal/logger"
	"github.com/loomlabs/warden/internal/metrics"
	"github.com/loomlabs/warden/internal/orchestrator"
	"github.com/loomlabs/warden/internal/registry"
	_ "github.com/loomlabs/warden/internal/registry/postgres"
	_ "github.com/loomlabs/warden/internal/registry/sqlite"
	"github.com/loomlabs/warden/internal/service"
	"github.com/loomlabs/warden/internal/supervisor"
	"github.com/loomlabs/warden/internal/watchdog"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Descriptor = service.Descriptor

type ServiceStatus = orchestrator.ServiceStatus

type FileConfig = config.FileConfig

const Version = "0.1.0"

// Warden bundles the supervisor runtime: registry, orchestrator, watchdog
// and IPC server, wired from one config.
type Warden struct {
	cfg   *config.FileConfig
	log   *slog.Logger
	audit io.Closer

	Registry     registry.Store
	Orchestrator *orchestrator.Orchestrator
	Watchdog     *watchdog.Watchdog
	Server       *supervisor.Server

	failover *registry.Failover
	hist     history.Sink
	httpSrv  *http.Server
}

// LoadConfig reads a TOML config, or the built-in default topology rooted
// at dir when path is empty.
func LoadConfig(path, dir string) (*config.FileConfig, error) {
	if path == "" {
		return config.Default(dir), nil
	}
	return config.Load(path)
}

// New wires a Warden from config. Call Start to begin serving.
func New(fc *config.FileConfig) (*Warden, error) {
	log := logger.New(fc.Log.Level)
	audit, auditCloser, err := fc.Log.NewAudit()
	if err != nil {
		return nil, err
	}
	w := &Warden{cfg: fc, log: log, audit: auditCloser}

	durable, err := registry.Open(fc.RegistryConfigFor())
	if err != nil {
		return nil, err
	}
	fo := registry.NewFailover(durable, log)
	w.failover = fo
	w.Registry = fo

	w.hist, err = buildHistory(fc.History)
	if err != nil {
		return nil, err
	}

	descs, err := fc.Descriptors()
	if err != nil {
		return nil, err
	}
	w.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Services: descs,
		Registry: w.Registry,
		Logger:   log,
		History:  w.hist,
	})
	if err != nil {
		return nil, err
	}

	w.Watchdog = watchdog.New(w.Orchestrator, log, watchdog.Config{
		Interval:         fc.Watchdog.Interval,
		ProbeTimeout:     fc.Watchdog.ProbeTimeout,
		FailureThreshold: fc.Watchdog.FailureThreshold,
		BreakerCooldown:  fc.Watchdog.BreakerCooldown,
		BreakerMax:       fc.Watchdog.BreakerMax,
		RecoveryBackoff:  fc.Watchdog.RecoveryBackoff,
		StaleTimeout:     fc.Watchdog.StaleTimeout,
		PruneInterval:    fc.Watchdog.PruneInterval,
		// the supervisor row's heartbeat rides the watchdog's probe cycle, so
		// a stale row implicates the watchdog too
		Heartbeat: func(ctx context.Context) error { return w.Server.Heartbeat(ctx) },
	})

	transport, err := ipc.NewTransport(ipc.TransportConfig{
		Kind:       fc.IPC.Kind,
		SocketPath: fc.IPC.SocketPath,
		TCPAddr:    fc.IPC.TCPAddr,
		TLSCert:    fc.IPC.TLSCert,
		TLSKey:     fc.IPC.TLSKey,
		TLSCACert:  fc.IPC.TLSCACert,
	})
	if err != nil {
		return nil, err
	}
	secret, err := fc.ReadTokenSecret()
	if err != nil {
		return nil, err
	}
	w.Server, err = supervisor.New(supervisor.Config{
		Transport:      transport,
		Orchestrator:   w.Orchestrator,
		Watchdog:       w.Watchdog,
		Registry:       w.Registry,
		Logger:         log,
		Audit:          audit,
		TokenSecret:    secret,
		MaxConns:       fc.IPC.MaxConns,
		RateLimit:      fc.IPC.RateLimit,
		RateWindow:     fc.IPC.RateWindow,
		RequestTimeout: fc.IPC.RequestTimeout,
		StaleTimeout:   fc.Watchdog.StaleTimeout,
		Version:        Version,
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func buildHistory(hc config.HistoryConfig) (history.Sink, error) {
	if len(hc.Sinks) == 0 {
		return nil, nil
	}
	var fan history.Fanout
	for _, sc := range hc.Sinks {
		var (
			s   history.Sink
			err error
		)
		switch sc.Type {
		case "sqlite":
			s, err = hsq.New(sc.DSN)
		case "postgres":
			s, err = hpg.New(sc.DSN)
		case "clickhouse":
			s, err = hch.NewFromDSN(sc.DSN)
		default:
			err = fmt.Errorf("history: unknown sink type %q", sc.Type)
		}
		if err != nil {
			return nil, err
		}
		fan = append(fan, s)
	}
	return fan, nil
}

// Start brings the runtime up: schema, metrics, IPC server, watchdog,
// reconciler, and optionally the HTTP endpoint. It does not start managed
// services; use StartAll or the IPC surface for that.
func (w *Warden) Start(ctx context.Context) error {
	if err := w.Registry.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		w.log.Warn("metrics registration failed", "error", err)
	}
	if err := w.Server.Start(ctx); err != nil {
		return err
	}
	w.failover.StartReconciler(w.cfg.Registry.ReconcileInterval)
	w.Watchdog.Start(ctx)
	if w.cfg.HTTP.Enabled {
		router := httpapi.NewRouter(w.Orchestrator, w.Watchdog, w.Registry, "")
		w.httpSrv = httpapi.NewServer(w.cfg.HTTP.Listen, router)
		w.log.Info("http endpoint listening", "addr", w.cfg.HTTP.Listen)
	}
	return nil
}

// StartAll starts every configured service in dependency order.
func (w *Warden) StartAll(ctx context.Context) error {
	return w.Orchestrator.StartAll(ctx, nil)
}

// ShutdownRequested closes when a client sent the shutdown command.
func (w *Warden) ShutdownRequested() <-chan struct{} {
	return w.Server.ShutdownRequested()
}

// Stop tears the runtime down: managed services first, then the server and
// auxiliary loops.
func (w *Warden) Stop(ctx context.Context) error {
	err := w.Orchestrator.Shutdown(ctx, nil)
	w.Watchdog.Stop()
	w.Server.Stop()
	w.failover.StopReconciler()
	if w.httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = w.httpSrv.Shutdown(shutCtx)
		cancel()
	}
	if w.hist != nil {
		_ = w.hist.Close()
	}
	_ = w.Registry.Close()
	if w.audit != nil {
		_ = w.audit.Close()
	}
	return err
}

// Transport builds the IPC transport described by a config, for clients
// that need to reach the supervisor the config describes.
func Transport(fc *config.FileConfig) (ipc.Transport, error) {
	return ipc.NewTransport(ipc.TransportConfig{
		Kind:       fc.IPC.Kind,
		SocketPath: fc.IPC.SocketPath,
		TCPAddr:    fc.IPC.TCPAddr,
		TLSCert:    fc.IPC.TLSCert,
		TLSKey:     fc.IPC.TLSKey,
		TLSCACert:  fc.IPC.TLSCACert,
	})
}
