package client

import (
	"context"
	"log/slog"

	"github.com/loomlabs/warden/internal/ipc"
	"github.com/loomlabs/warden/internal/orchestrator"
	"github.com/loomlabs/warden/internal/service"
)

// Fallback drives an in-process orchestrator when no supervisor is
// reachable. Services started this way are not watched or recovered; the
// caller should surface Remediation to the user.
type Fallback struct {
	orch *orchestrator.Orchestrator
	log  *slog.Logger
}

// Remediation explains the degraded mode to the end user.
const Remediation = "supervisor is not running; services were managed directly and will not be monitored. Run 'warden serve' to restore supervision."

func NewFallback(orch *orchestrator.Orchestrator, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{orch: orch, log: logger}
}

func notifyAdapter(onProgress ProgressFunc) orchestrator.Notify {
	if onProgress == nil {
		return nil
	}
	return func(svc string, from, to service.State, msg string) {
		onProgress(ipc.Progress{Service: svc, From: from.String(), To: to.String(), Message: msg})
	}
}

func (f *Fallback) Start(ctx context.Context, names []string, options map[string]string, onProgress ProgressFunc) error {
	f.log.Warn("supervisor unreachable, starting services directly")
	if len(names) == 0 {
		return f.orch.StartAll(ctx, notifyAdapter(onProgress))
	}
	for _, name := range names {
		if err := f.orch.Start(ctx, name, options, notifyAdapter(onProgress)); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fallback) Stop(ctx context.Context, names []string, includeDependents, force bool, onProgress ProgressFunc) error {
	f.log.Warn("supervisor unreachable, stopping services directly")
	opts := orchestrator.StopOptions{IncludeDependents: includeDependents, Force: force}
	for _, name := range names {
		if err := f.orch.Stop(ctx, name, opts, notifyAdapter(onProgress)); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fallback) Status(filters []string) ([]orchestrator.ServiceStatus, error) {
	return f.orch.Status(filters)
}
