package supervisor

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/loomlabs/warden/internal/ipc"
	"github.com/loomlabs/warden/internal/orchestrator"
	"github.com/loomlabs/warden/internal/registry"
	"github.com/loomlabs/warden/internal/service"
	"github.com/loomlabs/warden/internal/watchdog"
)

// StatusDoc is the reply to the status action.
type StatusDoc struct {
	Supervisor SupervisorInfo                `json:"supervisor"`
	Services   []orchestrator.ServiceStatus `json:"services"`
	Summary    map[string]int               `json:"services_summary"`
	Watchdog   *watchdog.Report             `json:"watchdog,omitempty"`
}

type SupervisorInfo struct {
	PID              int       `json:"pid"`
	Version          string    `json:"version,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	Endpoint         string    `json:"endpoint"`
	RegistryDegraded bool      `json:"registry_degraded,omitempty"`
}

// PingResult answers ping with identity and liveness basics.
type PingResult struct {
	PID             int    `json:"pid"`
	Version         string `json:"version,omitempty"`
	ProtocolVersion string `json:"protocol_version"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

func (s *Server) dispatch(ctx context.Context, c *ipc.Conn, req ipc.Request) ipc.Response {
	notify := s.notifier(c, req)
	var (
		result any
		err    error
	)
	switch req.Action {
	case ipc.ActionPing:
		result = PingResult{
			PID:             os.Getpid(),
			Version:         s.cfg.Version,
			ProtocolVersion: ipc.ProtocolVersion,
			UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		}
	case ipc.ActionStatus:
		result, err = s.statusDoc(req.Filters)
	case ipc.ActionStart:
		err = s.startAction(ctx, req, notify)
		if err == nil {
			result, err = s.statusDoc(req.Filters)
		}
	case ipc.ActionStop:
		err = s.stopAction(ctx, req, notify)
		if err == nil {
			result, err = s.statusDoc(req.Filters)
		}
	case ipc.ActionRestart:
		err = s.restartAction(ctx, req, notify)
		if err == nil {
			result, err = s.statusDoc(req.Filters)
		}
	case ipc.ActionShutdown:
		err = s.cfg.Orchestrator.Shutdown(ctx, notify)
		if err == nil {
			result = map[string]string{"shutdown": "complete"}
		}
	default:
		return ipc.ErrResponse(req.RequestID, ipc.CodeInvalidArgument, "unknown action")
	}
	if err != nil {
		return errToResponse(req.RequestID, err)
	}
	resp, merr := ipc.OKResponse(req.RequestID, result)
	if merr != nil {
		return ipc.ErrResponse(req.RequestID, ipc.CodeInternal, merr.Error())
	}
	return resp
}

// notifier writes progress frames for streaming requests. Dispatch runs on
// the connection's only goroutine, so writing mid-request is safe.
func (s *Server) notifier(c *ipc.Conn, req ipc.Request) orchestrator.Notify {
	if !req.Streaming {
		return nil
	}
	return func(svc string, from, to service.State, msg string) {
		frame := ipc.ProgressResponse(req.RequestID, ipc.Progress{
			Service: svc,
			From:    from.String(),
			To:      to.String(),
			Message: msg,
		})
		if err := c.WriteFrame(frame); err != nil {
			s.log.Debug("progress write failed", "service", svc, "error", err)
		}
	}
}

func (s *Server) startAction(ctx context.Context, req ipc.Request, notify orchestrator.Notify) error {
	if len(req.Filters) == 0 {
		return s.cfg.Orchestrator.StartAll(ctx, notify)
	}
	for _, name := range req.Filters {
		if err := s.cfg.Orchestrator.Start(ctx, name, req.Options, notify); err != nil {
			return err
		}
		if s.cfg.Watchdog != nil {
			s.cfg.Watchdog.Reset(name)
		}
	}
	return nil
}

func (s *Server) stopAction(ctx context.Context, req ipc.Request, notify orchestrator.Notify) error {
	opts := orchestrator.StopOptions{
		IncludeDependents: req.Options["include_dependents"] == "true",
		Force:             req.Options["force"] == "true",
	}
	if len(req.Filters) == 0 {
		return errors.New("stop requires at least one service name")
	}
	for _, name := range req.Filters {
		if err := s.cfg.Orchestrator.Stop(ctx, name, opts, notify); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) restartAction(ctx context.Context, req ipc.Request, notify orchestrator.Notify) error {
	opts := orchestrator.StopOptions{
		IncludeDependents: req.Options["include_dependents"] == "true",
		Force:             req.Options["force"] == "true",
	}
	if len(req.Filters) == 0 {
		return errors.New("restart requires at least one service name")
	}
	for _, name := range req.Filters {
		if err := s.cfg.Orchestrator.Restart(ctx, name, opts, notify); err != nil {
			return err
		}
		if s.cfg.Watchdog != nil {
			s.cfg.Watchdog.Reset(name)
		}
	}
	return nil
}

func (s *Server) statusDoc(filters []string) (StatusDoc, error) {
	services, err := s.cfg.Orchestrator.Status(filters)
	if err != nil {
		return StatusDoc{}, err
	}
	doc := StatusDoc{
		Supervisor: SupervisorInfo{
			PID:           os.Getpid(),
			Version:       s.cfg.Version,
			StartedAt:     s.startedAt,
			UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
			Endpoint:      s.cfg.Transport.Endpoint(),
		},
		Services: services,
		Summary:  make(map[string]int, 4),
	}
	for _, sv := range services {
		doc.Summary[sv.State.String()]++
	}
	if f, ok := s.cfg.Registry.(*registry.Failover); ok {
		doc.Supervisor.RegistryDegraded = f.Degraded()
	}
	if s.cfg.Watchdog != nil {
		rep := s.cfg.Watchdog.Report()
		doc.Watchdog = &rep
	}
	return doc, nil
}

// errToResponse maps orchestrator errors onto the protocol's error codes.
func errToResponse(requestID string, err error) ipc.Response {
	code := ipc.CodeInternal
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		code = ipc.CodeNotFound
	case errors.Is(err, orchestrator.ErrBusy):
		code = ipc.CodeConcurrencyLimit
	case errors.Is(err, orchestrator.ErrDependentsRunning):
		code = ipc.CodeInvalidArgument
	case errors.Is(err, orchestrator.ErrShuttingDown):
		code = ipc.CodeInvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		code = ipc.CodeTimeout
	}
	return ipc.ErrResponse(requestID, code, err.Error())
}
