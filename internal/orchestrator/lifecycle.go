package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/loomlabs/warden/internal/history"
	"github.com/loomlabs/warden/internal/metrics"
	"github.com/loomlabs/warden/internal/service"
)

// Start brings one service and its dependencies to running. Starting an
// already-running service is a no-op. Dependencies are started depth-first;
// a failed required dependency aborts the start and rolls back every service
// this call started, a failed optional one lets the service come up degraded.
func (o *Orchestrator) Start(ctx context.Context, name string, options map[string]string, notify Notify) error {
	if o.shuttingDown() {
		return ErrShuttingDown
	}
	var startedHere []string
	err := o.startNamed(ctx, name, options, notify, &startedHere)
	if err != nil {
		o.rollback(ctx, startedHere, notify)
	}
	return err
}

// startNamed locks and starts one service, appending every service the
// sequence brings up to started. Rollback on failure is the caller's job.
func (o *Orchestrator) startNamed(ctx context.Context, name string, options map[string]string, notify Notify, started *[]string) error {
	m, err := o.get(name)
	if err != nil {
		return err
	}
	if !m.op.TryLock() {
		return fmt.Errorf("%w: %q", ErrBusy, name)
	}
	defer m.op.Unlock()
	return o.startLocked(ctx, m, options, notify, started)
}

// rollback stops services started by a failed sequence, in reverse order,
// leaving no registry entries behind.
func (o *Orchestrator) rollback(ctx context.Context, started []string, notify Notify) {
	for i := len(started) - 1; i >= 0; i-- {
		if err := o.Stop(ctx, started[i], StopOptions{IncludeDependents: true}, notify); err != nil {
			o.log.Warn("rollback stop failed", "service", started[i], "error", err)
		}
	}
}

func (o *Orchestrator) startLocked(ctx context.Context, m *managed, options map[string]string, notify Notify, started *[]string) error {
	if m.State() == service.StateRunning {
		return nil
	}

	var degraded string
	for _, depName := range m.desc.DependsOn {
		dep := o.services[depName]
		if dep.State() == service.StateRunning {
			continue
		}
		err := o.startNamed(ctx, depName, nil, notify, started)
		if err == nil && dep.State() == service.StateRunning {
			continue
		}
		if o.requiredBy(m, depName) {
			return fmt.Errorf("service %q: required dependency %q failed: %w", m.desc.Name, depName, depErr(err))
		}
		o.log.Warn("optional dependency unavailable, starting degraded",
			"service", m.desc.Name, "dependency", depName, "error", depErr(err))
		degraded = fmt.Sprintf("dependency %s unavailable", depName)
	}
	m.mu.Lock()
	m.degraded = degraded
	m.mu.Unlock()

	if err := o.transition(ctx, m, service.StateStarting, notify, ""); err != nil {
		return err
	}
	timeout := m.desc.StartTimeout
	if timeout <= 0 {
		timeout = o.startTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	res, err := m.desc.Adapter.Start(startCtx, options)
	cancel()
	if err != nil {
		_ = o.transition(ctx, m, service.StateFailed, notify, err.Error())
		o.emit(ctx, history.Event{Type: history.EventFailure, Service: m.desc.Name, Detail: err.Error()})
		return fmt.Errorf("start %q: %w", m.desc.Name, err)
	}

	m.mu.Lock()
	m.result = res
	m.started = time.Now()
	m.mu.Unlock()
	if err := o.transition(ctx, m, service.StateRunning, notify, ""); err != nil {
		return err
	}
	o.register(ctx, m, res)
	*started = append(*started, m.desc.Name)
	o.updateRunningGauge()
	metrics.IncStart(m.desc.Name, res.Metadata["strategy"])
	o.emit(ctx, history.Event{
		Type:     history.EventStart,
		Service:  m.desc.Name,
		PID:      res.PID,
		Strategy: res.Metadata["strategy"],
		Detail:   degraded,
	})
	o.log.Info("service started", "service", m.desc.Name, "pid", res.PID, "strategy", res.Metadata["strategy"])
	return nil
}

// requiredBy reports whether dep is a hard dependency from m's point of
// view: the dependency's own Required flag decides.
func (o *Orchestrator) requiredBy(_ *managed, dep string) bool {
	return o.services[dep].desc.Required
}

func depErr(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("did not reach running")
}

// StartAll starts every configured service in dependency order. A required
// service failure stops the rollout and rolls back the services this call
// started, in reverse order. Optional failures log, mark dependents
// degraded, and continue.
func (o *Orchestrator) StartAll(ctx context.Context, notify Notify) error {
	if o.shuttingDown() {
		return ErrShuttingDown
	}
	var startedHere []string
	for _, name := range o.order {
		m := o.services[name]
		if m.State() == service.StateRunning {
			continue
		}
		err := o.Start(ctx, name, nil, notify)
		if err == nil {
			startedHere = append(startedHere, name)
			continue
		}
		if !m.desc.Required {
			o.log.Warn("optional service failed to start", "service", name, "error", err)
			continue
		}
		o.log.Error("required service failed to start, rolling back", "service", name, "error", err)
		for i := len(startedHere) - 1; i >= 0; i-- {
			if stopErr := o.Stop(ctx, startedHere[i], StopOptions{IncludeDependents: true}, notify); stopErr != nil {
				o.log.Warn("rollback stop failed", "service", startedHere[i], "error", stopErr)
			}
		}
		return fmt.Errorf("required service %q: %w", name, err)
	}
	return nil
}

// StopOptions alters Stop behavior.
type StopOptions struct {
	// IncludeDependents stops running dependents first, in safe order.
	// Without it, running dependents reject the stop.
	IncludeDependents bool
	// Force skips the graceful window and kills immediately.
	Force bool
}

// Stop takes one service to stopped. Stopping a service that is not running
// is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, name string, opts StopOptions, notify Notify) error {
	m, err := o.get(name)
	if err != nil {
		return err
	}
	running := o.runningDependents(name)
	if len(running) > 0 {
		if !opts.IncludeDependents {
			return fmt.Errorf("%w: %q is required by %v", ErrDependentsRunning, name, running)
		}
		for _, dep := range running {
			if err := o.Stop(ctx, dep, StopOptions{Force: opts.Force}, notify); err != nil {
				return fmt.Errorf("stop dependent %q: %w", dep, err)
			}
		}
	}
	if !m.op.TryLock() {
		return fmt.Errorf("%w: %q", ErrBusy, name)
	}
	defer m.op.Unlock()
	return o.stopLocked(ctx, m, opts.Force, notify)
}

func (o *Orchestrator) stopLocked(ctx context.Context, m *managed, force bool, notify Notify) error {
	if st := m.State(); st != service.StateRunning {
		return nil
	}
	if err := o.transition(ctx, m, service.StateStopping, notify, ""); err != nil {
		return err
	}
	timeout := m.desc.StopTimeout
	if timeout <= 0 {
		timeout = o.stopTimeout
	}
	if force {
		timeout = 0
	}
	m.mu.Lock()
	pid := m.result.PID
	m.mu.Unlock()
	err := m.desc.Adapter.Stop(ctx, timeout)
	if err != nil {
		// graceful stop failed; escalate once before declaring failure
		o.log.Warn("graceful stop failed, forcing", "service", m.desc.Name, "error", err)
		if ferr := m.desc.Adapter.Stop(ctx, 0); ferr != nil {
			_ = o.transition(ctx, m, service.StateFailed, notify, ferr.Error())
			return fmt.Errorf("stop %q: %w", m.desc.Name, ferr)
		}
		force = true
	}
	if terr := o.transition(ctx, m, service.StateStopped, notify, ""); terr != nil {
		return terr
	}
	o.unregister(ctx, m)
	o.updateRunningGauge()
	metrics.IncStop(m.desc.Name, force)
	o.emit(ctx, history.Event{Type: history.EventStop, Service: m.desc.Name, PID: pid})
	o.log.Info("service stopped", "service", m.desc.Name, "forced", force)
	return nil
}

// runningDependents lists transitive dependents of name that are not
// terminal, in safe stop order.
func (o *Orchestrator) runningDependents(name string) []string {
	var out []string
	for _, dep := range o.TransitiveDependents(name) {
		switch o.services[dep].State() {
		case service.StateRunning, service.StateStarting, service.StateRecovering:
			out = append(out, dep)
		}
	}
	return out
}

// Restart stops then starts one service. Dependent handling follows the
// same rules as Stop; dependents stopped for the restart are started again
// afterwards in dependency order.
func (o *Orchestrator) Restart(ctx context.Context, name string, opts StopOptions, notify Notify) error {
	if o.shuttingDown() {
		return ErrShuttingDown
	}
	m, err := o.get(name)
	if err != nil {
		return err
	}
	restartDeps := o.runningDependents(name)
	if len(restartDeps) > 0 && !opts.IncludeDependents {
		return fmt.Errorf("%w: %q is required by %v", ErrDependentsRunning, name, restartDeps)
	}
	if err := o.Stop(ctx, name, opts, notify); err != nil {
		return err
	}
	if err := o.Start(ctx, name, nil, notify); err != nil {
		return err
	}
	for i := len(restartDeps) - 1; i >= 0; i-- {
		if err := o.Start(ctx, restartDeps[i], nil, notify); err != nil {
			return fmt.Errorf("restart dependent %q: %w", restartDeps[i], err)
		}
	}
	m.mu.Lock()
	pid := m.result.PID
	m.mu.Unlock()
	metrics.IncRestart(name)
	o.emit(ctx, history.Event{Type: history.EventRestart, Service: name, PID: pid})
	return nil
}

// Recover replaces a running but unhealthy service through the recovering
// state. It is the watchdog's entry point.
func (o *Orchestrator) Recover(ctx context.Context, name string, notify Notify) error {
	if o.shuttingDown() {
		return ErrShuttingDown
	}
	m, err := o.get(name)
	if err != nil {
		return err
	}
	if !m.op.TryLock() {
		return fmt.Errorf("%w: %q", ErrBusy, name)
	}
	defer m.op.Unlock()
	if m.State() != service.StateRunning {
		return fmt.Errorf("recover %q: not running", name)
	}
	if err := o.transition(ctx, m, service.StateRecovering, notify, "health check failed"); err != nil {
		return err
	}
	timeout := m.desc.StopTimeout
	if timeout <= 0 {
		timeout = o.stopTimeout
	}
	if err := m.desc.Adapter.Stop(ctx, timeout); err != nil {
		_ = m.desc.Adapter.Stop(ctx, 0)
	}
	startTimeout := m.desc.StartTimeout
	if startTimeout <= 0 {
		startTimeout = o.startTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	res, err := m.desc.Adapter.Start(startCtx, nil)
	cancel()
	if err != nil {
		_ = o.transition(ctx, m, service.StateFailed, notify, err.Error())
		o.unregister(ctx, m)
		o.updateRunningGauge()
		o.emit(ctx, history.Event{Type: history.EventFailure, Service: name, Detail: err.Error()})
		return fmt.Errorf("recover %q: %w", name, err)
	}
	m.mu.Lock()
	m.result = res
	m.started = time.Now()
	id := m.entryID
	m.mu.Unlock()
	if err := o.transition(ctx, m, service.StateRunning, notify, "recovered"); err != nil {
		return err
	}
	if id == "" {
		o.register(ctx, m, res)
	} else {
		// PID may have changed; re-register under the same name
		o.unregister(ctx, m)
		o.register(ctx, m, res)
	}
	o.updateRunningGauge()
	metrics.IncRestart(name)
	o.emit(ctx, history.Event{Type: history.EventRestart, Service: name, PID: res.PID, Detail: "recovered"})
	o.log.Info("service recovered", "service", name, "pid", res.PID)
	return nil
}
