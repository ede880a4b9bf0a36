package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loomlabs/warden/internal/service"
)

// Shutdown stops every running service, phase by phase: frontend first,
// then infrastructure, then core. Within a phase services stop in reverse
// dependency order. A service that exceeds its graceful window is killed.
// Concurrent callers share one shutdown; later calls subscribe to the
// in-flight sequence's remaining transitions, wait for the first to finish,
// and return its error.
func (o *Orchestrator) Shutdown(ctx context.Context, notify Notify) error {
	o.shutMu.Lock()
	if o.shutDone != nil {
		done := o.shutDone
		if notify != nil {
			o.shutNotify = append(o.shutNotify, notify)
		}
		o.shutMu.Unlock()
		select {
		case <-done:
			return o.shutErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.shutDone = make(chan struct{})
	if notify != nil {
		o.shutNotify = append(o.shutNotify, notify)
	}
	o.shutMu.Unlock()

	err := o.shutdownAll(ctx, o.fanNotify)
	o.shutMu.Lock()
	o.shutErr = err
	close(o.shutDone)
	o.shutMu.Unlock()
	return err
}

// fanNotify delivers a shutdown transition to every subscribed caller.
func (o *Orchestrator) fanNotify(svc string, from, to service.State, msg string) {
	o.shutMu.Lock()
	subs := append([]Notify(nil), o.shutNotify...)
	o.shutMu.Unlock()
	for _, n := range subs {
		n(svc, from, to, msg)
	}
}

func (o *Orchestrator) shuttingDown() bool {
	o.shutMu.Lock()
	defer o.shutMu.Unlock()
	return o.shutDone != nil
}

func (o *Orchestrator) shutdownAll(ctx context.Context, notify Notify) error {
	var firstErr error
	for _, phase := range service.ShutdownPhases() {
		for _, name := range o.phaseStopOrder(phase) {
			m := o.services[name]
			if m.State() != service.StateRunning {
				continue
			}
			if err := o.shutdownOne(ctx, m, notify); err != nil {
				o.log.Error("shutdown stop failed", "service", name, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// shutdownOne stops a service with its graceful window, escalating to a
// forced kill when the window passes.
func (o *Orchestrator) shutdownOne(ctx context.Context, m *managed, notify Notify) error {
	if !m.op.TryLock() {
		// an in-flight operation holds the lock; wait for it rather than
		// abandoning the service
		m.op.Lock()
	}
	defer m.op.Unlock()
	if m.State() != service.StateRunning {
		return nil
	}
	timeout := m.desc.StopTimeout
	if timeout <= 0 {
		timeout = o.stopTimeout
	}
	stopCtx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	err := o.stopLocked(stopCtx, m, false, notify)
	cancel()
	if err != nil {
		return fmt.Errorf("shutdown %q: %w", m.desc.Name, err)
	}
	return nil
}

// phaseStopOrder lists the phase's services in reverse start order.
func (o *Orchestrator) phaseStopOrder(p service.Phase) []string {
	var out []string
	for i := len(o.order) - 1; i >= 0; i-- {
		m := o.services[o.order[i]]
		phase := m.desc.Phase
		if phase == "" {
			phase = service.PhaseCore
		}
		if phase == p {
			out = append(out, o.order[i])
		}
	}
	return out
}

// ServiceStatus is one row of the status document.
type ServiceStatus struct {
	Name      string            `json:"name"`
	Type      string            `json:"type,omitempty"`
	State     service.State     `json:"state"`
	PID       int               `json:"pid,omitempty"`
	Port      int               `json:"port,omitempty"`
	Uptime    time.Duration     `json:"uptime,omitempty"`
	Strategy  string            `json:"strategy,omitempty"`
	Degraded  string            `json:"degraded,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Required  bool              `json:"required"`
	Phase     service.Phase     `json:"phase,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Status reports every configured service. Filters, when non-empty,
// restrict the result to the named services.
func (o *Orchestrator) Status(filters []string) ([]ServiceStatus, error) {
	names := o.order
	if len(filters) > 0 {
		names = nil
		for _, f := range filters {
			if _, ok := o.services[f]; !ok {
				return nil, fmt.Errorf("%w: %q", ErrNotFound, f)
			}
			names = append(names, f)
		}
		sort.Strings(names)
	}
	out := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		m := o.services[name]
		m.mu.Lock()
		st := ServiceStatus{
			Name:      m.desc.Name,
			Type:      m.desc.Type,
			State:     m.state,
			PID:       m.result.PID,
			Port:      m.result.Port,
			Strategy:  m.result.Metadata["strategy"],
			Degraded:  m.degraded,
			DependsOn: m.desc.DependsOn,
			Required:  m.desc.Required,
			Phase:     m.desc.Phase,
			Metadata:  m.result.Metadata,
		}
		if m.state == service.StateRunning && !m.started.IsZero() {
			st.Uptime = time.Since(m.started).Round(time.Second)
		}
		m.mu.Unlock()
		out = append(out, st)
	}
	return out, nil
}

// HealthCheck runs one adapter probe for the named service.
func (o *Orchestrator) HealthCheck(ctx context.Context, name string, timeout time.Duration) (service.Health, error) {
	m, err := o.get(name)
	if err != nil {
		return service.Health{}, err
	}
	return m.desc.Adapter.HealthCheck(ctx, timeout), nil
}

// StateOf returns the in-memory state of one service.
func (o *Orchestrator) StateOf(name string) (service.State, error) {
	m, err := o.get(name)
	if err != nil {
		return "", err
	}
	return m.State(), nil
}
