package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomlabs/warden/internal/history"
	"github.com/loomlabs/warden/internal/metrics"
	"github.com/loomlabs/warden/internal/registry"
	"github.com/loomlabs/warden/internal/service"
)

var (
	// ErrNotFound is returned for operations naming an unknown service.
	ErrNotFound = errors.New("orchestrator: unknown service")
	// ErrBusy is returned when another lifecycle operation holds the
	// per-service lock.
	ErrBusy = errors.New("orchestrator: operation already in progress")
	// ErrDependentsRunning rejects a stop that would strand running
	// dependents.
	ErrDependentsRunning = errors.New("orchestrator: dependent services still running")
	// ErrShuttingDown rejects new lifecycle operations once shutdown began.
	ErrShuttingDown = errors.New("orchestrator: shutting down")
)

const (
	defaultStartTimeout = 30 * time.Second
	defaultStopTimeout  = 10 * time.Second
)

// Notify receives one state transition during a streaming operation. It may
// be nil.
type Notify func(svc string, from, to service.State, msg string)

// Config wires the orchestrator's collaborators.
type Config struct {
	Services []service.Descriptor
	Registry registry.Store
	Logger   *slog.Logger
	History  history.Sink

	StartTimeout time.Duration
	StopTimeout  time.Duration
}

type managed struct {
	desc service.Descriptor

	// op serializes lifecycle operations on this service. TryLock failure
	// maps to ErrBusy.
	op sync.Mutex

	mu       sync.Mutex
	state    service.State
	result   service.StartResult
	entryID  string
	degraded string
	started  time.Time
}

func (m *managed) State() service.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Orchestrator owns every lifecycle transition and is the only registry
// writer.
type Orchestrator struct {
	reg  registry.Store
	log  *slog.Logger
	hist history.Sink

	services   map[string]*managed
	order      []string            // topological, dependencies first
	dependents map[string][]string // direct reverse edges

	startTimeout time.Duration
	stopTimeout  time.Duration

	shutMu     sync.Mutex
	shutDone   chan struct{}
	shutErr    error
	shutNotify []Notify
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("orchestrator: registry is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		reg:          cfg.Registry,
		log:          log,
		hist:         cfg.History,
		services:     make(map[string]*managed, len(cfg.Services)),
		dependents:   make(map[string][]string),
		startTimeout: cfg.StartTimeout,
		stopTimeout:  cfg.StopTimeout,
	}
	if o.startTimeout <= 0 {
		o.startTimeout = defaultStartTimeout
	}
	if o.stopTimeout <= 0 {
		o.stopTimeout = defaultStopTimeout
	}
	for _, d := range cfg.Services {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := o.services[d.Name]; dup {
			return nil, fmt.Errorf("duplicate service %q", d.Name)
		}
		o.services[d.Name] = &managed{desc: d, state: service.StateUninitialized}
	}
	order, err := o.topoSort()
	if err != nil {
		return nil, err
	}
	o.order = order
	for name, m := range o.services {
		for _, dep := range m.desc.DependsOn {
			o.dependents[dep] = append(o.dependents[dep], name)
		}
	}
	for _, deps := range o.dependents {
		sort.Strings(deps)
	}
	return o, nil
}

// topoSort validates the dependency graph and returns a start order with
// dependencies before dependents.
func (o *Orchestrator) topoSort() ([]string, error) {
	indeg := make(map[string]int, len(o.services))
	for name, m := range o.services {
		if _, ok := indeg[name]; !ok {
			indeg[name] = 0
		}
		for _, dep := range m.desc.DependsOn {
			if _, ok := o.services[dep]; !ok {
				return nil, fmt.Errorf("service %q depends on unknown service %q", name, dep)
			}
			indeg[name]++
		}
	}
	ready := make([]string, 0, len(indeg))
	for name, n := range indeg {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	order := make([]string, 0, len(o.services))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		var next []string
		for _, dependent := range o.directDependents(name) {
			indeg[dependent]--
			if indeg[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
	}
	if len(order) != len(o.services) {
		var stuck []string
		for name, n := range indeg {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle involving %v", stuck)
	}
	return order, nil
}

func (o *Orchestrator) directDependents(name string) []string {
	// lazy: dependents map is built after topoSort during New, so derive
	// edges directly here
	var out []string
	for other, m := range o.services {
		for _, dep := range m.desc.DependsOn {
			if dep == name {
				out = append(out, other)
			}
		}
	}
	sort.Strings(out)
	return out
}

// TransitiveDependents returns every service that directly or transitively
// depends on name, in reverse start order (safe stop order).
func (o *Orchestrator) TransitiveDependents(name string) []string {
	seen := map[string]bool{}
	var walk func(n string)
	walk = func(n string) {
		for _, d := range o.dependents[n] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(seen))
	for i := len(o.order) - 1; i >= 0; i-- {
		if seen[o.order[i]] {
			out = append(out, o.order[i])
		}
	}
	return out
}

// Order returns the start order.
func (o *Orchestrator) Order() []string {
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

func (o *Orchestrator) get(name string) (*managed, error) {
	m, ok := o.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return m, nil
}

// transition applies one state change, mirroring it to the registry, the
// metrics, the history sink, and the caller's stream.
func (o *Orchestrator) transition(ctx context.Context, m *managed, to service.State, notify Notify, msg string) error {
	m.mu.Lock()
	from := m.state
	next, err := service.Transition(from, to)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = next
	id := m.entryID
	pid := m.result.PID
	m.mu.Unlock()

	o.log.Debug("state transition", "service", m.desc.Name, "from", from.String(), "to", to.String())
	metrics.RecordTransition(m.desc.Name, from.String(), to.String())
	if id != "" {
		if err := o.reg.UpdateStatus(ctx, id, to); err != nil && !errors.Is(err, registry.ErrNotFound) {
			o.log.Warn("registry status update failed", "service", m.desc.Name, "error", err)
		}
	}
	o.emit(ctx, history.Event{
		Type:      history.EventTransition,
		Service:   m.desc.Name,
		PID:       pid,
		FromState: from.String(),
		ToState:   to.String(),
		Detail:    msg,
	})
	if notify != nil {
		notify(m.desc.Name, from, to, msg)
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, e history.Event) {
	if o.hist == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := o.hist.Send(ctx, e); err != nil {
		o.log.Warn("history sink send failed", "service", e.Service, "error", err)
	}
}

func (o *Orchestrator) register(ctx context.Context, m *managed, res service.StartResult) {
	meta := res.Metadata
	m.mu.Lock()
	if m.degraded != "" {
		if meta == nil {
			meta = map[string]string{}
		}
		meta["degraded"] = m.degraded
	}
	m.mu.Unlock()
	e := registry.Entry{
		ID:          uuid.NewString(),
		ServiceName: m.desc.Name,
		ServiceType: m.desc.Type,
		PID:         res.PID,
		Port:        res.Port,
		ContainerID: res.ContainerID,
		Metadata:    meta,
		StartTime:   time.Now().UTC(),
		Status:      service.StateRunning,
	}
	id, err := o.reg.Register(ctx, e)
	if errors.Is(err, registry.ErrDuplicate) {
		// stale row from a previous run; replace it
		if old, gerr := o.reg.GetByName(ctx, m.desc.Name); gerr == nil {
			_ = o.reg.Unregister(ctx, old.ID)
		}
		id, err = o.reg.Register(ctx, e)
	}
	if err != nil {
		o.log.Warn("registry register failed", "service", m.desc.Name, "error", err)
		return
	}
	m.mu.Lock()
	m.entryID = id
	m.mu.Unlock()
}

func (o *Orchestrator) unregister(ctx context.Context, m *managed) {
	m.mu.Lock()
	id := m.entryID
	m.entryID = ""
	m.mu.Unlock()
	if id == "" {
		return
	}
	if err := o.reg.Unregister(ctx, id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		o.log.Warn("registry unregister failed", "service", m.desc.Name, "error", err)
	}
}

func (o *Orchestrator) updateRunningGauge() {
	n := 0
	for _, m := range o.services {
		if m.State() == service.StateRunning {
			n++
		}
	}
	metrics.SetRunningServices(n)
}

// PruneRegistry removes stale rows from the registry. Other components
// request pruning through this method rather than writing the store
// themselves.
func (o *Orchestrator) PruneRegistry(ctx context.Context, timeout time.Duration) (int, error) {
	return o.reg.CleanupStale(ctx, timeout)
}

// Heartbeat refreshes the registry heartbeat for one running service.
func (o *Orchestrator) Heartbeat(ctx context.Context, name string) error {
	m, err := o.get(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	id := m.entryID
	m.mu.Unlock()
	if id == "" {
		return fmt.Errorf("%w: %q has no registry entry", ErrNotFound, name)
	}
	ok, err := o.reg.Heartbeat(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: heartbeat for %q", ErrNotFound, name)
	}
	return nil
}
