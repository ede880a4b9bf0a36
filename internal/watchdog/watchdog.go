package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomlabs/warden/internal/metrics"
	"github.com/loomlabs/warden/internal/orchestrator"
	"github.com/loomlabs/warden/internal/service"
)

// Controller is the slice of the orchestrator the watchdog drives. The
// watchdog never writes the registry itself; recovery and pruning go through
// these methods.
type Controller interface {
	Order() []string
	StateOf(name string) (service.State, error)
	HealthCheck(ctx context.Context, name string, timeout time.Duration) (service.Health, error)
	Recover(ctx context.Context, name string, notify orchestrator.Notify) error
	PruneRegistry(ctx context.Context, timeout time.Duration) (int, error)
	Heartbeat(ctx context.Context, name string) error
}

// Config tunes probe cadence and recovery behavior.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration

	FailureThreshold int
	BreakerCooldown  time.Duration
	BreakerMax       time.Duration

	// RecoveryBackoff are the waits before each recovery attempt. When all
	// attempts fail the service is left alone until an operator intervenes.
	RecoveryBackoff []time.Duration

	// StaleTimeout and PruneInterval drive periodic registry pruning.
	StaleTimeout  time.Duration
	PruneInterval time.Duration

	// Heartbeat, when set, is called once per probe cycle so the supervisor
	// row stays fresh.
	Heartbeat func(ctx context.Context) error
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.BreakerMax <= 0 {
		c.BreakerMax = 10 * time.Minute
	}
	if len(c.RecoveryBackoff) == 0 {
		c.RecoveryBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = time.Minute
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Minute
	}
}

// RestartRecord is one recovery kept in the per-service history ring.
type RestartRecord struct {
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
	Success bool      `json:"success"`
}

const restartRingSize = 10

// Report is the watchdog block of the status document. Running and
// LastHeartbeatAt let a status query tell a wedged watchdog apart from
// unhealthy services.
type Report struct {
	Running            bool            `json:"running"`
	LastHeartbeatAt    time.Time       `json:"last_heartbeat_at"`
	LastRestartReason  string          `json:"last_restart_reason,omitempty"`
	LastRestartSuccess bool            `json:"last_restart_success"`
	RestartAttempts    int             `json:"restart_attempts"`
	Services           []ServiceReport `json:"services,omitempty"`
}

// ServiceReport is one service's watchdog view for the status document.
type ServiceReport struct {
	Service             string          `json:"service"`
	Breaker             string          `json:"breaker"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastProbe           *service.Health `json:"last_probe,omitempty"`
	Recovering          bool            `json:"recovering"`
	GivenUp             bool            `json:"given_up"`
	Restarts            []RestartRecord `json:"restarts,omitempty"`
}

type watched struct {
	breaker *breaker

	mu         sync.Mutex
	lastProbe  *service.Health
	recovering bool
	givenUp    bool
	restarts   []RestartRecord
}

// Watchdog probes running services and recovers the unhealthy ones through
// the orchestrator.
type Watchdog struct {
	orch Controller
	log  *slog.Logger
	cfg  Config

	mu       sync.Mutex
	watched  map[string]*watched
	running  bool
	lastBeat time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(orch Controller, logger *slog.Logger, cfg Config) *Watchdog {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{orch: orch, log: logger, cfg: cfg, watched: make(map[string]*watched)}
}

// Start launches the probe loop. Stop waits for in-flight probes.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()
	tick := time.NewTicker(w.cfg.Interval)
	defer tick.Stop()
	prune := time.NewTicker(w.cfg.PruneInterval)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			w.Sweep(ctx)
		case <-prune.C:
			if n, err := w.orch.PruneRegistry(ctx, w.cfg.StaleTimeout); err != nil {
				w.log.Warn("registry prune failed", "error", err)
			} else if n > 0 {
				w.log.Info("pruned stale registry entries", "count", n)
			}
		}
	}
}

// Sweep probes every running service once, concurrently. It is exported for
// deterministic use in tests and synchronous checks.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.mu.Lock()
	w.lastBeat = time.Now()
	w.mu.Unlock()
	if w.cfg.Heartbeat != nil {
		if err := w.cfg.Heartbeat(ctx); err != nil {
			w.log.Warn("supervisor heartbeat failed", "error", err)
		}
	}
	var wg sync.WaitGroup
	for _, name := range w.orch.Order() {
		st, err := w.orch.StateOf(name)
		if err != nil || st != service.StateRunning {
			continue
		}
		ws := w.entry(name)
		if ws.skip() || !ws.breaker.AllowProbe() {
			continue
		}
		wg.Add(1)
		go func(name string, ws *watched) {
			defer wg.Done()
			w.probe(ctx, name, ws)
		}(name, ws)
	}
	wg.Wait()
}

func (w *Watchdog) entry(name string) *watched {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, ok := w.watched[name]
	if !ok {
		ws = &watched{breaker: newBreaker(w.cfg.FailureThreshold, w.cfg.BreakerCooldown, w.cfg.BreakerMax, nil)}
		w.watched[name] = ws
	}
	return ws
}

func (ws *watched) skip() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.recovering || ws.givenUp
}

func (w *Watchdog) probe(ctx context.Context, name string, ws *watched) {
	h, err := w.orch.HealthCheck(ctx, name, w.cfg.ProbeTimeout)
	if err != nil {
		h = service.Health{Healthy: false, Err: err.Error()}
	}
	h.ConsecutiveFailures = ws.breaker.Failures()
	metrics.ObserveProbe(name, h.Healthy, h.ResponseTime.Seconds())

	if h.Healthy {
		ws.breaker.RecordSuccess()
		h.ConsecutiveFailures = 0
		ws.setProbe(h)
		metrics.SetBreakerState(name, float64(BreakerClosed))
		// the probe, not the breaker, keeps the registry heartbeat fresh. A
		// missing row means the heartbeat was lost; restart without waiting
		// for the failure threshold.
		if err := w.orch.Heartbeat(ctx, name); err != nil {
			if errors.Is(err, orchestrator.ErrNotFound) {
				w.log.Warn("registry heartbeat lost", "service", name)
				w.startRecovery(ctx, name, ws, "registry heartbeat lost")
			} else {
				w.log.Warn("registry heartbeat failed", "service", name, "error", err)
			}
		}
		return
	}
	tripped := ws.breaker.RecordFailure()
	h.ConsecutiveFailures = ws.breaker.Failures()
	ws.setProbe(h)
	metrics.SetBreakerState(name, float64(ws.breaker.State()))
	w.log.Warn("health probe failed", "service", name, "consecutive", h.ConsecutiveFailures, "error", h.Err)
	if tripped {
		w.startRecovery(ctx, name, ws, h.Err)
	}
}

func (w *Watchdog) startRecovery(ctx context.Context, name string, ws *watched, reason string) {
	ws.mu.Lock()
	ws.recovering = true
	ws.mu.Unlock()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.recover(ctx, name, ws, reason)
	}()
}

func (ws *watched) setProbe(h service.Health) {
	ws.mu.Lock()
	ws.lastProbe = &h
	ws.mu.Unlock()
}

// recover retries through the backoff schedule, then gives up.
func (w *Watchdog) recover(ctx context.Context, name string, ws *watched, reason string) {
	defer func() {
		ws.mu.Lock()
		ws.recovering = false
		ws.mu.Unlock()
	}()
	for i, delay := range w.cfg.RecoveryBackoff {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		err := w.orch.Recover(ctx, name, nil)
		ws.record(RestartRecord{At: time.Now(), Reason: reason, Success: err == nil})
		if err == nil {
			w.log.Info("service recovered by watchdog", "service", name, "attempt", i+1)
			ws.breaker.RecordSuccess()
			metrics.SetBreakerState(name, float64(BreakerClosed))
			return
		}
		w.log.Warn("recovery attempt failed", "service", name, "attempt", i+1, "error", err)
		if st, serr := w.orch.StateOf(name); serr == nil && st == service.StateFailed && i == len(w.cfg.RecoveryBackoff)-1 {
			break
		}
	}
	ws.mu.Lock()
	ws.givenUp = true
	ws.mu.Unlock()
	w.log.Error("recovery abandoned after backoff schedule", "service", name, "attempts", len(w.cfg.RecoveryBackoff))
}

func (ws *watched) record(r RestartRecord) {
	ws.mu.Lock()
	ws.restarts = append(ws.restarts, r)
	if len(ws.restarts) > restartRingSize {
		ws.restarts = ws.restarts[len(ws.restarts)-restartRingSize:]
	}
	ws.mu.Unlock()
}

// Reset clears the given-up flag and breaker for one service, after an
// operator start.
func (w *Watchdog) Reset(name string) {
	w.mu.Lock()
	ws, ok := w.watched[name]
	w.mu.Unlock()
	if !ok {
		return
	}
	ws.breaker.RecordSuccess()
	ws.mu.Lock()
	ws.givenUp = false
	ws.lastProbe = nil
	ws.mu.Unlock()
}

// Report builds the watchdog block of the status document.
func (w *Watchdog) Report() Report {
	w.mu.Lock()
	out := Report{Running: w.running, LastHeartbeatAt: w.lastBeat}
	w.mu.Unlock()
	var latest RestartRecord
	for _, name := range w.orch.Order() {
		w.mu.Lock()
		ws, ok := w.watched[name]
		w.mu.Unlock()
		if !ok {
			continue
		}
		ws.mu.Lock()
		rep := ServiceReport{
			Service:             name,
			Breaker:             ws.breaker.State().String(),
			ConsecutiveFailures: ws.breaker.Failures(),
			LastProbe:           ws.lastProbe,
			Recovering:          ws.recovering,
			GivenUp:             ws.givenUp,
			Restarts:            append([]RestartRecord(nil), ws.restarts...),
		}
		ws.mu.Unlock()
		out.RestartAttempts += len(rep.Restarts)
		for _, r := range rep.Restarts {
			if r.At.After(latest.At) {
				latest = r
			}
		}
		out.Services = append(out.Services, rep)
	}
	if !latest.At.IsZero() {
		out.LastRestartReason = latest.Reason
		out.LastRestartSuccess = latest.Success
	}
	return out
}
