package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomlabs/warden/internal/service"
)

// Failover wraps a durable Store with an in-memory mirror. While the durable
// store is reachable every operation goes through it and the mirror shadows
// the result. When the durable store reports ErrUnavailable the mirror serves
// reads and absorbs writes, and a reconcile timer pushes the mirror back once
// the store recovers. Callers never see ErrUnavailable from Failover.
type Failover struct {
	durable  Store
	mirror   *Memory
	logger   *slog.Logger
	degraded atomic.Bool

	mu        sync.Mutex
	reconStop chan struct{}
}

func NewFailover(durable Store, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{durable: durable, mirror: NewMemory(), logger: logger}
}

// Degraded reports whether operations are currently served from memory.
func (f *Failover) Degraded() bool { return f.degraded.Load() }

func (f *Failover) EnsureSchema(ctx context.Context) error {
	if err := f.durable.EnsureSchema(ctx); err != nil {
		if errors.Is(err, ErrUnavailable) {
			f.enterDegraded(err)
			return nil
		}
		return err
	}
	return nil
}

func (f *Failover) Close() error {
	f.StopReconciler()
	return f.durable.Close()
}

func (f *Failover) Register(ctx context.Context, e Entry) (string, error) {
	id, err := f.durable.Register(ctx, e)
	if errors.Is(err, ErrUnavailable) {
		f.enterDegraded(err)
		return f.mirror.Register(ctx, e)
	}
	if err != nil {
		return "", err
	}
	e.ID = id
	_, _ = f.mirror.Register(ctx, e)
	return id, nil
}

func (f *Failover) Unregister(ctx context.Context, id string) error {
	err := f.durable.Unregister(ctx, id)
	if errors.Is(err, ErrUnavailable) {
		f.enterDegraded(err)
		return f.mirror.Unregister(ctx, id)
	}
	_ = f.mirror.Unregister(ctx, id)
	return err
}

func (f *Failover) UpdateStatus(ctx context.Context, id string, st service.State) error {
	err := f.durable.UpdateStatus(ctx, id, st)
	if errors.Is(err, ErrUnavailable) {
		f.enterDegraded(err)
		return f.mirror.UpdateStatus(ctx, id, st)
	}
	_ = f.mirror.UpdateStatus(ctx, id, st)
	return err
}

func (f *Failover) Heartbeat(ctx context.Context, id string) (bool, error) {
	ok, err := f.durable.Heartbeat(ctx, id)
	if errors.Is(err, ErrUnavailable) {
		f.enterDegraded(err)
		return f.mirror.Heartbeat(ctx, id)
	}
	_, _ = f.mirror.Heartbeat(ctx, id)
	return ok, err
}

func (f *Failover) GetAll(ctx context.Context) ([]Entry, error) {
	es, err := f.durable.GetAll(ctx)
	if errors.Is(err, ErrUnavailable) {
		f.enterDegraded(err)
		return f.mirror.GetAll(ctx)
	}
	if err == nil && !f.degraded.Load() {
		f.mirror.Replace(es)
	}
	return es, err
}

func (f *Failover) GetByName(ctx context.Context, name string) (Entry, error) {
	e, err := f.durable.GetByName(ctx, name)
	if errors.Is(err, ErrUnavailable) {
		f.enterDegraded(err)
		return f.mirror.GetByName(ctx, name)
	}
	return e, err
}

func (f *Failover) CleanupStale(ctx context.Context, timeout time.Duration) (int, error) {
	n, err := f.durable.CleanupStale(ctx, timeout)
	if errors.Is(err, ErrUnavailable) {
		f.enterDegraded(err)
		return f.mirror.CleanupStale(ctx, timeout)
	}
	_, _ = f.mirror.CleanupStale(ctx, timeout)
	return n, err
}

func (f *Failover) enterDegraded(cause error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("registry store unavailable, serving from memory", "error", cause)
	}
}

// ReconcileOnce attempts to push the in-memory state back to the durable
// store. On success the degraded flag clears.
func (f *Failover) ReconcileOnce(ctx context.Context) {
	if !f.degraded.Load() {
		return
	}
	durableEntries, err := f.durable.GetAll(ctx)
	if err != nil {
		return // still down
	}
	want, _ := f.mirror.GetAll(ctx)
	wantIDs := make(map[string]Entry, len(want))
	for _, e := range want {
		wantIDs[e.ID] = e
	}
	for _, d := range durableEntries {
		if _, ok := wantIDs[d.ID]; !ok {
			_ = f.durable.Unregister(ctx, d.ID)
			continue
		}
		if d.Status != wantIDs[d.ID].Status {
			_ = f.durable.UpdateStatus(ctx, d.ID, wantIDs[d.ID].Status)
		}
		delete(wantIDs, d.ID)
	}
	for _, e := range wantIDs {
		if _, err := f.durable.Register(ctx, e); err != nil {
			return
		}
	}
	f.degraded.Store(false)
	f.logger.Info("registry store recovered, memory state reconciled")
}

// StartReconciler runs ReconcileOnce on a fixed interval until StopReconciler.
func (f *Failover) StartReconciler(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	f.mu.Lock()
	if f.reconStop != nil {
		f.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	f.reconStop = stop
	f.mu.Unlock()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				f.ReconcileOnce(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

func (f *Failover) StopReconciler() {
	f.mu.Lock()
	ch := f.reconStop
	f.reconStop = nil
	f.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}
