package adapter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomlabs/warden/internal/service"
)

// Fake is an in-memory adapter used by tests across packages. Failure modes
// are toggled per call site.
type Fake struct {
	StartErr   error
	StopErr    error
	StartDelay time.Duration
	StopDelay  time.Duration
	PID        int

	mu        sync.Mutex
	running   bool
	healthy   atomic.Bool
	startN    int
	stopN     int
	lastForce bool
}

func NewFake() *Fake {
	f := &Fake{PID: 10000}
	f.healthy.Store(true)
	return f
}

func (f *Fake) Start(ctx context.Context, _ map[string]string) (service.StartResult, error) {
	if f.StartDelay > 0 {
		select {
		case <-time.After(f.StartDelay):
		case <-ctx.Done():
			return service.StartResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startN++
	if f.StartErr != nil {
		return service.StartResult{}, f.StartErr
	}
	f.running = true
	return service.StartResult{PID: f.PID}, nil
}

func (f *Fake) Stop(_ context.Context, timeout time.Duration) error {
	if f.StopDelay > 0 {
		time.Sleep(f.StopDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopN++
	f.lastForce = timeout <= 0
	if f.StopErr != nil {
		return f.StopErr
	}
	f.running = false
	return nil
}

func (f *Fake) HealthCheck(_ context.Context, _ time.Duration) service.Health {
	f.mu.Lock()
	running := f.running
	f.mu.Unlock()
	if !running || !f.healthy.Load() {
		return service.Health{Healthy: false, Err: "down"}
	}
	return service.Health{Healthy: true, ResponseTime: time.Millisecond}
}

func (f *Fake) SetHealthy(v bool) { f.healthy.Store(v) }

func (f *Fake) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startN
}

func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopN
}

func (f *Fake) LastStopForced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForce
}
