package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomlabs/warden/internal/service"
)

// flakyStore wraps Memory and fails every call with ErrUnavailable while
// down is set.
type flakyStore struct {
	*Memory
	down atomic.Bool
}

func (f *flakyStore) check() error {
	if f.down.Load() {
		return ErrUnavailable
	}
	return nil
}

func (f *flakyStore) Register(ctx context.Context, e Entry) (string, error) {
	if err := f.check(); err != nil {
		return "", err
	}
	return f.Memory.Register(ctx, e)
}

func (f *flakyStore) UpdateStatus(ctx context.Context, id string, st service.State) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.Memory.UpdateStatus(ctx, id, st)
}

func (f *flakyStore) GetAll(ctx context.Context) ([]Entry, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.Memory.GetAll(ctx)
}

func (f *flakyStore) GetByName(ctx context.Context, name string) (Entry, error) {
	if err := f.check(); err != nil {
		return Entry{}, err
	}
	return f.Memory.GetByName(ctx, name)
}

func TestFailoverServesFromMemoryWhileDown(t *testing.T) {
	ctx := context.Background()
	durable := &flakyStore{Memory: NewMemory()}
	fo := NewFailover(durable, nil)

	id, err := fo.Register(ctx, Entry{ServiceName: "collector", StartTime: time.Now(), Status: service.StateRunning})
	if err != nil {
		t.Fatalf("register while healthy: %v", err)
	}

	durable.down.Store(true)

	// reads keep working from the mirror
	got, err := fo.GetByName(ctx, "collector")
	if err != nil {
		t.Fatalf("get while down: %v", err)
	}
	if got.ID != id {
		t.Fatalf("expected mirrored entry, got %+v", got)
	}
	if !fo.Degraded() {
		t.Fatalf("expected degraded mode")
	}

	// writes are absorbed by the mirror
	if _, err := fo.Register(ctx, Entry{ServiceName: "watcher", StartTime: time.Now(), Status: service.StateStarting}); err != nil {
		t.Fatalf("register while down: %v", err)
	}
	if err := fo.UpdateStatus(ctx, id, service.StateStopping); err != nil {
		t.Fatalf("update while down: %v", err)
	}
}

func TestFailoverReconcilesOnRecovery(t *testing.T) {
	ctx := context.Background()
	durable := &flakyStore{Memory: NewMemory()}
	fo := NewFailover(durable, nil)

	durable.down.Store(true)
	if _, err := fo.Register(ctx, Entry{ServiceName: "bridge", StartTime: time.Now(), Status: service.StateRunning}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !fo.Degraded() {
		t.Fatalf("expected degraded mode")
	}

	durable.down.Store(false)
	fo.ReconcileOnce(ctx)

	if fo.Degraded() {
		t.Fatalf("expected recovery after reconcile")
	}
	got, err := durable.Memory.GetByName(ctx, "bridge")
	if err != nil {
		t.Fatalf("durable store missing reconciled entry: %v", err)
	}
	if got.Status != service.StateRunning {
		t.Fatalf("unexpected reconciled status: %s", got.Status)
	}
}

func TestMemoryCleanupStale(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	old := time.Now().UTC().Add(-time.Hour)
	if _, err := m.Register(ctx, Entry{ServiceName: "stale", StartTime: old, LastHeartbeat: old, CreatedAt: old}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.Register(ctx, Entry{ServiceName: "fresh", StartTime: time.Now()}); err != nil {
		t.Fatalf("register: %v", err)
	}
	n, err := m.CleanupStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if _, err := m.GetByName(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale should be gone: %v", err)
	}
}

func TestOpenUnknownType(t *testing.T) {
	if _, err := Open(Config{Type: "redis"}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
	st, err := Open(Config{Type: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	_ = st.Close()
}
