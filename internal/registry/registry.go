package registry

import (
	"context"
	"errors"
	"time"

	"github.com/loomlabs/warden/internal/service"
)

// TypeSupervisor marks the supervisor's own registry row.
const TypeSupervisor = "supervisor"

var (
	// ErrNotFound is returned when no live entry matches the query.
	ErrNotFound = errors.New("registry: entry not found")
	// ErrUnavailable indicates the backing store cannot be reached. It is
	// non-fatal: callers fall back to an in-memory snapshot (see Failover).
	ErrUnavailable = errors.New("registry: store unavailable")
	// ErrDuplicate is returned when a live entry already exists for the
	// service name being registered.
	ErrDuplicate = errors.New("registry: live entry already exists")
)

// Entry is one live row for a running managed entity. At most one live entry
// exists per service name; ID is unique across all entries.
type Entry struct {
	ID            string            `json:"id"`
	ServiceName   string            `json:"service_name"`
	ServiceType   string            `json:"service_type,omitempty"`
	PID           int               `json:"pid,omitempty"`
	StartTime     time.Time         `json:"start_time"`
	Status        service.State     `json:"status"`
	Port          int               `json:"port,omitempty"`
	ContainerID   string            `json:"container_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	IPCEndpoint   string            `json:"ipc_endpoint,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Stale reports whether the entry's heartbeat age exceeds timeout at now.
func (e Entry) Stale(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	hb := e.LastHeartbeat
	if hb.IsZero() {
		hb = e.CreatedAt
	}
	return now.Sub(hb) > timeout
}

// Store persists managed-entity entries. Implementations must tolerate
// concurrent readers and a single authoritative writer; writes are short
// transactions. Only the orchestrator mutates entries.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Register(ctx context.Context, e Entry) (string, error)
	Unregister(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, st service.State) error
	Heartbeat(ctx context.Context, id string) (bool, error)
	GetAll(ctx context.Context) ([]Entry, error)
	GetByName(ctx context.Context, name string) (Entry, error)
	CleanupStale(ctx context.Context, timeout time.Duration) (int, error)
	Close() error
}
