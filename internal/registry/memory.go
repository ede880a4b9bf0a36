package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/warden/internal/service"
)

// Memory is an in-process registry.Store. It backs tests and the failover
// snapshot used when the durable store is unreachable.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry // by id
	byName  map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]Entry),
		byName:  make(map[string]string),
	}
}

func (m *Memory) EnsureSchema(context.Context) error { return nil }
func (m *Memory) Close() error                       { return nil }

func (m *Memory) Register(_ context.Context, e Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[e.ServiceName]; ok {
		return "", ErrDuplicate
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastHeartbeat.IsZero() {
		e.LastHeartbeat = now
	}
	m.entries[e.ID] = e
	m.byName[e.ServiceName] = e.ID
	return e.ID, nil
}

func (m *Memory) Unregister(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.entries, id)
	delete(m.byName, e.ServiceName)
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, st service.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = st
	e.LastHeartbeat = time.Now().UTC()
	m.entries[id] = e
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false, nil
	}
	e.LastHeartbeat = time.Now().UTC()
	m.entries[id] = e
	return true, nil
}

func (m *Memory) GetAll(context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) GetByName(_ context.Context, name string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return m.entries[id], nil
}

func (m *Memory) CleanupStale(_ context.Context, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, e := range m.entries {
		if e.Stale(now, timeout) {
			delete(m.entries, id)
			delete(m.byName, e.ServiceName)
			n++
		}
	}
	return n, nil
}

// Replace wholesale replaces the contents with entries. Used by Failover to
// refresh its snapshot from the durable store.
func (m *Memory) Replace(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]Entry, len(entries))
	m.byName = make(map[string]string, len(entries))
	for _, e := range entries {
		m.entries[e.ID] = e
		m.byName[e.ServiceName] = e.ID
	}
}
