package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loomlabs/warden/internal/registry"
	"github.com/loomlabs/warden/internal/service"
)

// DB implements registry.Store on SQLite (modernc.org/sqlite driver,
// CGO-free). Path is a filesystem path; use ":memory:" for tests.
type DB struct {
	db *sql.DB
}

func init() {
	registry.RegisterBackend("sqlite", func(cfg registry.Config) (registry.Store, error) {
		return New(cfg.Path)
	})
}

func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// single writer; busy timeout covers short concurrent reader locks
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

// EnsureSchema creates the entries table and applies additive column
// migrations. Columns are never renamed or dropped in place; re-running is a
// no-op.
func (s *DB) EnsureSchema(ctx context.Context) error {
	base := `CREATE TABLE IF NOT EXISTS process_entries(
		id TEXT PRIMARY KEY,
		service_name TEXT NOT NULL,
		service_type TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		start_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		container_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		last_heartbeat TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, base); err != nil {
		return unavailable(err)
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_service_name ON process_entries(service_name);`); err != nil {
		return unavailable(err)
	}
	// additive migrations only
	if err := s.addColumnIfMissing(ctx, "ipc_endpoint", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

func (s *DB) addColumnIfMissing(ctx context.Context, name, decl string) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(process_entries);`)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var cid int
		var cname, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &cname, &ctype, &notnull, &dflt, &pk); err != nil {
			return unavailable(err)
		}
		if cname == name {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return unavailable(err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE process_entries ADD COLUMN %s %s;`, name, decl))
	return unavailable(err)
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Register(ctx context.Context, e registry.Entry) (string, error) {
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
	meta, err := json.Marshal(metaOrEmpty(e.Metadata))
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_entries(id, service_name, service_type, pid, start_time, status, port, container_id, metadata, ipc_endpoint, last_heartbeat, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.ServiceName, e.ServiceType, e.PID, e.StartTime.UTC(), string(e.Status),
		e.Port, e.ContainerID, string(meta), e.IPCEndpoint, e.LastHeartbeat.UTC(), e.CreatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", registry.ErrDuplicate
		}
		return "", unavailable(err)
	}
	return e.ID, nil
}

func (s *DB) Unregister(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM process_entries WHERE id=?;`, id)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *DB) UpdateStatus(ctx context.Context, id string, st service.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE process_entries SET status=?, last_heartbeat=? WHERE id=?;`,
		string(st), time.Now().UTC(), id)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *DB) Heartbeat(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE process_entries SET last_heartbeat=? WHERE id=?;`, time.Now().UTC(), id)
	if err != nil {
		return false, unavailable(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *DB) GetAll(ctx context.Context) ([]registry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` ORDER BY created_at;`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (s *DB) GetByName(ctx context.Context, name string) (registry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` WHERE service_name=?;`, name)
	if err != nil {
		return registry.Entry{}, unavailable(err)
	}
	defer func() { _ = rows.Close() }()
	es, err := scanEntries(rows)
	if err != nil {
		return registry.Entry{}, err
	}
	if len(es) == 0 {
		return registry.Entry{}, registry.ErrNotFound
	}
	return es[0], nil
}

func (s *DB) CleanupStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM process_entries WHERE last_heartbeat < ?;`, cutoff)
	if err != nil {
		return 0, unavailable(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const selectCols = `SELECT id, service_name, service_type, pid, start_time, status, port, container_id, metadata, ipc_endpoint, last_heartbeat, created_at FROM process_entries`

func scanEntries(rows *sql.Rows) ([]registry.Entry, error) {
	out := make([]registry.Entry, 0)
	for rows.Next() {
		var e registry.Entry
		var status, meta string
		if err := rows.Scan(&e.ID, &e.ServiceName, &e.ServiceType, &e.PID, &e.StartTime,
			&status, &e.Port, &e.ContainerID, &meta, &e.IPCEndpoint, &e.LastHeartbeat, &e.CreatedAt); err != nil {
			return nil, unavailable(err)
		}
		e.Status = service.State(status)
		if meta != "" && meta != "{}" {
			m := make(map[string]string)
			if err := json.Unmarshal([]byte(meta), &m); err == nil {
				e.Metadata = m
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func metaOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", registry.ErrUnavailable, err)
}
