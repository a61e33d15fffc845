package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// EventMirror is an optional queryable copy of the JSONL append logs
// (spec §9 "[FULL] Event Mirror" — see SPEC_FULL.md DOMAIN STACK). It
// subscribes to the same append_jsonl sink the Message Bus uses, so it
// never double-reads the log files. The default backend is an embedded,
// pure-Go sqlite database; an operator can opt into a managed Postgres
// instance via DatabaseConfig, in which case golang-migrate applies the
// schema in migrations/ before first use.
type EventMirror struct {
	db     *sql.DB
	driver string
}

// MirrorOptions configures a new EventMirror.
type MirrorOptions struct {
	Driver        string // "sqlite" (default) or "postgres"
	SQLitePath    string // default "<dataDir>/events.db"
	PostgresDSN   string
	MigrationsDir string // required for Driver=="postgres"
}

// NewEventMirror opens the mirror backend and ensures its schema exists.
func NewEventMirror(dataDir string, opts MirrorOptions) (*EventMirror, error) {
	driver := opts.Driver
	if driver == "" {
		driver = "sqlite"
	}

	switch driver {
	case "sqlite":
		path := opts.SQLitePath
		if path == "" {
			path = filepath.Join(dataDir, "events.db")
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("event mirror: open sqlite: %w", err)
		}
		if _, err := db.Exec(sqliteSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("event mirror: create schema: %w", err)
		}
		return &EventMirror{db: db, driver: driver}, nil

	case "postgres":
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("event mirror: postgres driver requires a DSN")
		}
		dir := opts.MigrationsDir
		if dir == "" {
			dir = "migrations"
		}
		m, err := migrate.New("file://"+dir, opts.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("event mirror: migrator: %w", err)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return nil, fmt.Errorf("event mirror: migrate up: %w", err)
		}

		db, err := sql.Open("pgx", opts.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("event mirror: open postgres: %w", err)
		}
		return &EventMirror{db: db, driver: driver}, nil

	default:
		return nil, fmt.Errorf("event mirror: unknown driver %q", driver)
	}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    task_id TEXT,
    worker_id TEXT,
    payload TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS events_kind_idx ON events (kind);
CREATE INDEX IF NOT EXISTS events_task_id_idx ON events (task_id);
`

// Sink is an append_jsonl-compatible SinkFunc that mirrors every record
// into the queryable backend. Failures are logged, never propagated —
// the mirror is best-effort observability, not the durability path.
func (m *EventMirror) Sink(kind string, record interface{}) {
	if m == nil {
		return
	}
	payload, _ := json.Marshal(record)

	var taskID, workerID string
	var generic map[string]interface{}
	if json.Unmarshal(payload, &generic) == nil {
		if v, ok := generic["task_id"].(string); ok {
			taskID = v
		}
		if v, ok := generic["worker_id"].(string); ok {
			workerID = v
		}
	}

	placeholder := "?"
	if m.driver == "postgres" {
		placeholder = "$1"
	}
	query := fmt.Sprintf(
		"INSERT INTO events (kind, task_id, worker_id, payload, created_at) VALUES (%s, %s, %s, %s, %s)",
		placeholder, nthPlaceholder(m.driver, 2), nthPlaceholder(m.driver, 3), nthPlaceholder(m.driver, 4), nthPlaceholder(m.driver, 5))

	if _, err := m.db.Exec(query, kind, taskID, workerID, string(payload), time.Now().UTC()); err != nil {
		slog.Debug("event_mirror.insert_failed", "kind", kind, "error", err)
	}
}

func nthPlaceholder(driver string, n int) string {
	if driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Close releases the underlying database handle.
func (m *EventMirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}
