// Package store provides a SQLite-backed implementation of
// killservice.StateOpProcessor, standing in for the cluster's
// persistence/backup store, exposed here only through its
// force-expunge interface.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"orchestrator/internal/killservice"
	"time"

	_ "modernc.org/sqlite"
)

// InstanceStore is a minimal SQLite-backed record of instances the
// kill-service has force-expunged, kept for operator auditing. It is
// not authoritative scheduler state — that lives in the orchestrator —
// it only records that a force-expunge was issued and when.
type InstanceStore struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and migrates its
// schema. Pass ":memory:" for an ephemeral, test-only store.
func Open(path string) (*InstanceStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &InstanceStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *InstanceStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS expunged_instances (
		id         TEXT PRIMARY KEY,
		expunged_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *InstanceStore) Close() error {
	return s.db.Close()
}

// ForceExpunge implements killservice.StateOpProcessor. It records the
// expungement, overwriting the timestamp of any prior row for id; it does not itself
// publish a terminal event — the core relies on the orchestrator's own
// event pipeline to observe the resulting state change.
func (s *InstanceStore) ForceExpunge(ctx context.Context, id killservice.InstanceId) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expunged_instances (id, expunged_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET expunged_at = excluded.expunged_at`,
		string(id), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		slog.Error("force-expunge record failed", "instanceId", id, "error", err)
	}
}

// WasExpunged reports whether id has a recorded force-expunge, mainly
// useful for tests and operator tooling.
func (s *InstanceStore) WasExpunged(ctx context.Context, id killservice.InstanceId) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM expunged_instances WHERE id = ?`, string(id),
	).Scan(&count)
	return count > 0, err
}

var _ killservice.StateOpProcessor = (*InstanceStore)(nil)
