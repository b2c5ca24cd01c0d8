package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one versioned, idempotent schema step. Migrations are
// append-only: no column drops, so rows written by old versions stay
// queryable.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_executions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS executions (
				execution_id TEXT PRIMARY KEY,
				plan_id TEXT NOT NULL,
				changeset_id TEXT NOT NULL,
				decision_id TEXT NOT NULL,
				checksum TEXT NOT NULL,
				verdict TEXT NOT NULL,
				risk_level TEXT NOT NULL,
				status TEXT NOT NULL,
				started_at TEXT NOT NULL,
				finished_at TEXT,
				affected_paths TEXT NOT NULL DEFAULT '[]',
				artifact_path TEXT NOT NULL DEFAULT '',
				verification_ok INTEGER,
				health_ok INTEGER,
				error_step TEXT NOT NULL DEFAULT '',
				error_code TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				rolled_back INTEGER NOT NULL DEFAULT 0,
				correlation_id TEXT NOT NULL,
				parent_execution_id TEXT NOT NULL DEFAULT '',
				trigger_kind TEXT NOT NULL DEFAULT 'manual',
				is_repair INTEGER NOT NULL DEFAULT 0,
				repair_for_execution_id TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS execution_steps (
				execution_id TEXT NOT NULL,
				step_num INTEGER NOT NULL,
				step_name TEXT NOT NULL,
				status TEXT NOT NULL,
				started_at TEXT NOT NULL,
				finished_at TEXT,
				error_code TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				log_ref TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (execution_id, step_num)
			)`,
		},
	},
	{
		version: 2,
		name:    "lineage_indexes",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_executions_correlation ON executions(correlation_id)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_execution_id)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_trigger ON executions(trigger_kind)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at)`,
		},
	},
	{
		version: 3,
		name:    "approvals",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS approvals (
				approval_id TEXT PRIMARY KEY,
				decision_id TEXT NOT NULL,
				approved_by TEXT NOT NULL,
				comment TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_approvals_decision ON approvals(decision_id)`,
		},
	},
}

// migrate applies every migration whose version exceeds the persisted
// current, each inside its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("store: migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return 0, err
	}
	return int(current.Int64), nil
}
