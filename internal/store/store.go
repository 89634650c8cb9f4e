// Package store persists graph snapshots and run history in SQLite, letting
// an interrupted run resume from its last completed step.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/calder/mender/internal/graph"
	"github.com/calder/mender/internal/orchestrator"
)

// ErrNoSnapshot indicates no snapshot has been persisted yet.
var ErrNoSnapshot = errors.New("no snapshot stored")

// Store wraps the SQLite connection and path.
type Store struct {
	sql  *sql.DB
	path string
}

// DefaultPath returns the default database path.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "mender", "mender.db")
}

// Open opens or creates the database, applies pragmas, and runs migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultPath()
	}

	resolved := expandPath(dbPath)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := applyPragmas(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &Store{sql: sqlDB, path: resolved}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.sql == nil {
		return nil
	}
	return s.sql.Close()
}

// SQL returns the raw *sql.DB for advanced usage.
func (s *Store) SQL() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sql
}

// SaveSnapshot persists the snapshot as the run's current state, replacing
// any earlier snapshot of the same run.
func (s *Store) SaveSnapshot(ctx context.Context, runID string, snap *graph.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot save: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE run_id = ?`, runID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("pruning snapshots for %s: %w", runID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, saved_at, version, data) VALUES (?, ?, ?, ?)`,
		runID, snap.SavedAt, snap.Version, string(data),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("saving snapshot for %s: %w", runID, err)
	}
	return tx.Commit()
}

// LatestSnapshot returns the most recently saved snapshot and the run it
// belongs to. Returns ErrNoSnapshot when the table is empty.
func (s *Store) LatestSnapshot(ctx context.Context) (*graph.Snapshot, string, error) {
	row := s.sql.QueryRowContext(ctx,
		`SELECT run_id, data FROM snapshots ORDER BY saved_at DESC, id DESC LIMIT 1`)

	var runID, data string
	if err := row.Scan(&runID, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrNoSnapshot
		}
		return nil, "", fmt.Errorf("loading snapshot: %w", err)
	}

	snap := &graph.Snapshot{}
	if err := json.Unmarshal([]byte(data), snap); err != nil {
		return nil, "", fmt.Errorf("decoding snapshot for %s: %w", runID, err)
	}
	return snap, runID, nil
}

// RecordRun upserts a run's summary into the history table.
func (s *Store) RecordRun(ctx context.Context, rec orchestrator.RunRecord) error {
	counts, err := json.Marshal(rec.TaskCounts)
	if err != nil {
		return fmt.Errorf("encoding task counts: %w", err)
	}

	_, err = s.sql.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, steps, escalations, aborted, task_counts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			steps       = excluded.steps,
			escalations = excluded.escalations,
			aborted     = excluded.aborted,
			task_counts = excluded.task_counts`,
		rec.ID, rec.StartedAt, rec.FinishedAt, rec.Steps, rec.Escalations, rec.Aborted, string(counts),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", rec.ID, err)
	}
	return nil
}

// Runs returns run records newest first, up to limit (0 = all).
func (s *Store) Runs(ctx context.Context, limit int) ([]orchestrator.RunRecord, error) {
	query := `SELECT id, started_at, finished_at, steps, escalations, aborted, task_counts
		FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []orchestrator.RunRecord
	for rows.Next() {
		var (
			rec    orchestrator.RunRecord
			counts string
		)
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &rec.FinishedAt, &rec.Steps, &rec.Escalations, &rec.Aborted, &counts); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if err := json.Unmarshal([]byte(counts), &rec.TaskCounts); err != nil {
			return nil, fmt.Errorf("decoding task counts for %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return home
	}

	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}

	return path
}
