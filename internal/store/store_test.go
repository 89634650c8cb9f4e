package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/calder/mender/internal/graph"
	"github.com/calder/mender/internal/orchestrator"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mender.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openTestStore(t)

	tables := []string{
		"schema_version",
		"snapshots",
		"runs",
	}
	for _, table := range tables {
		if !tableExists(t, s.SQL(), table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestOpenIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mender.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = s.Close() }()

	var count int
	row := s.SQL().QueryRow(`SELECT COUNT(*) FROM schema_version`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan schema_version count: %v", err)
	}
	if count != len(migrations) {
		t.Fatalf("expected %d schema_version rows, got %d", len(migrations), count)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g, err := graph.Load([]graph.TaskSpec{
		{ID: "a", Role: "builder", Goal: "build"},
		{ID: "b", DependsOn: []string{"a"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SaveSnapshot(ctx, "run-1", g.Snapshot()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snap, runID, err := s.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if runID != "run-1" {
		t.Errorf("run id = %q, want run-1", runID)
	}

	restored, err := graph.FromSnapshot(snap)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	if restored.Len() != 2 {
		t.Errorf("restored %d tasks, want 2", restored.Len())
	}
	b, ok := restored.Task("b")
	if !ok || b.Dependencies()[0] != "a" {
		t.Errorf("restored b = %+v", b)
	}
}

func TestSaveSnapshotReplacesPerRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g, err := graph.Load([]graph.TaskSpec{{ID: "a"}})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := s.SaveSnapshot(ctx, "run-1", g.Snapshot()); err != nil {
			t.Fatalf("SaveSnapshot %d: %v", i, err)
		}
	}

	var count int
	row := s.SQL().QueryRow(`SELECT COUNT(*) FROM snapshots WHERE run_id = 'run-1'`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("snapshot rows = %d, want 1", count)
	}
}

func TestLatestSnapshotEmpty(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.LatestSnapshot(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("err = %v, want ErrNoSnapshot", err)
	}
}

func TestRecordRunAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	recs := []orchestrator.RunRecord{
		{
			ID:         "run-old",
			StartedAt:  base.Add(-time.Hour),
			FinishedAt: base.Add(-50 * time.Minute),
			Steps:      2,
			TaskCounts: map[graph.Status]int{graph.StatusSucceeded: 3},
		},
		{
			ID:          "run-new",
			StartedAt:   base,
			FinishedAt:  base.Add(10 * time.Minute),
			Steps:       4,
			Escalations: 1,
			Aborted:     true,
			TaskCounts:  map[graph.Status]int{graph.StatusCancelled: 2},
		},
	}
	for _, rec := range recs {
		if err := s.RecordRun(ctx, rec); err != nil {
			t.Fatalf("RecordRun(%s): %v", rec.ID, err)
		}
	}

	got, err := s.Runs(ctx, 0)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d runs, want 2", len(got))
	}
	if got[0].ID != "run-new" || got[1].ID != "run-old" {
		t.Errorf("order = [%s %s], want newest first", got[0].ID, got[1].ID)
	}
	if got[0].Steps != 4 || got[0].Escalations != 1 || !got[0].Aborted {
		t.Errorf("run-new = %+v", got[0])
	}
	if got[0].TaskCounts[graph.StatusCancelled] != 2 {
		t.Errorf("task counts = %v", got[0].TaskCounts)
	}

	limited, err := s.Runs(ctx, 1)
	if err != nil {
		t.Fatalf("Runs(1): %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "run-new" {
		t.Errorf("limited runs = %+v", limited)
	}
}

func TestRecordRunUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := orchestrator.RunRecord{
		ID:         "run-1",
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
		Steps:      1,
		TaskCounts: map[graph.Status]int{},
	}
	if err := s.RecordRun(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Steps = 3
	if err := s.RecordRun(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Runs(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Steps != 3 {
		t.Errorf("runs = %+v, want single record with 3 steps", got)
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()

	row := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name)
	var got string
	if err := row.Scan(&got); err != nil {
		if err == sql.ErrNoRows {
			return false
		}
		t.Fatalf("query sqlite_master: %v", err)
	}
	return got == name
}
