package planfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validPlan = `{
	"name": "release",
	"tasks": [
		{"id": "build", "role": "builder", "goal": "compile the artifacts"},
		{"id": "test", "role": "tester", "goal": "run the suite", "verification": true, "deps": ["build"]},
		{"id": "ship", "goal": "publish", "deps": ["test"]}
	]
}`

func TestParseValidPlan(t *testing.T) {
	plan, err := Parse([]byte(validPlan))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if plan.Name != "release" {
		t.Errorf("name = %q", plan.Name)
	}
	if len(plan.Tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(plan.Tasks))
	}
	if !plan.Tasks[1].Verification {
		t.Error("test task lost its verification flag")
	}

	g, err := plan.Graph()
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	if g.Len() != 3 {
		t.Errorf("graph has %d tasks", g.Len())
	}
}

func TestParseDefaultsMissingIDs(t *testing.T) {
	plan, err := Parse([]byte(`{"tasks": [{"goal": "one"}, {"goal": "two"}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if plan.Tasks[0].ID == "" || plan.Tasks[1].ID == "" {
		t.Fatal("expected generated ids")
	}
	if plan.Tasks[0].ID == plan.Tasks[1].ID {
		t.Error("generated ids collide")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			name: "missing goal",
			data: `{"tasks": [{"id": "a"}]}`,
			want: `task "a": missing goal`,
		},
		{
			name: "duplicate id",
			data: `{"tasks": [{"id": "a", "goal": "x"}, {"id": "a", "goal": "y"}]}`,
			want: `task "a": duplicate id`,
		},
		{
			name: "unknown dependency",
			data: `{"tasks": [{"id": "a", "goal": "x", "deps": ["ghost"]}]}`,
			want: `unknown dependency "ghost"`,
		},
		{
			name: "bad json",
			data: `{"tasks": [`,
			want: "decoding plan",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestParseEmptyPlan(t *testing.T) {
	if _, err := Parse([]byte(`{"tasks": []}`)); !errors.Is(err, ErrEmptyPlan) {
		t.Errorf("err = %v, want ErrEmptyPlan", err)
	}
}

func TestParseRejectsCycleViaGraph(t *testing.T) {
	plan, err := Parse([]byte(`{"tasks": [
		{"id": "a", "goal": "x", "deps": ["b"]},
		{"id": "b", "goal": "y", "deps": ["a"]}
	]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := plan.Graph(); err == nil {
		t.Fatal("expected cycle error from Graph")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	if err := os.WriteFile(path, []byte(validPlan), 0644); err != nil {
		t.Fatal(err)
	}

	plan, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(plan.Tasks) != 3 {
		t.Errorf("got %d tasks", len(plan.Tasks))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.json")
	if err := os.WriteFile(path, []byte(validPlan), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Plan, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(p *Plan) { reloaded <- p })
	}()

	// Give the watcher time to register before rewriting.
	time.Sleep(100 * time.Millisecond)
	updated := `{"tasks": [{"id": "solo", "goal": "only task"}]}`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case plan := <-reloaded:
		if len(plan.Tasks) != 1 || plan.Tasks[0].ID != "solo" {
			t.Errorf("reloaded plan = %+v", plan.Tasks)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Watch returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}
