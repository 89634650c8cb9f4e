package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate_InvalidRetryBudget(t *testing.T) {
	cfg := &Config{
		Engine: EngineConfig{
			RetryBudget: -1,
		},
	}
	err := Validate(cfg)
	if err != ErrInvalidRetryBudget {
		t.Errorf("expected ErrInvalidRetryBudget, got %v", err)
	}
}

func TestValidate_InvalidTaskTimeout(t *testing.T) {
	cfg := &Config{
		Engine: EngineConfig{
			TaskTimeout: -time.Minute,
		},
	}
	err := Validate(cfg)
	if err != ErrInvalidTaskTimeout {
		t.Errorf("expected ErrInvalidTaskTimeout, got %v", err)
	}
}

func TestValidate_InvalidMaxParallel(t *testing.T) {
	cfg := &Config{
		Engine: EngineConfig{
			MaxParallel: -2,
		},
	}
	err := Validate(cfg)
	if err != ErrInvalidMaxParallel {
		t.Errorf("expected ErrInvalidMaxParallel, got %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{
			Level: "verbose",
		},
	}
	err := Validate(cfg)
	if err != ErrInvalidLogLevel {
		t.Errorf("expected ErrInvalidLogLevel, got %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{
			Format: "xml",
		},
	}
	err := Validate(cfg)
	if err != ErrInvalidLogFormat {
		t.Errorf("expected ErrInvalidLogFormat, got %v", err)
	}
}

func TestValidate_InvalidApprovalMode(t *testing.T) {
	cfg := &Config{
		Approval: ApprovalConfig{
			Mode: "yolo",
		},
	}
	err := Validate(cfg)
	if err != ErrInvalidApprovalMode {
		t.Errorf("expected ErrInvalidApprovalMode, got %v", err)
	}
}

func TestValidate_InvalidCron(t *testing.T) {
	cfg := &Config{
		Daemon: DaemonConfig{
			Cron: "not a cron line",
			Plan: "plan.json",
		},
	}
	err := Validate(cfg)
	if !errors.Is(err, ErrInvalidCron) {
		t.Errorf("expected ErrInvalidCron, got %v", err)
	}
}

func TestValidate_DaemonWithoutPlan(t *testing.T) {
	cfg := &Config{
		Daemon: DaemonConfig{
			Cron: "0 2 * * *",
		},
	}
	err := Validate(cfg)
	if err != ErrDaemonWithoutPlan {
		t.Errorf("expected ErrDaemonWithoutPlan, got %v", err)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := &Config{
		Engine: EngineConfig{
			RetryBudget: 3,
			TaskTimeout: 30 * time.Minute,
			MaxParallel: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Daemon: DaemonConfig{
			Cron: "0 2 * * *",
			Plan: "plan.json",
		},
		Approval: ApprovalConfig{
			Mode: "interactive",
		},
	}
	err := Validate(cfg)
	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("expected error for explicit missing file")
	}

	// No explicit path: missing file falls back to defaults.
	t.Chdir(t.TempDir())
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.RetryBudget != 3 {
		t.Errorf("retry budget = %d, want 3", cfg.Engine.RetryBudget)
	}
	if cfg.Engine.TaskTimeout != 30*time.Minute {
		t.Errorf("task timeout = %s, want 30m", cfg.Engine.TaskTimeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Approval.Mode != "auto" {
		t.Errorf("approval mode = %q, want auto", cfg.Approval.Mode)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
engine:
  retry_budget: 5
  task_timeout: 10m
  max_parallel: 2
store:
  path: /tmp/mender-test.db
daemon:
  cron: "0 2 * * *"
  plan: plan.json
  watch: true
approval:
  mode: interactive
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.RetryBudget != 5 {
		t.Errorf("retry budget = %d, want 5", cfg.Engine.RetryBudget)
	}
	if cfg.Engine.TaskTimeout != 10*time.Minute {
		t.Errorf("task timeout = %s, want 10m", cfg.Engine.TaskTimeout)
	}
	if cfg.Engine.MaxParallel != 2 {
		t.Errorf("max parallel = %d, want 2", cfg.Engine.MaxParallel)
	}
	if cfg.Store.Path != "/tmp/mender-test.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if !cfg.Daemon.Watch || cfg.Daemon.Plan != "plan.json" {
		t.Errorf("daemon = %+v", cfg.Daemon)
	}
	if cfg.Approval.Mode != "interactive" {
		t.Errorf("approval mode = %q", cfg.Approval.Mode)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MENDER_ENGINE_RETRY_BUDGET", "7")
	t.Setenv("MENDER_APPROVAL_MODE", "interactive")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.RetryBudget != 7 {
		t.Errorf("retry budget = %d, want 7 from env", cfg.Engine.RetryBudget)
	}
	if cfg.Approval.Mode != "interactive" {
		t.Errorf("approval mode = %q, want interactive from env", cfg.Approval.Mode)
	}
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  retry_budget: -4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != ErrInvalidRetryBudget {
		t.Errorf("expected ErrInvalidRetryBudget, got %v", err)
	}
}
