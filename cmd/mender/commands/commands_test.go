package commands

import (
	"testing"
	"time"

	"github.com/calder/mender/internal/config"
	"github.com/calder/mender/internal/orchestrator"
)

func TestResolvePlanPath(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		args    []string
		want    string
		wantErr bool
	}{
		{
			name: "argument wins",
			cfg:  config.Config{Daemon: config.DaemonConfig{Plan: "configured.json"}},
			args: []string{"cli.json"},
			want: "cli.json",
		},
		{
			name: "falls back to config",
			cfg:  config.Config{Daemon: config.DaemonConfig{Plan: "configured.json"}},
			want: "configured.json",
		},
		{
			name:    "neither set",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolvePlanPath(&tt.cfg, tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolvePlanPath: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveExec(t *testing.T) {
	cfg := &config.Config{Engine: config.EngineConfig{Exec: "./configured.sh"}}

	if got, err := resolveExec(cfg, "./flag.sh"); err != nil || got != "./flag.sh" {
		t.Errorf("flag: got %q, %v", got, err)
	}
	if got, err := resolveExec(cfg, ""); err != nil || got != "./configured.sh" {
		t.Errorf("config: got %q, %v", got, err)
	}
	if _, err := resolveExec(&config.Config{}, ""); err == nil {
		t.Error("expected error when nothing configured")
	}
}

func TestRunVerdict(t *testing.T) {
	tests := []struct {
		name string
		rec  orchestrator.RunRecord
		want string
	}{
		{"resolved", orchestrator.RunRecord{}, "RESOLVED"},
		{"escalated", orchestrator.RunRecord{Escalations: 2}, "ESCALATED"},
		{"aborted", orchestrator.RunRecord{Aborted: true}, "ABORTED"},
		{"aborted wins", orchestrator.RunRecord{Aborted: true, Escalations: 1}, "ABORTED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runVerdict(tt.rec); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatRunDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
	}
	for _, tt := range tests {
		if got := formatRunDuration(tt.d); got != tt.want {
			t.Errorf("formatRunDuration(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
