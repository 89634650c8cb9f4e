package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/calder/mender/internal/config"
	"github.com/calder/mender/internal/logging"
	"github.com/calder/mender/internal/store"
)

// isInteractive reports whether stdout is a terminal. Override in tests.
var isInteractive = func() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// initLogging initializes the logging subsystem.
func initLogging(cfg *config.Config) error {
	return logging.Init(logging.Config{
		Level:         cfg.Logging.Level,
		Path:          cfg.Logging.Path,
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
	})
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.Store.Path)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

// resolvePlanPath picks the plan file from the positional argument or the
// configured daemon plan.
func resolvePlanPath(cfg *config.Config, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if cfg.Daemon.Plan != "" {
		return cfg.Daemon.Plan, nil
	}
	return "", fmt.Errorf("no plan file given (pass one as an argument or set daemon.plan)")
}

// resolveExec picks the worker command from the flag or the config.
func resolveExec(cfg *config.Config, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if cfg.Engine.Exec != "" {
		return cfg.Engine.Exec, nil
	}
	return "", fmt.Errorf("no worker command configured (pass --exec or set engine.exec)")
}
