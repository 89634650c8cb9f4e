package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/calder/mender/internal/config"
	"github.com/calder/mender/internal/executor"
	"github.com/calder/mender/internal/logging"
	"github.com/calder/mender/internal/orchestrator"
	"github.com/calder/mender/internal/planfile"
	"github.com/calder/mender/internal/store"
)

const pidFileName = "mender.pid"

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage background daemon",
	Long:  `Start, stop, or check status of the mender background daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start background daemon",
	Long: `Start the mender daemon as a background process.

The daemon executes the configured plan on the daemon.cron schedule. With
daemon.watch enabled the plan file is reloaded whenever it changes on disk.`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop background daemon",
	Long:  `Stop the running mender daemon by sending SIGTERM.`,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  `Check if the mender daemon is running and show status information.`,
	RunE:  runDaemonStatus,
}

var daemonForegroundFlag bool

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForegroundFlag, "foreground", "f", false, "Run in foreground (don't daemonize)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// pidFilePath returns the path to the PID file.
func pidFilePath() string {
	return filepath.Join(config.DefaultDataDir(), pidFileName)
}

// writePidFile writes the current process PID to the PID file.
func writePidFile() error {
	if err := os.MkdirAll(filepath.Dir(pidFilePath()), 0755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

// readPidFile reads the PID from the PID file.
func readPidFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

// removePidFile removes the PID file.
func removePidFile() error {
	return os.Remove(pidFilePath())
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; send signal 0 to check if alive
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// isDaemonRunning checks if the daemon is currently running.
func isDaemonRunning() (bool, int) {
	pid, err := readPidFile()
	if err != nil {
		return false, 0
	}
	return isProcessRunning(pid), pid
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if running, pid := isDaemonRunning(); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Daemon.Cron == "" {
		return fmt.Errorf("no schedule configured (set daemon.cron in config)")
	}
	if _, err := resolveExec(cfg, ""); err != nil {
		return err
	}

	if daemonForegroundFlag {
		return runDaemonLoop(cfg)
	}

	// Daemonize: start a new process with --foreground flag
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("getting executable: %w", err)
	}

	child := exec.Command(executable, "daemon", "start", "--foreground")
	if configPath != "" {
		child.Args = append(child.Args, "--config", configPath)
	}
	child.Stdout = nil
	child.Stderr = nil
	child.Stdin = nil
	// Detach from parent process group
	child.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Printf("daemon started (pid %d)\n", child.Process.Pid)
	return nil
}

func runDaemonLoop(cfg *config.Config) error {
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("daemon")

	if err := writePidFile(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = removePidFile() }()

	log.Info("daemon starting")

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	plan, err := planfile.Load(cfg.Daemon.Plan)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}

	var planMu sync.Mutex
	currentPlan := plan

	if cfg.Daemon.Watch {
		go func() {
			err := planfile.Watch(ctx, cfg.Daemon.Plan, func(p *planfile.Plan) {
				planMu.Lock()
				currentPlan = p
				planMu.Unlock()
			})
			if err != nil && ctx.Err() == nil {
				log.Errorf("plan watch stopped: %v", err)
			}
		}()
	}

	sched := cron.New()
	_, err = sched.AddFunc(cfg.Daemon.Cron, func() {
		planMu.Lock()
		p := currentPlan
		planMu.Unlock()
		runScheduledPlan(ctx, cfg, st, p, log)
	})
	if err != nil {
		return fmt.Errorf("scheduling runs: %w", err)
	}
	sched.Start()

	entries := sched.Entries()
	if len(entries) > 0 {
		log.InfoCtx("daemon running", map[string]any{
			"next_run": entries[0].Schedule.Next(time.Now()).Format(time.RFC3339),
		})
	}

	<-ctx.Done()

	// Let an in-flight scheduled run finish before exiting.
	<-sched.Stop().Done()

	log.Info("daemon stopped")
	return nil
}

// runScheduledPlan executes one unattended run of the configured plan.
func runScheduledPlan(ctx context.Context, cfg *config.Config, st *store.Store, plan *planfile.Plan, log *logging.Logger) {
	g, err := plan.Graph()
	if err != nil {
		log.Errorf("building graph: %v", err)
		return
	}

	orch := orchestrator.New(
		orchestrator.WithRunner(executor.New(cfg.Engine.Exec)),
		orchestrator.WithStore(st),
		orchestrator.WithConfig(orchestrator.Config{
			RetryBudget: cfg.Engine.RetryBudget,
			TaskTimeout: cfg.Engine.TaskTimeout,
			MaxParallel: cfg.Engine.MaxParallel,
		}),
	)

	result, err := orch.Run(ctx, g)
	if err != nil {
		log.Errorf("scheduled run: %v", err)
	}
	if result != nil {
		log.InfoCtx("scheduled run complete", map[string]any{
			"run_id":      result.RunID,
			"steps":       result.Steps,
			"escalations": len(result.Escalations),
			"resolved":    result.Resolved(),
			"duration":    result.Duration.String(),
		})
	}
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	running, pid := isDaemonRunning()
	if !running {
		// Check if PID file exists but process is dead
		if _, err := readPidFile(); err == nil {
			_ = removePidFile()
			fmt.Println("daemon not running (stale pid file removed)")
			return nil
		}
		fmt.Println("daemon not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	fmt.Printf("stopping daemon (pid %d)...\n", pid)

	// Wait for process to exit (with timeout)
	timeout := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-timeout:
			// Force kill if still running
			fmt.Println("daemon did not stop, sending SIGKILL")
			_ = process.Signal(syscall.SIGKILL)
			_ = removePidFile()
			return nil
		case <-tick.C:
			if !isProcessRunning(pid) {
				fmt.Println("daemon stopped")
				_ = removePidFile()
				return nil
			}
		}
	}
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	running, pid := isDaemonRunning()

	if !running {
		fmt.Println("Status: not running")
		return nil
	}

	fmt.Printf("Status: running\n")
	fmt.Printf("PID: %d\n", pid)

	cfg, err := loadConfig()
	if err == nil && cfg.Daemon.Cron != "" {
		fmt.Printf("Schedule: cron %s\n", cfg.Daemon.Cron)
		fmt.Printf("Plan: %s\n", cfg.Daemon.Plan)
		if cfg.Daemon.Watch {
			fmt.Println("Watch: enabled")
		}
	}

	fmt.Printf("PID file: %s\n", pidFilePath())
	return nil
}
