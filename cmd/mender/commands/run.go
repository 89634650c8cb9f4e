package commands

import (
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/calder/mender/internal/executor"
	"github.com/calder/mender/internal/graph"
	"github.com/calder/mender/internal/logging"
	"github.com/calder/mender/internal/orchestrator"
	"github.com/calder/mender/internal/planfile"
	"github.com/calder/mender/internal/repair"
	"github.com/calder/mender/internal/scheduler"
	"github.com/calder/mender/internal/store"
	"github.com/calder/mender/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run [plan]",
	Short: "Execute a task plan",
	Long: `Execute a task plan until every task is resolved.

The plan is a JSON file listing tasks with roles, goals, and dependencies.
Each ready task is dispatched to the worker command, which receives the task
description in MENDER_TASK_* environment variables and reports its outcome
via exit code: 0 succeeded, 2 completed with issues, anything else failed.

Failures are repaired automatically: the failed task is superseded by a
corrective chain and its dependents are rewired. A task that keeps failing
past the retry budget is escalated and its branch frozen; the rest of the
plan continues.

Use --dry-run to print the first proposed step without dispatching, and
--resume to continue from the last persisted snapshot instead of a plan.

Examples:
  mender run plan.json --exec ./worker.sh
  mender run plan.json --dry-run
  mender run --resume --exec ./worker.sh
  mender run plan.json -e ./worker.sh --yes`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("exec", "e", "", "Worker command invoked per task")
	runCmd.Flags().Bool("dry-run", false, "Print the first proposed step and exit")
	runCmd.Flags().Bool("resume", false, "Continue from the last persisted snapshot")
	runCmd.Flags().BoolP("yes", "y", false, "Approve every step without prompting")
	runCmd.Flags().Bool("no-color", false, "Disable colored output")
	runCmd.Flags().Bool("plain", false, "Disable the live monitor")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	execFlag, _ := cmd.Flags().GetString("exec")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	resume, _ := cmd.Flags().GetBool("resume")
	yes, _ := cmd.Flags().GetBool("yes")
	noColor, _ := cmd.Flags().GetBool("no-color")
	plain, _ := cmd.Flags().GetBool("plain")

	if noColor || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("run")

	ctx, cancel := signalContext()
	defer cancel()

	var (
		g  *graph.Graph
		st *store.Store
	)

	if resume {
		st, err = openStore(cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = st.Close() }()

		snap, runID, err := st.LatestSnapshot(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNoSnapshot) {
				return fmt.Errorf("nothing to resume: no snapshot stored")
			}
			return fmt.Errorf("load snapshot: %w", err)
		}
		g, err = graph.FromSnapshot(snap)
		if err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		log.InfoCtx("resuming from snapshot", map[string]any{"run_id": runID, "tasks": g.Len()})
	} else {
		planPath, err := resolvePlanPath(cfg, args)
		if err != nil {
			return err
		}
		plan, err := planfile.Load(planPath)
		if err != nil {
			return err
		}
		g, err = plan.Graph()
		if err != nil {
			return fmt.Errorf("building graph: %w", err)
		}
		log.InfoCtx("plan loaded", map[string]any{"path": planPath, "tasks": g.Len()})
	}

	if dryRun {
		return printDryRun(g)
	}

	execCommand, err := resolveExec(cfg, execFlag)
	if err != nil {
		return err
	}

	if st == nil {
		st, err = openStore(cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = st.Close() }()
	}

	interactive := isInteractive()

	var gate orchestrator.Gate = orchestrator.AutoApprove{}
	if cfg.Approval.Mode == "interactive" && interactive && !yes {
		gate = ui.NewApprovalGate()
	}

	opts := []orchestrator.Option{
		orchestrator.WithRunner(executor.New(execCommand)),
		orchestrator.WithGate(gate),
		orchestrator.WithStore(st),
		orchestrator.WithConfig(orchestrator.Config{
			RetryBudget: cfg.Engine.RetryBudget,
			TaskTimeout: cfg.Engine.TaskTimeout,
			MaxParallel: cfg.Engine.MaxParallel,
		}),
	}

	// The live monitor owns the terminal, so it only runs when no
	// interactive gate will need it for prompts.
	var prog *tea.Program
	if interactive && !plain {
		if _, isAuto := gate.(orchestrator.AutoApprove); isAuto {
			monitor := ui.NewMonitor(g.Tasks())
			prog, err = monitor.Run()
			if err != nil {
				log.Warnf("starting monitor: %v", err)
				prog = nil
			} else {
				opts = append(opts, orchestrator.WithEventHandler(ui.Handler(prog)))
			}
		}
	}

	result, runErr := orchestrator.New(opts...).Run(ctx, g)

	if prog != nil {
		// The monitor quits itself on the run-end event.
		prog.Wait()
	}

	if result != nil {
		fmt.Print(ui.RenderRunSummary(result))
	}

	if runErr != nil {
		if errors.Is(runErr, repair.ErrEscalationRequired) {
			return fmt.Errorf("run needs attention: %w", runErr)
		}
		if errors.Is(runErr, orchestrator.ErrStepRejected) {
			fmt.Println("run aborted: step rejected")
			return nil
		}
		return runErr
	}
	return nil
}

// printDryRun shows the first proposed step without dispatching anything.
func printDryRun(g *graph.Graph) error {
	sched := scheduler.New(nil, scheduler.DefaultConfig())
	step, err := sched.NextStep(g)
	if err != nil {
		return err
	}
	if step.Empty() {
		fmt.Println("nothing to schedule")
		return nil
	}
	fmt.Print(ui.RenderProposals(step, sched.Propose(g, step)))
	return nil
}
