package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/calder/mender/internal/graph"
	"github.com/calder/mender/internal/orchestrator"
	"github.com/calder/mender/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest snapshot and run history",
	Long: `Display the task breakdown of the most recent snapshot and the last
N recorded runs (default: 5).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		last, _ := cmd.Flags().GetInt("last")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = st.Close() }()

		ctx := context.Background()
		if err := showLatestSnapshot(ctx, st); err != nil {
			return err
		}
		return showRunHistory(ctx, st, last)
	},
}

func init() {
	statusCmd.Flags().IntP("last", "n", 5, "Show last N runs")
	rootCmd.AddCommand(statusCmd)
}

func showLatestSnapshot(ctx context.Context, st *store.Store) error {
	snap, runID, err := st.LatestSnapshot(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoSnapshot) {
			fmt.Println("No snapshot stored.")
			return nil
		}
		return fmt.Errorf("loading snapshot: %w", err)
	}

	g, err := graph.FromSnapshot(snap)
	if err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}

	counts := make(map[graph.Status]int)
	for _, t := range g.Tasks() {
		counts[t.Status]++
	}

	fmt.Printf("Latest snapshot: run %s (saved %s)\n", runID, snap.SavedAt.Format("2006-01-02 15:04"))
	fmt.Printf("  Tasks: %d\n", g.Len())
	for _, status := range sortedStatuses(counts) {
		fmt.Printf("  %-17s %d\n", string(status)+":", counts[status])
	}
	fmt.Println()
	return nil
}

func showRunHistory(ctx context.Context, st *store.Store, n int) error {
	runs, err := st.Runs(ctx, n)
	if err != nil {
		return fmt.Errorf("loading run history: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No run history found.")
		return nil
	}

	fmt.Printf("Last %d runs:\n\n", len(runs))
	for _, rec := range runs {
		printRunRecord(rec)
		fmt.Println()
	}
	return nil
}

func printRunRecord(rec orchestrator.RunRecord) {
	fmt.Printf("[%s] %s\n", rec.StartedAt.Format("2006-01-02 15:04"), runVerdict(rec))
	fmt.Printf("  Run:   %s\n", rec.ID)
	fmt.Printf("  Steps: %d\n", rec.Steps)
	if rec.Escalations > 0 {
		fmt.Printf("  Escalations: %d\n", rec.Escalations)
	}
	if d := rec.FinishedAt.Sub(rec.StartedAt); d > 0 {
		fmt.Printf("  Duration: %s\n", formatRunDuration(d))
	}
}

// runVerdict summarizes a run record in one word.
func runVerdict(rec orchestrator.RunRecord) string {
	switch {
	case rec.Aborted:
		return "ABORTED"
	case rec.Escalations > 0:
		return "ESCALATED"
	default:
		return "RESOLVED"
	}
}

func formatRunDuration(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

func sortedStatuses(counts map[graph.Status]int) []graph.Status {
	out := make([]graph.Status, 0, len(counts))
	for st := range counts {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
