package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calder/mender/internal/planfile"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan>",
	Short: "Validate a plan file",
	Long: `Parse a plan file and check its task graph.

Reports missing goals, duplicate ids, unknown dependencies, and dependency
cycles without executing anything.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := planfile.Load(args[0])
		if err != nil {
			return err
		}
		g, err := plan.Graph()
		if err != nil {
			return fmt.Errorf("invalid plan %s: %w", args[0], err)
		}

		name := plan.Name
		if name == "" {
			name = args[0]
		}
		fmt.Printf("%s: ok (%d tasks, %d ready to start)\n", name, g.Len(), len(g.ReadySet()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
