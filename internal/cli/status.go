package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/conveyor-ci/conveyor/internal/pipeline"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show pipeline runs or one run in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := pipeline.DefaultStore()
		if err != nil {
			return fmt.Errorf("open run store: %w", err)
		}

		if len(args) == 1 {
			rs, err := store.Get(args[0])
			if err != nil {
				return err
			}
			printRun(cmd, rs)
			return nil
		}

		statusFilter, _ := cmd.Flags().GetString("status")
		runs, err := store.List(pipeline.RunStatus(statusFilter))
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(runs) == 0 {
			cmd.Println("No runs found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATUS\tREF\tSHA\tSOURCE\tCREATED")
		for _, rs := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				rs.ID, rs.Status, rs.Ref, shortSHA(rs.CommitSHA), rs.Source, rs.CreatedAt)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().String("status", "", "filter by run status (pending, running, succeeded, failed, cancelled)")
}
