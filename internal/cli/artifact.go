package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/conveyor-ci/conveyor/internal/db"
	"github.com/spf13/cobra"
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Inspect and prune the artifact index",
}

var artifactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		arts, err := database.ListArtifacts()
		if err != nil {
			return err
		}
		if len(arts) == 0 {
			cmd.Println("No artifacts found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tREF\tSHA\tSIZE\tCREATED\tEXPIRES")
		for _, a := range arts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				a.Job, a.Ref, shortSHA(a.SHA), a.SizeBytes, a.CreatedAt, a.ExpiresAt)
		}
		return w.Flush()
	},
}

var artifactGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Prune expired artifacts from the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		n, err := database.PruneArtifacts(time.Now())
		if err != nil {
			return err
		}
		cmd.Printf("Pruned %d expired artifact(s).\n", n)
		return nil
	},
}

func openDB() (*db.DB, error) {
	path, err := db.DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("db path: %w", err)
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

func init() {
	artifactCmd.AddCommand(artifactListCmd)
	artifactCmd.AddCommand(artifactGCCmd)
}
