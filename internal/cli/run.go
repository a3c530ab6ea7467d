package cli

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/conveyor-ci/conveyor/internal/orchestrator"
	"github.com/conveyor-ci/conveyor/internal/pipectx"
	"github.com/conveyor-ci/conveyor/internal/pipeline"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a pipeline run for a ref",
	Long: `Execute one pipeline run to completion: rules are evaluated against the
trigger context, the job graph is built, and jobs run on a local worker pool.

Manual-gated jobs are skipped unless pre-released with --release. The exit
code is nonzero when the run fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, _ := cmd.Flags().GetString("ref")
		sha, _ := cmd.Flags().GetString("sha")
		source, _ := cmd.Flags().GetString("source")
		isTag, _ := cmd.Flags().GetBool("tag")
		message, _ := cmd.Flags().GetString("message")
		changed, _ := cmd.Flags().GetStringArray("changed")
		release, _ := cmd.Flags().GetStringArray("release")
		workers, _ := cmd.Flags().GetInt("workers")
		peers, _ := cmd.Flags().GetStringArray("peer")

		eng, err := buildEngine(workers, peers)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rs, err := eng.orch.Run(ctx, orchestrator.RunOpts{
			Event: pipectx.TriggerEvent{
				Ref:           ref,
				CommitSHA:     sha,
				IsTag:         isTag,
				Source:        pipectx.Source(source),
				CommitMessage: message,
				ChangedPaths:  changed,
			},
			SkipManual: true,
			Release:    release,
		})
		if err != nil {
			if rs != nil && rs.Error != "" {
				cmd.PrintErrf("configuration error: %s\n", rs.Error)
			}
			return err
		}

		printRun(cmd, rs)
		if rs.Status != pipeline.RunSucceeded {
			return fmt.Errorf("run %s %s", rs.ID, rs.Status)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("ref", "", "branch or tag name the run is for (required)")
	runCmd.Flags().String("sha", "", "commit SHA the run is for")
	runCmd.Flags().String("source", "web", "trigger source (web, schedule, push, pipeline, api, trigger)")
	runCmd.Flags().Bool("tag", false, "the ref is a tag")
	runCmd.Flags().String("message", "", "commit message for rule evaluation")
	runCmd.Flags().StringArray("changed", nil, "changed path (repeatable)")
	runCmd.Flags().StringArray("release", nil, "pre-release a manual job (repeatable)")
	runCmd.Flags().Int("workers", 4, "worker pool size")
	runCmd.Flags().StringArray("peer", nil, "peer engine as project=url (repeatable)")
	runCmd.MarkFlagRequired("ref")
}

func printRun(cmd *cobra.Command, rs *pipeline.RunState) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s on %s (%s): %s\n", rs.ID, rs.Ref, shortSHA(rs.CommitSHA), strings.ToUpper(string(rs.Status)))
	if rs.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", rs.Error)
	}
	if len(rs.Jobs) == 0 {
		return
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTAGE\tSTATE\tATTEMPT\tCLASS\tDURATION")
	for _, j := range rs.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			j.Name, j.Stage, j.State, j.Attempt, j.Class, j.Duration)
	}
	w.Flush()
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	if sha == "" {
		return "unknown"
	}
	return sha
}
