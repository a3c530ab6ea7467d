package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conveyor-ci/conveyor/internal/artifact"
	"github.com/conveyor-ci/conveyor/internal/ctxlog"
	"github.com/conveyor-ci/conveyor/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine as an HTTP service",
	Long: `Start the engine as a long-running service: runs are triggered over HTTP,
cross-pipeline polls from peer instances are answered, artifacts expire on a
background sweep, and prometheus metrics are served at /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		workers, _ := cmd.Flags().GetInt("workers")
		peers, _ := cmd.Flags().GetStringArray("peer")
		sweep, _ := cmd.Flags().GetDuration("sweep-interval")

		eng, err := buildEngine(workers, peers)
		if err != nil {
			return err
		}
		defer eng.Close()

		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx = ctxlog.WithLogger(ctx, logger)

		go artifact.NewJanitor(eng.artifacts, sweep).Run(ctx)

		srv := web.NewServer(eng.orch, eng.cfg.Project)
		srv.SetRegistry(eng.registry)
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().Int("workers", 4, "worker pool size")
	serveCmd.Flags().StringArray("peer", nil, "peer engine as project=url (repeatable)")
	serveCmd.Flags().Duration("sweep-interval", time.Hour, "artifact expiry sweep interval")
}
