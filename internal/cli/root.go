package cli

import (
	"fmt"

	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "conveyor — a CI pipeline orchestration engine",
	Long: `conveyor turns a declarative pipeline configuration into scheduled job
executions: rules decide which jobs run, templates are resolved into concrete
job specs, and a dependency graph drives a bounded worker pool.

All state is stored in ~/.conveyor/ (SQLite for the event log, JSON for run
state). Cross-pipeline dependencies are resolved by polling peer instances.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to the pipeline config (default ./conveyor.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(supersedeCmd)
	rootCmd.AddCommand(dbCmd)
}

// loadFile reads the pipeline config named by --config, falling back to the
// default search path.
func loadFile() (*config.File, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// materialize loads and fully validates the configuration.
func materialize() (*config.Config, error) {
	f, err := loadFile()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(f); len(errs) > 0 {
		for _, e := range errs {
			fmt.Println("  -", e)
		}
		return nil, fmt.Errorf("config has %d validation error(s)", len(errs))
	}
	return config.Materialize(f)
}
