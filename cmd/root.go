/*
mediaflow orchestrates media-analytics batch jobs.
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
	"github.com/trobanga/mediaflow/internal/services"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mediaflow",
	Short: "mediaflow - media analytics batch orchestrator",
	Long: `mediaflow runs batch jobs over media files through pipelines of
detection and markup tasks.

Each task is split into work units, one per media and action, which are
sent to analytic workers over a message broker (or run in-process). Once
every unit of a task has answered, the job advances to the next task.
After the last task an output document is written and the job's callback
is notified.

Example:
  mediaflow job run request.json --progress
  mediaflow serve
  mediaflow job submit request.json
  mediaflow job status <job-id>
  mediaflow job list`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprint(os.Stderr, lib.ClassifyError(err).UserMessage())
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mediaflow.yaml, ~/.config/mediaflow/mediaflow.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.SetVersionTemplate("mediaflow version {{.Version}}\n")
}

// loadConfig reads the configuration and builds the logger every command uses
func loadConfig() (*models.ProjectConfig, *lib.Logger, error) {
	if verbose {
		services.SetConfigValue("log_level", "debug")
	}
	config, err := services.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return config, lib.NewLogger(lib.ParseLogLevel(config.LogLevel)), nil
}
