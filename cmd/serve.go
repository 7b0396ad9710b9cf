package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
	"github.com/trobanga/mediaflow/internal/pipeline"
	"github.com/trobanga/mediaflow/internal/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run the orchestrator until interrupted.

serve polls the store for submitted jobs, dispatches their work units over
the configured transport and consumes worker responses. Only one serve
process may own a store; a second one exits with an error.

Example:
  mediaflow serve --config /etc/mediaflow/mediaflow.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	config, logger, err := loadConfig()
	if err != nil {
		return err
	}

	lock, err := services.AcquireInstanceLock(instanceLockPath(config))
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Error("Failed to release instance lock", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := pipeline.NewRuntime(ctx, config, services.NoopWorker, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("Failed to close runtime", "error", err)
		}
	}()

	logger.Info("Orchestrator started",
		"config_file", orDash(services.GetConfigFilePath()),
		"store", config.Store.Driver,
		"transport", config.Transport.Driver,
		"barrier", config.Barrier.Driver,
		"output_dir", config.Output.Dir,
	)

	if recovered, err := rt.Engine.RecoverInterrupted(ctx); err != nil {
		logger.Warn("Failed to recover interrupted jobs", "error", err)
	} else if recovered > 0 {
		logger.Warn("Completed jobs interrupted by a previous shutdown", "count", recovered)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- rt.Engine.Run(ctx)
	}()

	interval := time.Duration(config.Engine.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	pollErr := pollPending(ctx, rt.Engine, interval, logger)

	err = <-runErr
	logger.Info("Orchestrator stopped")
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, pollErr)
}

// pollPending starts submitted jobs every interval until ctx is done
func pollPending(ctx context.Context, engine *pipeline.Engine, interval time.Duration, logger *lib.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		started, err := engine.StartPending(ctx)
		if err != nil {
			logger.Warn("Failed to poll for submitted jobs", "error", err)
		} else if started > 0 {
			logger.Info("Started submitted jobs", "count", started)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// instanceLockPath places the lock next to the store it protects
func instanceLockPath(config *models.ProjectConfig) string {
	if config.Store.Driver == "sqlite" {
		return config.Store.Path + ".lock"
	}
	return filepath.Join(config.Output.Dir, fmt.Sprintf(".mediaflow-%d.lock", os.Getpid()))
}
