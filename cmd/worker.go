package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/worker"
)

// workerCmd is the subcommand the pool re-invokes this binary with: one
// isolated worker process speaking the JSON-lines protocol on stdio. Not
// meant for interactive use.
func workerCmd() *cobra.Command {
	var workerID string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run as a pool worker process (internal)",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			// Workers log to stderr only: stdout is the event pipe.
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				slog.Error("worker: config load failed", "error", err)
				os.Exit(1)
			}

			runner, err := worker.New(worker.Options{
				WorkerID:       workerID,
				Config:         cfg,
				HeartbeatEvery: workerHeartbeat(cfg),
			})
			if err != nil {
				slog.Error("worker: init failed", "error", err)
				os.Exit(1)
			}
			if err := runner.Run(context.Background()); err != nil {
				slog.Error("worker: exited with error", "error", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker id assigned by the pool")
	return cmd
}

func workerHeartbeat(cfg *config.Config) time.Duration {
	return parseDur(cfg.Workers.HeartbeatEvery, 30*time.Second)
}
