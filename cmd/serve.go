package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/dispatcher"
	"github.com/wationgarbarad/ouroboros/internal/gateway"
	"github.com/wationgarbarad/ouroboros/internal/msgbus"
	"github.com/wationgarbarad/ouroboros/internal/reposvc"
	"github.com/wationgarbarad/ouroboros/internal/statestore"
	"github.com/wationgarbarad/ouroboros/internal/supervisor"
	"github.com/wationgarbarad/ouroboros/internal/telemetry"
	"github.com/wationgarbarad/ouroboros/internal/workerpool"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent supervisor and its HTTP/WS gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	}
	defer shutdownTelemetry(context.Background())

	store, err := statestore.New(statestore.Options{
		DataDir:         cfg.DataDir(),
		LockStaleAfter:  parseDur(cfg.Store.LockStaleAfter, 10*time.Second),
		LogRotateBytes:  cfg.Store.LogRotateBytes,
		LogHistoryFiles: cfg.Store.LogHistoryFiles,
	})
	if err != nil {
		slog.Error("state store init failed", "error", err)
		os.Exit(1)
	}

	// Optional queryable event mirror (sqlite by default, Postgres when a
	// DSN is supplied via env).
	mirrorDriver := cfg.Database.Driver
	if cfg.Database.PostgresDSN != "" && mirrorDriver == "" {
		mirrorDriver = "postgres"
	}
	mirror, err := statestore.NewEventMirror(cfg.DataDir(), statestore.MirrorOptions{
		Driver:      mirrorDriver,
		SQLitePath:  cfg.Database.SQLitePath,
		PostgresDSN: cfg.Database.PostgresDSN,
	})
	if err != nil {
		slog.Warn("event mirror unavailable", "error", err)
	} else {
		defer mirror.Close()
	}

	repo := reposvc.New(cfg.RepoPath(), cfg.Repo.StableBranch, cfg.Repo.WorkBranch, cfg.Repo.RescueBranchPrefix)

	bus := msgbus.New(msgbus.Options{
		InboxSize:  cfg.Bus.InboxSize,
		OutboxSize: cfg.Bus.OutboxSize,
		LogSize:    cfg.Bus.LogSize,
		SplitLimit: cfg.Bus.SplitLimit,
	})

	hub := dispatcher.NewHub()
	supOpts := supervisor.Options{
		Config: cfg,
		Store:  store,
		Repo:   repo,
		Bus:    bus,
		Hub:    hub,
		Spawn:  workerpool.ExecSpawner("--config", cfgPath),

		ConfigPath: cfgPath,
	}
	// The mirror subscribes to the same append-sink stream the Message Bus
	// uses, so it never re-reads the log files.
	if mirror != nil {
		supOpts.ExtraSink = mirror.Sink
	}
	sup, err := supervisor.New(supOpts)
	if err != nil {
		slog.Error("supervisor init failed", "error", err)
		os.Exit(1)
	}

	srv := gateway.NewServer(cfg, hub)
	srv.SetSupervisor(sup)

	writeServerPort(cfg)

	go func() {
		if err := srv.Start(ctx); err != nil {
			slog.Error("gateway stopped", "error", err)
			cancel()
		}
	}()

	err = sup.Run(ctx)
	if sup.RestartRequested() {
		slog.Info("exiting for restart", "reason", sup.RestartReason(), "code", supervisor.ExitCodeRestart)
		os.Exit(supervisor.ExitCodeRestart)
	}
	if err != nil && err != context.Canceled {
		slog.Error("supervisor exited", "error", err)
		os.Exit(1)
	}
}

// writeServerPort records the gateway TCP port under <dataDir>/state/ for
// UI hosts that discover the server by file (spec §6).
func writeServerPort(cfg *config.Config) {
	dir := filepath.Join(cfg.DataDir(), "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	os.WriteFile(filepath.Join(dir, "server_port"), []byte(fmt.Sprintf("%d\n", cfg.Gateway.Port)), 0o644)
}

func parseDur(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
