// Package cmd defines the claudecron command-line interface.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/claudecron/internal/config"
	"github.com/harrison/claudecron/internal/executor"
	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/scheduler"
	"github.com/harrison/claudecron/internal/store"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for claudecron
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claudecron",
		Short: "Persistent task scheduler with AI-backed executors",
		Long: `Claudecron schedules and runs tasks from a durable catalog: shell
commands and Claude CLI invocations fired by cron expressions,
intervals, file changes, session hooks, or task dependencies.

Tasks, their executions, and streaming output are persisted, so
schedules survive restarts and history stays queryable.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: standard search locations)")
	cmd.PersistentFlags().String("log-level", "info", "Log verbosity (trace, debug, info, warn, error)")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewTaskCommand())
	cmd.AddCommand(NewExecutionsCommand())
	cmd.AddCommand(NewHookCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loadConfig resolves the configuration honoring the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStore connects the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Type {
	case config.StorageRemote:
		return store.NewPostgresStore(ctx, cfg.Storage.URL)
	default:
		return store.NewSQLiteStore(cfg.Storage.Path)
	}
}

// newEngine assembles an engine over the store with the configured
// scheduler options.
func newEngine(cfg *config.Config, st store.Store, log logger.Logger, smartScheduling bool) *scheduler.Engine {
	registry := executor.NewDefaultRegistry(st)
	return scheduler.New(st, registry, log, scheduler.Options{
		MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
		DefaultTimezone:    cfg.Timezone(),
		CheckInterval:      cfg.CheckInterval(),
		SmartScheduling:    smartScheduling,
	})
}
