package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/claudecron/internal/config"
	"github.com/harrison/claudecron/internal/filelock"
	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/server"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler",
		Long: `Run the scheduler: load the task catalog, wire every enabled task
into its trigger source, and serve the catalog API over the configured
transport (stdio JSON lines or HTTP).

A file lock under the claudecron home directory keeps a second instance
from sharing the catalog.

Examples:
  claudecron serve
  claudecron serve --config ./claudecron.json
  claudecron serve --no-ai          # smart schedules run on their fallback cron`,
		Args: cobra.NoArgs,
		RunE: serveCommand,
	}

	cmd.Flags().Bool("no-ai", false, "Disable AI optimization of smart_schedule triggers")
	cmd.Flags().String("log-dir", "", "Directory for log files (default: <claudecron home>/logs)")

	return cmd
}

func serveCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	consoleLog := logger.NewConsoleLogger(cmd.ErrOrStderr(), logLevel)

	logDir, _ := cmd.Flags().GetString("log-dir")
	if logDir == "" {
		home, err := config.Home()
		if err != nil {
			return err
		}
		logDir = filepath.Join(home, "logs")
	}
	fileLog, err := logger.NewFileLogger(logDir, logLevel)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	defer fileLog.Close()
	log := logger.NewMulti(consoleLog, fileLog)

	lockPath, err := config.LockPath()
	if err != nil {
		return err
	}
	lock := filelock.New(lockPath)
	acquired, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("another claudecron instance is already running (lock: %s)", lockPath)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	noAI, _ := cmd.Flags().GetBool("no-ai")
	engine := newEngine(cfg, st, log, !noAI)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer engine.Stop()

	switch cfg.Transport {
	case config.TransportHTTP:
		srv := server.NewHTTPServer(engine, cfg.HTTP, log)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)

	default:
		return server.NewStdioServer(engine, log).Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	}
}
