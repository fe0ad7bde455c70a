package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sessioncap/sessioncap/internal/api"
	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/logging"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the sessioncap control API",
	Long: `Start the sessioncap control API in main mode.

The server accepts capture requests, runs at most one capture session at a
time and serves stored credentials to local tools.

Example:
  sessioncap serve --config config.yaml --db ./data/sessioncap.db`,
	RunE: runServe,
}

var serveFlags struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", envDuration("SHUTDOWN_TIMEOUT", 0), "Shutdown timeout (overrides config)")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.Timeout > 0 {
		cfg.Server.ShutdownTimeout = serveFlags.Timeout
	}
	if !cfg.API.Enabled {
		return fmt.Errorf("api is disabled in %s", loader.Path())
	}

	logger := newLogger(cfg, os.Stderr, "sessioncap")
	logger.Info("configuration loaded",
		"config", loader.Path(),
		"store", cfg.Store.Path,
		"capture_addr", cfg.Capture.Addr(),
		"auth_enabled", cfg.API.Auth.Enabled,
		"api_keys", api.MaskAPIKeys(cfg.API.Auth.APIKeys),
	)

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("error closing store", "error", err.Error())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchConfig(ctx, loader, logger)
	a.sweeper.Start()
	if err := a.cleanup.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(cfg.Server, cfg.API, a.store, a.orch, a.reporter,
		api.WithLogger(logger),
		api.WithMetrics(a.metrics),
		api.WithProber(a.prober),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received", "timeout", cfg.Server.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// watchConfig audits reloads. Sessions launched as worker processes read the
// file themselves, so a reload applies from the next capture on.
func watchConfig(ctx context.Context, loader *config.Loader, logger *logging.Logger) {
	loader.SetOnChange(func(c *config.Config) {
		logger.Audit(logging.NewAuditEvent(logging.ConfigChange, "reload", logging.StatusSuccess).
			WithDetails(map[string]interface{}{
				"path":         loader.Path(),
				"capture_addr": c.Capture.Addr(),
				"trigger_mode": c.Trigger.Mode,
			}))
	})
	loader.SetOnError(func(err error) {
		logger.Warn("config reload failed", "path", loader.Path(), "error", err.Error())
	})
	if _, err := os.Stat(loader.Path()); err != nil {
		return
	}
	if err := loader.Watch(ctx); err != nil {
		logger.Warn("config watch unavailable", "path", loader.Path(), "error", err.Error())
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return fallback
}
