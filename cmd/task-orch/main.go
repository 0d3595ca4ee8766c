package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/config"
	"github.com/hochfrequenz/task-orchestrator/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	v          = config.NewViper()
	rootCmd    = &cobra.Command{
		Use:   "task-orch",
		Short: "Task orchestrator - runs coding agents for dispatched tasks",
		Long: `task-orch runs coding agents on behalf of users. The gateway admits
submissions against per-user quotas and dispatches them to worker hosts;
each worker runs an orchestrator that executes the agent in a git worktree
and reports the outcome back through signed webhooks.`,
		SilenceUsage: true,
		Version:      version,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/task-orch/config.toml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	config.BindFlag(v, "logger.level", rootCmd.PersistentFlags(), "log-level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig resolves file, env and flags
func loadConfig() (*config.Config, error) {
	return config.Resolve(resolvedConfigPath(), v)
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.Build(logging.Options{Level: cfg.Logger.Level, Encoding: cfg.Logger.Encoding})
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveHTTP runs srv until ctx is done, then drains it
func serveHTTP(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// watchConfig calls onReload whenever the config file changes. Without a
// config file there is nothing to watch.
func watchConfig(ctx context.Context, viper *viper.Viper, logger *zap.Logger, onReload config.ReloadFunc) error {
	path := resolvedConfigPath()
	if _, err := os.Stat(config.ExpandPath(path)); err != nil {
		logger.Debug("config file not found, reload disabled", zap.String("path", path))
		<-ctx.Done()
		return nil
	}
	w, err := config.NewWatcher(path, viper, onReload, logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// applyLogLevel is the reload step shared by both roles
func applyLogLevel(log *logging.Logger, cfg *config.Config) {
	if cfg.Logger.Level == log.Level() {
		return
	}
	if err := log.SetLevel(cfg.Logger.Level); err != nil {
		log.Warn("ignoring invalid log level", zap.String("level", cfg.Logger.Level), zap.Error(err))
		return
	}
	log.Info("log level changed", zap.String("level", cfg.Logger.Level))
}
