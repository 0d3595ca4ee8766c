package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/task-orchestrator/internal/config"
	"github.com/hochfrequenz/task-orchestrator/internal/credentials"
	"github.com/hochfrequenz/task-orchestrator/internal/executor"
	"github.com/hochfrequenz/task-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/task-orchestrator/internal/reconcile"
	"github.com/hochfrequenz/task-orchestrator/internal/retry"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
	"github.com/hochfrequenz/task-orchestrator/internal/statestore"
	"github.com/hochfrequenz/task-orchestrator/internal/webhooks"
	"github.com/hochfrequenz/task-orchestrator/web/api"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator on this worker host",
		RunE:  runServe,
	}
	fs := serveCmd.Flags()
	fs.Int("port", 0, "port to listen on")
	fs.Int("capacity", 0, "concurrent agent runs")
	fs.String("state-file", "", "path of the persisted state file")
	config.BindFlag(v, "orchestrator.port", fs, "port")
	config.BindFlag(v, "orchestrator.capacity", fs, "capacity")
	config.BindFlag(v, "orchestrator.state_file_path", fs, "state-file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(config.RoleOrchestrator); err != nil {
		return err
	}
	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	logger := log.Logger
	o := cfg.Orchestrator

	worktrees := executor.NewWorktreeManager(o.WorktreeBasePath, o.RepoBasePath, o.DefaultRepository)
	runner := executor.NewRunner(executor.RunnerOptions{
		Command:       o.AgentCommand,
		OpenCodeModel: o.OpenCodeModel,
	}, logger)

	// The orchestrator is both the credentials' token store and their
	// degradation sink, so the manager is attached after construction.
	creds := &lazyCredentials{}
	orch := orchestrator.New(orchestrator.Deps{
		Config: orchestrator.Config{
			Capacity:        o.Capacity,
			TaskTimeout:     o.TaskTimeout.Duration,
			LogDir:          o.LogBasePath,
			ZombieThreshold: o.ZombieThreshold.Duration,
			Version:         version,
		},
		Store:       statestore.New(o.StateFilePath, logger),
		Worktrees:   worktrees,
		Agents:      runner,
		Credentials: creds,
		Logger:      logger,
	})

	manager, err := credentials.NewManager(credentials.Config{
		AppID:          cfg.GitHub.AppID,
		InstallationID: cfg.GitHub.InstallationID,
		PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
		APIURL:         cfg.GitHub.APIURL,
	}, orch, orch.SetAuthDegraded, logger)
	if err != nil {
		return err
	}
	creds.m = manager

	queue := webhooks.New(orch, webhooks.Options{
		MaxAttempts: cfg.Webhooks.MaxAttempts,
		Backoff: retry.Backoff{
			Base:   cfg.Webhooks.BaseBackoff.Duration,
			Max:    cfg.Webhooks.MaxBackoff.Duration,
			Factor: 2,
		},
		Timeout:        cfg.Webhooks.Timeout.Duration,
		DeadLetterPath: cfg.DeadLetterPath(),
	}, logger)
	orch.SetWebhookNotifier(queue.Notify)

	ctx, stop := signalContext()
	defer stop()

	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recovering state: %w", err)
	}

	verifier := signing.NewDispatchVerifier(signing.NewSigner(o.DispatchSecret), signing.DefaultSkew)
	srv := api.NewServer(orch, verifier, logger).HTTPServer(net.JoinHostPort(o.Host, strconv.Itoa(o.Port)))
	reconciler := reconcile.New(worktrees, orch, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(gctx, srv, logger) })
	g.Go(func() error { return orch.RunSweeper(gctx, o.SweepInterval.Duration) })
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx, 0) })
	g.Go(func() error { return reconciler.RunSchedule(gctx, o.ReconcileSchedule) })
	g.Go(func() error {
		return watchConfig(gctx, v, logger, func(next *config.Config) {
			applyLogLevel(log, next)
		})
	})

	logger.Info("orchestrator started",
		zap.String("version", version),
		zap.Int("capacity", o.Capacity),
		zap.Bool("github_app", manager.Configured()))

	err = g.Wait()

	// Interrupt running tasks and persist before exiting
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	orch.Shutdown(shutdownCtx)
	logger.Info("orchestrator stopped")
	return err
}

// lazyCredentials forwards to the manager once it exists
type lazyCredentials struct {
	m *credentials.Manager
}

func (l *lazyCredentials) Token(ctx context.Context) (string, error) {
	if l.m == nil {
		return "", credentials.ErrNotConfigured
	}
	return l.m.Token(ctx)
}
