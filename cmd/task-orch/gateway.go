package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/task-orchestrator/internal/admission"
	"github.com/hochfrequenz/task-orchestrator/internal/config"
	"github.com/hochfrequenz/task-orchestrator/internal/gateway"
	"github.com/hochfrequenz/task-orchestrator/internal/notify"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
	"github.com/hochfrequenz/task-orchestrator/internal/usagestore"
	"github.com/hochfrequenz/task-orchestrator/internal/workers"
)

func init() {
	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway that admits and dispatches tasks",
		RunE:  runGateway,
	}
	fs := gatewayCmd.Flags()
	fs.Int("port", 0, "port to listen on")
	fs.String("public-url", "", "URL the workers use for callbacks")
	fs.String("usage-backend", "", "usage store backend (sqlite or redis)")
	config.BindFlag(v, "gateway.port", fs, "port")
	config.BindFlag(v, "gateway.public_url", fs, "public-url")
	config.BindFlag(v, "gateway.usage_backend", fs, "usage-backend")
	rootCmd.AddCommand(gatewayCmd)
}

// usageStore is what the gateway needs from either backend
type usageStore interface {
	admission.UsageRepository
	gateway.DispatchRepository
	gateway.LogRepository
	Close() error
}

func openUsageStore(cfg config.GatewayConfig) (usageStore, error) {
	switch cfg.UsageBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		return usagestore.NewRedis(client), nil
	default:
		store, err := usagestore.NewSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func buildNotifier(cfg config.NotificationsConfig, logger *zap.Logger) notify.Notifier {
	var senders []notify.Sender
	if cfg.WhatsAppURL != "" {
		senders = append(senders, notify.NewWhatsAppNotifier(cfg.WhatsAppURL, cfg.WhatsAppToken))
	}
	if cfg.SlackWebhook != "" {
		senders = append(senders, notify.NewSlackNotifier(cfg.SlackWebhook))
	}
	if len(senders) == 0 {
		return notify.NewAsync(notify.NoopSender{}, logger)
	}
	return notify.NewAsync(notify.NewMultiSender(senders...), logger)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(config.RoleGateway); err != nil {
		return err
	}
	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	logger := log.Logger
	g := cfg.Gateway

	store, err := openUsageStore(g)
	if err != nil {
		return err
	}
	defer store.Close()

	adm := admission.NewController(store, cfg.Admission, logger)
	notifier := buildNotifier(cfg.Notifications, logger)
	svc := gateway.New(gateway.Deps{
		Admission:            adm,
		Selector:             workers.NewSelector(g.Workers, logger),
		Client:               workers.NewClient(signing.NewSigner(g.DispatchSecret), logger),
		Dispatches:           store,
		Logs:                 store,
		Notifier:             notifier,
		PublicURL:            g.PublicURL,
		DefaultEstimatedCost: g.DefaultEstimatedCost,
		Version:              version,
		Logger:               logger,
	})

	ctx, stop := signalContext()
	defer stop()

	srv := svc.HTTPServer(net.JoinHostPort(g.Host, strconv.Itoa(g.Port)))
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return serveHTTP(gctx, srv, logger) })
	eg.Go(func() error {
		return watchConfig(gctx, v, logger, func(next *config.Config) {
			applyLogLevel(log, next)
			if err := config.ValidateLimits(next.Admission); err != nil {
				logger.Warn("ignoring invalid admission limits", zap.Error(err))
				return
			}
			if next.Admission != adm.Limits() {
				adm.SetLimits(next.Admission)
				logger.Info("admission limits changed", zap.Any("limits", next.Admission))
			}
		})
	})

	logger.Info("gateway started",
		zap.String("version", version),
		zap.String("usage_backend", g.UsageBackend),
		zap.Int("workers", len(g.Workers)))

	err = eg.Wait()
	if a, ok := notifier.(*notify.Async); ok {
		a.Wait()
	}
	logger.Info("gateway stopped")
	return err
}
