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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatwire-io/chatwire/internal/api"
	"github.com/chatwire-io/chatwire/internal/authstate"
	"github.com/chatwire-io/chatwire/internal/autoreply"
	"github.com/chatwire-io/chatwire/internal/config"
	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/gateway"
	"github.com/chatwire-io/chatwire/internal/metrics"
	"github.com/chatwire-io/chatwire/internal/pacer"
	"github.com/chatwire-io/chatwire/internal/protocol/bridge"
	"github.com/chatwire-io/chatwire/internal/repositories"
	"github.com/chatwire-io/chatwire/internal/retrystore"
	"github.com/chatwire-io/chatwire/internal/router"
	"github.com/chatwire-io/chatwire/internal/runtime"
	"github.com/chatwire-io/chatwire/internal/supervisor"
	"github.com/chatwire-io/chatwire/internal/webhook"
	"github.com/chatwire-io/chatwire/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// forceExitAfter is the hard ceiling on graceful shutdown. The flush budget
// inside the supervisor is smaller; this timer only catches a wedged teardown.
const forceExitAfter = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "chatwire-server",
		Short: "Chatwire — multi-tenant chat-network gateway",
		Long: `Chatwire connects messaging accounts to the chat network and exposes a
REST API for sending, pairing, and webhook subscriptions. Inbound messages
fan out to webhooks through a durable at-least-once delivery queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.SecretKey, "secret-key", cfg.SecretKey, "Master secret for encrypting session blobs at rest (required)")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for local auth state")
	root.PersistentFlags().StringVar(&cfg.Bridge.URL, "bridge-url", cfg.Bridge.URL, "Protocol engine session endpoint")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatwire-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.SecretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or CHATWIRE_SECRET_KEY")
	}
	if err := db.InitEncryption([]byte(cfg.SecretKey)); err != nil {
		return err
	}

	logger.Info("starting chatwire server",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("bridge_url", cfg.Bridge.URL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gormLevel := gormlogger.Warn
	if cfg.LogLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		return err
	}

	accounts := repositories.NewAccountRepository(database)
	webhooks := repositories.NewWebhookRepository(database)
	jobs := repositories.NewDeliveryRepository(database)
	wires := repositories.NewWireMessageRepository(database)

	m := metrics.New()
	queue := webhook.NewQueue(cfg.Webhook, webhooks, jobs, m, version, logger)
	frames := retrystore.New(cfg.Retry, wires, logger)

	instanceID := gateway.InstanceID()
	manager := authstate.NewManager(accounts, cfg.DataDir, instanceID, cfg.Lifecycle.OwnershipStale, logger)
	saver := authstate.NewSaver(manager, logger)

	hub := websocket.NewHub()
	go hub.Run(ctx)

	sender := &supervisorSender{}
	var replier router.AutoReplier
	if cfg.Autoreply.Template != "" {
		adapters := []autoreply.Adapter{&autoreply.StaticAdapter{Template: cfg.Autoreply.Template}}
		replier = autoreply.NewReplier(sender, adapters, cfg.Autoreply.System, logger)
	}

	deps := runtimeDeps(cfg, accounts, manager, saver, queue, frames, replier, hub, m, logger)
	sup, err := supervisor.New(cfg, deps, queue, frames, jobs, logger)
	if err != nil {
		return err
	}
	sender.sup = sup

	handler := api.NewRouter(api.RouterConfig{
		Gateway:  supervisorGateway{sup: sup},
		Accounts: accounts,
		Webhooks: webhooks,
		Queue:    queue,
		Hub:      hub,
		Metrics:  m,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Error("http server failed", zap.Error(err))
	}

	forceExit := time.AfterFunc(forceExitAfter, func() {
		logger.Error("graceful shutdown exceeded hard deadline, forcing exit")
		os.Exit(1)
	})
	defer forceExit.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	sup.Shutdown()
	logger.Info("chatwire server stopped")
	return nil
}

func runtimeDeps(
	cfg config.Config,
	accounts repositories.AccountRepository,
	manager *authstate.Manager,
	saver *authstate.Saver,
	queue *webhook.Queue,
	frames *retrystore.Store,
	replier router.AutoReplier,
	hub *websocket.Hub,
	m *metrics.Metrics,
	logger *zap.Logger,
) runtime.Deps {
	dialer := bridge.NewDialer(bridge.Config{
		URL:         cfg.Bridge.URL,
		DialTimeout: cfg.Bridge.DialTimeout,
		CallTimeout: cfg.Bridge.CallTimeout,
	}, logger)

	return runtime.Deps{
		Accounts: accounts,
		Auth:     manager,
		Saver:    saver,
		Dialer:   dialer,
		Router:   router.New(queue, replier, router.NewLIDMap(), logger),
		Frames:   frames,
		Pacer:    pacer.New(cfg.Pacing, logger),
		Notifier: websocket.NewNotifier(hub),
		Metrics:  m,
		Logger:   logger,
	}
}

// supervisorGateway adapts the supervisor to the API's Gateway interface.
// The indirection exists because Runtime's concrete return type does not
// satisfy the interface-returning signature directly.
type supervisorGateway struct {
	sup *supervisor.Supervisor
}

func (g supervisorGateway) Runtime(accountID uuid.UUID) (api.AccountRuntime, error) {
	rt, err := g.sup.Runtime(accountID)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (g supervisorGateway) RequestQR(accountID uuid.UUID) {
	g.sup.RequestQR(accountID)
}

func (g supervisorGateway) Reconnect(ctx context.Context, accountID uuid.UUID) error {
	return g.sup.Reconnect(ctx, accountID)
}

func (g supervisorGateway) RemoveAccount(ctx context.Context, accountID uuid.UUID) error {
	return g.sup.RemoveAccount(ctx, accountID)
}

// supervisorSender routes auto-replies through the account's live runtime so
// they pass the pacer like any other send. sup is assigned before the
// supervisor starts consuming messages.
type supervisorSender struct {
	sup *supervisor.Supervisor
}

func (s *supervisorSender) SendText(ctx context.Context, accountID uuid.UUID, to, text string) error {
	rt, err := s.sup.Runtime(accountID)
	if err != nil {
		return err
	}
	_, err = rt.SendText(ctx, to, text)
	return err
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
