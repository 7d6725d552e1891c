package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	"custody/apps/btcflow/internal/api"
	"custody/apps/btcflow/internal/chain"
	"custody/apps/btcflow/internal/chain_listener"
	"custody/apps/btcflow/internal/config"
	"custody/apps/btcflow/internal/confirmation_tracker"
	"custody/apps/btcflow/internal/deposit"
	"custody/apps/btcflow/internal/engine"
	"custody/apps/btcflow/internal/event_processor"
	"custody/apps/btcflow/internal/event_publisher"
	"custody/apps/btcflow/internal/idempotency"
	"custody/apps/btcflow/internal/ledger"
	"custody/apps/btcflow/internal/metrics"
	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/outbox_processor"
	"custody/apps/btcflow/internal/repository"
	"custody/apps/btcflow/internal/risk"
	"custody/apps/btcflow/internal/withdrawal"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize zap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration from environment variables
	cfg := config.NewConfig()

	logger.Info("Starting btcflow with configuration",
		zap.String("db_driver", cfg.DbDriver),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("events_topic", cfg.EventsTopic),
		zap.String("notifications_topic", cfg.NotificationsTopic),
		zap.String("chain_events_topic", cfg.ChainEventsTopic),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Uint64("finality_offset", cfg.FinalityOffset),
		zap.Int("api_port", cfg.APIPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := sql.Open(cfg.DbDriver, cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if repository.Dialect(cfg.DbDriver) == repository.DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	// Initialize database tables
	if err := repository.InitMigration(db, repository.Dialect(cfg.DbDriver)); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	publisher, err := event_publisher.NewKafkaPublisher(cfg.KafkaBroker, cfg.EventsTopic, cfg.NotificationsTopic, logger)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}
	defer publisher.Close()

	chainClient, err := chain.Dial(ctx, cfg.RpcURL, logger)
	if err != nil {
		logger.Fatal("Failed to create chain client", zap.Error(err))
	}
	defer chainClient.Close()

	ledgerClient := ledger.NewClient(cfg.LedgerURL, cfg.HTTPTimeout, logger)
	riskClient := risk.NewClient(cfg.RiskURL, cfg.HTTPTimeout, logger)

	finality := int(cfg.FinalityOffset)
	outboxOpts := outbox_processor.Options{BatchSize: cfg.BatchSize, Interval: cfg.PollInterval, MaxAttempts: cfg.MaxOutboxAttempts}
	eventOpts := event_processor.Options{BatchSize: cfg.BatchSize, Interval: cfg.PollInterval, AlertAttempts: cfg.EventAlertAttempts}

	// Deposits
	depositStore := repository.NewStore(db, repository.DepositSchema, logger)
	depositEngine := engine.NewEngine(depositStore, engine.NewTransitioner(depositStore, cfg.PostHookTimeout, logger,
		metrics.TransitionHook[*model.Deposit]{Kind: deposit.Kind},
		engine.PreflightHook[*model.Deposit]{Kind: deposit.Kind, Notifier: publisher},
	), logger)
	depositService := deposit.NewService(depositEngine,
		engine.NewAwaiter(depositStore, deposit.Settlement, cfg.AwaitInterval, cfg.AwaitTimeout, logger),
		idempotency.NewHandler(depositStore.Responses, deposit.Kind, logger),
		finality, logger)

	depositOutbox := outbox_processor.NewProcessor(depositStore, depositEngine, outboxOpts, logger)
	depositOutbox.Register(metrics.Handlers[*model.Deposit]()...)
	depositOutbox.Register(deposit.RiskHandler(riskClient, logger))
	depositEvents := event_processor.NewProcessor(deposit.Kind, repository.DepositSchema.New, depositStore.Events, publisher,
		deposit.SideEffects(ledgerClient), eventOpts, logger)

	// Withdrawals
	withdrawalStore := repository.NewStore(db, repository.WithdrawalSchema, logger)
	withdrawalEngine := engine.NewEngine(withdrawalStore, engine.NewTransitioner(withdrawalStore, cfg.PostHookTimeout, logger,
		metrics.TransitionHook[*model.Withdrawal]{Kind: withdrawal.Kind},
		engine.PreflightHook[*model.Withdrawal]{Kind: withdrawal.Kind, Notifier: publisher},
	), logger)
	withdrawalService := withdrawal.NewService(withdrawalEngine,
		engine.NewAwaiter(withdrawalStore, withdrawal.Settlement, cfg.AwaitInterval, cfg.AwaitTimeout, logger),
		idempotency.NewHandler(withdrawalStore.Responses, withdrawal.Kind, logger),
		finality, logger)

	withdrawalOutbox := outbox_processor.NewProcessor(withdrawalStore, withdrawalEngine, outboxOpts, logger)
	withdrawalOutbox.Register(metrics.Handlers[*model.Withdrawal]()...)
	withdrawalOutbox.Register(withdrawal.RiskHandler(riskClient, logger))
	withdrawalEvents := event_processor.NewProcessor(withdrawal.Kind, repository.WithdrawalSchema.New, withdrawalStore.Events, publisher,
		withdrawal.SideEffects(ledgerClient, chainClient, logger), eventOpts, logger)

	tracker := confirmation_tracker.NewTracker(withdrawalService, chainClient, confirmation_tracker.Options{
		Interval:       cfg.PollInterval,
		BatchSize:      cfg.BatchSize,
		FinalityOffset: finality,
		Concurrency:    4,
	}, logger)

	listener, err := chain_listener.NewListener(cfg.KafkaBroker, cfg.ChainEventsTopic, map[string]chain_listener.Handler{
		deposit.Kind:    depositService,
		withdrawal.Kind: withdrawalService,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create chain listener", zap.Error(err))
	}
	defer listener.Close()

	apiServer := api.NewServer(cfg.APIPort, db, depositStore.Entities, withdrawalStore.Entities, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { depositOutbox.Start(gctx); return nil })
	g.Go(func() error { depositEvents.Start(gctx); return nil })
	g.Go(func() error { withdrawalOutbox.Start(gctx); return nil })
	g.Go(func() error { withdrawalEvents.Start(gctx); return nil })
	g.Go(func() error { return tracker.Start(gctx) })
	g.Go(func() error { return listener.Start(gctx) })
	g.Go(apiServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal, starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return apiServer.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", zap.Error(err))
	}

	logger.Info("Application shutdown complete")
}
