// Command copytrader runs the copy-trading daemon: it watches a master
// account's positions and mirrors every open, partial close, and full close
// onto a set of follower accounts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/alert"
	"copytrader/internal/bootstrap"
	"copytrader/internal/core"
	"copytrader/internal/credentials"
	"copytrader/internal/exchangeclient"
	"copytrader/internal/infrastructure/health"
	"copytrader/internal/infrastructure/metrics"
	"copytrader/internal/mastercallqueue"
	"copytrader/internal/statestore"
	"copytrader/internal/syncengine"
	"copytrader/internal/tradeops"
	"copytrader/pkg/logging"
	"copytrader/pkg/telemetry"
)

const masterQueueCapacity = 128

// runnerFunc adapts a plain function to bootstrap.Runner.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func main() {
	configPath := flag.String("config", "configs/copytrader.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting copytrader", "app", cfg.App.Name, "exchange", cfg.Exchange.BaseURL)

	ctx := context.Background()

	var shutdownTelemetry func(context.Context) error
	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup(cfg.App.Name)
		if err != nil {
			logger.Error("failed to set up telemetry, continuing without metrics", "error", err)
		} else {
			shutdownTelemetry = tel.Shutdown
		}
	}

	credStore := credentials.NewEnvelopeStore(cfg.Credentials.SourceFile, string(cfg.Credentials.EnvelopeKey))
	masterCred, followers, err := credStore.Load(ctx)
	if err != nil {
		logger.Fatal("failed to load credentials", "error", err)
	}
	logger.Info("loaded credentials", "followers", len(followers))

	requestTimeout := time.Duration(cfg.Exchange.RequestTimeout) * time.Second
	masterClient := exchangeclient.NewClient(masterCred, cfg.Exchange.BaseURL, cfg.Exchange.RecvWindowMS, cfg.Exchange.MaxRetries, requestTimeout, "master")
	clientFor := func(cred core.APICredential, account string) core.IExchangeClient {
		return exchangeclient.NewClient(cred, cfg.Exchange.BaseURL, cfg.Exchange.RecvWindowMS, cfg.Exchange.MaxRetries, requestTimeout, account)
	}

	masterQueue := mastercallqueue.New(cfg.Timing.MasterQueueTick(), masterQueueCapacity, logger)

	stateStore, err := statestore.NewFirestoreStore(ctx, cfg.StateStore.ProjectID, cfg.StateStore.CredentialsFile, cfg.StateStore.Collection, cfg.StateStore.DocumentID, logger)
	if err != nil {
		logger.Fatal("failed to connect to state store", "error", err)
	}
	defer stateStore.Close()

	telegramToken := ""
	if cfg.Telegram.Enabled {
		telegramToken = string(cfg.Telegram.BotToken)
	}
	notifier, err := alert.NewTelegramNotifier(telegramToken, cfg.Telegram.ChatID, logger)
	if err != nil {
		logger.Fatal("failed to initialize telegram notifier", "error", err)
	}

	healthManager := health.NewHealthManager(logger)
	healthManager.Register("state_store", func() error {
		_, err := stateStore.Load(ctx)
		return err
	})
	healthManager.Register("master_exchange", func() error {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err := masterClient.GetPositions(checkCtx)
		return err
	})

	metricsServer := metrics.NewServer(cfg.Telemetry.MetricsPort, healthManager, logger)
	if cfg.Telemetry.EnableMetrics {
		metricsServer.Start()
	}

	state := core.NewMirrorState()
	batchCfg := tradeops.BatchConfig{
		OpenBatchSize:  cfg.Concurrency.OpenBatchSize,
		CloseBatchSize: cfg.Concurrency.CloseBatchSize,
		InterBatchGap:  time.Duration(cfg.Concurrency.InterBatchDelayMS) * time.Millisecond,
	}
	saveState := func(ctx context.Context) error {
		return stateStore.Save(ctx, state.ToSnapshot())
	}
	ops := tradeops.New(state, notifier, saveState, logger, batchCfg)

	syncCfg := syncengine.DefaultConfig()
	syncCfg.PollInterval = time.Duration(cfg.Timing.SyncPollIntervalMS) * time.Millisecond
	syncCfg.WorkerPoolSize = cfg.Concurrency.SyncWorkerPoolSize
	syncCfg.PartialCloseThreshold = decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(cfg.Timing.PartialCloseThresholdPct))

	engine := syncengine.New(
		syncCfg,
		masterClient,
		masterQueue,
		credStore,
		stateStore,
		ops,
		notifier,
		logger,
		clientFor,
		time.Duration(cfg.Timing.MasterPositionsCacheMS)*time.Millisecond,
		time.Duration(cfg.Timing.OpenOrdersCacheMS)*time.Millisecond,
		time.Duration(cfg.Timing.FollowerBalanceCacheMS)*time.Millisecond,
		requestTimeout,
	)

	if err := engine.Start(ctx); err != nil {
		logger.Fatal("failed to start sync engine", "error", err)
	}

	credentialRefresher := syncengine.NewCredentialRefresher(engine, time.Duration(cfg.Timing.FollowersRefreshSeconds)*time.Second, logger)
	balanceRefresher := syncengine.NewBalanceRefresher(engine, time.Duration(cfg.Timing.BalancesRefreshSeconds)*time.Second, time.Duration(cfg.Timing.BalancePreloadGapMS)*time.Millisecond, syncCfg.QuoteAsset, logger)

	app := &bootstrap.App{
		Cfg:    cfg,
		Logger: bootstrap.InitLogger(cfg),
	}

	runErr := app.Run(
		masterQueue,
		engine,
		runnerFunc(engine.RunWorkers),
		credentialRefresher,
		balanceRefresher,
	)

	if cfg.Telemetry.EnableMetrics {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Stop(shutdownCtx)
		cancel()
	}
	if shutdownTelemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
		cancel()
	}

	if runErr != nil {
		logger.Fatal("copytrader exited with error", "error", runErr)
	}
}
