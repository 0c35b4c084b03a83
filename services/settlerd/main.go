package settlerd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"boothnet/chain"
	"boothnet/custody"
	"boothnet/feed"
	"boothnet/ledger"
	"boothnet/observability/logging"
	telemetry "boothnet/observability/otel"
	"boothnet/payments"
	"boothnet/recon"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlerd/config.yaml", "path to settlerd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BOOTHNET_ENV"))
	logger := logging.Setup("settlerd", env, logging.WithLevel(logging.ParseLevel(os.Getenv("BOOTHNET_LOG_LEVEL"))))
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("settlerd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded",
		"listen", cfg.ListenAddress,
		"database_driver", cfg.Database.Driver,
		logging.MaskField("database_dsn", cfg.Database.DSN),
		"oracle", cfg.Chain.OracleAddress,
		"registry", cfg.Chain.RegistryAddress,
		"feed_enabled", !cfg.Feed.Disabled,
		logging.MaskField("feed_api_key", cfg.Feed.APIKey),
		logging.MaskField("custody_api_key", cfg.Custody.APIKey),
		"recon_enabled", !cfg.Recon.Disabled,
		"admin_issuer", cfg.Admin.Issuer,
	)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if err := ledger.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	store := ledger.NewStore(db)

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rpc, err := ethclient.DialContext(dialCtx, cfg.Chain.RPCURL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer rpc.Close()

	oracle := chain.NewPerformanceOracle(rpc, common.HexToAddress(cfg.Chain.OracleAddress),
		chain.WithOracleCallTimeout(cfg.Chain.CallTimeout.Duration),
		chain.WithMaxAggregateBuckets(cfg.Chain.MaxAggregateBuckets),
	)
	registry := chain.NewBoothRegistry(rpc, common.HexToAddress(cfg.Chain.RegistryAddress), cfg.Chain.CallTimeout.Duration)

	custodian, err := custody.NewMetalClient(custody.MetalConfig{
		BaseURL:   cfg.Custody.BaseURL,
		APIKey:    cfg.Custody.APIKey,
		Timeout:   cfg.Custody.Timeout.Duration,
		RateLimit: cfg.Custody.RateLimit,
		Burst:     cfg.Custody.Burst,
	})
	if err != nil {
		return fmt.Errorf("init custody client: %w", err)
	}

	metrics := NewMetrics()
	executor := payments.NewExecutor(store, custodian, cfg.Custody.TokenAddress,
		payments.WithTokenDecimals(cfg.Custody.TokenDecimals),
		payments.WithTransferTimeout(cfg.Custody.Timeout.Duration),
		payments.WithExecutorLogger(logger.With("component", "executor")),
		payments.WithExecutorMetrics(metrics),
	)
	engine, err := payments.NewEngine(registry, oracle, store, executor,
		payments.WithPolicy(cfg.Policy),
		payments.WithCampaignConcurrency(cfg.Engine.CampaignConcurrency),
		payments.WithEngineLogger(logger.With("component", "engine")),
		payments.WithEngineMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var journal *feed.Journal
	var feedController FeedController
	if !cfg.Feed.Disabled {
		if path := strings.TrimSpace(cfg.Feed.JournalPath); path != "" {
			journal, err = feed.OpenJournal(path)
			if err != nil {
				return err
			}
			defer journal.Close()
		}
		manager := newFeedManager(cfg.Feed, cfg.Chain.OracleAddress, engine, journal, logger, metrics)
		status := manager.Initialize(stopCtx)
		logger.Info("feed manager initialised", "status", status.String())
		defer manager.Close()
		feedController = manager
	}

	var exporter recon.Exporter
	if strings.TrimSpace(cfg.Recon.ReportDir) != "" {
		exporter = store
	}
	driver, err := recon.NewDriver(recon.Config{
		Registry:  registry,
		Settler:   engine,
		Exporter:  exporter,
		ReportDir: cfg.Recon.ReportDir,
		Logger:    logger.With("component", "recon"),
		Metrics:   metrics,
	})
	if err != nil {
		return fmt.Errorf("init reconciliation: %w", err)
	}
	if !cfg.Recon.Disabled {
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Driver:     driver,
			Offset:     cfg.Recon.Offset.Duration,
			OpenBucket: cfg.Recon.OpenBucket,
			AfterPass:  pruneJournal(journal, cfg.Feed.JournalRetention.Duration, logger),
			Logger:     logger.With("component", "scheduler"),
		})
		go scheduler.Start(stopCtx)
	}

	admin := NewAdminServer(AdminDeps{
		Feed:       feedController,
		Payments:   store,
		Processor:  engine,
		Reconciler: driver,
		Auth: NewAuthenticator(AuthConfig{
			Secret:    cfg.Admin.JWTSecret,
			Issuer:    cfg.Admin.Issuer,
			Audience:  cfg.Admin.Audience,
			ClockSkew: cfg.Admin.ClockSkew.Duration,
		}, logger.With("component", "admin")),
		Logger: logger.With("component", "admin"),
	})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(admin, "settlerd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("settlerd listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func openDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("database driver %q not supported", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func newFeedManager(cfg FeedConfig, oracle string, engine *payments.Engine, journal *feed.Journal, logger *slog.Logger, metrics *Metrics) *feed.Manager {
	feedLogger := logger.With("component", "feed")
	handler := func(ctx context.Context, event chain.MetricsEvent) {
		if _, err := engine.AttributeAndSettle(ctx, event); err != nil {
			feedLogger.Error("attribution failed",
				"transaction_hash", event.TxHash,
				"bucket", event.Bucket(),
				"error", err,
			)
		}
	}
	dialer := &feed.WebsocketDialer{URL: cfg.URL}
	return feed.NewManager(feed.Config{
		OracleAddress: common.HexToAddress(oracle),
		APIKey:        cfg.APIKey,
		Network:       cfg.Network,
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		BaseBackoff:   cfg.BaseBackoff.Duration,
		MaxBackoff:    cfg.MaxBackoff.Duration,
	}, dialer, handler,
		feed.WithJournal(journal),
		feed.WithLogger(feedLogger),
		feed.WithMetrics(metrics),
	)
}

func pruneJournal(journal *feed.Journal, retention time.Duration, logger *slog.Logger) func(context.Context, recon.PassResult, bool) {
	if journal == nil || retention <= 0 {
		return nil
	}
	return func(_ context.Context, _ recon.PassResult, _ bool) {
		removed, err := journal.Prune(time.Now().Add(-retention))
		if err != nil {
			logger.Warn("journal prune failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Debug("journal pruned", "removed", removed)
		}
	}
}
