package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/config"
	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/handler"
	"github.com/boddenberg/credit-ledger-go/internal/infra/cache"
	"github.com/boddenberg/credit-ledger-go/internal/infra/lock"
	"github.com/boddenberg/credit-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/credit-ledger-go/internal/infra/notify"
	"github.com/boddenberg/credit-ledger-go/internal/infra/observability"
	"github.com/boddenberg/credit-ledger-go/internal/infra/postgres"
	"github.com/boddenberg/credit-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/credit-ledger-go/internal/infra/stripe"
	"github.com/boddenberg/credit-ledger-go/internal/port"
	"github.com/boddenberg/credit-ledger-go/internal/service"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "credit-ledger")
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("postgres", cfg.DatabaseURL != ""),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.Duration("payment_timeout", cfg.PaymentTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Duration("replenish_interval", cfg.ReplenishInterval),
		zap.Int64("low_balance_threshold", cfg.LowBalanceThreshold),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "credit-ledger")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Account store ---
	var store port.AccountStore
	if cfg.DatabaseURL != "" {
		if cfg.RunMigrations {
			if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 20)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()
		store = postgres.NewAccountStore(pool, logger)
		logger.Info("using Postgres account store")
	} else {
		store = memstore.New()
		logger.Warn("DATABASE_URL not set, using in-memory account store")
	}

	// --- Redis (replenish lock + balance fan-out) ---
	hub := notify.NewHub(logger)
	var (
		replenishLock port.ReplenishLock
		pusher        port.BalancePusher
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		defer rdb.Close()

		broadcaster := notify.NewRedisBroadcaster(rdb, hub, logger)
		go func() {
			if err := broadcaster.Run(ctx); err != nil {
				logger.Error("balance broadcaster stopped", zap.Error(err))
			}
		}()
		replenishLock = lock.NewRedis(rdb)
		pusher = broadcaster
		logger.Info("using Redis for replenish locks and balance fan-out", zap.String("addr", cfg.RedisAddr))
	} else {
		replenishLock = lock.NewMemory()
		pusher = hub
		logger.Warn("REDIS_ADDR not set, replenish locks and balance pushes are process-local")
	}

	// --- Mailer ---
	var mailer port.Mailer
	if cfg.SMTPHost != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.MailFrom,
		})
	} else {
		mailer = notify.NewLogMailer(logger)
		logger.Warn("SMTP_HOST not set, emails are logged only")
	}

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	cb := resilience.NewCircuitBreaker(stripe.ServiceName, stripe.IsClientError, logger)

	// --- Payment provider ---
	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set, provider calls will be rejected")
	}
	payments := stripe.NewClient(stripe.Options{
		BaseURL:       cfg.StripeAPIURL,
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Timeout:       cfg.PaymentTimeout,
	}, cb, resilienceCfg, metrics, logger)

	// --- Cache ---
	billingCache := cache.New[[]domain.Charge](cfg.BillingCacheTTL)
	defer billingCache.Close()

	// --- Services ---
	notifier := service.NewNotifier(pusher, mailer, metrics, logger)
	ledger := service.NewLedgerService(store, payments, replenishLock, billingCache, notifier,
		service.LedgerConfig{
			LowBalanceThreshold: cfg.LowBalanceThreshold,
			MinChargeMinorUnits: cfg.MinChargeMinorUnits,
			LockTTL:             cfg.ReplenishLockTTL,
			SuccessURL:          cfg.StripeSuccessURL,
			CancelURL:           cfg.StripeCancelURL,
		}, metrics, logger)
	webhooks := service.NewWebhookReconciler(payments, store, ledger, metrics, logger)
	scheduler := service.NewScheduler(store, ledger, service.SchedulerConfig{
		Interval:       cfg.ReplenishInterval,
		Concurrency:    cfg.ReplenishConcurrency,
		NoticeInterval: cfg.LowBalanceNoticeTTL,
	}, metrics, logger)

	if cfg.ServiceSecret == "" {
		logger.Warn("MICROSERVICE_SECRET_KEY not set, usage and admin routes will reject all requests")
	}

	// --- Router ---
	router, err := handler.NewRouter(handler.Services{
		Ledger:    ledger,
		Webhooks:  webhooks,
		Scheduler: scheduler,
		Tokens:    service.NewTokenVerifier(cfg.JWTSecret),
		Hub:       hub,
	}, handler.RouterConfig{
		ServiceSecret:  cfg.ServiceSecret,
		UsageRateLimit: cfg.UsageRateLimit,
		AllowedOrigins: cfg.AllowedOrigins,
	}, metrics, logger)
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}

	// --- Scheduler ---
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(ctx)
	}()

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	stop()
	<-schedulerDone
	notifier.Wait()

	logger.Info("server stopped")
}
