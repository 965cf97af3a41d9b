// Package main runs the checkout HTTP server with the pending payment sweeper and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/checkout/config"
	"github.com/aura-webinar/checkout/internal/auth"
	"github.com/aura-webinar/checkout/internal/discounts"
	"github.com/aura-webinar/checkout/internal/gateway"
	"github.com/aura-webinar/checkout/internal/ledger"
	"github.com/aura-webinar/checkout/internal/middleware"
	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/payments"
	"github.com/aura-webinar/checkout/internal/reconcile"
	"github.com/aura-webinar/checkout/internal/registrations"
	"github.com/aura-webinar/checkout/internal/reports"
	"github.com/aura-webinar/checkout/internal/store/memory"
	"github.com/aura-webinar/checkout/internal/worker"
	"github.com/aura-webinar/checkout/pkg/database"
	"github.com/aura-webinar/checkout/pkg/queue"
	"github.com/aura-webinar/checkout/pkg/redis"
	"github.com/aura-webinar/checkout/pkg/response"
	"github.com/aura-webinar/checkout/pkg/storage"
)

// stores are the per-package views over the configured system of record.
type stores struct {
	codes    discounts.Store
	ledger   ledger.Store
	payments payments.Store
	reports  reports.Store
	ping     func(ctx context.Context) error
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		mem := memory.New()
		return &stores{
			codes:    mem.Discounts(),
			ledger:   mem.Ledger(),
			payments: mem.Payments(),
			reports:  mem.Reports(),
			ping:     mem.Ping,
			close:    func() {},
		}, nil
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolConfig{MaxConns: cfg.Database.MaxConns}, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &stores{
		codes:    discounts.NewRepository(pool),
		ledger:   ledger.NewRepository(pool),
		payments: payments.NewRepository(pool),
		reports:  reports.NewRepository(pool),
		ping:     pool.Ping,
		close:    pool.Close,
	}, nil
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer st.close()

	// Redis is optional here; without it transient callback failures answer 503
	// and the gateway's own retries take over.
	var (
		jobQueue *queue.Queue
		enqueuer reconcile.Enqueuer
		dlq      reconcile.DeadLetterLister
	)
	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		ReadTimeout: worker.DequeueTimeout + 5*time.Second,
	}, logger)
	switch {
	case errors.Is(err, redis.ErrDisabled):
		logger.Info("reconcile queue disabled")
	case err != nil:
		logger.Warn("redis unavailable; reconcile queue disabled", zap.Error(err))
	default:
		defer rdb.Close()
		jobQueue = queue.NewQueue(rdb.Client, logger)
		enqueuer = jobQueue
		dlq = jobQueue
	}

	var exporter *reports.Exporter
	if cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ReportsBucket:        cfg.AWS.ReportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			exporter = reports.NewExporter(st.reports, s3Client, logger)
		}
	}

	gw, err := gateway.FromConfig(cfg, logger)
	if err != nil {
		logger.Fatal("gateway", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.ExpireHours)

	// Discount codes
	validator := discounts.NewValidator(st.codes, logger)
	discountHandler := discounts.NewHandler(st.codes, validator, logger)
	usageLedger := ledger.New(st.ledger, ledger.RetryConfig{
		MaxAttempts:    cfg.Ledger.MaxAttempts,
		InitialBackoff: cfg.Ledger.InitialBackoff,
		MaxBackoff:     cfg.Ledger.MaxBackoff,
	}, logger)

	// Payments
	machine := payments.NewStateMachine(st.payments, gw, usageLedger, logger)
	paymentHandler := payments.NewHandler(machine, logger)
	registrationService := registrations.NewService(validator, usageLedger, machine, logger)
	registrationHandler := registrations.NewHandler(registrationService, cfg.Gateway.DefaultCurrency, logger)

	// Gateway callbacks
	reconciler := reconcile.NewReconciler(machine, logger)
	callbackHandler := reconcile.NewHandler(reconciler, enqueuer, cfg.Gateway.CallbackSecret, cfg.Stripe.WebhookSecret, logger)
	deadLetterHandler := reconcile.NewDeadLetterHandler(dlq, logger)

	reportHandler := reports.NewHandler(st.reports, st.codes, exporter, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := st.ping(pingCtx); err != nil {
			response.ServiceUnavailable(c, "store unavailable")
			return
		}
		status := gin.H{"status": "ok", "queue": "disabled"}
		if rdb != nil {
			status["queue"] = "ok"
			if err := rdb.Ping(pingCtx); err != nil {
				status["queue"] = "unavailable"
			}
		}
		response.OK(c, status)
	})

	// Gateway callbacks (no JWT; signatures are checked in the handler)
	if cfg.Gateway.CallbackSecret != "" {
		router.POST("/payments/callback", callbackHandler.Callback)
	}
	if cfg.Stripe.WebhookSecret != "" {
		router.POST("/webhooks/stripe", callbackHandler.StripeWebhook)
	}

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/discount-codes/validate", discountHandler.Validate)
		api.POST("/events/:id/registrations", registrationHandler.Register)
		api.GET("/payments/:id", paymentHandler.Get)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.RequireRole(models.RoleAdmin))
	{
		admin.POST("/discount-codes", discountHandler.Create)
		admin.GET("/discount-codes/usage", reportHandler.UsageCounts)
		admin.POST("/discount-codes/usage/export", reportHandler.ExportUsage)
		admin.GET("/discount-codes/:code", discountHandler.Get)
		admin.PATCH("/discount-codes/:code", discountHandler.Update)
		admin.GET("/discount-codes/:code/usages", reportHandler.CodeUsages)
		admin.GET("/users/:id/discount-usages", reportHandler.UserUsages)
		admin.GET("/events/:id/summary", reportHandler.EventSummary)
		admin.POST("/payments/:id/refund", paymentHandler.Refund)
		admin.POST("/payments/:id/fail", paymentHandler.Fail)
		admin.GET("/reconcile/dead-letters", deadLetterHandler.List)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background workers: expire abandoned payments, drain deferred callbacks.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweeper := worker.NewSweeper(machine, cfg.Payments.PendingTimeout, cfg.Payments.SweepInterval, cfg.Payments.SweepBatch, logger)
	go sweeper.Run(workerCtx)
	if jobQueue != nil {
		go worker.NewReconcileProcessor(reconciler, jobQueue, logger).Run(workerCtx)
		logger.Info("reconcile worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver), zap.String("gateway", gw.Name()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
