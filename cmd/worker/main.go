// Package main runs the background worker: deferred gateway callbacks and the pending payment sweeper.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/checkout/config"
	"github.com/aura-webinar/checkout/internal/gateway"
	"github.com/aura-webinar/checkout/internal/ledger"
	"github.com/aura-webinar/checkout/internal/payments"
	"github.com/aura-webinar/checkout/internal/reconcile"
	"github.com/aura-webinar/checkout/internal/worker"
	"github.com/aura-webinar/checkout/pkg/database"
	"github.com/aura-webinar/checkout/pkg/queue"
	"github.com/aura-webinar/checkout/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Store.Driver != config.StoreDriverPostgres {
		logger.Fatal("worker requires STORE_DRIVER=postgres", zap.String("store", cfg.Store.Driver))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolConfig{MaxConns: cfg.Database.MaxConns}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		ReadTimeout: worker.DequeueTimeout + 5*time.Second,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// The gateway is never initiated here but the state machine is built whole.
	gw, err := gateway.FromConfig(cfg, logger)
	if err != nil {
		logger.Fatal("gateway", zap.Error(err))
	}
	usageLedger := ledger.New(ledger.NewRepository(pool), ledger.RetryConfig{
		MaxAttempts:    cfg.Ledger.MaxAttempts,
		InitialBackoff: cfg.Ledger.InitialBackoff,
		MaxBackoff:     cfg.Ledger.MaxBackoff,
	}, logger)
	machine := payments.NewStateMachine(payments.NewRepository(pool), gw, usageLedger, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewReconcileProcessor(reconcile.NewReconciler(machine, logger), jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := worker.NewSweeper(machine, cfg.Payments.PendingTimeout, cfg.Payments.SweepInterval, cfg.Payments.SweepBatch, logger)

	go processor.Run(workerCtx)
	go sweeper.Run(workerCtx)
	logger.Info("worker started", zap.Duration("pending_timeout", cfg.Payments.PendingTimeout))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
