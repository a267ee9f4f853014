package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pos/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
	"github.com/odyssey-erp/odyssey-pos/internal/observability"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pos/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if cfg.PGDSN == "" {
		logger.Error("worker needs PG_DSN")
		os.Exit(1)
	}
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	engineMetrics := observability.NewMetrics()
	services := app.NewServices(app.ServiceParams{
		Config:  cfg,
		Logger:  logger,
		Metrics: engineMetrics,
		Pool:    pool,
		Redis:   redisClient,
		Alerts:  jobClient,
	})
	metrics := jobmetrics.NewMetrics(engineMetrics.Registerer())

	lowStockJob := jobs.NewLowStockAlertJob(redisClient, logger, metrics)
	reconcileJob := jobs.NewLedgerReconcileJob(services.Ledger, logger, metrics)
	auditJob := jobs.NewDeductionAuditJob(services.Sales, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(services.Idempotency, logger, metrics)

	var cron []jobs.CronRegistration
	if len(cfg.JobStoreIDs) > 0 {
		reconcileTask, err := jobs.NewLedgerReconcileTask(cfg.JobStoreIDs)
		if err != nil {
			logger.Error("build reconcile task", slog.Any("error", err))
			os.Exit(1)
		}
		auditTask, err := jobs.NewDeductionAuditTask(jobs.DeductionAuditPayload{
			StoreIDs: cfg.JobStoreIDs,
			Window:   jobs.Duration(cfg.DeductionAuditWindow),
		})
		if err != nil {
			logger.Error("build deduction audit task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron,
			jobs.CronRegistration{Spec: cfg.ReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			jobs.CronRegistration{Spec: cfg.DeductionAuditCron, Task: auditTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		)
	} else {
		logger.Warn("JOB_STORE_IDS empty, periodic reconcile and audit disabled")
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(72 * time.Hour)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}
	cron = append(cron, jobs.CronRegistration{Spec: "0 4 * * *", Task: cleanupTask})

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLowStockAlert, Handler: lowStockJob.Handle},
			{Type: jobs.TaskLedgerReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskDeductionAudit, Handler: auditJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
