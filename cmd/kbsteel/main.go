package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/mangod12/kbsteel/internal/app"
	"github.com/mangod12/kbsteel/internal/inbound"
	"github.com/mangod12/kbsteel/internal/inventory"
	"github.com/mangod12/kbsteel/internal/masterdata"
	"github.com/mangod12/kbsteel/internal/observability"
	"github.com/mangod12/kbsteel/internal/outbound"
	"github.com/mangod12/kbsteel/internal/platform/cache"
	"github.com/mangod12/kbsteel/internal/platform/db"
	"github.com/mangod12/kbsteel/internal/shared"
	"github.com/mangod12/kbsteel/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPoolSize)
	if err != nil {
		// The service degrades to uncached reads without Redis.
		logger.Warn("redis unavailable, caching disabled", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool, logger)
	approvals := shared.NewApprovalRecorder(pool, logger)

	invCache := inventory.NewCache(redisClient, cfg.CacheTTL)
	if err := invCache.ListenForInvalidation(ctx, ""); err != nil {
		logger.Warn("cache invalidation listener", slog.Any("error", err))
	}

	invRepo := inventory.NewRepository(pool, cfg.LockTimeout)
	ledger := inventory.NewLedger(invRepo, auditLogger, metrics, invCache)
	queries := inventory.NewQueryService(invRepo, invCache, logger)
	inventoryHandler := inventory.NewHandler(logger, ledger, queries)

	inboundRepo := inbound.NewRepository(pool, cfg.LockTimeout)
	inboundService := inbound.NewService(inboundRepo, ledger, approvals, logger)
	inboundHandler := inbound.NewHandler(logger, inboundService)

	outboundRepo := outbound.NewRepository(pool, cfg.LockTimeout)
	outboundService := outbound.NewService(outboundRepo, ledger, queries, approvals, logger)
	outboundHandler := outbound.NewHandler(logger, outboundService)

	masterdataRepo := masterdata.NewRepository(pool)
	masterdataService := masterdata.NewService(masterdataRepo, masterdataRepo, logger)
	masterdataHandler := masterdata.NewHandler(logger, masterdataService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		InventoryHandler:  inventoryHandler,
		InboundHandler:    inboundHandler,
		OutboundHandler:   outboundHandler,
		MasterDataHandler: masterdataHandler,
		JobsHandler:       jobsHandler,
		Pool:              pool,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}
