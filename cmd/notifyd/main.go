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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/notification-service/config"
	"github.com/d60-Lab/notification-service/internal/api"
	"github.com/d60-Lab/notification-service/internal/api/handler"
	"github.com/d60-Lab/notification-service/internal/pipeline"
	"github.com/d60-Lab/notification-service/internal/repository"
	"github.com/d60-Lab/notification-service/internal/service"
	"github.com/d60-Lab/notification-service/internal/transport/redisstream"
	"github.com/d60-Lab/notification-service/pkg/database"
	"github.com/d60-Lab/notification-service/pkg/errtrack"
	"github.com/d60-Lab/notification-service/pkg/logger"
	"github.com/d60-Lab/notification-service/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	defer logger.Sync()

	if err := errtrack.Init(cfg.Sentry.DSN, cfg.Sentry.Environment); err != nil {
		logger.Warn("sentry init failed", zap.Error(err))
	}
	defer errtrack.Flush(2 * time.Second)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	broker := redisstream.New(rdb, redisstream.Options{
		Prefix:     cfg.Stream.Prefix,
		Shards:     cfg.Stream.Shards,
		Group:      cfg.Stream.Group,
		Consumer:   cfg.Stream.Consumer,
		BatchSize:  cfg.Stream.BatchSize,
		Block:      cfg.Stream.Block,
		MaxLen:     cfg.Stream.MaxLen,
		DeadLetter: cfg.Stream.DeadLetterStream(),
	})
	if err := broker.EnsureGroups(ctx); err != nil {
		return err
	}

	fanRepo := repository.NewFanRepository(db)
	notifRepo := repository.NewNotificationRepository(db)
	resolver := service.NewFanIndexResolver(fanRepo, rdb, cfg.Follower.CacheTTL, cfg.Follower.PageSize)
	processor := service.NewProcessor(resolver, cfg.Pipeline.ContentLength)

	p := pipeline.New(broker, broker, processor, notifRepo, service.NewFollowerIndex(fanRepo, rdb), pipeline.Options{
		RetryInitial: cfg.Pipeline.RetryInitial,
		RetryMax:     cfg.Pipeline.RetryMax,
		WriteTimeout: cfg.Pipeline.WriteTimeout,
	})
	stopPipeline := p.Start(ctx)

	router := api.SetupRouter(cfg, handler.NewHandler(service.NewNotificationService(notifRepo)))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stopSignals()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := stopPipeline(shutdownCtx); err != nil {
		logger.Warn("pipeline shutdown", zap.Error(err))
	}
	st := p.Stats()
	logger.Info("pipeline stats",
		zap.Int64("acked", st.Acked),
		zap.Int64("persisted", st.Persisted),
		zap.Int64("duplicates", st.Duplicates),
		zap.Int64("dead_lettered", st.DeadLettered),
		zap.Int64("retries", st.Retries))
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	return nil
}
