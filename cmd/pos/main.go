package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pos/internal/app"
	"github.com/odyssey-erp/odyssey-pos/internal/events"
	"github.com/odyssey-erp/odyssey-pos/internal/observability"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pos/internal/reconcile"
	"github.com/odyssey-erp/odyssey-pos/internal/register"
	registerhttp "github.com/odyssey-erp/odyssey-pos/internal/register/http"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
	"github.com/odyssey-erp/odyssey-pos/jobs"
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
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pos api", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	checks := map[string]app.HealthCheck{}

	var store register.Store
	switch cfg.StoreDriver {
	case app.StoreDriverMemory:
		logger.Warn("using in-memory register store, data is lost on restart")
		store = register.NewMemoryStore()
	default:
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
		if err != nil {
			return err
		}
		defer pool.Close()
		checks["postgres"] = pool.Ping
		store = register.NewPostgresStore(pool)
	}

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	checks["redis"] = cache.Ping(redisClient)

	policy, err := cfg.ReconcilePolicy()
	if err != nil {
		return err
	}
	calc := reconcile.NewCalculator(store, policy)

	dispatcher := events.NewDispatcher(events.DispatcherConfig{
		Buffer:  cfg.EventsBuffer,
		Workers: cfg.EventsWorkers,
		Logger:  logger,
		Metrics: metrics,
	})
	dispatcher.Subscribe("log", events.NewLogSubscriber(logger))
	if cfg.EventsRedisEnabled {
		dispatcher.Subscribe("redis", events.NewRedisSubscriber(redisClient, "pos.events"))
	}

	redisOpts := cfg.AsynqRedis()
	var jobHandler *jobs.Handler
	if cfg.EventsAsynqEnabled {
		client, err := jobs.NewClient(redisOpts)
		if err != nil {
			return err
		}
		defer client.Close()
		dispatcher.Subscribe("asynq", events.NewAsynqSubscriber(client, jobs.QueueEvents))

		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	services := register.NewServices(store, calc, dispatcher, register.ServiceConfig{
		MaxRetries:  cfg.RegisterMaxRetries,
		RetryBase:   cfg.RegisterRetryBase,
		Logger:      logger,
		Metrics:     metrics,
		Idempotency: shared.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL),
	})

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		RegisterHandler: registerhttp.NewHandler(logger, services),
		JobHandler:      jobHandler,
		Metrics:         metrics,
		Checks:          checks,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		// Events published by in-flight requests are drained before exit.
		dispatcher.Close()
		return err
	})
	return g.Wait()
}

