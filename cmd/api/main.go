package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/styleforge/internal/api"
	"github.com/dunamismax/styleforge/internal/bootstrap"
	"github.com/dunamismax/styleforge/internal/config"
	"github.com/dunamismax/styleforge/internal/jobs"
	"github.com/dunamismax/styleforge/internal/pipeline"
	"github.com/dunamismax/styleforge/internal/queue"
	"github.com/dunamismax/styleforge/internal/ratelimit"
	"github.com/dunamismax/styleforge/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, bootstrap.TraceConfig(cfg.Telemetry, telemetry.ServiceAPI), logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	deps, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	defer deps.Close()

	var (
		dispatcher jobs.Dispatcher
		pool       *pipeline.Pool
	)
	switch cfg.Worker.Mode {
	case config.WorkerModeInline:
		pool, err = startInlinePool(ctx, cfg, deps)
		if err != nil {
			logger.Fatalf("inline worker setup failed: %v", err)
		}
		defer pipeline.Shutdown()
		defer pool.Stop()
		dispatcher = pool
	default:
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.MaxRetry, cfg.Queue.TaskTimeout)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Printf("queue client close error: %v", err)
			}
		}()
		dispatcher = queueClient
	}

	service, err := jobs.NewService(logger, deps.Store, deps.Blobs, dispatcher, jobs.Config{
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		UploadFolder:   cfg.Storage.UploadFolder,
	})
	if err != nil {
		logger.Fatalf("job service setup failed: %v", err)
	}

	opts := api.Options{
		OwnerHeader:    cfg.API.OwnerHeader,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		Tracer:         otel.Tracer("styleforge/api"),
	}
	if cfg.API.RateLimitRequests > 0 {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()
		limiter, err := ratelimit.New(redisClient, ratelimit.Config{
			Capacity: cfg.API.RateLimitRequests,
			Window:   cfg.API.RateLimitWindow,
		})
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		opts.RateLimiter = limiter
	}
	app := api.NewServer(logger, service, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s mode=%s", cfg.API.Addr, cfg.Worker.Mode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}

	if pool != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout)
		defer cancel()
		if err := pool.Drain(drainCtx); err != nil {
			logger.Printf("inline pool drain cut short, in-flight jobs failed: %v", err)
		}
	}
}

// startInlinePool runs the pipeline inside the API process, together with
// its metrics endpoint and the stale-job sweeper. Jobs run detached from ctx
// so a shutdown signal drains them through Pool.Drain instead of failing them.
func startInlinePool(ctx context.Context, cfg config.Config, deps *bootstrap.Deps) (*pipeline.Pool, error) {
	workerLogger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	pool, reporter, err := bootstrap.NewInlinePool(workerLogger, cfg, deps)
	if err != nil {
		return nil, err
	}
	pool.Start(context.WithoutCancel(ctx))

	bootstrap.ServeMetrics(workerLogger, cfg.Worker.MetricsAddr, reporter.MetricsHandler())
	sweeperCron, err := bootstrap.StartSweeper(ctx, workerLogger, cfg.Sweeper, deps.Store)
	if err != nil {
		pool.Stop()
		return nil, err
	}
	if sweeperCron != nil {
		go func() {
			<-ctx.Done()
			sweeperCron.Stop()
		}()
	}
	return pool, nil
}
