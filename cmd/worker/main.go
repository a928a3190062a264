package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/dunamismax/styleforge/internal/bootstrap"
	"github.com/dunamismax/styleforge/internal/config"
	"github.com/dunamismax/styleforge/internal/pipeline"
	"github.com/dunamismax/styleforge/internal/telemetry"
	"github.com/dunamismax/styleforge/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, bootstrap.TraceConfig(cfg.Telemetry, telemetry.ServiceWorker), logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	deps, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	defer deps.Close()
	defer pipeline.Shutdown()

	exec, err := bootstrap.NewExecutor(logger, cfg, deps)
	if err != nil {
		logger.Fatalf("pipeline setup failed: %v", err)
	}

	reporter := worker.NewReporter(logger, bootstrap.NewWebhookClient(cfg.Webhook), cfg.Webhook.URL)
	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, exec, reporter)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	metricsServer := bootstrap.ServeMetrics(logger, cfg.Worker.MetricsAddr, srv.MetricsHandler())
	sweeperCron, err := bootstrap.StartSweeper(ctx, logger, cfg.Sweeper, deps.Store)
	if err != nil {
		logger.Fatalf("sweeper setup failed: %v", err)
	}

	// Run blocks until SIGINT or SIGTERM and drains in-flight tasks.
	runErr := srv.Run()

	if sweeperCron != nil {
		<-sweeperCron.Stop().Done()
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	if runErr != nil {
		logger.Fatalf("worker failed: %v", runErr)
	}
}
