// Package bootstrap wires configuration into the shared runtime pieces used
// by the api, worker and stylectl binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/styleforge/internal/config"
	"github.com/dunamismax/styleforge/internal/pipeline"
	"github.com/dunamismax/styleforge/internal/storage"
	"github.com/dunamismax/styleforge/internal/store"
	"github.com/dunamismax/styleforge/internal/sweeper"
	"github.com/dunamismax/styleforge/internal/telemetry"
	"github.com/dunamismax/styleforge/internal/webhook"
	"github.com/dunamismax/styleforge/internal/worker"
	"github.com/robfig/cron/v3"
)

type Deps struct {
	Store store.JobStore
	Blobs storage.Gateway
}

// Open connects the job store and the blob gateway.
func Open(ctx context.Context, cfg config.Config) (*Deps, error) {
	jobStore, err := store.Open(ctx, store.Config{
		Driver:     cfg.Database.Driver,
		DSN:        cfg.Database.DSN,
		SQLitePath: cfg.Database.SQLitePath,
	})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	blobs, err := storage.Open(ctx, cfg.Storage.Driver, storage.Config{
		Endpoint:      cfg.Storage.Endpoint,
		Access:        cfg.Storage.AccessKey,
		Secret:        cfg.Storage.SecretKey,
		Bucket:        cfg.Storage.Bucket,
		UseSSL:        cfg.Storage.UseSSL,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	})
	if err != nil {
		closeStore(jobStore)
		return nil, fmt.Errorf("open blob storage: %w", err)
	}

	return &Deps{Store: jobStore, Blobs: blobs}, nil
}

func (d *Deps) Close() {
	closeStore(d.Store)
}

func closeStore(s store.JobStore) {
	if closer, ok := s.(store.Closer); ok {
		_ = closer.Close()
	}
}

// NewExecutor builds the style model once and injects it into the executor.
func NewExecutor(logger *log.Logger, cfg config.Config, deps *Deps) (*pipeline.Executor, error) {
	transformer, err := pipeline.NewTransformer(pipeline.ModelConfig{
		MaxDimension: cfg.Transform.MaxDimension,
		Strength:     cfg.Transform.Strength,
		Quality:      cfg.Transform.Quality,
	})
	if err != nil {
		return nil, err
	}
	return pipeline.NewExecutor(logger, deps.Store, deps.Blobs, transformer, pipeline.ExecutorConfig{
		Timeouts: pipeline.StageTimeouts{
			Fetch:     cfg.Worker.FetchTimeout,
			Transform: cfg.Worker.TransformTimeout,
			Store:     cfg.Worker.StoreTimeout,
		},
		ResultFolder: cfg.Storage.ResultFolder,
	})
}

// NewInlinePool builds an unstarted in-process pool whose outcomes feed the
// same reporter the queue worker uses.
func NewInlinePool(logger *log.Logger, cfg config.Config, deps *Deps) (*pipeline.Pool, *worker.Reporter, error) {
	exec, err := NewExecutor(logger, cfg, deps)
	if err != nil {
		return nil, nil, err
	}
	reporter := worker.NewReporter(logger, NewWebhookClient(cfg.Webhook), cfg.Webhook.URL)

	pool := pipeline.NewPool(logger, exec, pipeline.PoolConfig{
		Workers:         min(max(1, cfg.Worker.Concurrency), max(1, cfg.Worker.MaxActiveJobs)),
		MaxRedeliveries: cfg.Queue.MaxRetry,
	})
	pool.OnOutcome(func(out pipeline.Outcome) {
		reporter.Report(context.Background(), out)
	})
	return pool, reporter, nil
}

func NewWebhookClient(cfg config.WebhookConfig) *webhook.Client {
	return webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.SigningSecret,
		Timeout:        cfg.Timeout,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	})
}

func TraceConfig(cfg config.TelemetryConfig, service string) telemetry.TraceConfig {
	return telemetry.TraceConfig{
		ServiceName:  service,
		Environment:  cfg.Environment,
		SampleRatio:  cfg.SampleRatio,
		Exporter:     cfg.Exporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	}
}

// StartSweeper schedules the stale-job sweep. It returns nil when the
// schedule is empty.
func StartSweeper(ctx context.Context, logger *log.Logger, cfg config.SweeperConfig, jobStore store.JobStore) (*cron.Cron, error) {
	if cfg.Schedule == "" {
		logger.Printf("sweeper disabled")
		return nil, nil
	}
	sw, err := sweeper.New(logger, jobStore, sweeper.Config{StaleAfter: cfg.StaleAfter})
	if err != nil {
		return nil, err
	}
	c := cron.New()
	if _, err := sw.Schedule(ctx, c, cfg.Schedule); err != nil {
		return nil, fmt.Errorf("schedule sweeper %q: %w", cfg.Schedule, err)
	}
	c.Start()
	logger.Printf("sweeper scheduled spec=%q stale_after=%s", cfg.Schedule, cfg.StaleAfter)
	return c, nil
}

// ServeMetrics exposes handler on addr in the background. An empty addr
// disables it.
func ServeMetrics(logger *log.Logger, addr string, handler http.Handler) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server failed: %v", err)
		}
	}()
	return srv
}
