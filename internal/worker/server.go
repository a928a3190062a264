package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/dunamismax/styleforge/internal/config"
	"github.com/dunamismax/styleforge/internal/pipeline"
	"github.com/dunamismax/styleforge/internal/queue"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger   *log.Logger
	server   *asynq.Server
	sem      chan struct{}
	runner   pipeline.Runner
	reporter *Reporter
	tracer   trace.Tracer
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	runner pipeline.Runner,
	reporter *Reporter,
) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("pipeline runner is required")
	}
	if reporter == nil {
		reporter = NewReporter(logger, nil, "")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: max(1, workerCfg.Concurrency),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:      make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		runner:   runner,
		reporter: reporter,
		tracer:   otel.Tracer("styleforge/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeStylizeImage, s.handleStylize)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.reporter.MetricsHandler()
}

// handleStylize runs one delivery. Stage failures are recorded on the job and
// acknowledged; only a claim that could not be attempted is returned so that
// asynq redelivers it.
func (s *Server) handleStylize(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseStylizePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.stylize_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job.id", payload.JobID))
	defer span.End()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.reporter.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.reporter.metrics.activeJobs.Dec()
	}()

	out, err := s.runner.Execute(ctx, pipeline.Task{
		JobID:      payload.JobID,
		ContentRef: payload.ContentRef,
		StyleRef:   payload.StyleRef,
	})
	s.reporter.Report(ctx, out)

	for _, stage := range out.Stages {
		span.AddEvent(string(stage.Stage), trace.WithAttributes(
			attribute.Int64("duration_ms", stage.Duration.Milliseconds()),
			attribute.Bool("error", stage.Err != nil),
		))
	}
	span.SetAttributes(
		attribute.String("job.outcome", outcomeLabel(out)),
		attribute.Bool("job.abandoned", out.Abandoned),
		attribute.Bool("job.orphaned", out.Orphaned),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim not attempted")
		return err
	}
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "pipeline failed")
		return nil
	}
	span.SetStatus(codes.Ok, "processed")
	return nil
}
