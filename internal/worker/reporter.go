package worker

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/styleforge/internal/domain"
	"github.com/dunamismax/styleforge/internal/pipeline"
	"github.com/dunamismax/styleforge/internal/webhook"
)

type Notifier interface {
	Notify(ctx context.Context, endpoint string, event webhook.JobEvent) error
}

// Reporter turns execution outcomes into metrics and webhook notifications.
// It is shared by the asynq server and the inline pool.
type Reporter struct {
	logger     *log.Logger
	metrics    *metrics
	notifier   Notifier
	webhookURL string
}

func NewReporter(logger *log.Logger, notifier Notifier, webhookURL string) *Reporter {
	if logger == nil {
		logger = log.New(log.Writer(), "[worker] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Reporter{
		logger:     logger,
		metrics:    newMetrics(),
		notifier:   notifier,
		webhookURL: webhookURL,
	}
}

func (r *Reporter) MetricsHandler() http.Handler {
	return r.metrics.Handler()
}

// Report records out. Webhook delivery failures are logged and counted; they
// never change the job.
func (r *Reporter) Report(ctx context.Context, out pipeline.Outcome) {
	var elapsed time.Duration
	for _, stage := range out.Stages {
		elapsed += stage.Duration
	}
	label := outcomeLabel(out)
	r.metrics.jobsTotal.WithLabelValues(label).Inc()
	r.metrics.jobDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	for _, stage := range out.Stages {
		result := "ok"
		if stage.Err != nil {
			result = "error"
		}
		r.metrics.stageDuration.WithLabelValues(string(stage.Stage), result).Observe(stage.Duration.Seconds())
	}
	if out.Abandoned {
		r.metrics.claimConflicts.Inc()
	}
	if out.Orphaned {
		r.metrics.orphanedResults.Inc()
	}

	if !out.Status.Terminal() {
		return
	}
	r.notify(ctx, out)
}

func (r *Reporter) notify(ctx context.Context, out pipeline.Outcome) {
	if r.notifier == nil || r.webhookURL == "" {
		return
	}

	event := webhook.JobEvent{
		Type:       webhook.EventJobCompleted,
		JobID:      out.JobID,
		Status:     string(out.Status),
		OccurredAt: time.Now().UTC(),
	}
	if out.Status == domain.JobStatusCompleted {
		result := out.ResultRef
		event.Result = &result
	} else {
		event.Type = webhook.EventJobFailed
		if out.Err != nil {
			event.Error = domain.TruncateSummary(out.Err.Error())
		}
	}

	if err := r.notifier.Notify(context.WithoutCancel(ctx), r.webhookURL, event); err != nil {
		r.metrics.webhookFailures.Inc()
		r.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", out.JobID, event.Type, err)
	}
}

func outcomeLabel(out pipeline.Outcome) string {
	switch {
	case out.Abandoned:
		return "abandoned"
	case out.Orphaned:
		return "orphaned"
	case out.Status == domain.JobStatusCompleted:
		return "completed"
	case out.Status == domain.JobStatusFailed:
		return "failed"
	case out.Err != nil:
		return "unrecorded"
	default:
		return "redelivered"
	}
}
