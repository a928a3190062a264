package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dunamismax/styleforge/internal/domain"
	"github.com/dunamismax/styleforge/internal/store"
	"golang.org/x/sync/errgroup"
)

const defaultResultFolder = "results"

type BlobGateway interface {
	Get(ctx context.Context, url string) ([]byte, error)
	Put(ctx context.Context, data []byte, folder string) (string, error)
}

type StatusStore interface {
	UpdateStatus(ctx context.Context, id string, from, to domain.JobStatus, fields domain.StatusFields) (domain.Job, error)
}

// Task identifies one job to run along with its input references.
type Task struct {
	JobID      string
	ContentRef string
	StyleRef   string
}

// StageTimeouts bounds each remote stage. Zero leaves a stage unbounded.
type StageTimeouts struct {
	Fetch     time.Duration
	Transform time.Duration
	Store     time.Duration
}

type ExecutorConfig struct {
	Timeouts     StageTimeouts
	ResultFolder string
	// StatusWriteTimeout bounds the terminal status write, which runs
	// detached from the task context so a cancelled task still records FAILED.
	StatusWriteTimeout time.Duration
}

// Outcome describes what one execution did to a job.
type Outcome struct {
	JobID string
	// Status is the terminal status written by this execution, empty when
	// the job was abandoned or the terminal write was lost.
	Status    domain.JobStatus
	ResultRef string
	Err       error
	// Abandoned is set when the claim was lost to another worker or the job
	// no longer exists.
	Abandoned bool
	// Orphaned is set when a result blob was stored but finalize lost its
	// compare-and-set; the blob stays in storage.
	Orphaned bool
	Stages   []StageTiming
}

// Executor drives one job through claim, fetch, transform, store and
// finalize. All status changes go through the store's compare-and-set.
type Executor struct {
	logger             *log.Logger
	store              StatusStore
	blobs              BlobGateway
	transformer        Transformer
	timeouts           StageTimeouts
	resultFolder       string
	statusWriteTimeout time.Duration
}

func NewExecutor(logger *log.Logger, jobStore StatusStore, blobs BlobGateway, transformer Transformer, cfg ExecutorConfig) (*Executor, error) {
	if jobStore == nil {
		return nil, errors.New("job store is required")
	}
	if blobs == nil {
		return nil, errors.New("blob gateway is required")
	}
	if transformer == nil {
		return nil, errors.New("transformer is required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[pipeline] ", log.LstdFlags|log.Lmsgprefix)
	}

	resultFolder := strings.TrimSpace(cfg.ResultFolder)
	if resultFolder == "" {
		resultFolder = defaultResultFolder
	}
	statusWriteTimeout := cfg.StatusWriteTimeout
	if statusWriteTimeout <= 0 {
		statusWriteTimeout = 10 * time.Second
	}

	return &Executor{
		logger:             logger,
		store:              jobStore,
		blobs:              blobs,
		transformer:        transformer,
		timeouts:           cfg.Timeouts,
		resultFolder:       resultFolder,
		statusWriteTimeout: statusWriteTimeout,
	}, nil
}

// Execute runs task to a terminal state. Stage failures are recorded on the
// job and reported in the Outcome, never returned. The returned error is
// non-nil only when the claim could not be attempted (for example the store
// is unreachable) and the task should be redelivered.
func (e *Executor) Execute(ctx context.Context, task Task) (Outcome, error) {
	out := Outcome{JobID: task.JobID}

	claimStart := time.Now()
	_, err := e.store.UpdateStatus(ctx, task.JobID, domain.JobStatusPending, domain.JobStatusProcessing, domain.StatusFields{})
	out.Stages = append(out.Stages, StageTiming{Stage: StageClaim, Duration: time.Since(claimStart), Err: err})
	if err != nil {
		if lostRace(err) {
			e.logger.Printf("claim abandoned job_id=%s reason=%v", task.JobID, err)
			out.Abandoned = true
			return out, nil
		}
		return out, fmt.Errorf("claim job %s: %w", task.JobID, err)
	}
	e.logger.Printf("Working... job_id=%s", task.JobID)

	type inputs struct{ content, style []byte }
	in, err := timed(&out, StageFetch, func() (inputs, error) {
		return runStage(ctx, StageFetch, e.timeouts.Fetch, func(ctx context.Context) (inputs, error) {
			var fetched inputs
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				data, err := e.blobs.Get(gctx, task.ContentRef)
				if err != nil {
					return fmt.Errorf("content: %w", err)
				}
				fetched.content = data
				return nil
			})
			g.Go(func() error {
				data, err := e.blobs.Get(gctx, task.StyleRef)
				if err != nil {
					return fmt.Errorf("style: %w", err)
				}
				fetched.style = data
				return nil
			})
			return fetched, g.Wait()
		})
	})
	if err != nil {
		return e.fail(ctx, out, err), nil
	}

	result, err := timed(&out, StageTransform, func() ([]byte, error) {
		return runStage(ctx, StageTransform, e.timeouts.Transform, func(ctx context.Context) ([]byte, error) {
			data, err := e.transformer.Transform(ctx, in.content, in.style)
			if err != nil {
				return nil, err
			}
			if len(data) == 0 {
				return nil, errors.New("transform produced no output")
			}
			return data, nil
		})
	})
	if err != nil {
		return e.fail(ctx, out, err), nil
	}

	resultRef, err := timed(&out, StageStore, func() (string, error) {
		return runStage(ctx, StageStore, e.timeouts.Store, func(ctx context.Context) (string, error) {
			return e.blobs.Put(ctx, result, e.resultFolder)
		})
	})
	if err != nil {
		return e.fail(ctx, out, err), nil
	}
	out.ResultRef = resultRef

	writeCtx, cancel := e.statusWriteContext(ctx)
	defer cancel()
	finalizeStart := time.Now()
	_, err = e.store.UpdateStatus(writeCtx, task.JobID, domain.JobStatusProcessing, domain.JobStatusCompleted, domain.StatusFields{ResultRef: resultRef})
	out.Stages = append(out.Stages, StageTiming{Stage: StageFinalize, Duration: time.Since(finalizeStart), Err: err})
	if err != nil {
		out.Orphaned = true
		out.Err = fmt.Errorf("finalize: %w", err)
		e.logger.Printf("finalize failed, result orphaned job_id=%s result=%s err=%v", task.JobID, resultRef, err)
		return out, nil
	}

	out.Status = domain.JobStatusCompleted
	e.logger.Printf("Completed job_id=%s result=%s", task.JobID, resultRef)
	return out, nil
}

// fail records the stage error on the job. A lost compare-and-set is logged
// and dropped since nobody is waiting on this worker.
func (e *Executor) fail(ctx context.Context, out Outcome, stageErr error) Outcome {
	out.Err = stageErr
	summary := domain.TruncateSummary(stageErr.Error())

	writeCtx, cancel := e.statusWriteContext(ctx)
	defer cancel()
	if _, err := e.store.UpdateStatus(writeCtx, out.JobID, domain.JobStatusProcessing, domain.JobStatusFailed, domain.StatusFields{ErrorSummary: summary}); err != nil {
		e.logger.Printf("failure not recorded job_id=%s cause=%q err=%v", out.JobID, summary, err)
		return out
	}

	out.Status = domain.JobStatusFailed
	e.logger.Printf("Failed job_id=%s cause=%q", out.JobID, summary)
	return out
}

func (e *Executor) statusWriteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.statusWriteTimeout)
}

func timed[T any](out *Outcome, stage Stage, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	out.Stages = append(out.Stages, StageTiming{Stage: stage, Duration: time.Since(start), Err: err})
	return v, err
}

func lostRace(err error) bool {
	return errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrJobNotFound)
}
