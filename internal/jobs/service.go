package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dunamismax/styleforge/internal/domain"
	"github.com/dunamismax/styleforge/internal/id"
	"github.com/dunamismax/styleforge/internal/queue"
	"github.com/dunamismax/styleforge/internal/store"
	"golang.org/x/sync/errgroup"
)

const defaultUploadFolder = "uploads"

// ErrForbidden is returned when the caller does not own the job.
var ErrForbidden = errors.New("job belongs to another owner")

// ValidationError wraps a rejected submission so transports can map it to a
// client error.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

type BlobStore interface {
	Put(ctx context.Context, data []byte, folder string) (string, error)
	Delete(ctx context.Context, url string) error
}

// Dispatcher hands a job to the pipeline: the asynq queue client in
// production, the in-process pool in inline mode.
type Dispatcher interface {
	Submit(ctx context.Context, payload queue.StylizePayload) error
}

type Config struct {
	MaxUploadBytes int64
	UploadFolder   string
}

type Service struct {
	logger         *log.Logger
	store          store.JobStore
	blobs          BlobStore
	dispatcher     Dispatcher
	maxUploadBytes int64
	uploadFolder   string
	now            func() time.Time
}

func NewService(logger *log.Logger, jobStore store.JobStore, blobs BlobStore, dispatcher Dispatcher, cfg Config) (*Service, error) {
	if jobStore == nil {
		return nil, errors.New("job store is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[jobs] ", log.LstdFlags|log.Lmsgprefix)
	}
	folder := strings.Trim(strings.TrimSpace(cfg.UploadFolder), "/")
	if folder == "" {
		folder = defaultUploadFolder
	}
	return &Service{
		logger:         logger,
		store:          jobStore,
		blobs:          blobs,
		dispatcher:     dispatcher,
		maxUploadBytes: cfg.MaxUploadBytes,
		uploadFolder:   folder,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create uploads both inputs, records a PENDING job and dispatches it. Any
// failure removes whatever was already written before returning.
func (s *Service) Create(ctx context.Context, req domain.CreateJobRequest) (domain.Job, error) {
	if err := req.Validate(s.maxUploadBytes); err != nil {
		return domain.Job{}, &ValidationError{Err: err}
	}

	var contentRef, styleRef string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ref, err := s.blobs.Put(gctx, req.Content, s.uploadFolder)
		if err != nil {
			return fmt.Errorf("upload content image: %w", err)
		}
		contentRef = ref
		return nil
	})
	g.Go(func() error {
		ref, err := s.blobs.Put(gctx, req.Style, s.uploadFolder)
		if err != nil {
			return fmt.Errorf("upload style image: %w", err)
		}
		styleRef = ref
		return nil
	})
	if err := g.Wait(); err != nil {
		cleanupCtx, cancel := cleanupContext(ctx)
		defer cancel()
		s.removeBlobs(cleanupCtx, "", contentRef, styleRef)
		return domain.Job{}, err
	}

	now := s.now()
	job := domain.Job{
		ID:         id.New(),
		OwnerID:    req.OwnerID,
		ContentRef: contentRef,
		StyleRef:   styleRef,
		Status:     domain.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		cleanupCtx, cancel := cleanupContext(ctx)
		defer cancel()
		s.removeBlobs(cleanupCtx, job.ID, contentRef, styleRef)
		return domain.Job{}, fmt.Errorf("create job record: %w", err)
	}

	err := s.dispatcher.Submit(ctx, queue.StylizePayload{
		JobID:       job.ID,
		ContentRef:  contentRef,
		StyleRef:    styleRef,
		RequestedAt: now,
	})
	if err != nil {
		cleanupCtx, cancel := cleanupContext(ctx)
		defer cancel()
		if delErr := s.store.Delete(cleanupCtx, job.ID); delErr != nil && !errors.Is(delErr, store.ErrJobNotFound) {
			s.logger.Printf("compensation failed job_id=%s err=%v", job.ID, delErr)
		}
		s.removeBlobs(cleanupCtx, job.ID, contentRef, styleRef)
		return domain.Job{}, fmt.Errorf("dispatch job: %w", err)
	}

	s.logger.Printf("job submitted job_id=%s owner=%s", job.ID, job.OwnerID)
	return job, nil
}

func (s *Service) GetStatus(ctx context.Context, jobID, caller string) (domain.JobView, error) {
	job, err := s.owned(ctx, jobID, caller)
	if err != nil {
		return domain.JobView{}, err
	}
	return job.View(), nil
}

// ListLibrary returns the caller's jobs, newest first.
func (s *Service) ListLibrary(ctx context.Context, owner string) ([]domain.JobView, error) {
	jobs, err := s.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	views := make([]domain.JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.View())
	}
	return views, nil
}

// Delete removes the job's blobs, best effort, and then its record. A record
// already removed by a concurrent delete counts as success.
func (s *Service) Delete(ctx context.Context, jobID, caller string) error {
	job, err := s.owned(ctx, jobID, caller)
	if err != nil {
		return err
	}

	s.removeBlobs(ctx, job.ID, job.ContentRef, job.StyleRef, job.ResultRef)

	if err := s.store.Delete(ctx, job.ID); err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return fmt.Errorf("delete job record: %w", err)
	}
	s.logger.Printf("job deleted job_id=%s owner=%s", job.ID, caller)
	return nil
}

func (s *Service) owned(ctx context.Context, jobID, caller string) (domain.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.OwnerID != caller {
		return domain.Job{}, ErrForbidden
	}
	return job, nil
}

func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

// removeBlobs deletes refs concurrently. Failures are logged; the blob is
// leaked rather than blocking the caller.
func (s *Service) removeBlobs(ctx context.Context, jobID string, refs ...string) {
	var g errgroup.Group
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		g.Go(func() error {
			if err := s.blobs.Delete(ctx, ref); err != nil {
				s.logger.Printf("blob cleanup failed job_id=%s ref=%s err=%v", jobID, ref, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
