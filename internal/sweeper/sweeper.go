package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dunamismax/styleforge/internal/domain"
	"github.com/dunamismax/styleforge/internal/store"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

const TimeoutSummary = "processing timed out"

type JobStore interface {
	ListByStatus(ctx context.Context, status domain.JobStatus, updatedBefore time.Time, limit int) ([]domain.Job, error)
	UpdateStatus(ctx context.Context, id string, from, to domain.JobStatus, fields domain.StatusFields) (domain.Job, error)
}

type Config struct {
	StaleAfter time.Duration
	BatchSize  int
}

// Sweeper fails jobs left in PROCESSING by a worker that died mid-run. A
// worker that is merely slow loses its finalize compare-and-set afterwards.
type Sweeper struct {
	logger     *log.Logger
	store      JobStore
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
	group      singleflight.Group
}

func New(logger *log.Logger, jobStore JobStore, cfg Config) (*Sweeper, error) {
	if jobStore == nil {
		return nil, errors.New("job store is required")
	}
	if cfg.StaleAfter <= 0 {
		return nil, errors.New("stale-after must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[sweeper] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Sweeper{
		logger:     logger,
		store:      jobStore,
		staleAfter: cfg.StaleAfter,
		batchSize:  cfg.BatchSize,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Sweep marks stale PROCESSING jobs FAILED and reports how many it changed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	swept := 0
	for {
		stale, err := s.store.ListByStatus(ctx, domain.JobStatusProcessing, cutoff, s.batchSize)
		if err != nil {
			return swept, fmt.Errorf("list stale jobs: %w", err)
		}

		changed := 0
		for _, job := range stale {
			_, err := s.store.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, domain.JobStatusFailed, domain.StatusFields{ErrorSummary: TimeoutSummary})
			switch {
			case err == nil:
				changed++
				s.logger.Printf("stale job failed job_id=%s updated_at=%s", job.ID, job.UpdatedAt.Format(time.RFC3339))
			case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrJobNotFound):
			default:
				return swept + changed, fmt.Errorf("fail stale job %s: %w", job.ID, err)
			}
		}
		swept += changed

		// A short page means everything stale has been seen; a page where
		// nothing changed would repeat forever.
		if len(stale) < s.batchSize || changed == 0 {
			return swept, nil
		}
	}
}

// Schedule registers the sweep on c. Overlapping ticks share one run.
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		_, _, _ = s.group.Do("sweep", func() (any, error) {
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Printf("sweep failed swept=%d err=%v", n, err)
			} else if n > 0 {
				s.logger.Printf("sweep finished swept=%d", n)
			}
			return nil, nil
		})
	})
}
