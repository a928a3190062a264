package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/styleforge/internal/domain"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already exists")
	ErrStatusConflict = errors.New("job status conflict")
)

// JobStore is the durable record of job metadata. UpdateStatus is a
// compare-and-set on the status column and is the only concurrency
// primitive the pipeline relies on.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	UpdateStatus(ctx context.Context, id string, from, to domain.JobStatus, fields domain.StatusFields) (domain.Job, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Job, error)
	ListByStatus(ctx context.Context, status domain.JobStatus, updatedBefore time.Time, limit int) ([]domain.Job, error)
	Delete(ctx context.Context, id string) error
}

// Closer is implemented by stores holding a connection pool.
type Closer interface {
	Close() error
}

type Config struct {
	Driver     string
	DSN        string
	SQLitePath string
}

// Open builds the job store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (JobStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "postgres":
		return NewPostgresJobStore(ctx, cfg.DSN)
	case "sqlite":
		return NewSQLiteJobStore(ctx, cfg.SQLitePath)
	case "memory":
		return NewMemoryJobStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func validateNewJob(job domain.Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(job.OwnerID) == "" {
		return errors.New("job owner is required")
	}
	if job.Status != domain.JobStatusPending {
		return fmt.Errorf("new job must be %s, got %s", domain.JobStatusPending, job.Status)
	}
	if job.ResultRef != "" {
		return errors.New("new job must not carry a result reference")
	}
	return nil
}

func defaultListLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
