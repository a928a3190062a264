package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dunamismax/styleforge/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used to stamp UpdatedAt on status changes.
func (s *MemoryJobStore) WithClock(now func() time.Time) *MemoryJobStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id string, from, to domain.JobStatus, fields domain.StatusFields) (domain.Job, error) {
	if err := domain.CheckTransition(from, to, fields); err != nil {
		return domain.Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if job.Status != from {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s, expected %s", ErrStatusConflict, id, job.Status, from)
	}

	job = job.Apply(to, fields, s.now())
	s.jobs[id] = job
	return job, nil
}

func (s *MemoryJobStore) ListByOwner(_ context.Context, ownerID string) ([]domain.Job, error) {
	s.mu.RLock()
	out := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			out = append(out, job)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (s *MemoryJobStore) ListByStatus(_ context.Context, status domain.JobStatus, updatedBefore time.Time, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	out := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(updatedBefore) {
			out = append(out, job)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Job) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if limit = defaultListLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}
