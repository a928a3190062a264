package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/styleforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryJobStore(t *testing.T) {
	runJobStoreContract(t, func(t *testing.T) JobStore {
		return NewMemoryJobStore()
	})
}

func TestSQLiteJobStore(t *testing.T) {
	runJobStoreContract(t, func(t *testing.T) JobStore {
		s, err := NewSQLiteJobStore(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "cassandra"})
	require.Error(t, err)
}

func runJobStoreContract(t *testing.T, newStore func(t *testing.T) JobStore) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := pendingJob("job-1", "owner-a", time.Now().UTC())

		require.NoError(t, s.Create(ctx, job))
		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.OwnerID, got.OwnerID)
		assert.Equal(t, job.ContentRef, got.ContentRef)
		assert.Equal(t, domain.JobStatusPending, got.Status)
		assert.Empty(t, got.ResultRef)

		err = s.Create(ctx, job)
		assert.ErrorIs(t, err, ErrJobExists)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("create rejects non-pending job", func(t *testing.T) {
		s := newStore(t)
		job := pendingJob("job-1", "owner-a", time.Now().UTC())
		job.Status = domain.JobStatusCompleted
		require.Error(t, s.Create(context.Background(), job))
	})

	t.Run("update status is compare and set", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingJob("job-1", "owner-a", time.Now().UTC())))

		claimed, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusPending, domain.JobStatusProcessing, domain.StatusFields{})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, claimed.Status)

		_, err = s.UpdateStatus(ctx, "job-1", domain.JobStatusPending, domain.JobStatusProcessing, domain.StatusFields{})
		assert.ErrorIs(t, err, ErrStatusConflict)

		done, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusProcessing, domain.JobStatusCompleted, domain.StatusFields{ResultRef: "http://blob/results/r.png"})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, done.Status)
		assert.Equal(t, "http://blob/results/r.png", done.ResultRef)

		_, err = s.UpdateStatus(ctx, "job-1", domain.JobStatusProcessing, domain.JobStatusFailed, domain.StatusFields{ErrorSummary: "late"})
		assert.ErrorIs(t, err, ErrStatusConflict)

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, got.Status)
		assert.Empty(t, got.ErrorSummary)
	})

	t.Run("update status rejects invalid transitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingJob("job-1", "owner-a", time.Now().UTC())))

		_, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusPending, domain.JobStatusCompleted, domain.StatusFields{ResultRef: "x"})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		_, err = s.UpdateStatus(ctx, "missing", domain.JobStatusPending, domain.JobStatusProcessing, domain.StatusFields{})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("failed job records summary without result", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingJob("job-1", "owner-a", time.Now().UTC())))
		_, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusPending, domain.JobStatusProcessing, domain.StatusFields{})
		require.NoError(t, err)

		failed, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusProcessing, domain.JobStatusFailed, domain.StatusFields{ErrorSummary: "fetch stage: not found"})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, failed.Status)
		assert.Equal(t, "fetch stage: not found", failed.ErrorSummary)
		assert.Empty(t, failed.ResultRef)
	})

	t.Run("concurrent claims admit exactly one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingJob("job-1", "owner-a", time.Now().UTC())))

		const claimers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   int
			conflicts int
		)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusPending, domain.JobStatusProcessing, domain.StatusFields{})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case errors.Is(err, ErrStatusConflict):
					conflicts++
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, winners)
		assert.Equal(t, claimers-1, conflicts)
	})

	t.Run("update status returns the row it wrote", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const jobs = 20
		for i := 0; i < jobs; i++ {
			require.NoError(t, s.Create(ctx, pendingJob(fmt.Sprintf("job-%d", i), "owner-a", time.Now().UTC())))
		}

		for i := 0; i < jobs; i++ {
			id := fmt.Sprintf("job-%d", i)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					_, err := s.UpdateStatus(ctx, id, domain.JobStatusProcessing, domain.JobStatusFailed, domain.StatusFields{ErrorSummary: "swept"})
					if !errors.Is(err, ErrStatusConflict) {
						assert.NoError(t, err)
						return
					}
				}
			}()

			claimed, err := s.UpdateStatus(ctx, id, domain.JobStatusPending, domain.JobStatusProcessing, domain.StatusFields{})
			wg.Wait()
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusProcessing, claimed.Status, id)
			assert.Empty(t, claimed.ErrorSummary, id)

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusFailed, got.Status, id)
		}
	})

	t.Run("list by owner is scoped and newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Create(ctx, pendingJob(fmt.Sprintf("a-%d", i), "owner-a", base.Add(time.Duration(i)*time.Second))))
		}
		require.NoError(t, s.Create(ctx, pendingJob("b-0", "owner-b", base.Add(10*time.Second))))

		jobs, err := s.ListByOwner(ctx, "owner-a")
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, []string{"a-2", "a-1", "a-0"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
		for _, job := range jobs {
			assert.Equal(t, "owner-a", job.OwnerID)
		}

		none, err := s.ListByOwner(ctx, "owner-c")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("list by status filters on update time", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingJob("job-1", "owner-a", time.Now().UTC())))
		_, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusPending, domain.JobStatusProcessing, domain.StatusFields{})
		require.NoError(t, err)

		stale, err := s.ListByStatus(ctx, domain.JobStatusProcessing, time.Now().UTC().Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "job-1", stale[0].ID)

		fresh, err := s.ListByStatus(ctx, domain.JobStatusProcessing, time.Now().UTC().Add(-time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, fresh)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, pendingJob("job-1", "owner-a", time.Now().UTC())))

		require.NoError(t, s.Delete(ctx, "job-1"))
		assert.ErrorIs(t, s.Delete(ctx, "job-1"), ErrJobNotFound)

		_, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusPending, domain.JobStatusProcessing, domain.StatusFields{})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func pendingJob(id, owner string, createdAt time.Time) domain.Job {
	return domain.Job{
		ID:         id,
		OwnerID:    owner,
		ContentRef: "http://blob/uploads/" + id + "-content.png",
		StyleRef:   "http://blob/uploads/" + id + "-style.png",
		Status:     domain.JobStatusPending,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}
