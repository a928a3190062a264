package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/styleforge/internal/domain"
	"github.com/dunamismax/styleforge/internal/storage"
	"github.com/dunamismax/styleforge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorCompletesJob(t *testing.T) {
	h := newHarness(t)
	transformer := &stubTransformer{output: []byte("stylized")}
	exec := h.executor(t, transformer, ExecutorConfig{})

	out, err := exec.Execute(context.Background(), h.task)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, out.Status)
	assert.NoError(t, out.Err)
	assert.False(t, out.Abandoned)

	job := h.job(t)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	require.NotEmpty(t, job.ResultRef)
	assert.NotEqual(t, job.ContentRef, job.ResultRef)
	assert.NotEqual(t, job.StyleRef, job.ResultRef)
	assert.Empty(t, job.ErrorSummary)

	stored, err := h.blobs.Get(context.Background(), job.ResultRef)
	require.NoError(t, err)
	assert.Equal(t, "stylized", string(stored))
	assert.Equal(t, int32(1), transformer.calls.Load())

	stages := make([]Stage, 0, len(out.Stages))
	for _, s := range out.Stages {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []Stage{StageClaim, StageFetch, StageTransform, StageStore, StageFinalize}, stages)
}

func TestExecutorFailsOnMissingContent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.blobs.Delete(context.Background(), h.task.ContentRef))
	transformer := &stubTransformer{output: []byte("stylized")}
	exec := h.executor(t, transformer, ExecutorConfig{})

	out, err := exec.Execute(context.Background(), h.task)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrFetch)
	assert.ErrorIs(t, out.Err, storage.ErrObjectNotFound)

	job := h.job(t)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorSummary, "fetch")
	assert.Empty(t, job.ResultRef)
	assert.Zero(t, transformer.calls.Load(), "transform must not run after a fetch failure")
}

func TestExecutorFailsOnTransformError(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, &stubTransformer{err: errors.New("model exploded")}, ExecutorConfig{})

	out, err := exec.Execute(context.Background(), h.task)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrTransform)

	job := h.job(t)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorSummary, "transform")
	assert.Contains(t, job.ErrorSummary, "model exploded")
	assert.Empty(t, job.ResultRef)
	assert.Equal(t, 2, h.blobs.Len(), "no result blob should be written")
}

func TestExecutorFailsOnEmptyTransformOutput(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, &stubTransformer{}, ExecutorConfig{})

	out, err := exec.Execute(context.Background(), h.task)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrTransform)
	assert.Equal(t, domain.JobStatusFailed, h.job(t).Status)
}

func TestExecutorTransformDeadline(t *testing.T) {
	h := newHarness(t)
	transformer := &stubTransformer{output: []byte("late"), delay: 80 * time.Millisecond}
	exec := h.executor(t, transformer, ExecutorConfig{Timeouts: StageTimeouts{Transform: 20 * time.Millisecond}})

	start := time.Now()
	out, err := exec.Execute(context.Background(), h.task)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrTransform)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Equal(t, domain.JobStatusFailed, h.job(t).Status)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond, "execute returns only after the transform has stopped")
	assert.Equal(t, 2, h.blobs.Len(), "late output is not stored")
}

func TestExecutorRecoversTransformPanic(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, &stubTransformer{panics: true}, ExecutorConfig{})

	out, err := exec.Execute(context.Background(), h.task)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrTransform)
	assert.Contains(t, h.job(t).ErrorSummary, "panic")
}

func TestExecutorFailsOnStoreError(t *testing.T) {
	h := newHarness(t)
	blobs := &flakyBlobs{Memory: h.blobs, putErr: errors.New("quota exceeded")}
	exec, err := NewExecutor(discardLogger(), h.store, blobs, &stubTransformer{output: []byte("stylized")}, ExecutorConfig{})
	require.NoError(t, err)

	out, err := exec.Execute(context.Background(), h.task)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrStore)

	job := h.job(t)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorSummary, "store")
	assert.Empty(t, job.ResultRef)
}

func TestExecutorConcurrentClaimsRunTransformOnce(t *testing.T) {
	h := newHarness(t)
	transformer := &stubTransformer{output: []byte("stylized"), delay: 20 * time.Millisecond}
	exec := h.executor(t, transformer, ExecutorConfig{})

	const workers = 8
	var (
		wg        sync.WaitGroup
		abandoned atomic.Int32
		completed atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := exec.Execute(context.Background(), h.task)
			if err != nil {
				t.Errorf("execute: %v", err)
				return
			}
			if out.Abandoned {
				abandoned.Add(1)
			}
			if out.Status == domain.JobStatusCompleted {
				completed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), transformer.calls.Load())
	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, int32(workers-1), abandoned.Load())
	assert.Equal(t, 3, h.blobs.Len(), "exactly one result blob")
}

func TestExecutorAbandonsMissingJob(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Delete(context.Background(), h.task.JobID))
	transformer := &stubTransformer{output: []byte("stylized")}
	exec := h.executor(t, transformer, ExecutorConfig{})

	out, err := exec.Execute(context.Background(), h.task)
	require.NoError(t, err)
	assert.True(t, out.Abandoned)
	assert.Zero(t, transformer.calls.Load())
}

func TestExecutorOrphansResultWhenJobDeletedMidFlight(t *testing.T) {
	h := newHarness(t)
	transformer := &stubTransformer{
		output: []byte("stylized"),
		before: func() { _ = h.store.Delete(context.Background(), h.task.JobID) },
	}
	exec := h.executor(t, transformer, ExecutorConfig{})

	out, err := exec.Execute(context.Background(), h.task)
	require.NoError(t, err)
	assert.True(t, out.Orphaned)
	assert.Empty(t, out.Status)
	assert.ErrorIs(t, out.Err, store.ErrJobNotFound)

	orphan, err := h.blobs.Get(context.Background(), out.ResultRef)
	require.NoError(t, err, "orphaned result is left in place")
	assert.Equal(t, "stylized", string(orphan))
}

func TestExecutorDropsLostFailureWrite(t *testing.T) {
	h := newHarness(t)
	transformer := &stubTransformer{
		err:    errors.New("boom"),
		before: func() { _ = h.store.Delete(context.Background(), h.task.JobID) },
	}
	exec := h.executor(t, transformer, ExecutorConfig{})

	out, err := exec.Execute(context.Background(), h.task)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrTransform)
	assert.Empty(t, out.Status)
}

func TestExecutorRecordsFailureAfterTaskCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	transformer := &stubTransformer{output: []byte("stylized"), before: cancel, honorCtx: true}
	exec := h.executor(t, transformer, ExecutorConfig{})

	out, err := exec.Execute(ctx, h.task)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, domain.JobStatusFailed, h.job(t).Status)
}

func TestExecutorReturnsErrorWhenClaimCannotBeAttempted(t *testing.T) {
	h := newHarness(t)
	exec, err := NewExecutor(discardLogger(), brokenStore{}, h.blobs, &stubTransformer{output: []byte("x")}, ExecutorConfig{})
	require.NoError(t, err)

	out, err := exec.Execute(context.Background(), h.task)
	require.Error(t, err)
	assert.False(t, out.Abandoned)
}

func TestNewExecutorRequiresDependencies(t *testing.T) {
	h := newHarness(t)
	_, err := NewExecutor(nil, nil, h.blobs, &stubTransformer{}, ExecutorConfig{})
	assert.Error(t, err)
	_, err = NewExecutor(nil, h.store, nil, &stubTransformer{}, ExecutorConfig{})
	assert.Error(t, err)
	_, err = NewExecutor(nil, h.store, h.blobs, nil, ExecutorConfig{})
	assert.Error(t, err)
}

type harness struct {
	store *store.MemoryJobStore
	blobs *storage.Memory
	task  Task
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store: store.NewMemoryJobStore(),
		blobs: storage.NewMemory("memory://test"),
	}

	contentRef, err := h.blobs.Put(ctx, []byte("content-bytes"), "uploads")
	require.NoError(t, err)
	styleRef, err := h.blobs.Put(ctx, []byte("style-bytes"), "uploads")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, h.store.Create(ctx, domain.Job{
		ID:         "job-1",
		OwnerID:    "owner-a",
		ContentRef: contentRef,
		StyleRef:   styleRef,
		Status:     domain.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
	h.task = Task{JobID: "job-1", ContentRef: contentRef, StyleRef: styleRef}
	return h
}

func (h *harness) executor(t *testing.T, transformer Transformer, cfg ExecutorConfig) *Executor {
	t.Helper()
	exec, err := NewExecutor(discardLogger(), h.store, h.blobs, transformer, cfg)
	require.NoError(t, err)
	return exec
}

func (h *harness) job(t *testing.T) domain.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), h.task.JobID)
	require.NoError(t, err)
	return job
}

type stubTransformer struct {
	calls    atomic.Int32
	output   []byte
	err      error
	delay    time.Duration
	block    chan struct{}
	panics   bool
	honorCtx bool
	before   func()
}

func (s *stubTransformer) Transform(ctx context.Context, _, _ []byte) ([]byte, error) {
	s.calls.Add(1)
	if s.before != nil {
		s.before()
	}
	if s.panics {
		panic("transformer crashed")
	}
	if s.honorCtx {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if s.block != nil {
		<-s.block
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.output, s.err
}

type flakyBlobs struct {
	*storage.Memory
	putErr error
}

func (f *flakyBlobs) Put(ctx context.Context, data []byte, folder string) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	return f.Memory.Put(ctx, data, folder)
}

type brokenStore struct{}

func (brokenStore) UpdateStatus(context.Context, string, domain.JobStatus, domain.JobStatus, domain.StatusFields) (domain.Job, error) {
	return domain.Job{}, errors.New("connection refused")
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
