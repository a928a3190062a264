package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Stage string

const (
	StageClaim     Stage = "claim"
	StageFetch     Stage = "fetch"
	StageTransform Stage = "transform"
	StageStore     Stage = "store"
	StageFinalize  Stage = "finalize"
)

var (
	ErrFetch     = errors.New("fetch failed")
	ErrTransform = errors.New("transform failed")
	ErrStore     = errors.New("store failed")
)

// StageError classifies a failure by the pipeline stage that produced it.
// errors.Is matches the stage's sentinel (ErrFetch, ErrTransform, ErrStore).
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func (e *StageError) Is(target error) bool {
	switch e.Stage {
	case StageFetch:
		return target == ErrFetch
	case StageTransform:
		return target == ErrTransform
	case StageStore:
		return target == ErrStore
	default:
		return false
	}
}

type StageTiming struct {
	Stage    Stage
	Duration time.Duration
	Err      error
}

// runStage runs fn under the stage deadline. When the deadline passes before
// fn returns, the stage fails with the context error, but runStage still
// waits for fn so that the calling worker is not handed another job while fn
// keeps running.
func runStage[T any](ctx context.Context, stage Stage, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		select {
		case r = <-done:
		default:
			<-done
			return zero, &StageError{Stage: stage, Err: fmt.Errorf("aborted: %w", ctx.Err())}
		}
	}
	if r.err != nil {
		return zero, &StageError{Stage: stage, Err: r.err}
	}
	return r.value, nil
}
