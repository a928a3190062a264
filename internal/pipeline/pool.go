package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/dunamismax/styleforge/internal/queue"
)

var ErrPoolStopped = errors.New("worker pool is stopped")

type Runner interface {
	Execute(ctx context.Context, task Task) (Outcome, error)
}

type PoolConfig struct {
	Workers         int
	Buffer          int
	MaxRedeliveries int
	RedeliveryDelay time.Duration
}

// Pool is an in-process dispatcher: a fixed set of workers, each running
// one job to completion before taking the next. Tasks whose claim could not
// be attempted are redelivered after a delay, up to MaxRedeliveries times.
type Pool struct {
	logger          *log.Logger
	runner          Runner
	workers         int
	maxRedeliveries int
	redeliveryDelay time.Duration
	onOutcome       func(Outcome)

	tasks     chan poolTask
	stopCh    chan struct{}
	cancelRun context.CancelFunc
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

type poolTask struct {
	task    Task
	attempt int
}

func NewPool(logger *log.Logger, runner Runner, cfg PoolConfig) *Pool {
	if logger == nil {
		logger = log.New(log.Writer(), "[pool] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = time.Second
	}
	return &Pool{
		logger:          logger,
		runner:          runner,
		workers:         cfg.Workers,
		maxRedeliveries: cfg.MaxRedeliveries,
		redeliveryDelay: cfg.RedeliveryDelay,
		tasks:           make(chan poolTask, cfg.Buffer),
		stopCh:          make(chan struct{}),
	}
}

// OnOutcome registers a callback invoked after every execution. It must be
// set before Start.
func (p *Pool) OnOutcome(fn func(Outcome)) {
	p.onOutcome = fn
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancelRun = cancel
	for range p.workers {
		p.wg.Add(1)
		go p.worker(runCtx)
	}
}

// Stop stops accepting work and waits for in-flight jobs to finish. Tasks
// still buffered are dropped; their jobs stay PENDING.
func (p *Pool) Stop() {
	_ = p.Drain(context.Background())
}

// Drain is Stop bounded by ctx. When ctx ends before the in-flight jobs do,
// their contexts are cancelled, so they record FAILED, and Drain returns
// ctx.Err() once the workers have exited.
func (p *Pool) Drain(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		cancel := p.cancelRun
		p.mu.Unlock()
		if cancel == nil {
			cancel = func() {}
		}
		defer cancel()

		close(p.stopCh)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			cancel()
			<-done
		}
	})
	return err
}

// Submit hands the job to the pool without waiting for a worker.
func (p *Pool) Submit(_ context.Context, payload queue.StylizePayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	return p.enqueue(poolTask{task: Task{
		JobID:      payload.JobID,
		ContentRef: payload.ContentRef,
		StyleRef:   payload.StyleRef,
	}})
}

func (p *Pool) enqueue(t poolTask) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- t:
	default:
		go func() {
			select {
			case p.tasks <- t:
			case <-p.stopCh:
			}
		}()
	}
	return nil
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			p.run(ctx, t)
		}
	}
}

func (p *Pool) run(ctx context.Context, t poolTask) {
	out, err := p.runner.Execute(ctx, t.task)
	if p.onOutcome != nil {
		p.onOutcome(out)
	}
	if err == nil {
		return
	}

	if t.attempt >= p.maxRedeliveries {
		p.logger.Printf("task dropped job_id=%s attempts=%d err=%v", t.task.JobID, t.attempt+1, err)
		return
	}
	p.logger.Printf("task redelivery scheduled job_id=%s attempt=%d err=%v", t.task.JobID, t.attempt+1, err)
	next := poolTask{task: t.task, attempt: t.attempt + 1}
	time.AfterFunc(p.redeliveryDelay, func() {
		if err := p.enqueue(next); err != nil {
			p.logger.Printf("task redelivery dropped job_id=%s err=%v", next.task.JobID, err)
		}
	})
}
