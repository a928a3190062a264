package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client      *asynq.Client
	queue       string
	maxRetry    int
	taskTimeout time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, maxRetry int, taskTimeout time.Duration) *Client {
	if maxRetry < 0 {
		maxRetry = 0
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Minute
	}
	return &Client{
		client:      asynq.NewClient(redisOpt),
		queue:       queueName,
		maxRetry:    maxRetry,
		taskTimeout: taskTimeout,
	}
}

// Submit enqueues the job for a worker. The task id is the job id, so a
// repeated submit of the same job is absorbed by the broker.
func (c *Client) Submit(ctx context.Context, payload StylizePayload) error {
	task, err := NewStylizeTask(payload)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.taskTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", payload.JobID, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
