package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeStylizeImage = "image:stylize"

// StylizePayload is the enqueue message. The worker needs nothing else to run
// the pipeline; the job record remains the source of truth for status.
type StylizePayload struct {
	JobID       string    `json:"job_id"`
	ContentRef  string    `json:"content_ref"`
	StyleRef    string    `json:"style_ref"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p StylizePayload) Validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return errors.New("job_id is required")
	}
	if strings.TrimSpace(p.ContentRef) == "" {
		return errors.New("content_ref is required")
	}
	if strings.TrimSpace(p.StyleRef) == "" {
		return errors.New("style_ref is required")
	}
	return nil
}

func NewStylizeTask(payload StylizePayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stylize payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal stylize payload: %w", err)
	}
	return asynq.NewTask(TypeStylizeImage, body), nil
}

func ParseStylizePayload(task *asynq.Task) (StylizePayload, error) {
	var payload StylizePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return StylizePayload{}, fmt.Errorf("unmarshal stylize payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return StylizePayload{}, fmt.Errorf("invalid stylize payload: %w", err)
	}
	return payload, nil
}
