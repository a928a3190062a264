package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestStylizeTaskRoundTrip(t *testing.T) {
	payload := StylizePayload{
		JobID:       "job-123",
		ContentRef:  "http://minio:9000/styleforge/uploads/a.jpg",
		StyleRef:    "http://minio:9000/styleforge/uploads/b.jpg",
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewStylizeTask(payload)
	if err != nil {
		t.Fatalf("NewStylizeTask returned error: %v", err)
	}
	if task.Type() != TypeStylizeImage {
		t.Fatalf("expected task type %q, got %q", TypeStylizeImage, task.Type())
	}

	parsed, err := ParseStylizePayload(task)
	if err != nil {
		t.Fatalf("ParseStylizePayload returned error: %v", err)
	}
	if parsed.JobID != payload.JobID || parsed.ContentRef != payload.ContentRef || parsed.StyleRef != payload.StyleRef {
		t.Fatalf("unexpected payload after round trip: %+v", parsed)
	}
}

func TestStylizeTaskRejectsIncompletePayload(t *testing.T) {
	if _, err := NewStylizeTask(StylizePayload{JobID: "job-1"}); err == nil {
		t.Fatal("expected error for missing refs")
	}

	if _, err := ParseStylizePayload(asynq.NewTask(TypeStylizeImage, []byte("{not json"))); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if _, err := ParseStylizePayload(asynq.NewTask(TypeStylizeImage, []byte(`{"job_id":""}`))); err == nil {
		t.Fatal("expected error for empty job id")
	}
}
