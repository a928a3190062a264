package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// MaxErrorSummaryBytes bounds the diagnostic stored on a failed job.
const MaxErrorSummaryBytes = 512

var ErrInvalidTransition = errors.New("invalid status transition")

func ParseJobStatus(raw string) (JobStatus, error) {
	status := JobStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown job status: %q", raw)
	}
	return status, nil
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Rank orders statuses along the lifecycle lattice. Both terminal states
// share the top rank.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether from -> to is an edge of
// PENDING -> PROCESSING -> {COMPLETED, FAILED}.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

type Job struct {
	ID           string
	OwnerID      string
	ContentRef   string
	StyleRef     string
	ResultRef    string
	Status       JobStatus
	ErrorSummary string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StatusFields carries the fields a transition may set alongside the status.
type StatusFields struct {
	ResultRef    string
	ErrorSummary string
}

// CheckTransition validates a transition together with its fields so that a
// result reference only ever accompanies COMPLETED.
func CheckTransition(from, to JobStatus, fields StatusFields) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	switch to {
	case JobStatusCompleted:
		if strings.TrimSpace(fields.ResultRef) == "" {
			return fmt.Errorf("%w: completed job requires a result reference", ErrInvalidTransition)
		}
	default:
		if fields.ResultRef != "" {
			return fmt.Errorf("%w: result reference is only allowed on completion", ErrInvalidTransition)
		}
	}
	return nil
}

// Apply returns a copy of the job with the transition applied. Callers are
// expected to have validated it with CheckTransition.
func (j Job) Apply(to JobStatus, fields StatusFields, at time.Time) Job {
	j.Status = to
	j.UpdatedAt = at
	switch to {
	case JobStatusCompleted:
		j.ResultRef = fields.ResultRef
		j.ErrorSummary = ""
	case JobStatusFailed:
		j.ResultRef = ""
		j.ErrorSummary = TruncateSummary(fields.ErrorSummary)
	}
	return j
}

// TruncateSummary trims summary to at most MaxErrorSummaryBytes without
// splitting a UTF-8 sequence.
func TruncateSummary(summary string) string {
	summary = strings.TrimSpace(summary)
	if len(summary) <= MaxErrorSummaryBytes {
		return summary
	}
	n := MaxErrorSummaryBytes
	for n > 0 && !utf8.RuneStart(summary[n]) {
		n--
	}
	return summary[:n]
}

// JobView is the caller-facing projection of a job record.
type JobView struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Result    *string   `json:"result"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (j Job) View() JobView {
	view := JobView{
		ID:        j.ID,
		Status:    j.Status,
		CreatedAt: j.CreatedAt,
	}
	if j.Status == JobStatusCompleted && j.ResultRef != "" {
		result := j.ResultRef
		view.Result = &result
	}
	if j.Status == JobStatusFailed {
		view.Error = j.ErrorSummary
	}
	return view
}

type CreateJobRequest struct {
	OwnerID string
	Content []byte
	Style   []byte
}

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

func (r CreateJobRequest) Validate(maxBytes int64) error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return errors.New("owner_id is required")
	}
	if err := validateImage("content", r.Content, maxBytes); err != nil {
		return err
	}
	if err := validateImage("style", r.Style, maxBytes); err != nil {
		return err
	}
	return nil
}

func validateImage(field string, data []byte, maxBytes int64) error {
	if len(data) == 0 {
		return fmt.Errorf("%s image is required", field)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return fmt.Errorf("%s image exceeds %d bytes", field, maxBytes)
	}
	contentType := http.DetectContentType(data)
	if !allowedImageTypes[contentType] {
		return fmt.Errorf("%s image has unsupported content type %s", field, contentType)
	}
	return nil
}
