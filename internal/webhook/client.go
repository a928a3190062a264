// Package webhook delivers signed job lifecycle events to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/styleforge/internal/id"
)

const (
	HeaderSignature = "X-Styleforge-Signature"
	HeaderTimestamp = "X-Styleforge-Timestamp"
	HeaderEvent     = "X-Styleforge-Event"
	HeaderDelivery  = "X-Styleforge-Delivery"

	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// JobEvent is the body posted when a job reaches a terminal status.
type JobEvent struct {
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Result     *string   `json:"result"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DeliveryError reports the last failure of an event that was never
// acknowledged.
type DeliveryError struct {
	Attempts   int
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("webhook delivery failed after %d attempt(s): status=%d", e.Attempts, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	http    *http.Client
	secret  []byte
	retries int
	backoff func(attempt int) time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	cfg.MaxBackoff = max(cfg.MaxBackoff, cfg.InitialBackoff)

	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		secret:  []byte(cfg.SigningSecret),
		retries: max(cfg.MaxAttempts, 1),
		backoff: func(attempt int) time.Duration {
			d := cfg.InitialBackoff << (attempt - 1)
			if d <= 0 || d > cfg.MaxBackoff {
				return cfg.MaxBackoff
			}
			return d
		},
	}
}

// Notify posts event as signed JSON. Server errors, timeouts and 408/429
// responses are retried with exponential backoff; other 4xx responses are
// final. An empty endpoint is a no-op.
func (c *Client) Notify(ctx context.Context, endpoint string, event JobEvent) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderEvent, event.Type)
	header.Set(HeaderDelivery, id.New())
	header.Set(HeaderTimestamp, timestamp)
	header.Set(HeaderSignature, Sign(c.secret, timestamp, body))

	derr := &DeliveryError{}
	for attempt := 1; attempt <= c.retries; attempt++ {
		derr.Attempts = attempt
		status, err := c.post(ctx, endpoint, header, body)
		if err == nil && status/100 == 2 {
			return nil
		}
		derr.StatusCode, derr.Err = status, err
		if ctx.Err() != nil || !retryable(status, err) || attempt == c.retries {
			break
		}

		select {
		case <-ctx.Done():
			derr.Err = ctx.Err()
			return derr
		case <-time.After(c.backoff(attempt)):
		}
	}
	return derr
}

func (c *Client) post(ctx context.Context, endpoint string, header http.Header, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header = header.Clone()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// Sign returns the signature header value for body sent at timestamp:
// "sha256=" followed by the hex HMAC-SHA256 of "timestamp.body".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body and timestamp, and the
// timestamp is no older than tolerance. A zero tolerance skips the age check.
func Verify(secret []byte, timestamp string, body []byte, signature string, tolerance time.Duration) bool {
	if tolerance > 0 {
		sec, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil || time.Since(time.Unix(sec, 0)) > tolerance {
			return false
		}
	}
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
