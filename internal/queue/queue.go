// Package queue hands job envelopes to external workers in priority order
// and keeps a short-lived progress cache the workers write to.
package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// Topics consumed by the worker fleet.
const (
	TopicExtraction = "extraction"
	TopicAnalysis   = "analysis"
)

var (
	ErrEmpty       = errors.New("queue: empty")
	ErrUnavailable = errors.New("queue: unavailable")
)

// RetryPolicy governs redelivery after a dispatch failure.
type RetryPolicy struct {
	Attempts int           `json:"attempts"`
	Backoff  time.Duration `json:"backoff"`
}

// DefaultRetryPolicy is three attempts with exponential backoff from 60s.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 60 * time.Second}

// DefaultVisibility is how long a dequeued envelope stays leased to a worker
// before it is considered lost and redelivered.
const DefaultVisibility = 5 * time.Minute

// Delay returns the wait before the given retry (1-based): Backoff * 2^(attempt-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Envelope is what a worker receives. Lower Weight is dispatched first;
// equal weights dispatch in enqueue order.
type Envelope struct {
	JobID          string            `json:"jobId"`
	OrganizationID string            `json:"organizationId"`
	Kind           string            `json:"kind"`
	Type           string            `json:"type"`
	Priority       string            `json:"priority"`
	Weight         int               `json:"weight"`
	Parameters     map[string]any    `json:"parameters,omitempty"`
	Credentials    map[string]string `json:"credentials,omitempty"`
	Retry          RetryPolicy       `json:"retry"`
	Attempt        int               `json:"attempt"`
	Seq            int64             `json:"seq"`
	EnqueuedAt     time.Time         `json:"enqueuedAt"`
}

// Progress is a worker's latest report for a running job.
type Progress struct {
	JobID     string    `json:"jobId"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Queue is implemented by the in-memory and Redis backends.
type Queue interface {
	Enqueue(ctx context.Context, topic string, env Envelope) error
	// Dequeue pops the next ready envelope and leases it to the caller until
	// the visibility deadline, or returns ErrEmpty. Leases that expired
	// without an Ack are retried first.
	Dequeue(ctx context.Context, topic string) (Envelope, error)
	// Ack releases the lease on a dequeued envelope. It reports whether a
	// lease was held.
	Ack(ctx context.Context, topic, jobID string) (bool, error)
	// Retry schedules redelivery after a dispatch failure. It returns false
	// when the policy is exhausted and the envelope is dropped.
	Retry(ctx context.Context, topic string, env Envelope) (bool, error)
	// Expired drains the envelopes whose leases lapsed on their last attempt.
	Expired(ctx context.Context, topic string) ([]Envelope, error)
	// Remove drops a pending envelope and any lease on it. It reports whether
	// a pending envelope was found.
	Remove(ctx context.Context, topic, jobID string) (bool, error)
	ReportProgress(ctx context.Context, p Progress) error
	Progress(ctx context.Context, jobID string) (Progress, bool, error)
	ClearProgress(ctx context.Context, jobID string) error
	Ping(ctx context.Context) error
}

func validate(topic string, env Envelope) error {
	if topic == "" {
		return errors.New("queue: topic is required")
	}
	if env.JobID == "" {
		return errors.New("queue: job id is required")
	}
	return nil
}
