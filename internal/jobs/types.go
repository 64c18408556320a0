package jobs

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ionsec/maes-platform-sub001/internal/access"
	"github.com/ionsec/maes-platform-sub001/internal/events"
	"github.com/ionsec/maes-platform-sub001/internal/ids"
	"github.com/ionsec/maes-platform-sub001/internal/queue"
)

// Kind discriminates the two job families.
type Kind string

const (
	KindExtraction Kind = "extraction"
	KindAnalysis   Kind = "analysis"
)

func (k Kind) Valid() bool {
	return k == KindExtraction || k == KindAnalysis
}

// Topic is the queue topic workers for this kind consume.
func (k Kind) Topic() string {
	if k == KindAnalysis {
		return queue.TopicAnalysis
	}
	return queue.TopicExtraction
}

// Capability is what a human needs to create or cancel a job of this kind.
func (k Kind) Capability() access.Capability {
	if k == KindAnalysis {
		return access.CapRunAnalysis
	}
	return access.CapManageExtractions
}

func (k Kind) idPrefix() string {
	if k == KindAnalysis {
		return ids.PrefixAnalysis
	}
	return ids.PrefixExtraction
}

func (k Kind) startedEvent() string {
	if k == KindAnalysis {
		return events.AnalysisStarted
	}
	return events.ExtractionStarted
}

func (k Kind) updatedEvent() string {
	if k == KindAnalysis {
		return events.AnalysisUpdated
	}
	return events.ExtractionUpdated
}

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority controls dispatch order among jobs not yet started.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight maps a priority to the queue weight; lower runs sooner.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 4
	default:
		return 3
	}
}

// ParsePriority defaults an empty value to medium.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case "":
		return PriorityMedium, nil
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	}
	return "", errors.Wrapf(ErrInvalidInput, "unknown priority %q", s)
}

// OutputFile describes an artifact a worker produced.
type OutputFile struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Type      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Job is a unit of asynchronous work for one organization.
type Job struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organizationId"`
	Kind            Kind           `json:"kind"`
	Type            string         `json:"type"`
	Priority        Priority       `json:"priority"`
	Status          Status         `json:"status"`
	Progress        int            `json:"progress"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	StartDate       *time.Time     `json:"startDate,omitempty"`
	EndDate         *time.Time     `json:"endDate,omitempty"`
	ExtractionID    string         `json:"extractionId,omitempty"`
	AutoTriggered   bool           `json:"autoTriggered"`
	TriggeredBy     string         `json:"triggeredBy,omitempty"`
	OutputFiles     []OutputFile   `json:"outputFiles,omitempty"`
	Statistics      map[string]any `json:"statistics,omitempty"`
	ItemsExtracted  *int64         `json:"itemsExtracted,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	DurationSeconds *float64       `json:"durationSeconds,omitempty"`
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Parameters = cloneMap(j.Parameters)
	cp.Statistics = cloneMap(j.Statistics)
	if j.OutputFiles != nil {
		cp.OutputFiles = append([]OutputFile(nil), j.OutputFiles...)
	}
	cp.StartDate = cloneTime(j.StartDate)
	cp.EndDate = cloneTime(j.EndDate)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	if j.ItemsExtracted != nil {
		v := *j.ItemsExtracted
		cp.ItemsExtracted = &v
	}
	if j.DurationSeconds != nil {
		v := *j.DurationSeconds
		cp.DurationSeconds = &v
	}
	return &cp
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ProgressSnapshot is the merged view returned to callers.
type ProgressSnapshot struct {
	JobID     string    `json:"jobId"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	Source    string    `json:"source"`
}
