package jobs

import (
	"context"
	"time"
)

// Update is applied by a conditional transition. Nil fields keep their value.
type Update struct {
	Status          Status
	Progress        *int
	StartedAt       *time.Time
	CompletedAt     *time.Time
	OutputFiles     []OutputFile
	Statistics      map[string]any
	ItemsExtracted  *int64
	ErrorMessage    *string
	DurationSeconds *float64
	UpdatedAt       time.Time
}

// ListFilter selects jobs. With Unscoped=false an empty OrganizationIDs matches nothing.
type ListFilter struct {
	OrganizationIDs []string
	Unscoped        bool
	Kind            Kind
	Status          Status
	ExtractionID    string
	Limit           int
	Offset          int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store is the durable source of truth for jobs.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f ListFilter) ([]*Job, error)
	// Transition applies u only when the job's current status is in from,
	// returning the updated job. Otherwise it returns ErrStaleState, or
	// ErrNotFound when no such job exists.
	Transition(ctx context.Context, id string, from []Status, u Update) (*Job, error)
}

func (u Update) apply(j *Job) {
	j.Status = u.Status
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.StartedAt != nil {
		j.StartedAt = cloneTime(u.StartedAt)
	}
	if u.CompletedAt != nil {
		j.CompletedAt = cloneTime(u.CompletedAt)
	}
	if u.OutputFiles != nil {
		j.OutputFiles = append([]OutputFile(nil), u.OutputFiles...)
	}
	if u.Statistics != nil {
		j.Statistics = cloneMap(u.Statistics)
	}
	if u.ItemsExtracted != nil {
		v := *u.ItemsExtracted
		j.ItemsExtracted = &v
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	if u.DurationSeconds != nil {
		v := *u.DurationSeconds
		j.DurationSeconds = &v
	}
	j.UpdatedAt = u.UpdatedAt
}
