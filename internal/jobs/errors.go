package jobs

import "github.com/cockroachdb/errors"

var (
	ErrNotFound     = errors.New("jobs: not found")
	ErrInvalidInput = errors.New("jobs: invalid input")

	// ErrInvalidState rejects an operator request the job's state does not permit.
	ErrInvalidState = errors.New("jobs: invalid state")

	// ErrConflict rejects a worker callback on a terminal job.
	ErrConflict = errors.New("jobs: conflict")

	// ErrStaleState is returned by a Store when a conditional transition
	// found the job in a status outside the expected set.
	ErrStaleState = errors.New("jobs: stale state")

	ErrTimeout  = errors.New("jobs: timed out")
	ErrDispatch = errors.New("jobs: dispatch unavailable")
)
