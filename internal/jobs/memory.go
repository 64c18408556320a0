package jobs

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemoryStore is an in-process Store. Transition holds the lock across the
// status check and write, matching the conditional update of the SQL store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return errors.Newf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0)
	for _, j := range s.jobs {
		if !f.Unscoped && !slices.Contains(f.OrganizationIDs, j.OrganizationID) {
			continue
		}
		if f.Kind != "" && j.Kind != f.Kind {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.ExtractionID != "" && j.ExtractionID != f.ExtractionID {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Job{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from []Status, u Update) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if !slices.Contains(from, j.Status) {
		return nil, errors.Wrapf(ErrStaleState, "job %s is %s", id, j.Status)
	}
	u.apply(j)
	return j.Clone(), nil
}
