package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process. Used when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Detail = cloneDetail(e.Detail)
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	allowed := make(map[string]struct{}, len(f.OrganizationIDs))
	for _, id := range f.OrganizationIDs {
		allowed[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !f.Unscoped {
			if _, ok := allowed[e.OrganizationID]; !ok {
				continue
			}
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
			continue
		}
		if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
			continue
		}
		e.Detail = cloneDetail(e.Detail)
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Len reports how many entries are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cloneDetail(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
