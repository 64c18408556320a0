package orgs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	orgs map[string]*Organization
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orgs: make(map[string]*Organization)}
}

func (s *MemoryStore) Create(_ context.Context, o *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[o.ID]; ok {
		return errors.Wrapf(ErrConflict, "organization %s", o.ID)
	}
	s.orgs[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "organization %s", id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, ids []string) ([]*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Organization, 0, len(ids))
	for _, id := range ids {
		if o, ok := s.orgs[id]; ok {
			out = append(out, o.Clone())
		}
	}
	sortByName(out)
	return out, nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Organization, 0, len(s.orgs))
	for _, o := range s.orgs {
		out = append(out, o.Clone())
	}
	sortByName(out)
	return out, nil
}

func (s *MemoryStore) Children(_ context.Context, parentID string) ([]*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Organization, 0)
	for _, o := range s.orgs {
		if o.ParentID == parentID {
			out = append(out, o.Clone())
		}
	}
	sortByName(out)
	return out, nil
}

func (s *MemoryStore) update(id string, fn func(o *Organization)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "organization %s", id)
	}
	fn(o)
	return nil
}

func (s *MemoryStore) UpdateCredentials(_ context.Context, id, tenantID string, c Credentials, at time.Time) error {
	return s.update(id, func(o *Organization) {
		o.Credentials = c
		if tenantID != "" {
			o.TenantID = tenantID
		}
		o.UpdatedAt = at
	})
}

func (s *MemoryStore) UpdateSettings(_ context.Context, id string, u SettingsUpdate, at time.Time) error {
	return s.update(id, func(o *Organization) {
		if u.Name != nil {
			o.Name = *u.Name
		}
		if u.ServiceTier != nil {
			o.ServiceTier = *u.ServiceTier
		}
		if u.ClearUntil {
			o.ActiveUntil = nil
		} else if u.ActiveUntil != nil {
			t := *u.ActiveUntil
			o.ActiveUntil = &t
		}
		if u.Settings != nil {
			if o.Settings == nil {
				o.Settings = Settings{}
			}
			for k, v := range u.Settings {
				o.Settings[k] = v
			}
		}
		o.UpdatedAt = at
	})
}

func (s *MemoryStore) SetActive(_ context.Context, id string, active bool, at time.Time) error {
	return s.update(id, func(o *Organization) {
		o.Active = active
		o.UpdatedAt = at
	})
}

func sortByName(list []*Organization) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name == list[j].Name {
			return list[i].ID < list[j].ID
		}
		return list[i].Name < list[j].Name
	})
}
