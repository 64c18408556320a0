package access

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MemoryStore is an in-process PrincipalStore.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Principal
	byEmail map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Principal),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, p *Principal) error {
	if p == nil || p.ID == "" {
		return errors.Wrap(ErrInvalidInput, "principal id is required")
	}
	email := NormalizeEmail(p.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; ok {
		return errors.Wrapf(ErrConflict, "principal %s", p.ID)
	}
	if _, ok := s.byEmail[email]; ok {
		return errors.Wrapf(ErrConflict, "email %s", email)
	}
	cp := p.Clone()
	cp.Email = email
	s.byID[p.ID] = cp
	s.byEmail[email] = p.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "principal %s", id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, "principal by email")
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) ListByOrganization(_ context.Context, organizationID string) ([]*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Principal, 0)
	for _, p := range s.byID {
		if p.OrganizationID == organizationID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) update(id string, fn func(p *Principal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "principal %s", id)
	}
	fn(p)
	return nil
}

func (s *MemoryStore) UpdateLockout(_ context.Context, id string, failedAttempts int, lockedUntil *time.Time) error {
	return s.update(id, func(p *Principal) {
		p.FailedAttempts = failedAttempts
		if lockedUntil != nil {
			t := *lockedUntil
			p.LockedUntil = &t
		} else {
			p.LockedUntil = nil
		}
		p.UpdatedAt = time.Now().UTC()
	})
}

func (s *MemoryStore) RecordLogin(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(p *Principal) {
		p.FailedAttempts = 0
		p.LockedUntil = nil
		t := at
		p.LastLoginAt = &t
		p.UpdatedAt = at
	})
}

func (s *MemoryStore) UpdatePermissions(_ context.Context, id string, perms Permissions) error {
	return s.update(id, func(p *Principal) {
		p.Permissions = perms.Clone()
		p.UpdatedAt = time.Now().UTC()
	})
}
