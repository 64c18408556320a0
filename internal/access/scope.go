package access

import "sort"

// Scope is the set of organizations an identity may act upon.
type Scope struct {
	unrestricted bool
	ids          map[string]struct{}
}

// UnrestrictedScope covers every organization.
func UnrestrictedScope() Scope {
	return Scope{unrestricted: true}
}

// NewScope covers exactly the given organizations.
func NewScope(ids ...string) Scope {
	s := Scope{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

func (s Scope) Unrestricted() bool {
	return s.unrestricted
}

func (s Scope) Contains(id string) bool {
	if s.unrestricted {
		return true
	}
	_, ok := s.ids[id]
	return ok
}

// IDs lists the covered organizations in order. It is nil for an unrestricted scope.
func (s Scope) IDs() []string {
	if s.unrestricted {
		return nil
	}
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
