package access

import (
	"strings"
	"time"
)

// IdentityKind distinguishes the two kinds of caller.
type IdentityKind string

const (
	KindHuman   IdentityKind = "human"
	KindService IdentityKind = "service"
)

// Identity is either a *Principal or a ServiceIdentity. Both are checked by
// the same Engine.Authorize call; the interface is sealed.
type Identity interface {
	Kind() IdentityKind
	Subject() string
	OrgID() string
	RoleName() Role
	Can(Capability) bool
	sealed()
}

// Principal is a human user of an organization with a capability snapshot
// taken from the role table and then overridden per principal.
type Principal struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organizationId"`
	Email          string      `json:"email"`
	DisplayName    string      `json:"displayName,omitempty"`
	Role           Role        `json:"role"`
	Permissions    Permissions `json:"permissions"`
	PasswordHash   string      `json:"-"`
	Active         bool        `json:"active"`
	FailedAttempts int         `json:"-"`
	LockedUntil    *time.Time  `json:"lockedUntil,omitempty"`
	LastLoginAt    *time.Time  `json:"lastLoginAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

func (p *Principal) Kind() IdentityKind    { return KindHuman }
func (p *Principal) Subject() string       { return p.ID }
func (p *Principal) OrgID() string         { return p.OrganizationID }
func (p *Principal) RoleName() Role        { return p.Role }
func (p *Principal) Can(c Capability) bool { return p != nil && !c.ServiceOnly() && p.Permissions.Allows(c) }
func (p *Principal) sealed()               {}

// LockedAt reports whether the principal is locked out at t.
func (p *Principal) LockedAt(t time.Time) bool {
	return p.LockedUntil != nil && t.Before(*p.LockedUntil)
}

// Clone returns a deep copy safe to hand out of a store.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Permissions = p.Permissions.Clone()
	if p.LockedUntil != nil {
		t := *p.LockedUntil
		cp.LockedUntil = &t
	}
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp
}

// NormalizeEmail lower-cases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ServiceIdentity is an internal worker authenticated by the shared secret.
// It belongs to no organization.
type ServiceIdentity struct {
	Name        string
	Role        Role
	Permissions Permissions
}

func (s ServiceIdentity) Kind() IdentityKind    { return KindService }
func (s ServiceIdentity) Subject() string       { return "service:" + s.Name }
func (s ServiceIdentity) OrgID() string         { return "" }
func (s ServiceIdentity) RoleName() Role        { return s.Role }
func (s ServiceIdentity) Can(c Capability) bool { return s.Permissions.Allows(c) }
func (s ServiceIdentity) sealed()               {}
