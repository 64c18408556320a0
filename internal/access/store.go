package access

import (
	"context"
	"time"
)

// PrincipalStore persists principals. Updates are row scoped.
type PrincipalStore interface {
	Create(ctx context.Context, p *Principal) error
	Get(ctx context.Context, id string) (*Principal, error)
	GetByEmail(ctx context.Context, email string) (*Principal, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*Principal, error)
	UpdateLockout(ctx context.Context, id string, failedAttempts int, lockedUntil *time.Time) error
	RecordLogin(ctx context.Context, id string, at time.Time) error
	UpdatePermissions(ctx context.Context, id string, perms Permissions) error
}

// OrganizationStatus is the slice of organization state the engine needs.
type OrganizationStatus struct {
	ID     string
	MSSP   bool
	Active bool
}

// Tenancy answers organization questions without the engine depending on
// the organization directory.
type Tenancy interface {
	OrganizationStatus(ctx context.Context, id string) (OrganizationStatus, error)
	ClientOrganizations(ctx context.Context, msspID string) ([]string, error)
}
