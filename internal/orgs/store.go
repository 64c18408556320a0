package orgs

import (
	"context"
	"time"
)

// Store persists organizations. Updates touch one row.
type Store interface {
	Create(ctx context.Context, o *Organization) error
	Get(ctx context.Context, id string) (*Organization, error)
	List(ctx context.Context, ids []string) ([]*Organization, error)
	ListAll(ctx context.Context) ([]*Organization, error)
	Children(ctx context.Context, parentID string) ([]*Organization, error)
	UpdateCredentials(ctx context.Context, id, tenantID string, c Credentials, at time.Time) error
	UpdateSettings(ctx context.Context, id string, u SettingsUpdate, at time.Time) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
}

// SettingsUpdate carries optional changes; nil fields are left untouched.
type SettingsUpdate struct {
	Name        *string
	ServiceTier *string
	ActiveUntil *time.Time
	ClearUntil  bool
	Settings    Settings
}
