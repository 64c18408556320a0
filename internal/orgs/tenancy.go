package orgs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ionsec/maes-platform-sub001/internal/access"
)

// Tenancy adapts a Store to access.Tenancy.
type Tenancy struct {
	store Store
	now   func() time.Time
}

func NewTenancy(store Store, now func() time.Time) *Tenancy {
	if now == nil {
		now = time.Now
	}
	return &Tenancy{store: store, now: now}
}

func (t *Tenancy) OrganizationStatus(ctx context.Context, id string) (access.OrganizationStatus, error) {
	o, err := t.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return access.OrganizationStatus{}, errors.Mark(err, access.ErrNotFound)
		}
		return access.OrganizationStatus{}, err
	}
	now := t.now()
	active := o.ActiveAt(now)
	if active && o.Tier == TierClient {
		parent, err := parentOf(ctx, t.store, o)
		if err != nil {
			return access.OrganizationStatus{}, err
		}
		active = parent != nil && parent.ActiveAt(now)
	}
	return access.OrganizationStatus{ID: o.ID, MSSP: o.Tier == TierMSSP, Active: active}, nil
}

// ClientOrganizations includes inactive clients so their history stays visible to the MSSP.
func (t *Tenancy) ClientOrganizations(ctx context.Context, msspID string) ([]string, error) {
	children, err := t.store.Children(ctx, msspID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(children))
	for _, c := range children {
		if c.Tier == TierClient {
			out = append(out, c.ID)
		}
	}
	return out, nil
}
