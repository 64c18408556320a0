package orgs

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// CheckExtractionReadiness returns a *ConfigurationError naming every missing
// prerequisite, or nil when an extraction may be dispatched. parent is the
// MSSP of a client organization and nil for other tiers.
func CheckExtractionReadiness(o, parent *Organization, now time.Time) error {
	if o == nil {
		return ErrNotFound
	}
	cfgErr := &ConfigurationError{OrganizationID: o.ID}
	if strings.TrimSpace(o.Credentials.ApplicationID) == "" {
		cfgErr.add(MissingApplicationID)
	}
	if strings.TrimSpace(o.Credentials.ClientSecret) == "" && strings.TrimSpace(o.Credentials.CertificateThumbprint) == "" {
		cfgErr.add(MissingSecret)
	}
	if strings.TrimSpace(o.TenantID) == "" {
		cfgErr.add(MissingTenantID)
	}
	if !o.ActiveAt(now) {
		cfgErr.add(MissingActive)
	}
	if o.Tier == TierClient && (parent == nil || !parent.ActiveAt(now)) {
		cfgErr.add(MissingParentActive)
	}
	if len(cfgErr.Missing) > 0 {
		return cfgErr
	}
	return nil
}

// parentOf loads the MSSP of a client organization. A parent that no longer
// exists is reported as nil.
func parentOf(ctx context.Context, store Store, o *Organization) (*Organization, error) {
	if o.Tier != TierClient || o.ParentID == "" {
		return nil, nil
	}
	parent, err := store.Get(ctx, o.ParentID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return parent, err
}
