package orgs

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ionsec/maes-platform-sub001/internal/access"
	"github.com/ionsec/maes-platform-sub001/internal/audit"
	"github.com/ionsec/maes-platform-sub001/internal/ids"
	"github.com/ionsec/maes-platform-sub001/internal/obs"
)

// Authorizer is the subset of the access engine the directory relies on.
type Authorizer interface {
	Authorize(ctx context.Context, id access.Identity, c access.Capability) error
	AuthorizeIn(ctx context.Context, id access.Identity, c access.Capability, organizationID string) error
	AuthorizeRole(ctx context.Context, id access.Identity, roles ...access.Role) error
	AuthorizeOrganization(ctx context.Context, id access.Identity, organizationID string) error
	ResolveOrganizationScope(ctx context.Context, id access.Identity) (access.Scope, error)
}

// Directory owns organization records and their topology.
type Directory struct {
	store  Store
	authz  Authorizer
	trail  audit.Recorder
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Directory)

func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewDirectory(store Store, authz Authorizer, trail audit.Recorder, opts ...Option) *Directory {
	d := &Directory{store: store, authz: authz, trail: trail, now: time.Now, logger: obs.Logger()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) record(ctx context.Context, e audit.Entry) {
	if d.trail != nil {
		d.trail.Record(ctx, e)
	}
}

// NewOrganization describes an organization to onboard.
type NewOrganization struct {
	Name        string
	Tier        Tier
	ParentID    string
	TenantID    string
	Domain      string
	ServiceTier string
	ActiveUntil *time.Time
	Credentials Credentials
	Settings    Settings
}

// Onboard creates an organization. Client organizations require an active
// MSSP parent inside the actor's scope; other tiers require a platform operator.
func (d *Directory) Onboard(ctx context.Context, actor access.Identity, in NewOrganization) (*Organization, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.ParentID = strings.TrimSpace(in.ParentID)
	if in.Name == "" {
		return nil, errors.Wrap(ErrInvalidInput, "name is required")
	}
	if !in.Tier.Valid() {
		return nil, errors.Wrapf(ErrInvalidInput, "unknown tier %q", in.Tier)
	}

	switch in.Tier {
	case TierClient:
		if in.ParentID == "" {
			return nil, errors.Wrap(ErrInvalidInput, "client organization requires an mssp parent")
		}
		if err := d.authz.AuthorizeIn(ctx, actor, access.CapManageClients, in.ParentID); err != nil {
			return nil, err
		}
		parent, err := d.store.Get(ctx, in.ParentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, errors.Wrap(ErrInvalidInput, "parent organization does not exist")
			}
			return nil, err
		}
		if parent.Tier != TierMSSP {
			return nil, errors.Wrap(ErrInvalidInput, "parent organization is not an mssp")
		}
		if !parent.ActiveAt(d.now()) {
			return nil, errors.Wrap(ErrInvalidInput, "parent organization is not active")
		}
	default:
		if in.ParentID != "" {
			return nil, errors.Wrapf(ErrInvalidInput, "%s organization cannot have a parent", in.Tier)
		}
		if err := d.authz.Authorize(ctx, actor, access.CapManageSystemSettings); err != nil {
			return nil, err
		}
	}

	now := d.now().UTC()
	org := &Organization{
		ID:          ids.NewWithPrefix(ids.PrefixOrganization),
		Name:        in.Name,
		Tier:        in.Tier,
		ParentID:    in.ParentID,
		TenantID:    strings.TrimSpace(in.TenantID),
		Domain:      strings.TrimSpace(in.Domain),
		ServiceTier: in.ServiceTier,
		Active:      true,
		ActiveUntil: in.ActiveUntil,
		Credentials: in.Credentials,
		Settings:    in.Settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.Create(ctx, org); err != nil {
		return nil, err
	}
	d.record(ctx, audit.Entry{
		PrincipalID:    actor.Subject(),
		OrganizationID: org.ID,
		Category:       audit.CategoryOrganization,
		Action:         "organization.create",
		ResourceType:   "organization",
		ResourceID:     org.ID,
		Detail:         map[string]any{"tier": string(org.Tier), "parentId": org.ParentID},
	})
	return org, nil
}

// Get returns an organization inside the actor's scope.
func (d *Directory) Get(ctx context.Context, actor access.Identity, id string) (*Organization, error) {
	if err := d.authz.AuthorizeOrganization(ctx, actor, id); err != nil {
		return nil, err
	}
	return d.store.Get(ctx, id)
}

// List returns every organization in the actor's scope.
func (d *Directory) List(ctx context.Context, actor access.Identity) ([]*Organization, error) {
	scope, err := d.authz.ResolveOrganizationScope(ctx, actor)
	if err != nil {
		return nil, err
	}
	if scope.Unrestricted() {
		return d.store.ListAll(ctx)
	}
	return d.store.List(ctx, scope.IDs())
}

// Children lists the client organizations of an MSSP.
func (d *Directory) Children(ctx context.Context, actor access.Identity, msspID string) ([]*Organization, error) {
	if err := d.authz.AuthorizeIn(ctx, actor, access.CapManageClients, msspID); err != nil {
		return nil, err
	}
	return d.store.Children(ctx, msspID)
}

// UpdateCredentials replaces the tenant credentials. The secret never reaches the audit trail.
func (d *Directory) UpdateCredentials(ctx context.Context, actor access.Identity, id, tenantID string, c Credentials) (*Organization, error) {
	if err := d.authz.AuthorizeIn(ctx, actor, access.CapManageOrganization, id); err != nil {
		return nil, err
	}
	c.ApplicationID = strings.TrimSpace(c.ApplicationID)
	c.CertificateThumbprint = strings.TrimSpace(c.CertificateThumbprint)
	if c.ApplicationID == "" {
		return nil, errors.Wrap(ErrInvalidInput, "applicationId is required")
	}
	if c.ClientSecret == "" && c.CertificateThumbprint == "" {
		return nil, errors.Wrap(ErrInvalidInput, "clientSecret or certificateThumbprint is required")
	}
	if err := d.store.UpdateCredentials(ctx, id, strings.TrimSpace(tenantID), c, d.now().UTC()); err != nil {
		return nil, err
	}
	d.record(ctx, audit.Entry{
		PrincipalID:    actor.Subject(),
		OrganizationID: id,
		Category:       audit.CategoryCredential,
		Action:         "organization.credentials.update",
		ResourceType:   "organization",
		ResourceID:     id,
		Detail: map[string]any{
			"applicationId":  c.ApplicationID,
			"hasSecret":      c.ClientSecret != "",
			"hasThumbprint":  c.CertificateThumbprint != "",
			"tenantIdChange": tenantID != "",
		},
	})
	return d.store.Get(ctx, id)
}

// UpdateSettings applies a partial settings change.
func (d *Directory) UpdateSettings(ctx context.Context, actor access.Identity, id string, u SettingsUpdate) (*Organization, error) {
	if err := d.authz.AuthorizeIn(ctx, actor, access.CapManageOrganization, id); err != nil {
		return nil, err
	}
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return nil, errors.Wrap(ErrInvalidInput, "name cannot be empty")
	}
	if err := d.store.UpdateSettings(ctx, id, u, d.now().UTC()); err != nil {
		return nil, err
	}
	d.record(ctx, audit.Entry{
		PrincipalID:    actor.Subject(),
		OrganizationID: id,
		Category:       audit.CategoryOrganization,
		Action:         "organization.settings.update",
		ResourceType:   "organization",
		ResourceID:     id,
	})
	return d.store.Get(ctx, id)
}

// SetActive activates or deactivates an organization. Client organizations
// are managed by their MSSP; MSSP and standalone organizations only by a
// super admin, whatever capabilities a custom role table grants.
func (d *Directory) SetActive(ctx context.Context, actor access.Identity, id string, active bool) (*Organization, error) {
	org, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if org.Tier == TierClient {
		err = d.authz.AuthorizeIn(ctx, actor, access.CapManageClients, id)
	} else {
		err = d.authz.AuthorizeRole(ctx, actor, access.RoleSuperAdmin)
	}
	if err != nil {
		return nil, err
	}
	if err := d.store.SetActive(ctx, id, active, d.now().UTC()); err != nil {
		return nil, err
	}
	action := "organization.deactivate"
	if active {
		action = "organization.activate"
	}
	d.record(ctx, audit.Entry{
		PrincipalID:    actor.Subject(),
		OrganizationID: id,
		Category:       audit.CategoryOrganization,
		Action:         action,
		ResourceType:   "organization",
		ResourceID:     id,
	})
	org.Active = active
	return org, nil
}

// CheckExtractionReadiness loads the organization and reports missing prerequisites.
func (d *Directory) CheckExtractionReadiness(ctx context.Context, id string) (*Organization, error) {
	org, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	parent, err := parentOf(ctx, d.store, org)
	if err != nil {
		return nil, err
	}
	if err := CheckExtractionReadiness(org, parent, d.now()); err != nil {
		return org, err
	}
	return org, nil
}
