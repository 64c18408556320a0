package orgs

import "time"

// Tier places an organization in the MSSP hierarchy.
type Tier string

const (
	TierMSSP       Tier = "mssp"
	TierClient     Tier = "client"
	TierStandalone Tier = "standalone"
)

func (t Tier) Valid() bool {
	switch t {
	case TierMSSP, TierClient, TierStandalone:
		return true
	}
	return false
}

// Credentials hold the tenant application registration used by extraction
// workers. Either ClientSecret or CertificateThumbprint must be present.
type Credentials struct {
	ApplicationID         string `json:"applicationId,omitempty"`
	ClientSecret          string `json:"clientSecret,omitempty"`
	CertificateThumbprint string `json:"certificateThumbprint,omitempty"`
}

// Redacted masks the secret for responses and logs.
func (c Credentials) Redacted() Credentials {
	if c.ClientSecret != "" {
		c.ClientSecret = "********"
	}
	return c
}

// Settings are free-form organization preferences.
type Settings map[string]any

// Organization is a tenant. Client organizations have exactly one MSSP parent.
type Organization struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Tier        Tier        `json:"tier"`
	ParentID    string      `json:"parentId,omitempty"`
	TenantID    string      `json:"tenantId,omitempty"`
	Domain      string      `json:"domain,omitempty"`
	ServiceTier string      `json:"serviceTier,omitempty"`
	Active      bool        `json:"active"`
	ActiveUntil *time.Time  `json:"activeUntil,omitempty"`
	Credentials Credentials `json:"credentials"`
	Settings    Settings    `json:"settings,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// ActiveAt reports whether the organization is active at t. An ended active
// window counts as inactive.
func (o *Organization) ActiveAt(t time.Time) bool {
	if o == nil || !o.Active {
		return false
	}
	return o.ActiveUntil == nil || t.Before(*o.ActiveUntil)
}

// Public returns a copy with credentials redacted.
func (o *Organization) Public() *Organization {
	cp := o.Clone()
	cp.Credentials = cp.Credentials.Redacted()
	return cp
}

func (o *Organization) Clone() *Organization {
	if o == nil {
		return nil
	}
	cp := *o
	if o.ActiveUntil != nil {
		t := *o.ActiveUntil
		cp.ActiveUntil = &t
	}
	if o.Settings != nil {
		cp.Settings = make(Settings, len(o.Settings))
		for k, v := range o.Settings {
			cp.Settings[k] = v
		}
	}
	return &cp
}
