package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ionsec/maes-platform-sub001/internal/orgs"
)

type onboardRequest struct {
	Name                  string         `json:"name" validate:"required,max=200"`
	Tier                  orgs.Tier      `json:"tier" validate:"required,oneof=mssp client standalone"`
	ParentID              string         `json:"parentId" validate:"required_if=Tier client"`
	TenantID              string         `json:"tenantId" validate:"max=128"`
	Domain                string         `json:"domain" validate:"omitempty,fqdn"`
	ServiceTier           string         `json:"serviceTier"`
	ActiveUntil           *time.Time     `json:"activeUntil"`
	ApplicationID         string         `json:"applicationId"`
	ClientSecret          string         `json:"clientSecret"`
	CertificateThumbprint string         `json:"certificateThumbprint"`
	Settings              map[string]any `json:"settings"`
}

type credentialsRequest struct {
	TenantID              string `json:"tenantId"`
	ApplicationID         string `json:"applicationId" validate:"required"`
	ClientSecret          string `json:"clientSecret" validate:"required_without=CertificateThumbprint"`
	CertificateThumbprint string `json:"certificateThumbprint"`
}

type updateOrganizationRequest struct {
	Name             *string        `json:"name" validate:"omitempty,min=1,max=200"`
	ServiceTier      *string        `json:"serviceTier"`
	ActiveUntil      *time.Time     `json:"activeUntil"`
	ClearActiveUntil bool           `json:"clearActiveUntil"`
	Settings         map[string]any `json:"settings"`
	Active           *bool          `json:"active"`
}

func publicOrgs(list []*orgs.Organization) []*orgs.Organization {
	out := make([]*orgs.Organization, 0, len(list))
	for _, o := range list {
		out = append(out, o.Public())
	}
	return out
}

func (a *API) onboardOrganization(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if err := decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org, err := a.deps.Orgs.Onboard(r.Context(), actor(r), orgs.NewOrganization{
		Name:        req.Name,
		Tier:        req.Tier,
		ParentID:    req.ParentID,
		TenantID:    req.TenantID,
		Domain:      req.Domain,
		ServiceTier: req.ServiceTier,
		ActiveUntil: req.ActiveUntil,
		Credentials: orgs.Credentials{
			ApplicationID:         req.ApplicationID,
			ClientSecret:          req.ClientSecret,
			CertificateThumbprint: req.CertificateThumbprint,
		},
		Settings: req.Settings,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/organizations/"+org.ID)
	writeJSON(w, http.StatusCreated, org.Public())
}

func (a *API) listOrganizations(w http.ResponseWriter, r *http.Request) {
	list, err := a.deps.Orgs.List(r.Context(), actor(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": publicOrgs(list)})
}

func (a *API) getOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := a.deps.Orgs.Get(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org.Public())
}

func (a *API) listClients(w http.ResponseWriter, r *http.Request) {
	list, err := a.deps.Orgs.Children(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": publicOrgs(list)})
}

func (a *API) updateCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org, err := a.deps.Orgs.UpdateCredentials(r.Context(), actor(r), chi.URLParam(r, "id"), req.TenantID, orgs.Credentials{
		ApplicationID:         req.ApplicationID,
		ClientSecret:          req.ClientSecret,
		CertificateThumbprint: req.CertificateThumbprint,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org.Public())
}

// updateOrganization applies settings changes and, when requested, the
// activation flag. Organizations are deactivated, never deleted.
func (a *API) updateOrganization(w http.ResponseWriter, r *http.Request) {
	var req updateOrganizationRequest
	if err := decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	var (
		org *orgs.Organization
		err error
	)
	if req.Name != nil || req.ServiceTier != nil || req.ActiveUntil != nil || req.ClearActiveUntil || req.Settings != nil {
		org, err = a.deps.Orgs.UpdateSettings(r.Context(), actor(r), id, orgs.SettingsUpdate{
			Name:        req.Name,
			ServiceTier: req.ServiceTier,
			ActiveUntil: req.ActiveUntil,
			ClearUntil:  req.ClearActiveUntil,
			Settings:    req.Settings,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	if req.Active != nil {
		org, err = a.deps.Orgs.SetActive(r.Context(), actor(r), id, *req.Active)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	if org == nil {
		writeError(w, r, http.StatusBadRequest, "no changes requested")
		return
	}
	writeJSON(w, http.StatusOK, org.Public())
}
