package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ionsec/maes-platform-sub001/internal/access"
)

type createPrincipalRequest struct {
	OrganizationID string             `json:"organizationId"`
	Email          string             `json:"email" validate:"required,email"`
	DisplayName    string             `json:"displayName" validate:"max=200"`
	Password       string             `json:"password" validate:"required"`
	Role           access.Role        `json:"role" validate:"required"`
	Permissions    access.Permissions `json:"permissions"`
}

type setPermissionsRequest struct {
	Permissions access.Permissions `json:"permissions" validate:"required"`
}

func (a *API) createPrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if err := decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	orgID := req.OrganizationID
	if orgID == "" {
		orgID = actor(r).OrgID()
	}
	p, err := a.deps.Access.CreatePrincipal(r.Context(), actor(r), access.NewPrincipal{
		OrganizationID: orgID,
		Email:          req.Email,
		DisplayName:    req.DisplayName,
		Password:       req.Password,
		Role:           req.Role,
		Overrides:      req.Permissions,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/principals/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) listPrincipals(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organizationId")
	if orgID == "" {
		orgID = actor(r).OrgID()
	}
	list, err := a.deps.Access.ListPrincipals(r.Context(), actor(r), orgID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (a *API) setPermissions(w http.ResponseWriter, r *http.Request) {
	var req setPermissionsRequest
	if err := decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.deps.Access.SetPermissions(r.Context(), actor(r), chi.URLParam(r, "id"), req.Permissions)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) unlockPrincipal(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Access.Unlock(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
