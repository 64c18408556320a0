package httpapi

import (
	"net/http"
	"time"

	"github.com/ionsec/maes-platform-sub001/internal/access"
	"github.com/ionsec/maes-platform-sub001/internal/audit"
)

// listAudit returns trail entries inside the caller's organization scope.
func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	id := actor(r)
	if err := a.deps.Access.Authorize(r.Context(), id, access.CapViewAuditLogs); err != nil {
		writeDomainError(w, r, err)
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt("limit", q.Get("limit"), audit.DefaultListLimit, 1, audit.MaxListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := audit.Filter{
		Category:    audit.Category(q.Get("category")),
		Action:      q.Get("action"),
		PrincipalID: q.Get("principalId"),
		Limit:       limit,
	}
	if raw := q.Get("since"); raw != "" {
		f.Since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
	}

	scope, err := a.deps.Access.ResolveOrganizationScope(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	switch orgID := q.Get("organizationId"); {
	case orgID != "":
		if !scope.Contains(orgID) {
			writeJSON(w, http.StatusOK, map[string]any{"items": []audit.Entry{}})
			return
		}
		f.OrganizationIDs = []string{orgID}
	case scope.Unrestricted():
		f.Unscoped = true
	default:
		f.OrganizationIDs = scope.IDs()
	}

	entries, err := a.deps.Audit.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}
