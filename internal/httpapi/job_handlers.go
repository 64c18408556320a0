package httpapi

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/ionsec/maes-platform-sub001/internal/jobs"
)

type jobListResponse struct {
	Items  []*jobs.Job `json:"items"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func (a *API) createExtraction(w http.ResponseWriter, r *http.Request) {
	var req jobs.ExtractionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	job, err := a.deps.Jobs.CreateExtraction(r.Context(), actor(r), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/extractions/"+job.ID)
	writeJSON(w, http.StatusCreated, job)
}

func (a *API) createAnalysis(w http.ResponseWriter, r *http.Request) {
	var req jobs.AnalysisRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	job, err := a.deps.Jobs.CreateAnalysis(r.Context(), actor(r), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/analysis/"+job.ID)
	writeJSON(w, http.StatusCreated, job)
}

// createInternalAnalysis is the worker-triggered follow-up to a completed extraction.
func (a *API) createInternalAnalysis(w http.ResponseWriter, r *http.Request) {
	a.createAnalysis(w, r)
}

func (a *API) reportStatus(w http.ResponseWriter, r *http.Request) {
	var report jobs.StatusReport
	if err := decodeJSON(w, r, &report); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	job, err := a.deps.Jobs.ReportStatus(r.Context(), actor(r), chi.URLParam(r, "id"), report)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) listJobs(kind jobs.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := parsePositiveInt("limit", q.Get("limit"), jobs.DefaultListLimit, 1, jobs.MaxListLimit)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		offset, err := parsePositiveInt("offset", q.Get("offset"), 0, 0, 1_000_000)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		all := false
		if raw := q.Get("allOrganizations"); raw != "" {
			all, err = strconv.ParseBool(raw)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "allOrganizations must be a boolean")
				return
			}
		}
		list, err := a.deps.Jobs.List(r.Context(), actor(r), jobs.ListQuery{
			Kind:             kind,
			Status:           jobs.Status(q.Get("status")),
			OrganizationID:   q.Get("organizationId"),
			AllOrganizations: all,
			Limit:            limit,
			Offset:           offset,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, jobListResponse{Items: list, Limit: limit, Offset: offset})
	}
}

// loadJob fetches a job through the route's kind; a job of the other kind is
// reported as missing.
func (a *API) loadJob(r *http.Request, kind jobs.Kind) (*jobs.Job, error) {
	job, err := a.deps.Jobs.Get(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if job.Kind != kind {
		return nil, errors.Wrapf(jobs.ErrNotFound, "%s %s", kind, job.ID)
	}
	return job, nil
}

func (a *API) getJob(kind jobs.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := a.loadJob(r, kind)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (a *API) cancelJob(kind jobs.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.loadJob(r, kind); err != nil {
			writeDomainError(w, r, err)
			return
		}
		job, err := a.deps.Jobs.Cancel(r.Context(), actor(r), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (a *API) jobProgress(kind jobs.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.loadJob(r, kind); err != nil {
			writeDomainError(w, r, err)
			return
		}
		snap, err := a.deps.Jobs.GetProgress(r.Context(), actor(r), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (a *API) testConnectivity(w http.ResponseWriter, r *http.Request) {
	job, err := a.deps.Jobs.TestConnectivity(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		status, body := classify(err)
		if job != nil && errors.Is(err, jobs.ErrTimeout) {
			body.Job = job
		}
		if status == http.StatusInternalServerError {
			writeDomainError(w, r, err)
			return
		}
		writeErrorBody(w, r, status, body)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
