// Package httpapi exposes the orchestration API over HTTP: job and
// organization management for principals, the internal status channel for
// workers, live event streams and health endpoints.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ionsec/maes-platform-sub001/internal/access"
	"github.com/ionsec/maes-platform-sub001/internal/audit"
	"github.com/ionsec/maes-platform-sub001/internal/events"
	"github.com/ionsec/maes-platform-sub001/internal/jobs"
	"github.com/ionsec/maes-platform-sub001/internal/obs"
	"github.com/ionsec/maes-platform-sub001/internal/orgs"
)

const serviceName = "maes-api"

// Pinger is anything readiness can probe, such as the job queue.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the backing services. Nil members are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Queue Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Queue != nil {
		return rp.Queue.Ping(ctx)
	}
	return nil
}

// Deps are the services the API fronts.
type Deps struct {
	Access *access.Engine
	Orgs   *orgs.Directory
	Jobs   *jobs.Orchestrator
	Audit  *audit.Trail
	Events *events.Broadcaster
	Ready  ReadyProbe
}

// API is the HTTP layer.
type API struct {
	deps    Deps
	version string
	logger  *zap.Logger

	rateBurst    int
	ratePerSec   float64
	corsOrigins  []string
	maxBodyBytes int64
	eventPing    time.Duration
}

type Option func(*API)

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(deps Deps, opts ...Option) *API {
	a := &API{
		deps:         deps,
		version:      "dev",
		logger:       obs.Logger(),
		rateBurst:    40,
		ratePerSec:   20,
		maxBodyBytes: 1 << 20,
		eventPing:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler builds the routed and instrumented handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.corsOrigins))
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBodyBytes) })
	r.Use(rejectServiceHeaderOutsideInternal)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())
	r.Post("/v1/auth/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(a.requireHuman)

		r.Route("/v1/extractions", func(r chi.Router) {
			r.Get("/", a.listJobs(jobs.KindExtraction))
			r.Post("/", a.createExtraction)
			r.Get("/{id}", a.getJob(jobs.KindExtraction))
			r.Post("/{id}/cancel", a.cancelJob(jobs.KindExtraction))
			r.Get("/{id}/progress", a.jobProgress(jobs.KindExtraction))
		})
		r.Route("/v1/analysis", func(r chi.Router) {
			r.Get("/", a.listJobs(jobs.KindAnalysis))
			r.Post("/", a.createAnalysis)
			r.Get("/{id}", a.getJob(jobs.KindAnalysis))
			r.Post("/{id}/cancel", a.cancelJob(jobs.KindAnalysis))
			r.Get("/{id}/progress", a.jobProgress(jobs.KindAnalysis))
		})
		r.Route("/v1/organizations", func(r chi.Router) {
			r.Get("/", a.listOrganizations)
			r.Post("/", a.onboardOrganization)
			r.Get("/{id}", a.getOrganization)
			r.Patch("/{id}", a.updateOrganization)
			r.Put("/{id}/credentials", a.updateCredentials)
			r.Get("/{id}/clients", a.listClients)
			r.Post("/{id}/connectivity-test", a.testConnectivity)
		})
		r.Route("/v1/principals", func(r chi.Router) {
			r.Get("/", a.listPrincipals)
			r.Post("/", a.createPrincipal)
			r.Put("/{id}/permissions", a.setPermissions)
			r.Post("/{id}/unlock", a.unlockPrincipal)
		})
		r.Get("/v1/audit", a.listAudit)
		r.Get("/v1/events/ws", a.eventsWebsocket)
		r.Get("/v1/events/stream", a.eventsStream)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(a.requireService)
		r.Put("/jobs/{id}/status", a.reportStatus)
		r.Post("/analysis", a.createInternalAnalysis)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	return obs.Instrument(r)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
