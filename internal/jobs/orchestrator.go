// Package jobs owns the extraction/analysis job state machine: creation,
// dispatch to the worker queue, worker status callbacks, cancellation and
// progress reads.
package jobs

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ionsec/maes-platform-sub001/internal/access"
	"github.com/ionsec/maes-platform-sub001/internal/audit"
	"github.com/ionsec/maes-platform-sub001/internal/events"
	"github.com/ionsec/maes-platform-sub001/internal/ids"
	"github.com/ionsec/maes-platform-sub001/internal/obs"
	"github.com/ionsec/maes-platform-sub001/internal/orgs"
	"github.com/ionsec/maes-platform-sub001/internal/queue"
)

const tracerName = "github.com/ionsec/maes-platform-sub001/internal/jobs"

// ConnectivityTestType is the extraction type used by TestConnectivity.
const ConnectivityTestType = "connectivity_test"

// Defaults for the connectivity test wait.
const (
	DefaultConnectivityTimeout = 30 * time.Second
	DefaultPollInterval        = 500 * time.Millisecond
)

// progressStep is how far a running job's progress must move before the
// report is written to the store; smaller moves only reach the queue cache.
const progressStep = 10

// Authorizer is the subset of the access engine the orchestrator relies on.
type Authorizer interface {
	Authorize(ctx context.Context, id access.Identity, c access.Capability) error
	AuthorizeIn(ctx context.Context, id access.Identity, c access.Capability, organizationID string) error
	ResolveOrganizationScope(ctx context.Context, id access.Identity) (access.Scope, error)
}

// Organizations resolves an organization and its extraction prerequisites.
type Organizations interface {
	CheckExtractionReadiness(ctx context.Context, id string) (*orgs.Organization, error)
}

// Dispatcher is the subset of queue.Queue used for dispatch and progress.
type Dispatcher interface {
	Enqueue(ctx context.Context, topic string, env queue.Envelope) error
	Ack(ctx context.Context, topic, jobID string) (bool, error)
	Expired(ctx context.Context, topic string) ([]queue.Envelope, error)
	Remove(ctx context.Context, topic, jobID string) (bool, error)
	ReportProgress(ctx context.Context, p queue.Progress) error
	Progress(ctx context.Context, jobID string) (queue.Progress, bool, error)
	ClearProgress(ctx context.Context, jobID string) error
}

// Publisher fans events out to organization rooms.
type Publisher interface {
	Publish(organizationID, name string, payload any) int
}

// Orchestrator is safe for concurrent use. It holds no job state of its own;
// every transition is a conditional write against the Store.
type Orchestrator struct {
	store     Store
	authz     Authorizer
	orgs      Organizations
	queue     Dispatcher
	publisher Publisher
	trail     audit.Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
	validate  *validator.Validate
	now       func() time.Time
	retry     queue.RetryPolicy

	connectivityTimeout time.Duration
	pollInterval        time.Duration
}

type Option func(*Orchestrator)

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithAudit(r audit.Recorder) Option {
	return func(o *Orchestrator) { o.trail = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

func WithRetryPolicy(p queue.RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithConnectivity bounds how long TestConnectivity waits and how often it polls.
func WithConnectivity(timeout, poll time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.connectivityTimeout = timeout
		}
		if poll > 0 {
			o.pollInterval = poll
		}
	}
}

func New(store Store, authz Authorizer, directory Organizations, dispatcher Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:               store,
		authz:               authz,
		orgs:                directory,
		queue:               dispatcher,
		logger:              zap.NewNop(),
		tracer:              otel.Tracer(tracerName),
		validate:            newValidator(),
		now:                 time.Now,
		retry:               queue.DefaultRetryPolicy,
		connectivityTimeout: DefaultConnectivityTimeout,
		pollInterval:        DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "jobs"))
	return o
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (o *Orchestrator) check(req any) error {
	err := o.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fe.Field()+" failed "+fe.Tag())
		}
		return errors.Wrap(ErrInvalidInput, strings.Join(parts, "; "))
	}
	return errors.Wrap(ErrInvalidInput, err.Error())
}

func (o *Orchestrator) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "jobs."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ExtractionRequest describes a new extraction job.
type ExtractionRequest struct {
	OrganizationID string         `json:"organizationId"`
	Type           string         `json:"type" validate:"required,max=64"`
	StartDate      time.Time      `json:"startDate" validate:"required"`
	EndDate        time.Time      `json:"endDate" validate:"required,gtfield=StartDate"`
	Priority       Priority       `json:"priority"`
	Parameters     map[string]any `json:"parameters"`
}

// AnalysisRequest describes a new analysis job over a completed extraction.
type AnalysisRequest struct {
	ExtractionID   string         `json:"extractionId" validate:"required"`
	OrganizationID string         `json:"organizationId"`
	Type           string         `json:"type" validate:"required,max=64"`
	Priority       Priority       `json:"priority"`
	Parameters     map[string]any `json:"parameters"`
}

// StatusReport is a worker callback.
type StatusReport struct {
	Status      Status         `json:"status" validate:"required,oneof=running completed failed"`
	Progress    *int           `json:"progress" validate:"omitempty,min=0,max=100"`
	Message     string         `json:"message"`
	OutputFiles []OutputFile   `json:"outputFiles"`
	Statistics  map[string]any `json:"statistics"`
	Error       string         `json:"error"`
}

// CreateExtraction persists a pending extraction and hands it to the queue.
// The organization must be fully onboarded; otherwise an
// *orgs.ConfigurationError naming the missing fields is returned and nothing
// is persisted.
func (o *Orchestrator) CreateExtraction(ctx context.Context, actor access.Identity, req ExtractionRequest) (job *Job, err error) {
	ctx, span := o.span(ctx, "CreateExtraction", attribute.String("organization_id", req.OrganizationID))
	defer func() { endSpan(span, err) }()

	if actor == nil {
		return nil, access.ErrUnauthenticated
	}
	if err := o.check(req); err != nil {
		return nil, err
	}
	priority, err := ParsePriority(string(req.Priority))
	if err != nil {
		return nil, err
	}
	orgID := req.OrganizationID
	if orgID == "" {
		orgID = actor.OrgID()
	}
	if orgID == "" {
		return nil, errors.Wrap(ErrInvalidInput, "organizationId is required")
	}
	if err := o.authz.AuthorizeIn(ctx, actor, access.CapManageExtractions, orgID); err != nil {
		return nil, err
	}
	org, err := o.orgs.CheckExtractionReadiness(ctx, orgID)
	if err != nil {
		if cfg, ok := orgs.AsConfigurationError(err); ok {
			o.logger.Warn("extraction rejected",
				zap.String("organization_id", orgID),
				zap.Strings("missing", cfg.Missing))
		}
		return nil, err
	}

	now := o.now().UTC()
	start, end := req.StartDate.UTC(), req.EndDate.UTC()
	job = &Job{
		ID:             ids.NewWithPrefix(KindExtraction.idPrefix()),
		OrganizationID: orgID,
		Kind:           KindExtraction,
		Type:           req.Type,
		Priority:       priority,
		Status:         StatusPending,
		Parameters:     cloneMap(req.Parameters),
		StartDate:      &start,
		EndDate:        &end,
		TriggeredBy:    actor.Subject(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return nil, errors.Wrap(err, "persist extraction")
	}
	obs.JobTransitions.WithLabelValues(string(job.Kind), string(job.Status)).Inc()

	env := o.envelope(job)
	env.Parameters["startDate"] = start.Format(time.RFC3339)
	env.Parameters["endDate"] = end.Format(time.RFC3339)
	env.Credentials = credentialBundle(org)
	if err := o.dispatch(ctx, job, env); err != nil {
		o.record(ctx, actor, job, "extraction.create", map[string]any{"type": job.Type, "priority": string(job.Priority), "dispatched": false})
		return job, err
	}

	o.record(ctx, actor, job, "extraction.create", map[string]any{"type": job.Type, "priority": string(job.Priority)})
	o.publish(job, job.Kind.startedEvent())
	o.logger.Info("extraction created",
		zap.String("job_id", job.ID),
		zap.String("organization_id", orgID),
		zap.String("priority", string(priority)))
	return job, nil
}

// CreateAnalysis persists a pending analysis over a completed extraction.
// Humans need run-analysis; the service channel needs create-internal-jobs
// and its jobs are flagged auto-triggered.
func (o *Orchestrator) CreateAnalysis(ctx context.Context, actor access.Identity, req AnalysisRequest) (job *Job, err error) {
	ctx, span := o.span(ctx, "CreateAnalysis", attribute.String("extraction_id", req.ExtractionID))
	defer func() { endSpan(span, err) }()

	if actor == nil {
		return nil, access.ErrUnauthenticated
	}
	if err := o.check(req); err != nil {
		return nil, err
	}
	priority, err := ParsePriority(string(req.Priority))
	if err != nil {
		return nil, err
	}
	service := actor.Kind() == access.KindService
	capability := access.CapRunAnalysis
	if service {
		capability = access.CapCreateInternalJobs
	}
	if err := o.authz.Authorize(ctx, actor, capability); err != nil {
		return nil, err
	}
	scope, err := o.authz.ResolveOrganizationScope(ctx, actor)
	if err != nil {
		return nil, err
	}

	extraction, err := o.store.Get(ctx, req.ExtractionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errors.Wrapf(ErrInvalidState, "extraction %s does not exist", req.ExtractionID)
		}
		return nil, err
	}
	switch {
	case extraction.Kind != KindExtraction:
		return nil, errors.Wrapf(ErrInvalidState, "job %s is not an extraction", extraction.ID)
	case !scope.Contains(extraction.OrganizationID):
		return nil, errors.Wrapf(ErrInvalidState, "extraction %s does not exist", extraction.ID)
	case req.OrganizationID != "" && req.OrganizationID != extraction.OrganizationID:
		return nil, errors.Wrapf(ErrInvalidState, "extraction %s belongs to another organization", extraction.ID)
	case extraction.Status != StatusCompleted:
		return nil, errors.Wrapf(ErrInvalidState, "extraction %s is %s, not completed", extraction.ID, extraction.Status)
	}

	now := o.now().UTC()
	job = &Job{
		ID:             ids.NewWithPrefix(KindAnalysis.idPrefix()),
		OrganizationID: extraction.OrganizationID,
		Kind:           KindAnalysis,
		Type:           req.Type,
		Priority:       priority,
		Status:         StatusPending,
		Parameters:     cloneMap(req.Parameters),
		ExtractionID:   extraction.ID,
		AutoTriggered:  service,
		TriggeredBy:    actor.Subject(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return nil, errors.Wrap(err, "persist analysis")
	}
	obs.JobTransitions.WithLabelValues(string(job.Kind), string(job.Status)).Inc()

	env := o.envelope(job)
	env.Parameters["extractionId"] = extraction.ID
	if err := o.dispatch(ctx, job, env); err != nil {
		o.record(ctx, actor, job, "analysis.create", map[string]any{"type": job.Type, "extractionId": extraction.ID, "dispatched": false})
		return job, err
	}

	o.record(ctx, actor, job, "analysis.create", map[string]any{
		"type":          job.Type,
		"extractionId":  extraction.ID,
		"autoTriggered": service,
	})
	o.publish(job, job.Kind.startedEvent())
	return job, nil
}

func (o *Orchestrator) envelope(job *Job) queue.Envelope {
	params := cloneMap(job.Parameters)
	if params == nil {
		params = make(map[string]any)
	}
	return queue.Envelope{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		Kind:           string(job.Kind),
		Type:           job.Type,
		Priority:       string(job.Priority),
		Weight:         job.Priority.Weight(),
		Parameters:     params,
		Retry:          o.retry,
	}
}

func credentialBundle(org *orgs.Organization) map[string]string {
	out := map[string]string{
		"tenantId":      org.TenantID,
		"applicationId": org.Credentials.ApplicationID,
	}
	if org.Credentials.ClientSecret != "" {
		out["clientSecret"] = org.Credentials.ClientSecret
	}
	if org.Credentials.CertificateThumbprint != "" {
		out["certificateThumbprint"] = org.Credentials.CertificateThumbprint
	}
	return out
}

// dispatch enqueues env. A job the queue refuses is failed so it never sits
// pending without a queue entry.
func (o *Orchestrator) dispatch(ctx context.Context, job *Job, env queue.Envelope) error {
	err := o.queue.Enqueue(ctx, job.Kind.Topic(), env)
	if err == nil {
		obs.JobsEnqueued.WithLabelValues(string(job.Kind), string(job.Priority)).Inc()
		return nil
	}
	o.logger.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))

	now := o.now().UTC()
	msg := "dispatch failed: " + err.Error()
	failed, terr := o.store.Transition(context.WithoutCancel(ctx), job.ID, []Status{StatusPending}, Update{
		Status:       StatusFailed,
		CompletedAt:  &now,
		ErrorMessage: &msg,
		UpdatedAt:    now,
	})
	if terr != nil {
		o.logger.Error("fail undispatched job", zap.String("job_id", job.ID), zap.Error(terr))
	} else {
		*job = *failed
		obs.JobTransitions.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	}
	return errors.Mark(errors.Wrapf(err, "enqueue %s", job.ID), ErrDispatch)
}

// ReportStatus applies a worker callback. Only the service identity may call
// it. Callbacks for terminal jobs change nothing and return ErrConflict.
func (o *Orchestrator) ReportStatus(ctx context.Context, caller access.Identity, id string, report StatusReport) (job *Job, err error) {
	ctx, span := o.span(ctx, "ReportStatus",
		attribute.String("job_id", id),
		attribute.String("status", string(report.Status)))
	defer func() { endSpan(span, err) }()

	if caller == nil {
		return nil, access.ErrUnauthenticated
	}
	if err := o.authz.Authorize(ctx, caller, access.CapReportJobStatus); err != nil {
		return nil, err
	}
	if err := o.check(report); err != nil {
		return nil, err
	}
	current, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		o.logger.Info("late status callback ignored",
			zap.String("job_id", id),
			zap.String("status", string(current.Status)),
			zap.String("reported", string(report.Status)))
		return current, errors.Wrapf(ErrConflict, "job %s is already %s", id, current.Status)
	}

	now := o.now().UTC()
	switch report.Status {
	case StatusRunning:
		if current.Status == StatusRunning {
			return o.progress(ctx, current, report, now)
		}
		progress := 0
		if report.Progress != nil {
			progress = *report.Progress
		}
		job, err = o.transition(ctx, current, []Status{StatusPending}, Update{
			Status:    StatusRunning,
			Progress:  &progress,
			StartedAt: &now,
			UpdatedAt: now,
		})
	case StatusCompleted:
		full := 100
		u := Update{
			Status:          StatusCompleted,
			Progress:        &full,
			CompletedAt:     &now,
			OutputFiles:     report.OutputFiles,
			Statistics:      report.Statistics,
			ItemsExtracted:  deriveItemsExtracted(report.Statistics),
			DurationSeconds: duration(current, now),
			UpdatedAt:       now,
		}
		if u.OutputFiles == nil {
			u.OutputFiles = []OutputFile{}
		}
		job, err = o.transition(ctx, current, []Status{StatusPending, StatusRunning}, u)
	case StatusFailed:
		msg := report.Error
		if msg == "" {
			msg = report.Message
		}
		if msg == "" {
			msg = "job failed"
		}
		job, err = o.transition(ctx, current, []Status{StatusPending, StatusRunning}, Update{
			Status:          StatusFailed,
			CompletedAt:     &now,
			ErrorMessage:    &msg,
			Statistics:      report.Statistics,
			DurationSeconds: duration(current, now),
			UpdatedAt:       now,
		})
	}
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return o.reloadConflict(ctx, id, err)
		}
		return nil, err
	}

	if job.Status.Terminal() {
		if _, aerr := o.queue.Ack(ctx, job.Kind.Topic(), job.ID); aerr != nil {
			o.logger.Warn("ack queue lease", zap.String("job_id", job.ID), zap.Error(aerr))
		}
		if cerr := o.queue.ClearProgress(ctx, job.ID); cerr != nil {
			o.logger.Warn("clear progress cache", zap.String("job_id", job.ID), zap.Error(cerr))
		}
	}
	detail := map[string]any{"status": string(job.Status), "from": string(current.Status)}
	if job.ItemsExtracted != nil {
		detail["itemsExtracted"] = *job.ItemsExtracted
	}
	if job.Status == StatusFailed {
		detail["error"] = job.ErrorMessage
	}
	o.record(ctx, caller, job, string(job.Kind)+".status", detail)
	o.publish(job, job.Kind.updatedEvent())
	return job, nil
}

// progress handles running→running reports. The queue cache always gets the
// report; the store only when progress moved by at least progressStep.
func (o *Orchestrator) progress(ctx context.Context, current *Job, report StatusReport, now time.Time) (*Job, error) {
	if report.Progress == nil {
		return current, nil
	}
	p := *report.Progress
	if err := o.queue.ReportProgress(ctx, queue.Progress{
		JobID:     current.ID,
		Percent:   p,
		Message:   report.Message,
		UpdatedAt: now,
	}); err != nil {
		o.logger.Warn("cache progress", zap.String("job_id", current.ID), zap.Error(err))
	}

	job := current.Clone()
	job.Progress = p
	job.UpdatedAt = now
	if abs(p-current.Progress) >= progressStep {
		persisted, err := o.store.Transition(ctx, current.ID, []Status{StatusRunning}, Update{
			Status:    StatusRunning,
			Progress:  &p,
			UpdatedAt: now,
		})
		if err != nil {
			if errors.Is(err, ErrStaleState) {
				return o.reloadConflict(ctx, current.ID, err)
			}
			return nil, err
		}
		job = persisted
	}
	o.publish(job, job.Kind.updatedEvent())
	return job, nil
}

func (o *Orchestrator) transition(ctx context.Context, current *Job, from []Status, u Update) (*Job, error) {
	job, err := o.store.Transition(ctx, current.ID, from, u)
	if err != nil {
		return nil, err
	}
	obs.JobTransitions.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	o.logger.Info("job transition",
		zap.String("job_id", job.ID),
		zap.String("from", string(current.Status)),
		zap.String("to", string(job.Status)))
	return job, nil
}

// reloadConflict reports a callback that lost a race with another terminal write.
func (o *Orchestrator) reloadConflict(ctx context.Context, id string, cause error) (*Job, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return job, errors.Mark(errors.Wrapf(cause, "job %s", id), ErrConflict)
}

// Cancel moves a pending or running job to cancelled and removes any queue
// entry not yet handed to a worker. A worker already holding the job is not
// interrupted.
func (o *Orchestrator) Cancel(ctx context.Context, actor access.Identity, id string) (job *Job, err error) {
	ctx, span := o.span(ctx, "Cancel", attribute.String("job_id", id))
	defer func() { endSpan(span, err) }()

	if actor == nil {
		return nil, access.ErrUnauthenticated
	}
	current, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.authz.AuthorizeIn(ctx, actor, current.Kind.Capability(), current.OrganizationID); err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, errors.Wrapf(ErrInvalidState, "job %s is already %s", id, current.Status)
	}

	now := o.now().UTC()
	job, err = o.transition(ctx, current, []Status{StatusPending, StatusRunning}, Update{
		Status:          StatusCancelled,
		CompletedAt:     &now,
		DurationSeconds: duration(current, now),
		UpdatedAt:       now,
	})
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil, errors.Mark(errors.Wrapf(err, "cancel %s", id), ErrInvalidState)
		}
		return nil, err
	}

	removed, rerr := o.queue.Remove(ctx, job.Kind.Topic(), job.ID)
	if rerr != nil {
		o.logger.Warn("remove queue entry", zap.String("job_id", job.ID), zap.Error(rerr))
	}
	if cerr := o.queue.ClearProgress(ctx, job.ID); cerr != nil {
		o.logger.Warn("clear progress cache", zap.String("job_id", job.ID), zap.Error(cerr))
	}
	o.record(ctx, actor, job, string(job.Kind)+".cancel", map[string]any{
		"from":     string(current.Status),
		"dequeued": removed,
	})
	o.publish(job, events.JobCancelled)
	return job, nil
}

// Get returns a job inside the caller's scope. Jobs outside it are reported
// as not found.
func (o *Orchestrator) Get(ctx context.Context, actor access.Identity, id string) (*Job, error) {
	if actor == nil {
		return nil, access.ErrUnauthenticated
	}
	if err := o.authz.Authorize(ctx, actor, access.CapViewReports); err != nil {
		return nil, err
	}
	scope, err := o.authz.ResolveOrganizationScope(ctx, actor)
	if err != nil {
		return nil, err
	}
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !scope.Contains(job.OrganizationID) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return job, nil
}

// ListQuery filters a job listing.
type ListQuery struct {
	Kind             Kind
	Status           Status
	OrganizationID   string
	AllOrganizations bool
	Limit            int
	Offset           int
}

// List returns jobs visible to the caller. By default only the caller's own
// organization is listed; AllOrganizations widens to the resolved scope and
// never beyond it.
func (o *Orchestrator) List(ctx context.Context, actor access.Identity, q ListQuery) ([]*Job, error) {
	if actor == nil {
		return nil, access.ErrUnauthenticated
	}
	if err := o.authz.Authorize(ctx, actor, access.CapViewReports); err != nil {
		return nil, err
	}
	if q.Kind != "" && !q.Kind.Valid() {
		return nil, errors.Wrapf(ErrInvalidInput, "unknown kind %q", q.Kind)
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, errors.Wrapf(ErrInvalidInput, "unknown status %q", q.Status)
	}
	scope, err := o.authz.ResolveOrganizationScope(ctx, actor)
	if err != nil {
		return nil, err
	}

	f := ListFilter{Kind: q.Kind, Status: q.Status, Limit: q.Limit, Offset: q.Offset}
	switch {
	case q.OrganizationID != "":
		if !scope.Contains(q.OrganizationID) {
			return []*Job{}, nil
		}
		f.OrganizationIDs = []string{q.OrganizationID}
	case q.AllOrganizations || actor.OrgID() == "":
		if scope.Unrestricted() {
			f.Unscoped = true
		} else {
			f.OrganizationIDs = scope.IDs()
		}
	default:
		f.OrganizationIDs = []string{actor.OrgID()}
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return o.store.List(ctx, f)
}

// GetProgress returns the job's progress, preferring a newer in-flight report
// from the queue cache over the stored value while the job is running.
func (o *Orchestrator) GetProgress(ctx context.Context, actor access.Identity, id string) (ProgressSnapshot, error) {
	job, err := o.Get(ctx, actor, id)
	if err != nil {
		return ProgressSnapshot{}, err
	}
	return o.mergeProgress(ctx, job), nil
}

func (o *Orchestrator) mergeProgress(ctx context.Context, job *Job) ProgressSnapshot {
	snap := ProgressSnapshot{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		UpdatedAt: job.UpdatedAt,
		Source:    "store",
	}
	if job.Status != StatusRunning {
		return snap
	}
	p, ok, err := o.queue.Progress(ctx, job.ID)
	if err != nil {
		o.logger.Warn("read progress cache", zap.String("job_id", job.ID), zap.Error(err))
		return snap
	}
	if ok && p.UpdatedAt.After(snap.UpdatedAt) {
		snap.Progress = p.Percent
		snap.Message = p.Message
		snap.UpdatedAt = p.UpdatedAt
		snap.Source = "queue"
	}
	return snap
}

// TestConnectivity dispatches a critical connectivity_test extraction and
// waits for it to finish. It returns ErrTimeout, along with the job as last
// seen, when the worker does not finish within the configured bound.
func (o *Orchestrator) TestConnectivity(ctx context.Context, actor access.Identity, organizationID string) (job *Job, err error) {
	ctx, span := o.span(ctx, "TestConnectivity", attribute.String("organization_id", organizationID))
	defer func() { endSpan(span, err) }()

	now := o.now().UTC()
	job, err = o.CreateExtraction(ctx, actor, ExtractionRequest{
		OrganizationID: organizationID,
		Type:           ConnectivityTestType,
		StartDate:      now.Add(-time.Hour),
		EndDate:        now,
		Priority:       PriorityCritical,
		Parameters:     map[string]any{"connectivityTest": true},
	})
	if err != nil {
		return job, err
	}

	wait, cancel := context.WithTimeout(ctx, o.connectivityTimeout)
	defer cancel()
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		current, err := o.store.Get(ctx, job.ID)
		if err != nil {
			return job, err
		}
		job = current
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-wait.Done():
			if ctx.Err() != nil {
				return job, ctx.Err()
			}
			o.logger.Warn("connectivity test timed out",
				zap.String("job_id", job.ID),
				zap.Duration("timeout", o.connectivityTimeout))
			return job, errors.Wrapf(ErrTimeout, "connectivity test %s after %s", job.ID, o.connectivityTimeout)
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, actor access.Identity, job *Job, action string, detail map[string]any) {
	if o.trail == nil {
		return
	}
	o.trail.Record(ctx, audit.Entry{
		PrincipalID:    actor.Subject(),
		OrganizationID: job.OrganizationID,
		Category:       audit.CategoryJob,
		Action:         action,
		ResourceType:   string(job.Kind),
		ResourceID:     job.ID,
		Detail:         detail,
	})
}

// publish runs after the durable write; a failed or dropped delivery never
// affects the operation.
func (o *Orchestrator) publish(job *Job, name string) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(job.OrganizationID, name, eventPayload(job))
}

func eventPayload(job *Job) map[string]any {
	p := map[string]any{
		"jobId":    job.ID,
		"kind":     string(job.Kind),
		"type":     job.Type,
		"status":   string(job.Status),
		"progress": job.Progress,
		"priority": string(job.Priority),
	}
	if job.ItemsExtracted != nil {
		p["itemsExtracted"] = *job.ItemsExtracted
	}
	if job.ErrorMessage != "" {
		p["errorMessage"] = job.ErrorMessage
	}
	if job.ExtractionID != "" {
		p["extractionId"] = job.ExtractionID
	}
	return p
}

func duration(job *Job, end time.Time) *float64 {
	start := job.CreatedAt
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	d := end.Sub(start).Seconds()
	if d < 0 {
		d = 0
	}
	return &d
}

// deriveItemsExtracted normalizes worker statistics into one count. Known
// total keys win in order; otherwise numeric values are summed.
func deriveItemsExtracted(stats map[string]any) *int64 {
	if len(stats) == 0 {
		return nil
	}
	for _, key := range []string{"totalItems", "itemsExtracted", "total_events"} {
		if v, ok := stats[key]; ok {
			if n, ok := toInt64(v); ok {
				return &n
			}
		}
	}
	var sum int64
	found := false
	for _, v := range stats {
		if n, ok := toInt64(v); ok {
			sum += n
			found = true
		}
	}
	if !found {
		return nil
	}
	return &sum
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
