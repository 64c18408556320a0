package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionsec/maes-platform-sub001/internal/access"
	"github.com/ionsec/maes-platform-sub001/internal/audit"
	"github.com/ionsec/maes-platform-sub001/internal/events"
	"github.com/ionsec/maes-platform-sub001/internal/orgs"
	"github.com/ionsec/maes-platform-sub001/internal/queue"
)

type fixture struct {
	orch   *Orchestrator
	store  *MemoryStore
	queue  *queue.Memory
	bus    *events.Broadcaster
	trail  *audit.MemoryStore
	orgs   *orgs.MemoryStore
	engine *access.Engine

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func ready(id, name string, tier orgs.Tier, parent string) *orgs.Organization {
	return &orgs.Organization{
		ID:          id,
		Name:        name,
		Tier:        tier,
		ParentID:    parent,
		TenantID:    "tenant-" + id,
		Active:      true,
		Credentials: orgs.Credentials{ApplicationID: "app-" + id, ClientSecret: "secret-" + id},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		bus:   events.New(),
		trail: audit.NewMemoryStore(),
		orgs:  orgs.NewMemoryStore(),
		now:   time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
	}
	f.queue = queue.NewMemory(f.clock)
	ctx := context.Background()
	for _, o := range []*orgs.Organization{
		ready("org_mssp", "Shield", orgs.TierMSSP, ""),
		ready("org_a", "Acme", orgs.TierClient, "org_mssp"),
		ready("org_b", "Bolt", orgs.TierClient, "org_mssp"),
		ready("org_solo", "Solo", orgs.TierStandalone, ""),
		{ID: "org_raw", Name: "Raw", Tier: orgs.TierStandalone, Active: true},
	} {
		require.NoError(t, f.orgs.Create(ctx, o))
	}

	trail := audit.NewTrail(f.trail)
	engine, err := access.NewEngine(access.NewMemoryStore(), orgs.NewTenancy(f.orgs, f.clock),
		access.WithAudit(trail), access.WithClock(f.clock))
	require.NoError(t, err)
	f.engine = engine
	directory := orgs.NewDirectory(f.orgs, engine, trail, orgs.WithClock(f.clock))

	base := []Option{WithPublisher(f.bus), WithAudit(trail), WithClock(f.clock)}
	f.orch = New(f.store, engine, directory, f.queue, append(base, opts...)...)
	return f
}

func member(org string, role access.Role) *access.Principal {
	perms, _ := access.DefaultRoleTable().Snapshot(role)
	return &access.Principal{ID: "usr_" + string(role) + "_" + org, OrganizationID: org, Role: role, Permissions: perms}
}

func worker() access.ServiceIdentity {
	perms, _ := access.DefaultRoleTable().Snapshot(access.RoleService)
	return access.ServiceIdentity{Name: "worker", Role: access.RoleService, Permissions: perms}
}

func (f *fixture) extraction(t *testing.T, actor access.Identity, org string, p Priority) *Job {
	t.Helper()
	now := f.clock()
	job, err := f.orch.CreateExtraction(context.Background(), actor, ExtractionRequest{
		OrganizationID: org,
		Type:           "unified_audit_log",
		StartDate:      now.Add(-24 * time.Hour),
		EndDate:        now,
		Priority:       p,
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) report(t *testing.T, id string, r StatusReport) *Job {
	t.Helper()
	job, err := f.orch.ReportStatus(context.Background(), worker(), id, r)
	require.NoError(t, err)
	return job
}

func (f *fixture) entries(t *testing.T, action string) []audit.Entry {
	t.Helper()
	out, err := f.trail.List(context.Background(), audit.Filter{Unscoped: true, Action: action})
	require.NoError(t, err)
	return out
}

func intp(v int) *int { return &v }

func TestCreateExtractionPersistsEnqueuesAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := f.bus.Subscribe(ctx)
	sub.Join("org_a")
	other := f.bus.Subscribe(ctx)
	other.Join("org_b")

	job := f.extraction(t, member("org_a", access.RoleClientAdmin), "org_a", PriorityHigh)
	require.Equal(t, StatusPending, job.Status)
	require.Equal(t, "ext", job.ID[:3])

	stored, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)

	env, err := f.queue.Dequeue(ctx, queue.TopicExtraction)
	require.NoError(t, err)
	require.Equal(t, job.ID, env.JobID)
	require.Equal(t, 2, env.Weight)
	require.Equal(t, queue.DefaultRetryPolicy, env.Retry)
	require.Equal(t, "tenant-org_a", env.Credentials["tenantId"])
	require.Equal(t, "secret-org_a", env.Credentials["clientSecret"])
	require.Contains(t, env.Parameters, "startDate")

	select {
	case ev := <-sub.Events():
		require.Equal(t, events.ExtractionStarted, ev.Name)
		require.Equal(t, "org_a", ev.OrganizationID)
	case <-time.After(time.Second):
		t.Fatal("no extraction.started event")
	}
	select {
	case ev := <-other.Events():
		t.Fatalf("org_b received %s", ev.Name)
	default:
	}

	require.Len(t, f.entries(t, "extraction.create"), 1)
}

func TestCreateExtractionDefaultsToCallerOrganization(t *testing.T) {
	f := newFixture(t)
	now := f.clock()
	job, err := f.orch.CreateExtraction(context.Background(), member("org_solo", access.RoleAnalyst), ExtractionRequest{
		Type:      "azure_signin_logs",
		StartDate: now.Add(-time.Hour),
		EndDate:   now,
	})
	require.NoError(t, err)
	require.Equal(t, "org_solo", job.OrganizationID)
	require.Equal(t, PriorityMedium, job.Priority)
}

func TestCreateExtractionValidatesInput(t *testing.T) {
	f := newFixture(t)
	admin := member("org_solo", access.RoleAdmin)
	now := f.clock()
	cases := map[string]ExtractionRequest{
		"equal dates":      {Type: "t", StartDate: now, EndDate: now},
		"reversed dates":   {Type: "t", StartDate: now, EndDate: now.Add(-time.Minute)},
		"missing type":     {StartDate: now.Add(-time.Hour), EndDate: now},
		"missing start":    {Type: "t", EndDate: now},
		"unknown priority": {Type: "t", StartDate: now.Add(-time.Hour), EndDate: now, Priority: "urgent"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.orch.CreateExtraction(context.Background(), admin, req)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	require.Equal(t, 0, f.queue.Len(queue.TopicExtraction))
}

func TestCreateExtractionRejectsIncompleteOrganization(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.CreateExtraction(context.Background(), member("org_raw", access.RoleAdmin), ExtractionRequest{
		Type:      "t",
		StartDate: f.clock().Add(-time.Hour),
		EndDate:   f.clock(),
	})
	cfg, ok := orgs.AsConfigurationError(err)
	require.True(t, ok, "got %v", err)
	require.ElementsMatch(t, []string{orgs.MissingApplicationID, orgs.MissingSecret, orgs.MissingTenantID}, cfg.Missing)

	jobs, err := f.store.List(context.Background(), ListFilter{Unscoped: true})
	require.NoError(t, err)
	require.Empty(t, jobs)
	require.Equal(t, 0, f.queue.Len(queue.TopicExtraction))
}

func TestCreateExtractionOutsideScopeIsForbidden(t *testing.T) {
	f := newFixture(t)
	now := f.clock()
	_, err := f.orch.CreateExtraction(context.Background(), member("org_a", access.RoleClientAdmin), ExtractionRequest{
		OrganizationID: "org_b",
		Type:           "t",
		StartDate:      now.Add(-time.Hour),
		EndDate:        now,
	})
	require.ErrorIs(t, err, access.ErrForbidden)
	require.Len(t, f.entries(t, "authorization.denied"), 1)
}

func TestDispatchOrderFollowsPriorityThenFIFO(t *testing.T) {
	f := newFixture(t)
	admin := member("org_solo", access.RoleAdmin)
	low := f.extraction(t, admin, "org_solo", PriorityLow)
	crit1 := f.extraction(t, admin, "org_solo", PriorityCritical)
	med := f.extraction(t, admin, "org_solo", PriorityMedium)
	crit2 := f.extraction(t, admin, "org_solo", PriorityCritical)

	var order []string
	for i := 0; i < 4; i++ {
		env, err := f.queue.Dequeue(context.Background(), queue.TopicExtraction)
		require.NoError(t, err)
		order = append(order, env.JobID)
	}
	require.Equal(t, []string{crit1.ID, crit2.ID, med.ID, low.ID}, order)
}

func TestWorkerLifecycle(t *testing.T) {
	f := newFixture(t)
	admin := member("org_solo", access.RoleAdmin)
	job := f.extraction(t, admin, "org_solo", PriorityMedium)
	ctx := context.Background()

	f.advance(time.Minute)
	running := f.report(t, job.ID, StatusReport{Status: StatusRunning})
	require.Equal(t, StatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)

	f.advance(time.Minute)
	f.report(t, job.ID, StatusReport{Status: StatusRunning, Progress: intp(5), Message: "fetching"})
	stored, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 0, stored.Progress, "small steps stay in the queue cache")

	snap, err := f.orch.GetProgress(ctx, admin, job.ID)
	require.NoError(t, err)
	require.Equal(t, 5, snap.Progress)
	require.Equal(t, "queue", snap.Source)
	require.Equal(t, "fetching", snap.Message)

	f.advance(time.Minute)
	f.report(t, job.ID, StatusReport{Status: StatusRunning, Progress: intp(40)})
	stored, err = f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 40, stored.Progress)

	f.advance(time.Minute)
	done := f.report(t, job.ID, StatusReport{
		Status:      StatusCompleted,
		OutputFiles: []OutputFile{{Name: "ual.json", Path: "/out/ual.json", Size: 1024}},
		Statistics:  map[string]any{"totalItems": float64(42), "signIns": float64(10)},
	})
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, 100, done.Progress)
	require.NotNil(t, done.ItemsExtracted)
	require.EqualValues(t, 42, *done.ItemsExtracted)
	require.NotNil(t, done.DurationSeconds)
	require.InDelta(t, 180, *done.DurationSeconds, 0.001)
	require.Len(t, done.OutputFiles, 1)

	_, ok, err := f.queue.Progress(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok, "terminal transition clears the progress cache")

	snap, err = f.orch.GetProgress(ctx, admin, job.ID)
	require.NoError(t, err)
	require.Equal(t, 100, snap.Progress)
	require.Equal(t, "store", snap.Source)

	_, err = f.orch.ReportStatus(ctx, worker(), job.ID, StatusReport{Status: StatusFailed, Error: "late"})
	require.ErrorIs(t, err, ErrConflict)
	after, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, done, after)
}

func TestReportFailureCapturesError(t *testing.T) {
	f := newFixture(t)
	job := f.extraction(t, member("org_solo", access.RoleAdmin), "org_solo", PriorityMedium)
	f.report(t, job.ID, StatusReport{Status: StatusRunning})
	failed := f.report(t, job.ID, StatusReport{Status: StatusFailed, Error: "AADSTS7000215: invalid client secret"})
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "AADSTS7000215: invalid client secret", failed.ErrorMessage)
	require.NotNil(t, failed.CompletedAt)
}

func TestCompletionReleasesQueueLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.extraction(t, member("org_solo", access.RoleAdmin), "org_solo", PriorityMedium)
	env, err := f.queue.Dequeue(ctx, queue.TopicExtraction)
	require.NoError(t, err)
	require.Equal(t, job.ID, env.JobID)

	f.report(t, job.ID, StatusReport{Status: StatusCompleted})
	f.advance(10 * time.Minute)
	_, err = f.queue.Dequeue(ctx, queue.TopicExtraction)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestLapsedLeasesRetryThenFailJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.extraction(t, member("org_solo", access.RoleAdmin), "org_solo", PriorityMedium)

	for attempt := 0; attempt < queue.DefaultRetryPolicy.Attempts; attempt++ {
		env, err := f.queue.Dequeue(ctx, queue.TopicExtraction)
		require.NoError(t, err)
		require.Equal(t, job.ID, env.JobID)
		require.Equal(t, attempt, env.Attempt)
		f.advance(10 * time.Minute)

		n, err := f.orch.ReapExpired(ctx)
		require.NoError(t, err)
		if attempt < queue.DefaultRetryPolicy.Attempts-1 {
			require.Zero(t, n, "lease is retried while attempts remain")
		} else {
			require.Equal(t, 1, n)
		}
	}

	failed, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	require.Contains(t, failed.ErrorMessage, "lease expired after 3 attempts")
	require.Len(t, f.entries(t, "extraction.status"), 1)

	_, err = f.queue.Dequeue(ctx, queue.TopicExtraction)
	require.ErrorIs(t, err, queue.ErrEmpty)
	n, err := f.orch.ReapExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCompleteAfterCancelIsConflict(t *testing.T) {
	f := newFixture(t)
	admin := member("org_solo", access.RoleAdmin)
	job := f.extraction(t, admin, "org_solo", PriorityMedium)
	f.report(t, job.ID, StatusReport{Status: StatusRunning})

	cancelled, err := f.orch.Cancel(context.Background(), admin, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.orch.ReportStatus(context.Background(), worker(), job.ID, StatusReport{
		Status:      StatusCompleted,
		OutputFiles: []OutputFile{{Name: "x"}},
		Statistics:  map[string]any{"totalItems": 1},
	})
	require.ErrorIs(t, err, ErrConflict)

	stored, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, stored.Status)
	require.Empty(t, stored.OutputFiles)
	require.Nil(t, stored.ItemsExtracted)
}

func TestClientViewerCannotCancel(t *testing.T) {
	f := newFixture(t)
	job := f.extraction(t, member("org_a", access.RoleClientAdmin), "org_a", PriorityMedium)

	_, err := f.orch.Cancel(context.Background(), member("org_a", access.RoleClientViewer), job.ID)
	require.ErrorIs(t, err, access.ErrForbidden)

	denials := f.entries(t, "authorization.denied")
	require.Len(t, denials, 1)
	require.Equal(t, string(access.CapManageExtractions), denials[0].Detail["capability"])

	stored, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
}

func TestCancelRemovesPendingQueueEntry(t *testing.T) {
	f := newFixture(t)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	admin := member("org_solo", access.RoleAdmin)
	job := f.extraction(t, admin, "org_solo", PriorityMedium)
	require.Equal(t, 1, f.queue.Len(queue.TopicExtraction))

	sub := f.bus.Subscribe(ctx)
	sub.Join("org_solo")

	_, err := f.orch.Cancel(ctx, admin, job.ID)
	require.NoError(t, err)
	require.Equal(t, 0, f.queue.Len(queue.TopicExtraction))
	require.Len(t, f.entries(t, "extraction.cancel"), 1)

	select {
	case ev := <-sub.Events():
		require.Equal(t, events.JobCancelled, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("no job.cancelled event")
	}

	_, err = f.orch.Cancel(ctx, admin, job.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelAndCompleteRaceHasOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		admin := member("org_solo", access.RoleAdmin)
		job := f.extraction(t, admin, "org_solo", PriorityMedium)
		f.report(t, job.ID, StatusReport{Status: StatusRunning})

		var wg sync.WaitGroup
		var cancelErr, completeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = f.orch.Cancel(context.Background(), admin, job.ID)
		}()
		go func() {
			defer wg.Done()
			_, completeErr = f.orch.ReportStatus(context.Background(), worker(), job.ID, StatusReport{Status: StatusCompleted})
		}()
		wg.Wait()

		stored, err := f.store.Get(context.Background(), job.ID)
		require.NoError(t, err)
		switch stored.Status {
		case StatusCancelled:
			require.NoError(t, cancelErr)
			require.ErrorIs(t, completeErr, ErrConflict)
		case StatusCompleted:
			require.NoError(t, completeErr)
			require.ErrorIs(t, cancelErr, ErrInvalidState)
		default:
			t.Fatalf("unexpected status %s", stored.Status)
		}
	}
}

func TestReportStatusRejectsHumanCallers(t *testing.T) {
	f := newFixture(t)
	admin := member("org_solo", access.RoleSuperAdmin)
	job := f.extraction(t, member("org_solo", access.RoleAdmin), "org_solo", PriorityMedium)
	_, err := f.orch.ReportStatus(context.Background(), admin, job.ID, StatusReport{Status: StatusCompleted})
	require.ErrorIs(t, err, access.ErrForbidden)
}

func TestReportStatusValidatesPayload(t *testing.T) {
	f := newFixture(t)
	job := f.extraction(t, member("org_solo", access.RoleAdmin), "org_solo", PriorityMedium)
	_, err := f.orch.ReportStatus(context.Background(), worker(), job.ID, StatusReport{Status: StatusCancelled})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.orch.ReportStatus(context.Background(), worker(), job.ID, StatusReport{Status: StatusRunning, Progress: intp(101)})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.orch.ReportStatus(context.Background(), worker(), "ext_missing", StatusReport{Status: StatusRunning})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAnalysisRequiresCompletedExtraction(t *testing.T) {
	admin := member("org_solo", access.RoleAdmin)
	setups := map[Status]func(t *testing.T, f *fixture, id string){
		StatusPending: func(*testing.T, *fixture, string) {},
		StatusRunning: func(t *testing.T, f *fixture, id string) {
			f.report(t, id, StatusReport{Status: StatusRunning})
		},
		StatusFailed: func(t *testing.T, f *fixture, id string) {
			f.report(t, id, StatusReport{Status: StatusFailed, Error: "boom"})
		},
		StatusCancelled: func(t *testing.T, f *fixture, id string) {
			_, err := f.orch.Cancel(context.Background(), admin, id)
			require.NoError(t, err)
		},
	}
	for status, setup := range setups {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			ext := f.extraction(t, admin, "org_solo", PriorityMedium)
			setup(t, f, ext.ID)
			_, err := f.orch.CreateAnalysis(context.Background(), admin, AnalysisRequest{ExtractionID: ext.ID, Type: "ual_analysis"})
			require.ErrorIs(t, err, ErrInvalidState)
		})
	}

	f := newFixture(t)
	ext := f.extraction(t, admin, "org_solo", PriorityMedium)
	f.report(t, ext.ID, StatusReport{Status: StatusCompleted})
	job, err := f.orch.CreateAnalysis(context.Background(), admin, AnalysisRequest{ExtractionID: ext.ID, Type: "ual_analysis", Priority: PriorityHigh})
	require.NoError(t, err)
	require.Equal(t, KindAnalysis, job.Kind)
	require.Equal(t, "org_solo", job.OrganizationID)
	require.Equal(t, ext.ID, job.ExtractionID)
	require.False(t, job.AutoTriggered)

	env, err := f.queue.Dequeue(context.Background(), queue.TopicAnalysis)
	require.NoError(t, err)
	require.Equal(t, job.ID, env.JobID)
	require.Equal(t, ext.ID, env.Parameters["extractionId"])
}

func TestCreateAnalysisScopeAndOrganization(t *testing.T) {
	f := newFixture(t)
	ext := f.extraction(t, member("org_a", access.RoleClientAdmin), "org_a", PriorityMedium)
	f.report(t, ext.ID, StatusReport{Status: StatusCompleted})

	_, err := f.orch.CreateAnalysis(context.Background(), member("org_b", access.RoleClientAnalyst), AnalysisRequest{ExtractionID: ext.ID, Type: "a"})
	require.ErrorIs(t, err, ErrInvalidState, "extraction of another client is invisible")

	_, err = f.orch.CreateAnalysis(context.Background(), member("org_a", access.RoleClientAnalyst), AnalysisRequest{ExtractionID: ext.ID, OrganizationID: "org_b", Type: "a"})
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.orch.CreateAnalysis(context.Background(), member("org_a", access.RoleClientViewer), AnalysisRequest{ExtractionID: ext.ID, Type: "a"})
	require.ErrorIs(t, err, access.ErrForbidden)

	_, err = f.orch.CreateAnalysis(context.Background(), member("org_a", access.RoleClientAnalyst), AnalysisRequest{ExtractionID: "ext_nope", Type: "a"})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestServiceCreatedAnalysisIsAutoTriggered(t *testing.T) {
	f := newFixture(t)
	ext := f.extraction(t, member("org_solo", access.RoleAdmin), "org_solo", PriorityMedium)
	f.report(t, ext.ID, StatusReport{Status: StatusCompleted})

	job, err := f.orch.CreateAnalysis(context.Background(), worker(), AnalysisRequest{ExtractionID: ext.ID, Type: "ual_analysis"})
	require.NoError(t, err)
	require.True(t, job.AutoTriggered)
	require.Equal(t, "service:worker", job.TriggeredBy)

	entries := f.entries(t, "analysis.create")
	require.Len(t, entries, 1)
	require.Equal(t, true, entries[0].Detail["autoTriggered"])
}

func TestListIsScoped(t *testing.T) {
	f := newFixture(t)
	msspAdmin := member("org_mssp", access.RoleMSSPAdmin)
	own := f.extraction(t, msspAdmin, "org_mssp", PriorityMedium)
	a := f.extraction(t, msspAdmin, "org_a", PriorityMedium)
	b := f.extraction(t, msspAdmin, "org_b", PriorityMedium)
	f.extraction(t, member("org_solo", access.RoleAdmin), "org_solo", PriorityMedium)
	ctx := context.Background()

	idsOf := func(list []*Job) []string {
		out := make([]string, 0, len(list))
		for _, j := range list {
			out = append(out, j.ID)
		}
		return out
	}

	list, err := f.orch.List(ctx, msspAdmin, ListQuery{AllOrganizations: true})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{own.ID, a.ID, b.ID}, idsOf(list))

	list, err = f.orch.List(ctx, msspAdmin, ListQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{own.ID}, idsOf(list))

	restricted := member("org_mssp", access.RoleMSSPAnalyst)
	restricted.Permissions[access.CapAccessAllClients] = false
	list, err = f.orch.List(ctx, restricted, ListQuery{AllOrganizations: true})
	require.NoError(t, err)
	require.Equal(t, []string{own.ID}, idsOf(list))

	clientA := member("org_a", access.RoleClientAdmin)
	list, err = f.orch.List(ctx, clientA, ListQuery{AllOrganizations: true})
	require.NoError(t, err)
	require.Equal(t, []string{a.ID}, idsOf(list))

	list, err = f.orch.List(ctx, clientA, ListQuery{OrganizationID: "org_b"})
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = f.orch.Get(ctx, clientA, b.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.orch.List(ctx, clientA, ListQuery{Status: "bogus"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

type brokenQueue struct {
	*queue.Memory
}

func (brokenQueue) Enqueue(context.Context, string, queue.Envelope) error {
	return errors.Wrap(queue.ErrUnavailable, "breaker open")
}

func TestDispatchFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	directory := orgs.NewDirectory(f.orgs, f.engine, nil, orgs.WithClock(f.clock))
	orch := New(f.store, f.engine, directory, brokenQueue{f.queue}, WithClock(f.clock))

	now := f.clock()
	job, err := orch.CreateExtraction(context.Background(), member("org_solo", access.RoleAdmin), ExtractionRequest{
		Type:      "t",
		StartDate: now.Add(-time.Hour),
		EndDate:   now,
	})
	require.ErrorIs(t, err, ErrDispatch)
	require.ErrorIs(t, err, queue.ErrUnavailable)
	require.NotNil(t, job)

	stored, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
	require.Contains(t, stored.ErrorMessage, "dispatch failed")
}

func TestConnectivityTestWaitsForWorker(t *testing.T) {
	f := newFixture(t, WithConnectivity(2*time.Second, 5*time.Millisecond))
	ctx := context.Background()

	go func() {
		for {
			env, err := f.queue.Dequeue(ctx, queue.TopicExtraction)
			if err != nil {
				time.Sleep(time.Millisecond)
				continue
			}
			_, _ = f.orch.ReportStatus(ctx, worker(), env.JobID, StatusReport{Status: StatusCompleted})
			return
		}
	}()

	job, err := f.orch.TestConnectivity(ctx, member("org_solo", access.RoleAdmin), "org_solo")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status)
	require.Equal(t, ConnectivityTestType, job.Type)
	require.Equal(t, PriorityCritical, job.Priority)
}

func TestConnectivityTestTimesOut(t *testing.T) {
	f := newFixture(t, WithConnectivity(30*time.Millisecond, 5*time.Millisecond))
	job, err := f.orch.TestConnectivity(context.Background(), member("org_solo", access.RoleAdmin), "org_solo")
	require.ErrorIs(t, err, ErrTimeout)
	require.NotNil(t, job)
	require.Equal(t, StatusPending, job.Status)
}

func TestDeriveItemsExtracted(t *testing.T) {
	cases := []struct {
		name  string
		stats map[string]any
		want  *int64
	}{
		{"empty", nil, nil},
		{"total items wins", map[string]any{"totalItems": 7, "itemsExtracted": 9}, ptr(7)},
		{"items extracted", map[string]any{"itemsExtracted": float64(9), "other": 1}, ptr(9)},
		{"total events", map[string]any{"total_events": json.Number("12")}, ptr(12)},
		{"sum of counts", map[string]any{"signIns": 3, "audits": float64(4), "note": "x"}, ptr(7)},
		{"no numbers", map[string]any{"note": "x", "ok": true}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, deriveItemsExtracted(tc.stats))
		})
	}
}

func ptr(v int64) *int64 { return &v }

func TestParsePriorityWeights(t *testing.T) {
	for p, w := range map[Priority]int{PriorityCritical: 1, PriorityHigh: 2, PriorityMedium: 3, PriorityLow: 4} {
		got, err := ParsePriority(string(p))
		require.NoError(t, err)
		require.Equal(t, w, got.Weight())
	}
	p, err := ParsePriority("")
	require.NoError(t, err)
	require.Equal(t, PriorityMedium, p)
}
