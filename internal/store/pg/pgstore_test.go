package pg

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/ionsec/maes-platform-sub001/internal/access"
	"github.com/ionsec/maes-platform-sub001/internal/audit"
	"github.com/ionsec/maes-platform-sub001/internal/jobs"
	"github.com/ionsec/maes-platform-sub001/internal/orgs"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

var jobColumnNames = []string{
	"id", "organization_id", "kind", "type", "priority", "status", "progress", "parameters",
	"start_date", "end_date", "extraction_id", "auto_triggered", "triggered_by", "output_files", "statistics",
	"items_extracted", "error_message", "created_at", "updated_at", "started_at", "completed_at", "duration_seconds",
}

func jobValues(id, org, status string, progress int64) []driver.Value {
	return []driver.Value{
		id, org, "extraction", "full", "high", status, progress, []byte(`{"connectivityTest":true}`),
		testNow.Add(-time.Hour), testNow, nil, false, "usr_1", []byte(`[]`), []byte(`{"totalItems":4}`),
		int64(4), "", testNow, testNow, testNow, nil, nil,
	}
}

func TestJobsGet(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`select .* from jobs where id = \$1`).
		WithArgs("ext_1").
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobValues("ext_1", "org_a", "running", 40)...))

	job, err := s.Jobs().Get(context.Background(), "ext_1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusRunning, job.Status)
	require.Equal(t, 40, job.Progress)
	require.Equal(t, jobs.PriorityHigh, job.Priority)
	require.Equal(t, true, job.Parameters["connectivityTest"])
	require.Nil(t, job.OutputFiles)
	require.Empty(t, job.ExtractionID)
	require.NotNil(t, job.ItemsExtracted)
	require.EqualValues(t, 4, *job.ItemsExtracted)
	require.NotNil(t, job.StartedAt)
	require.Nil(t, job.CompletedAt)
	require.Nil(t, job.DurationSeconds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsGetNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`select .* from jobs where id = \$1`).
		WithArgs("ext_404").
		WillReturnRows(sqlmock.NewRows(jobColumnNames))

	_, err := s.Jobs().Get(context.Background(), "ext_404")
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestJobsCreateMapsForeignKeyViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into jobs`).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := s.Jobs().Create(context.Background(), &jobs.Job{
		ID:             "ext_1",
		OrganizationID: "org_missing",
		Kind:           jobs.KindExtraction,
		Priority:       jobs.PriorityMedium,
		Status:         jobs.StatusPending,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	})
	require.ErrorIs(t, err, jobs.ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsListExpandsScope(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(
		`where organization_id in ($1, $2) and status = $3 order by created_at desc, id desc limit $4 offset $5`)).
		WithArgs("org_a", "org_b", "pending", 50, 10).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).
			AddRow(jobValues("ext_2", "org_b", "pending", 0)...).
			AddRow(jobValues("ext_1", "org_a", "pending", 0)...))

	list, err := s.Jobs().List(context.Background(), jobs.ListFilter{
		OrganizationIDs: []string{"org_a", "org_b"},
		Status:          jobs.StatusPending,
		Limit:           50,
		Offset:          10,
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "ext_2", list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsListWithoutScopeSkipsQuery(t *testing.T) {
	s, mock := newMock(t)
	list, err := s.Jobs().List(context.Background(), jobs.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsTransition(t *testing.T) {
	s, mock := newMock(t)
	progress := 100
	mock.ExpectQuery(regexp.QuoteMeta(
		`update jobs set status = $1, updated_at = $2, progress = $3, completed_at = $4 where id = $5 and status in ($6, $7) returning`)).
		WithArgs("completed", testNow, 100, testNow, "ext_1", "pending", "running").
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobValues("ext_1", "org_a", "completed", 100)...))

	job, err := s.Jobs().Transition(context.Background(), "ext_1",
		[]jobs.Status{jobs.StatusPending, jobs.StatusRunning},
		jobs.Update{Status: jobs.StatusCompleted, Progress: &progress, CompletedAt: &testNow, UpdatedAt: testNow})
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsTransitionStale(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`update jobs set`).WillReturnRows(sqlmock.NewRows(jobColumnNames))
	mock.ExpectQuery(`select status from jobs where id = \$1`).
		WithArgs("ext_1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))

	_, err := s.Jobs().Transition(context.Background(), "ext_1",
		[]jobs.Status{jobs.StatusRunning}, jobs.Update{Status: jobs.StatusCompleted, UpdatedAt: testNow})
	require.ErrorIs(t, err, jobs.ErrStaleState)
	require.ErrorContains(t, err, "cancelled")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobsTransitionMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`update jobs set`).WillReturnRows(sqlmock.NewRows(jobColumnNames))
	mock.ExpectQuery(`select status from jobs`).WillReturnRows(sqlmock.NewRows([]string{"status"}))

	_, err := s.Jobs().Transition(context.Background(), "ext_404",
		[]jobs.Status{jobs.StatusPending}, jobs.Update{Status: jobs.StatusCancelled, UpdatedAt: testNow})
	require.ErrorIs(t, err, jobs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganizationsCreateConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into organizations`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := s.Organizations().Create(context.Background(), &orgs.Organization{
		ID:        "org_a",
		Name:      "Acme",
		Tier:      orgs.TierStandalone,
		Active:    true,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	})
	require.ErrorIs(t, err, orgs.ErrConflict)
}

func TestOrganizationsUpdateSettings(t *testing.T) {
	s, mock := newMock(t)
	name := "Acme Security"
	mock.ExpectExec(regexp.QuoteMeta(
		`update organizations set name = $2, active_until = null, settings = settings || $3::jsonb, updated_at = $4 where id = $1`)).
		WithArgs("org_a", name, []byte(`{"retentionDays":30}`), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Organizations().UpdateSettings(context.Background(), "org_a", orgs.SettingsUpdate{
		Name:       &name,
		ClearUntil: true,
		Settings:   orgs.Settings{"retentionDays": 30},
	}, testNow)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganizationsSetActiveMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`update organizations set active`).WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.Organizations().SetActive(context.Background(), "org_404", false, testNow)
	require.ErrorIs(t, err, orgs.ErrNotFound)
}

func TestPrincipalsGetByEmailNormalizes(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "organization_id", "email", "display_name", "role", "permissions", "password_hash",
		"active", "failed_attempts", "locked_until", "last_login_at", "created_at", "updated_at"}
	mock.ExpectQuery(`from principals where email = \$1`).
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"usr_1", "org_a", "ana@example.com", "Ana", "analyst", []byte(`{"view-reports":true}`), "hash",
			true, int64(0), nil, nil, testNow, testNow))

	p, err := s.Principals().GetByEmail(context.Background(), "  Ana@Example.com ")
	require.NoError(t, err)
	require.Equal(t, access.RoleAnalyst, p.Role)
	require.Equal(t, "org_a", p.OrganizationID)
	require.True(t, p.Permissions.Allows(access.CapViewReports))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditAppendAndList(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into audit_entries`).
		WithArgs("aud_1", "usr_1", "org_a", "job", "extraction.create", "job", "ext_1",
			[]byte(`{"priority":"high"}`), "req_1", testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Audit().Append(context.Background(), audit.Entry{
		ID:             "aud_1",
		PrincipalID:    "usr_1",
		OrganizationID: "org_a",
		Category:       audit.CategoryJob,
		Action:         "extraction.create",
		ResourceType:   "job",
		ResourceID:     "ext_1",
		Detail:         map[string]any{"priority": "high"},
		RequestID:      "req_1",
		OccurredAt:     testNow,
	}))

	mock.ExpectQuery(regexp.QuoteMeta(
		`where organization_id in ($1) and action = $2 order by occurred_at desc, id desc limit $3`)).
		WithArgs("org_a", "extraction.create", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "principal_id", "organization_id", "category", "action",
			"resource_type", "resource_id", "detail", "request_id", "occurred_at"}).
			AddRow("aud_1", "usr_1", "org_a", "job", "extraction.create", "job", "ext_1",
				[]byte(`{"priority":"high"}`), "req_1", testNow))

	entries, err := s.Audit().List(context.Background(), audit.Filter{
		OrganizationIDs: []string{"org_a"},
		Action:          "extraction.create",
		Limit:           10,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "high", entries[0].Detail["priority"])
	require.NoError(t, mock.ExpectationsWereMet())
}
