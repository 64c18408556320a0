package pg

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/ionsec/maes-platform-sub001/internal/jobs"
)

// Jobs implements jobs.Store. Transitions are single conditional updates
// keyed on the current status.
type Jobs struct {
	db *sqlx.DB
}

var _ jobs.Store = (*Jobs)(nil)

const jobColumns = `id, organization_id, kind, type, priority, status, progress, parameters,
	start_date, end_date, extraction_id, auto_triggered, triggered_by, output_files, statistics,
	items_extracted, error_message, created_at, updated_at, started_at, completed_at, duration_seconds`

type jobRow struct {
	ID              string          `db:"id"`
	OrganizationID  string          `db:"organization_id"`
	Kind            string          `db:"kind"`
	Type            string          `db:"type"`
	Priority        string          `db:"priority"`
	Status          string          `db:"status"`
	Progress        int             `db:"progress"`
	Parameters      []byte          `db:"parameters"`
	StartDate       sql.NullTime    `db:"start_date"`
	EndDate         sql.NullTime    `db:"end_date"`
	ExtractionID    sql.NullString  `db:"extraction_id"`
	AutoTriggered   bool            `db:"auto_triggered"`
	TriggeredBy     string          `db:"triggered_by"`
	OutputFiles     []byte          `db:"output_files"`
	Statistics      []byte          `db:"statistics"`
	ItemsExtracted  sql.NullInt64   `db:"items_extracted"`
	ErrorMessage    string          `db:"error_message"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
	StartedAt       sql.NullTime    `db:"started_at"`
	CompletedAt     sql.NullTime    `db:"completed_at"`
	DurationSeconds sql.NullFloat64 `db:"duration_seconds"`
}

func (r jobRow) job() (*jobs.Job, error) {
	j := &jobs.Job{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Kind:           jobs.Kind(r.Kind),
		Type:           r.Type,
		Priority:       jobs.Priority(r.Priority),
		Status:         jobs.Status(r.Status),
		Progress:       r.Progress,
		StartDate:      timePtr(r.StartDate),
		EndDate:        timePtr(r.EndDate),
		ExtractionID:   r.ExtractionID.String,
		AutoTriggered:  r.AutoTriggered,
		TriggeredBy:    r.TriggeredBy,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		StartedAt:      timePtr(r.StartedAt),
		CompletedAt:    timePtr(r.CompletedAt),
	}
	if r.ItemsExtracted.Valid {
		v := r.ItemsExtracted.Int64
		j.ItemsExtracted = &v
	}
	if r.DurationSeconds.Valid {
		v := r.DurationSeconds.Float64
		j.DurationSeconds = &v
	}
	if err := decodeJSON(r.Parameters, &j.Parameters); err != nil {
		return nil, errors.Wrapf(err, "decode parameters of %s", r.ID)
	}
	if err := decodeJSON(r.OutputFiles, &j.OutputFiles); err != nil {
		return nil, errors.Wrapf(err, "decode output files of %s", r.ID)
	}
	if err := decodeJSON(r.Statistics, &j.Statistics); err != nil {
		return nil, errors.Wrapf(err, "decode statistics of %s", r.ID)
	}
	if len(j.Parameters) == 0 {
		j.Parameters = nil
	}
	if len(j.OutputFiles) == 0 {
		j.OutputFiles = nil
	}
	if len(j.Statistics) == 0 {
		j.Statistics = nil
	}
	return j, nil
}

func (s *Jobs) Create(ctx context.Context, j *jobs.Job) error {
	params, err := encodeJSON(j.Parameters, len(j.Parameters) == 0, "{}")
	if err != nil {
		return errors.Wrap(err, "marshal parameters")
	}
	outputs, err := encodeJSON(j.OutputFiles, len(j.OutputFiles) == 0, "[]")
	if err != nil {
		return errors.Wrap(err, "marshal output files")
	}
	stats, err := encodeJSON(j.Statistics, len(j.Statistics) == 0, "{}")
	if err != nil {
		return errors.Wrap(err, "marshal statistics")
	}
	items := sql.NullInt64{}
	if j.ItemsExtracted != nil {
		items = sql.NullInt64{Int64: *j.ItemsExtracted, Valid: true}
	}
	duration := sql.NullFloat64{}
	if j.DurationSeconds != nil {
		duration = sql.NullFloat64{Float64: *j.DurationSeconds, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		insert into jobs (`+jobColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, j.ID, j.OrganizationID, string(j.Kind), j.Type, string(j.Priority), string(j.Status), j.Progress, params,
		nullTime(j.StartDate), nullTime(j.EndDate), nullString(j.ExtractionID), j.AutoTriggered, j.TriggeredBy,
		outputs, stats, items, j.ErrorMessage, j.CreatedAt, j.UpdatedAt, nullTime(j.StartedAt),
		nullTime(j.CompletedAt), duration)
	if err != nil {
		if isForeignKeyViolation(err) {
			return errors.Wrapf(jobs.ErrInvalidInput, "job %s references a missing organization or extraction", j.ID)
		}
		return errors.Wrap(err, "insert job")
	}
	return nil
}

func (s *Jobs) Get(ctx context.Context, id string) (*jobs.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `select `+jobColumns+` from jobs where id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(jobs.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select job")
	}
	return row.job()
}

func (s *Jobs) List(ctx context.Context, f jobs.ListFilter) ([]*jobs.Job, error) {
	if !f.Unscoped && len(f.OrganizationIDs) == 0 {
		return []*jobs.Job{}, nil
	}
	var (
		where []string
		args  []any
	)
	if !f.Unscoped {
		where = append(where, "organization_id in (?)")
		args = append(args, f.OrganizationIDs)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ExtractionID != "" {
		where = append(where, "extraction_id = ?")
		args = append(args, f.ExtractionID)
	}
	q := `select ` + jobColumns + ` from jobs`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	q += ` order by created_at desc, id desc`
	if f.Limit > 0 {
		q += ` limit ?`
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		q += ` offset ?`
		args = append(args, f.Offset)
	}
	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, err
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "select jobs")
	}
	out := make([]*jobs.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.job()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Transition writes u only while the row's status is one of from. A miss is
// resolved with a second read to tell a stale status from a missing row.
func (s *Jobs) Transition(ctx context.Context, id string, from []jobs.Status, u jobs.Update) (*jobs.Job, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(u.Status), u.UpdatedAt}
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Progress != nil {
		set("progress", *u.Progress)
	}
	if u.StartedAt != nil {
		set("started_at", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		set("completed_at", *u.CompletedAt)
	}
	if u.OutputFiles != nil {
		raw, err := encodeJSON(u.OutputFiles, len(u.OutputFiles) == 0, "[]")
		if err != nil {
			return nil, errors.Wrap(err, "marshal output files")
		}
		set("output_files", raw)
	}
	if u.Statistics != nil {
		raw, err := encodeJSON(u.Statistics, false, "{}")
		if err != nil {
			return nil, errors.Wrap(err, "marshal statistics")
		}
		set("statistics", raw)
	}
	if u.ItemsExtracted != nil {
		set("items_extracted", *u.ItemsExtracted)
	}
	if u.ErrorMessage != nil {
		set("error_message", *u.ErrorMessage)
	}
	if u.DurationSeconds != nil {
		set("duration_seconds", *u.DurationSeconds)
	}

	statuses := make([]string, 0, len(from))
	for _, st := range from {
		statuses = append(statuses, string(st))
	}
	args = append(args, id, statuses)
	q, args, err := sqlx.In(`update jobs set `+strings.Join(sets, ", ")+
		` where id = ? and status in (?) returning `+jobColumns, args...)
	if err != nil {
		return nil, err
	}

	var row jobRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(q), args...)
	if err == nil {
		return row.job()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "transition job")
	}

	var current string
	err = s.db.GetContext(ctx, &current, `select status from jobs where id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(jobs.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reload job status")
	}
	return nil, errors.Wrapf(jobs.ErrStaleState, "job %s is %s", id, current)
}
