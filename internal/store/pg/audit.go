package pg

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/ionsec/maes-platform-sub001/internal/audit"
)

// Audit implements audit.Store as an append-only table.
type Audit struct {
	db *sqlx.DB
}

var _ audit.Store = (*Audit)(nil)

type auditRow struct {
	ID             string    `db:"id"`
	PrincipalID    string    `db:"principal_id"`
	OrganizationID string    `db:"organization_id"`
	Category       string    `db:"category"`
	Action         string    `db:"action"`
	ResourceType   string    `db:"resource_type"`
	ResourceID     string    `db:"resource_id"`
	Detail         []byte    `db:"detail"`
	RequestID      string    `db:"request_id"`
	OccurredAt     time.Time `db:"occurred_at"`
}

func (s *Audit) Append(ctx context.Context, e audit.Entry) error {
	detail, err := encodeJSON(e.Detail, len(e.Detail) == 0, "{}")
	if err != nil {
		return errors.Wrap(err, "marshal detail")
	}
	_, err = s.db.NamedExecContext(ctx, `
		insert into audit_entries (id, principal_id, organization_id, category, action,
			resource_type, resource_id, detail, request_id, occurred_at)
		values (:id, :principal_id, :organization_id, :category, :action,
			:resource_type, :resource_id, :detail, :request_id, :occurred_at)
	`, auditRow{
		ID:             e.ID,
		PrincipalID:    e.PrincipalID,
		OrganizationID: e.OrganizationID,
		Category:       string(e.Category),
		Action:         e.Action,
		ResourceType:   e.ResourceType,
		ResourceID:     e.ResourceID,
		Detail:         detail,
		RequestID:      e.RequestID,
		OccurredAt:     e.OccurredAt,
	})
	if err != nil {
		return errors.Wrap(err, "insert audit entry")
	}
	return nil
}

func (s *Audit) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if !f.Unscoped && len(f.OrganizationIDs) == 0 {
		return []audit.Entry{}, nil
	}
	var (
		where []string
		args  []any
	)
	if !f.Unscoped {
		where = append(where, "organization_id in (?)")
		args = append(args, f.OrganizationIDs)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.PrincipalID != "" {
		where = append(where, "principal_id = ?")
		args = append(args, f.PrincipalID)
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.Since)
	}
	q := `select id, principal_id, organization_id, category, action, resource_type, resource_id,
		detail, request_id, occurred_at from audit_entries`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	q += ` order by occurred_at desc, id desc`
	if f.Limit > 0 {
		q += ` limit ?`
		args = append(args, f.Limit)
	}
	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, err
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "select audit entries")
	}
	out := make([]audit.Entry, 0, len(rows))
	for _, r := range rows {
		e := audit.Entry{
			ID:             r.ID,
			PrincipalID:    r.PrincipalID,
			OrganizationID: r.OrganizationID,
			Category:       audit.Category(r.Category),
			Action:         r.Action,
			ResourceType:   r.ResourceType,
			ResourceID:     r.ResourceID,
			RequestID:      r.RequestID,
			OccurredAt:     r.OccurredAt.UTC(),
		}
		if err := decodeJSON(r.Detail, &e.Detail); err != nil {
			return nil, errors.Wrapf(err, "decode detail of %s", r.ID)
		}
		out = append(out, e)
	}
	return out, nil
}
