package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/ionsec/maes-platform-sub001/internal/access"
)

// Principals implements access.PrincipalStore.
type Principals struct {
	db *sqlx.DB
}

var _ access.PrincipalStore = (*Principals)(nil)

const principalColumns = `id, organization_id, email, display_name, role, permissions, password_hash,
	active, failed_attempts, locked_until, last_login_at, created_at, updated_at`

type principalRow struct {
	ID             string         `db:"id"`
	OrganizationID sql.NullString `db:"organization_id"`
	Email          string         `db:"email"`
	DisplayName    string         `db:"display_name"`
	Role           string         `db:"role"`
	Permissions    []byte         `db:"permissions"`
	PasswordHash   string         `db:"password_hash"`
	Active         bool           `db:"active"`
	FailedAttempts int            `db:"failed_attempts"`
	LockedUntil    sql.NullTime   `db:"locked_until"`
	LastLoginAt    sql.NullTime   `db:"last_login_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r principalRow) principal() (*access.Principal, error) {
	p := &access.Principal{
		ID:             r.ID,
		OrganizationID: r.OrganizationID.String,
		Email:          r.Email,
		DisplayName:    r.DisplayName,
		Role:           access.Role(r.Role),
		PasswordHash:   r.PasswordHash,
		Active:         r.Active,
		FailedAttempts: r.FailedAttempts,
		LockedUntil:    timePtr(r.LockedUntil),
		LastLoginAt:    timePtr(r.LastLoginAt),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	p.Permissions = access.Permissions{}
	if err := decodeJSON(r.Permissions, &p.Permissions); err != nil {
		return nil, errors.Wrapf(err, "decode permissions of %s", r.ID)
	}
	return p, nil
}

func (s *Principals) Create(ctx context.Context, p *access.Principal) error {
	perms, err := encodeJSON(p.Permissions, len(p.Permissions) == 0, "{}")
	if err != nil {
		return errors.Wrap(err, "marshal permissions")
	}
	_, err = s.db.ExecContext(ctx, `
		insert into principals (`+principalColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.ID, nullString(p.OrganizationID), access.NormalizeEmail(p.Email), p.DisplayName, string(p.Role), perms,
		p.PasswordHash, p.Active, p.FailedAttempts, nullTime(p.LockedUntil), nullTime(p.LastLoginAt),
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(access.ErrConflict, "email %s", p.Email)
		}
		if isForeignKeyViolation(err) {
			return errors.Wrapf(access.ErrNotFound, "organization %s", p.OrganizationID)
		}
		return errors.Wrap(err, "insert principal")
	}
	return nil
}

func (s *Principals) Get(ctx context.Context, id string) (*access.Principal, error) {
	return s.getOne(ctx, `select `+principalColumns+` from principals where id = $1`, id)
}

func (s *Principals) GetByEmail(ctx context.Context, email string) (*access.Principal, error) {
	return s.getOne(ctx, `select `+principalColumns+` from principals where email = $1`, access.NormalizeEmail(email))
}

func (s *Principals) getOne(ctx context.Context, q string, arg string) (*access.Principal, error) {
	var row principalRow
	err := s.db.GetContext(ctx, &row, q, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(access.ErrNotFound, "principal")
	}
	if err != nil {
		return nil, errors.Wrap(err, "select principal")
	}
	return row.principal()
}

func (s *Principals) ListByOrganization(ctx context.Context, organizationID string) ([]*access.Principal, error) {
	var rows []principalRow
	if err := s.db.SelectContext(ctx, &rows,
		`select `+principalColumns+` from principals where organization_id = $1 order by id`, organizationID); err != nil {
		return nil, errors.Wrap(err, "select principals")
	}
	out := make([]*access.Principal, 0, len(rows))
	for _, r := range rows {
		p, err := r.principal()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Principals) UpdateLockout(ctx context.Context, id string, failedAttempts int, lockedUntil *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update principals set failed_attempts = $2, locked_until = $3, updated_at = now()
		where id = $1
	`, id, failedAttempts, nullTime(lockedUntil))
	if err != nil {
		return errors.Wrap(err, "update lockout")
	}
	return expectPrincipal(res, id)
}

func (s *Principals) RecordLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update principals set failed_attempts = 0, locked_until = null, last_login_at = $2, updated_at = $2
		where id = $1
	`, id, at)
	if err != nil {
		return errors.Wrap(err, "record login")
	}
	return expectPrincipal(res, id)
}

func (s *Principals) UpdatePermissions(ctx context.Context, id string, perms access.Permissions) error {
	raw, err := encodeJSON(perms, len(perms) == 0, "{}")
	if err != nil {
		return errors.Wrap(err, "marshal permissions")
	}
	res, err := s.db.ExecContext(ctx, `update principals set permissions = $2, updated_at = now() where id = $1`, id, raw)
	if err != nil {
		return errors.Wrap(err, "update permissions")
	}
	return expectPrincipal(res, id)
}

func expectPrincipal(res sql.Result, id string) error {
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(access.ErrNotFound, "principal %s", id)
	}
	return nil
}
