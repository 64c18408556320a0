package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/ionsec/maes-platform-sub001/internal/orgs"
)

// Organizations implements orgs.Store.
type Organizations struct {
	db *sqlx.DB
}

var _ orgs.Store = (*Organizations)(nil)

const orgColumns = `id, name, tier, parent_id, tenant_id, domain, service_tier, active, active_until,
	application_id, client_secret, certificate_thumbprint, settings, created_at, updated_at`

type orgRow struct {
	ID                    string         `db:"id"`
	Name                  string         `db:"name"`
	Tier                  string         `db:"tier"`
	ParentID              sql.NullString `db:"parent_id"`
	TenantID              string         `db:"tenant_id"`
	Domain                string         `db:"domain"`
	ServiceTier           string         `db:"service_tier"`
	Active                bool           `db:"active"`
	ActiveUntil           sql.NullTime   `db:"active_until"`
	ApplicationID         string         `db:"application_id"`
	ClientSecret          string         `db:"client_secret"`
	CertificateThumbprint string         `db:"certificate_thumbprint"`
	Settings              []byte         `db:"settings"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

func (r orgRow) organization() (*orgs.Organization, error) {
	o := &orgs.Organization{
		ID:          r.ID,
		Name:        r.Name,
		Tier:        orgs.Tier(r.Tier),
		ParentID:    r.ParentID.String,
		TenantID:    r.TenantID,
		Domain:      r.Domain,
		ServiceTier: r.ServiceTier,
		Active:      r.Active,
		ActiveUntil: timePtr(r.ActiveUntil),
		Credentials: orgs.Credentials{
			ApplicationID:         r.ApplicationID,
			ClientSecret:          r.ClientSecret,
			CertificateThumbprint: r.CertificateThumbprint,
		},
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if err := decodeJSON(r.Settings, &o.Settings); err != nil {
		return nil, errors.Wrapf(err, "decode settings of %s", r.ID)
	}
	return o, nil
}

func (s *Organizations) Create(ctx context.Context, o *orgs.Organization) error {
	settings, err := encodeJSON(o.Settings, len(o.Settings) == 0, "{}")
	if err != nil {
		return errors.Wrap(err, "marshal settings")
	}
	_, err = s.db.ExecContext(ctx, `
		insert into organizations (`+orgColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, o.ID, o.Name, string(o.Tier), nullString(o.ParentID), o.TenantID, o.Domain, o.ServiceTier,
		o.Active, nullTime(o.ActiveUntil), o.Credentials.ApplicationID, o.Credentials.ClientSecret,
		o.Credentials.CertificateThumbprint, settings, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(orgs.ErrConflict, "organization %s", o.Name)
		}
		if isForeignKeyViolation(err) {
			return errors.Wrapf(orgs.ErrNotFound, "parent %s", o.ParentID)
		}
		return errors.Wrap(err, "insert organization")
	}
	return nil
}

func (s *Organizations) Get(ctx context.Context, id string) (*orgs.Organization, error) {
	var row orgRow
	err := s.db.GetContext(ctx, &row, `select `+orgColumns+` from organizations where id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(orgs.ErrNotFound, "organization %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select organization")
	}
	return row.organization()
}

func (s *Organizations) List(ctx context.Context, ids []string) ([]*orgs.Organization, error) {
	if len(ids) == 0 {
		return []*orgs.Organization{}, nil
	}
	q, args, err := sqlx.In(`select `+orgColumns+` from organizations where id in (?) order by name, id`, ids)
	if err != nil {
		return nil, err
	}
	return s.selectMany(ctx, s.db.Rebind(q), args...)
}

func (s *Organizations) ListAll(ctx context.Context) ([]*orgs.Organization, error) {
	return s.selectMany(ctx, `select `+orgColumns+` from organizations order by name, id`)
}

func (s *Organizations) Children(ctx context.Context, parentID string) ([]*orgs.Organization, error) {
	return s.selectMany(ctx, `select `+orgColumns+` from organizations where parent_id = $1 order by name, id`, parentID)
}

func (s *Organizations) selectMany(ctx context.Context, q string, args ...any) ([]*orgs.Organization, error) {
	var rows []orgRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "select organizations")
	}
	out := make([]*orgs.Organization, 0, len(rows))
	for _, r := range rows {
		o, err := r.organization()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Organizations) UpdateCredentials(ctx context.Context, id, tenantID string, c orgs.Credentials, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update organizations
		set tenant_id = coalesce(nullif($2, ''), tenant_id),
			application_id = $3,
			client_secret = $4,
			certificate_thumbprint = $5,
			updated_at = $6
		where id = $1
	`, id, tenantID, c.ApplicationID, c.ClientSecret, c.CertificateThumbprint, at)
	if err != nil {
		return errors.Wrap(err, "update credentials")
	}
	return s.expectOne(res, id)
}

func (s *Organizations) UpdateSettings(ctx context.Context, id string, u orgs.SettingsUpdate, at time.Time) error {
	var (
		setClauses []string
		args       = []any{id}
		idx        = 2
	)
	add := func(clause string, v any) {
		setClauses = append(setClauses, fmt.Sprintf(clause, idx))
		args = append(args, v)
		idx++
	}
	if u.Name != nil {
		add("name = $%d", *u.Name)
	}
	if u.ServiceTier != nil {
		add("service_tier = $%d", *u.ServiceTier)
	}
	if u.ClearUntil {
		setClauses = append(setClauses, "active_until = null")
	} else if u.ActiveUntil != nil {
		add("active_until = $%d", *u.ActiveUntil)
	}
	if u.Settings != nil {
		raw, err := encodeJSON(u.Settings, false, "{}")
		if err != nil {
			return errors.Wrap(err, "marshal settings")
		}
		add("settings = settings || $%d::jsonb", raw)
	}
	add("updated_at = $%d", at)

	q := `update organizations set ` + strings.Join(setClauses, ", ") + ` where id = $1`
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(orgs.ErrConflict, "organization name")
		}
		return errors.Wrap(err, "update settings")
	}
	return s.expectOne(res, id)
}

func (s *Organizations) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update organizations set active = $2, updated_at = $3 where id = $1`, id, active, at)
	if err != nil {
		return errors.Wrap(err, "set active")
	}
	return s.expectOne(res, id)
}

func (s *Organizations) expectOne(res sql.Result, id string) error {
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(orgs.ErrNotFound, "organization %s", id)
	}
	return nil
}
