package access

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ionsec/maes-platform-sub001/internal/audit"
	"github.com/ionsec/maes-platform-sub001/internal/ids"
	"github.com/ionsec/maes-platform-sub001/internal/obs"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 30 * time.Minute
	serviceName             = "internal-worker"
)

// LockoutPolicy locks a principal for Duration after Threshold consecutive
// failed logins.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// Engine authenticates callers and answers every authorization question
// through a single capability check.
type Engine struct {
	principals    PrincipalStore
	tenancy       Tenancy
	roles         *RoleTable
	tokens        *TokenIssuer
	trail         audit.Recorder
	serviceSecret []byte
	lockout       LockoutPolicy
	now           func() time.Time
	logger        *zap.Logger
}

type EngineOption func(*Engine) error

func WithRoleTable(t *RoleTable) EngineOption {
	return func(e *Engine) error {
		if t == nil {
			return errors.New("role table is nil")
		}
		e.roles = t
		return nil
	}
}

func WithTokenIssuer(t *TokenIssuer) EngineOption {
	return func(e *Engine) error {
		e.tokens = t
		return nil
	}
}

// WithServiceSecret sets the shared secret internal workers present.
func WithServiceSecret(secret string) EngineOption {
	return func(e *Engine) error {
		secret = strings.TrimSpace(secret)
		if secret != "" {
			e.serviceSecret = []byte(secret)
		}
		return nil
	}
}

func WithAudit(r audit.Recorder) EngineOption {
	return func(e *Engine) error {
		e.trail = r
		return nil
	}
}

func WithLockout(p LockoutPolicy) EngineOption {
	return func(e *Engine) error {
		if p.Threshold > 0 {
			e.lockout.Threshold = p.Threshold
		}
		if p.Duration > 0 {
			e.lockout.Duration = p.Duration
		}
		return nil
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}

func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) error {
		if l != nil {
			e.logger = l
		}
		return nil
	}
}

func NewEngine(principals PrincipalStore, tenancy Tenancy, opts ...EngineOption) (*Engine, error) {
	if principals == nil {
		return nil, errors.New("principal store is required")
	}
	if tenancy == nil {
		return nil, errors.New("tenancy is required")
	}
	e := &Engine{
		principals: principals,
		tenancy:    tenancy,
		roles:      DefaultRoleTable(),
		lockout:    LockoutPolicy{Threshold: defaultLockoutThreshold, Duration: defaultLockoutDuration},
		now:        time.Now,
		logger:     obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Roles exposes the loaded role table.
func (e *Engine) Roles() *RoleTable {
	return e.roles
}

func (e *Engine) record(ctx context.Context, entry audit.Entry) {
	if e.trail != nil {
		e.trail.Record(ctx, entry)
	}
}

func (e *Engine) deny(reason string) {
	obs.AccessDenials.WithLabelValues(reason).Inc()
}

// Authenticate resolves a bearer token to the current principal record.
func (e *Engine) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if e.tokens == nil {
		return nil, errors.Wrap(ErrUnauthenticated, "token authentication not configured")
	}
	claims, err := e.tokens.Parse(token)
	if err != nil {
		e.rejectToken(ctx, "", "invalid_token")
		return nil, errors.Mark(err, ErrUnauthenticated)
	}
	p, err := e.principals.Get(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.rejectToken(ctx, claims.Subject, "unknown_principal")
			return nil, ErrUnauthenticated
		}
		return nil, errors.Wrap(err, "load principal")
	}
	if !p.Active {
		e.rejectToken(ctx, p.ID, "inactive_principal")
		return nil, ErrUnauthenticated
	}
	if p.LockedAt(e.now()) {
		e.rejectToken(ctx, p.ID, "locked")
		return nil, ErrUnauthenticated
	}
	if err := e.requireActiveOrganization(ctx, p); err != nil {
		return nil, err
	}
	e.record(ctx, audit.Entry{
		PrincipalID:    p.ID,
		OrganizationID: p.OrganizationID,
		Category:       audit.CategoryAuthentication,
		Action:         "auth.token.success",
	})
	return p, nil
}

func (e *Engine) rejectToken(ctx context.Context, subject, reason string) {
	e.deny(reason)
	e.record(ctx, audit.Entry{
		PrincipalID: subject,
		Category:    audit.CategoryAuthentication,
		Action:      "auth.token.rejected",
		Detail:      map[string]any{"reason": reason},
	})
}

func (e *Engine) requireActiveOrganization(ctx context.Context, p *Principal) error {
	if p.OrganizationID == "" {
		return nil
	}
	status, err := e.tenancy.OrganizationStatus(ctx, p.OrganizationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return errors.Wrap(err, "load organization status")
	}
	if err != nil || !status.Active {
		e.deny("organization_inactive")
		e.record(ctx, audit.Entry{
			PrincipalID:    p.ID,
			OrganizationID: p.OrganizationID,
			Category:       audit.CategoryAuthentication,
			Action:         "auth.organization.inactive",
		})
		return errors.Wrap(ErrForbidden, "organization inactive")
	}
	return nil
}

// AuthenticateService checks the shared secret presented by an internal worker.
func (e *Engine) AuthenticateService(ctx context.Context, secret string) (ServiceIdentity, error) {
	if len(e.serviceSecret) == 0 || secret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), e.serviceSecret) != 1 {
		e.deny("invalid_service_secret")
		e.record(ctx, audit.Entry{
			PrincipalID: "service:" + serviceName,
			Category:    audit.CategoryAuthentication,
			Action:      "auth.service.rejected",
		})
		return ServiceIdentity{}, ErrUnauthenticated
	}
	perms, err := e.roles.Snapshot(RoleService)
	if err != nil {
		return ServiceIdentity{}, errors.Wrap(err, "service role")
	}
	e.record(ctx, audit.Entry{
		PrincipalID: "service:" + serviceName,
		Category:    audit.CategoryAuthentication,
		Action:      "auth.service.success",
	})
	return ServiceIdentity{Name: serviceName, Role: RoleService, Permissions: perms}, nil
}

// Session is the result of a successful login.
type Session struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Principal *Principal `json:"principal"`
}

// Login verifies credentials, applies the lockout policy and issues a token.
// Each call records exactly one audit entry.
func (e *Engine) Login(ctx context.Context, email, password string) (*Session, error) {
	if e.tokens == nil {
		return nil, errors.New("token issuer not configured")
	}
	email = NormalizeEmail(email)
	p, err := e.principals.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, errors.Wrap(err, "load principal")
		}
		_ = VerifyPassword(string(dummyHash), password)
		e.loginFailed(ctx, nil, email, "unknown_principal", false)
		return nil, ErrUnauthenticated
	}

	now := e.now()
	if p.LockedAt(now) {
		e.deny("locked")
		e.record(ctx, audit.Entry{
			PrincipalID:    p.ID,
			OrganizationID: p.OrganizationID,
			Category:       audit.CategoryAuthentication,
			Action:         "auth.login.locked",
			Detail:         map[string]any{"lockedUntil": p.LockedUntil.UTC().Format(time.RFC3339)},
		})
		return nil, errors.Wrap(ErrUnauthenticated, "account locked")
	}
	if !p.Active {
		e.loginFailed(ctx, p, email, "inactive_principal", false)
		return nil, ErrUnauthenticated
	}
	if err := VerifyPassword(p.PasswordHash, password); err != nil {
		failed := p.FailedAttempts + 1
		var lockedUntil *time.Time
		locked := failed >= e.lockout.Threshold
		if locked {
			until := now.Add(e.lockout.Duration).UTC()
			lockedUntil = &until
			failed = 0
		}
		if err := e.principals.UpdateLockout(ctx, p.ID, failed, lockedUntil); err != nil {
			e.logger.Error("update lockout failed", zap.String("principal_id", p.ID), zap.Error(err))
		}
		e.loginFailed(ctx, p, email, "bad_password", locked)
		return nil, ErrUnauthenticated
	}

	if p.OrganizationID != "" {
		status, err := e.tenancy.OrganizationStatus(ctx, p.OrganizationID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, errors.Wrap(err, "load organization status")
		}
		if err != nil || !status.Active {
			e.loginFailed(ctx, p, email, "organization_inactive", false)
			return nil, errors.Wrap(ErrForbidden, "organization inactive")
		}
	}

	token, expires, err := e.tokens.Issue(p)
	if err != nil {
		return nil, err
	}
	if err := e.principals.RecordLogin(ctx, p.ID, now.UTC()); err != nil {
		e.logger.Warn("record login failed", zap.String("principal_id", p.ID), zap.Error(err))
	}
	p.FailedAttempts = 0
	p.LockedUntil = nil
	e.record(ctx, audit.Entry{
		PrincipalID:    p.ID,
		OrganizationID: p.OrganizationID,
		Category:       audit.CategoryAuthentication,
		Action:         "auth.login.success",
	})
	return &Session{Token: token, ExpiresAt: expires, Principal: p}, nil
}

func (e *Engine) loginFailed(ctx context.Context, p *Principal, email, reason string, locked bool) {
	e.deny(reason)
	entry := audit.Entry{
		Category: audit.CategoryAuthentication,
		Action:   "auth.login.failure",
		Detail:   map[string]any{"reason": reason, "email": email, "locked": locked},
	}
	if p != nil {
		entry.PrincipalID = p.ID
		entry.OrganizationID = p.OrganizationID
	}
	e.record(ctx, entry)
}

// Authorize is the one capability check used by every guarded operation.
// A denial records one audit entry and returns ErrForbidden.
func (e *Engine) Authorize(ctx context.Context, id Identity, c Capability) error {
	if id == nil {
		return ErrUnauthenticated
	}
	if id.Can(c) {
		return nil
	}
	e.denied(ctx, id, "missing_capability", map[string]any{"capability": string(c)})
	return errors.Wrapf(ErrForbidden, "missing capability %s", c)
}

// AuthorizeRole passes when the caller holds any of the listed roles.
func (e *Engine) AuthorizeRole(ctx context.Context, id Identity, roles ...Role) error {
	if id == nil {
		return ErrUnauthenticated
	}
	for _, r := range roles {
		if id.RoleName() == r {
			return nil
		}
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}
	e.denied(ctx, id, "missing_role", map[string]any{"roles": names})
	return errors.Wrap(ErrForbidden, "role not permitted")
}

// AuthorizeOrganization passes when organizationID is inside the caller's scope.
func (e *Engine) AuthorizeOrganization(ctx context.Context, id Identity, organizationID string) error {
	if id == nil {
		return ErrUnauthenticated
	}
	scope, err := e.ResolveOrganizationScope(ctx, id)
	if err != nil {
		return err
	}
	if scope.Contains(organizationID) {
		return nil
	}
	e.denied(ctx, id, "out_of_scope", map[string]any{"targetOrganizationId": organizationID})
	return errors.Wrap(ErrForbidden, "organization outside scope")
}

// AuthorizeIn combines a capability check with an organization scope check.
func (e *Engine) AuthorizeIn(ctx context.Context, id Identity, c Capability, organizationID string) error {
	if err := e.Authorize(ctx, id, c); err != nil {
		return err
	}
	return e.AuthorizeOrganization(ctx, id, organizationID)
}

func (e *Engine) denied(ctx context.Context, id Identity, reason string, detail map[string]any) {
	e.deny(reason)
	detail["reason"] = reason
	detail["kind"] = string(id.Kind())
	e.logger.Warn("authorization denied",
		zap.String("subject", id.Subject()),
		zap.String("reason", reason),
		zap.Any("detail", detail))
	e.record(ctx, audit.Entry{
		PrincipalID:    id.Subject(),
		OrganizationID: id.OrgID(),
		Category:       audit.CategoryAuthorization,
		Action:         "authorization.denied",
		Detail:         detail,
	})
}

// ResolveOrganizationScope returns the organizations the caller may act on:
// the caller's own organization, plus every client organization when the
// caller belongs to an MSSP and holds access-all-clients. Service identities
// and organization-less super admins are unrestricted.
func (e *Engine) ResolveOrganizationScope(ctx context.Context, id Identity) (Scope, error) {
	if id == nil {
		return Scope{}, ErrUnauthenticated
	}
	if id.Kind() == KindService {
		return UnrestrictedScope(), nil
	}
	own := id.OrgID()
	if own == "" {
		if id.RoleName() == RoleSuperAdmin {
			return UnrestrictedScope(), nil
		}
		return NewScope(), nil
	}
	if !id.Can(CapAccessAllClients) {
		return NewScope(own), nil
	}
	status, err := e.tenancy.OrganizationStatus(ctx, own)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewScope(own), nil
		}
		return Scope{}, errors.Wrap(err, "resolve organization scope")
	}
	if !status.MSSP {
		return NewScope(own), nil
	}
	clients, err := e.tenancy.ClientOrganizations(ctx, own)
	if err != nil {
		return Scope{}, errors.Wrap(err, "list client organizations")
	}
	return NewScope(append([]string{own}, clients...)...), nil
}

// NewPrincipal describes a principal to create.
type NewPrincipal struct {
	OrganizationID string
	Email          string
	DisplayName    string
	Password       string
	Role           Role
	Overrides      Permissions
}

// Bootstrap creates a principal without an acting caller. Used for seeding.
func (e *Engine) Bootstrap(ctx context.Context, in NewPrincipal) (*Principal, error) {
	p, err := e.buildPrincipal(in)
	if err != nil {
		return nil, err
	}
	if err := e.principals.Create(ctx, p); err != nil {
		return nil, err
	}
	e.record(ctx, audit.Entry{
		PrincipalID:    p.ID,
		OrganizationID: p.OrganizationID,
		Category:       audit.CategoryCredential,
		Action:         "principal.bootstrap",
		ResourceType:   "principal",
		ResourceID:     p.ID,
		Detail:         map[string]any{"role": string(p.Role)},
	})
	return p, nil
}

func (e *Engine) buildPrincipal(in NewPrincipal) (*Principal, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.Wrap(ErrInvalidInput, "valid email is required")
	}
	if !e.roles.Has(in.Role) || e.roles.IsService(in.Role) {
		return nil, errors.Wrapf(ErrInvalidInput, "role %q cannot be assigned to a principal", in.Role)
	}
	if err := validateOverrides(in.Overrides); err != nil {
		return nil, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	snapshot, err := e.roles.Snapshot(in.Role)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidInput)
	}
	now := e.now().UTC()
	return &Principal{
		ID:             ids.NewWithPrefix(ids.PrefixPrincipal),
		OrganizationID: strings.TrimSpace(in.OrganizationID),
		Email:          email,
		DisplayName:    strings.TrimSpace(in.DisplayName),
		Role:           in.Role,
		Permissions:    snapshot.Apply(in.Overrides),
		PasswordHash:   hash,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func validateOverrides(overrides Permissions) error {
	for c, granted := range overrides {
		if !c.Valid() {
			return errors.Wrapf(ErrUnknownCapability, "%q", c)
		}
		if granted && c.ServiceOnly() {
			return errors.Wrapf(ErrInvalidInput, "%s is reserved for service identities", c)
		}
	}
	return nil
}

// grantable fails when perms would grant something the actor does not hold.
func (e *Engine) grantable(ctx context.Context, actor Identity, perms Permissions) error {
	for _, c := range perms.Granted() {
		if !actor.Can(c) {
			e.denied(ctx, actor, "grant_exceeds_actor", map[string]any{"capability": string(c)})
			return errors.Wrapf(ErrForbidden, "cannot grant %s", c)
		}
	}
	return nil
}

// CreatePrincipal adds a principal to an organization in the actor's scope.
func (e *Engine) CreatePrincipal(ctx context.Context, actor Identity, in NewPrincipal) (*Principal, error) {
	if err := e.AuthorizeIn(ctx, actor, CapManageUsers, in.OrganizationID); err != nil {
		return nil, err
	}
	p, err := e.buildPrincipal(in)
	if err != nil {
		return nil, err
	}
	if err := e.grantable(ctx, actor, p.Permissions); err != nil {
		return nil, err
	}
	if err := e.principals.Create(ctx, p); err != nil {
		return nil, err
	}
	e.record(ctx, audit.Entry{
		PrincipalID:    actor.Subject(),
		OrganizationID: p.OrganizationID,
		Category:       audit.CategoryCredential,
		Action:         "principal.create",
		ResourceType:   "principal",
		ResourceID:     p.ID,
		Detail:         map[string]any{"role": string(p.Role), "email": p.Email},
	})
	return p, nil
}

// SetPermissions applies per-principal overrides on top of the role snapshot.
func (e *Engine) SetPermissions(ctx context.Context, actor Identity, principalID string, overrides Permissions) (*Principal, error) {
	target, err := e.principals.Get(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if err := e.AuthorizeIn(ctx, actor, CapManageUsers, target.OrganizationID); err != nil {
		return nil, err
	}
	if err := validateOverrides(overrides); err != nil {
		return nil, err
	}
	base, err := e.roles.Snapshot(target.Role)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidInput)
	}
	next := base.Apply(overrides)
	if err := e.grantable(ctx, actor, next); err != nil {
		return nil, err
	}
	if err := e.principals.UpdatePermissions(ctx, target.ID, next); err != nil {
		return nil, err
	}
	target.Permissions = next
	changed := make(map[string]bool, len(overrides))
	for c, v := range overrides {
		changed[string(c)] = v
	}
	e.record(ctx, audit.Entry{
		PrincipalID:    actor.Subject(),
		OrganizationID: target.OrganizationID,
		Category:       audit.CategoryCredential,
		Action:         "principal.permissions.update",
		ResourceType:   "principal",
		ResourceID:     target.ID,
		Detail:         map[string]any{"overrides": changed},
	})
	return target, nil
}

// Unlock clears a lockout before it expires.
func (e *Engine) Unlock(ctx context.Context, actor Identity, principalID string) error {
	target, err := e.principals.Get(ctx, principalID)
	if err != nil {
		return err
	}
	if err := e.AuthorizeIn(ctx, actor, CapManageUsers, target.OrganizationID); err != nil {
		return err
	}
	if err := e.principals.UpdateLockout(ctx, target.ID, 0, nil); err != nil {
		return err
	}
	e.record(ctx, audit.Entry{
		PrincipalID:    actor.Subject(),
		OrganizationID: target.OrganizationID,
		Category:       audit.CategoryAuthentication,
		Action:         "auth.unlock",
		ResourceType:   "principal",
		ResourceID:     target.ID,
	})
	return nil
}

// ListPrincipals returns the principals of an organization in the actor's scope.
func (e *Engine) ListPrincipals(ctx context.Context, actor Identity, organizationID string) ([]*Principal, error) {
	if err := e.AuthorizeIn(ctx, actor, CapManageUsers, organizationID); err != nil {
		return nil, err
	}
	return e.principals.ListByOrganization(ctx, organizationID)
}
