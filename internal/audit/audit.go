package audit

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ionsec/maes-platform-sub001/internal/ids"
	"github.com/ionsec/maes-platform-sub001/internal/obs"
)

// Category groups audit actions for filtering.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryJob            Category = "job"
	CategoryCredential     Category = "credential"
	CategoryOrganization   Category = "organization"
)

// Entry is one immutable audit row. An empty PrincipalID means the system acted.
type Entry struct {
	ID             string         `json:"id"`
	PrincipalID    string         `json:"principalId,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Category       Category       `json:"category"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resourceType,omitempty"`
	ResourceID     string         `json:"resourceId,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
}

// Filter narrows List. Empty OrganizationIDs with Unscoped=false matches nothing.
type Filter struct {
	OrganizationIDs []string
	Unscoped        bool
	Category        Category
	Action          string
	PrincipalID     string
	Since           time.Time
	Limit           int
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Store persists entries. Implementations never update or delete rows.
type Store interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// Recorder is what other packages depend on to write the trail.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Trail appends entries to a Store and mirrors each one as a structured log line.
// Persistence failures are logged and counted, never returned.
type Trail struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Trail)

func WithLogger(l *zap.Logger) Option {
	return func(t *Trail) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Trail) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTrail(store Store, opts ...Option) *Trail {
	t := &Trail{store: store, logger: obs.Logger(), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record stamps and appends e.
func (t *Trail) Record(ctx context.Context, e Entry) {
	if t == nil {
		return
	}
	e.Action = strings.TrimSpace(e.Action)
	if e.Action == "" {
		t.logger.Warn("audit entry without action dropped")
		return
	}
	if e.ID == "" {
		e.ID = ids.NewWithPrefix(ids.PrefixAudit)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = t.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}

	t.logger.Info("audit",
		zap.String("type", "audit"),
		zap.String("event", e.Action),
		zap.String("category", string(e.Category)),
		zap.String("request_id", e.RequestID),
		zap.String("principal_id", e.PrincipalID),
		zap.String("organization_id", e.OrganizationID),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
		zap.Any("fields", e.Detail),
	)

	if t.store == nil {
		return
	}
	// The caller's context may already be cancelled when a request aborts;
	// the row is still owed.
	if err := t.store.Append(context.WithoutCancel(ctx), e); err != nil {
		obs.AuditWriteFailures.Inc()
		t.logger.Error("audit append failed", zap.String("event", e.Action), zap.Error(err))
	}
}

// List returns entries newest first.
func (t *Trail) List(ctx context.Context, f Filter) ([]Entry, error) {
	if t == nil || t.store == nil {
		return nil, errors.New("audit store not configured")
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if !f.Unscoped && len(f.OrganizationIDs) == 0 {
		return []Entry{}, nil
	}
	return t.store.List(ctx, f)
}
