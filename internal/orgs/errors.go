package orgs

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
)

var (
	ErrNotFound     = errors.New("orgs: not found")
	ErrConflict     = errors.New("orgs: already exists")
	ErrInvalidInput = errors.New("orgs: invalid input")

	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("orgs: organization not ready for extraction")
)

// Missing field names reported by ConfigurationError.
const (
	MissingApplicationID = "applicationId"
	MissingSecret        = "clientSecret or certificateThumbprint"
	MissingTenantID      = "tenantId"
	MissingActive        = "active organization"
	MissingParentActive  = "parent-inactive"
)

// ConfigurationError lists everything preventing an extraction from being
// dispatched for an organization.
type ConfigurationError struct {
	OrganizationID string
	Missing        []string
	causes         *multierror.Error
}

func (e *ConfigurationError) Error() string {
	return "organization " + e.OrganizationID + " is not ready for extraction: missing " + strings.Join(e.Missing, ", ")
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Unwrap exposes the individual causes.
func (e *ConfigurationError) Unwrap() error {
	return e.causes.ErrorOrNil()
}

func (e *ConfigurationError) add(field string) {
	e.Missing = append(e.Missing, field)
	e.causes = multierror.Append(e.causes, errors.Newf("%s is required", field))
}

// AsConfigurationError extracts a ConfigurationError from err.
func AsConfigurationError(err error) (*ConfigurationError, bool) {
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return cfg, true
	}
	return nil, false
}
