package access

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// Capability is a named permission. The set is closed: role data naming
// anything outside it is rejected at load time.
type Capability string

const (
	CapManageExtractions    Capability = "manage-extractions"
	CapRunAnalysis          Capability = "run-analysis"
	CapViewReports          Capability = "view-reports"
	CapManageAlerts         Capability = "manage-alerts"
	CapManageUsers          Capability = "manage-users"
	CapManageOrganization   Capability = "manage-organization"
	CapManageClients        Capability = "manage-clients"
	CapAccessAllClients     Capability = "access-all-clients"
	CapManageMSSPSettings   Capability = "manage-mssp-settings"
	CapViewBilling          Capability = "view-billing"
	CapManageSubscriptions  Capability = "manage-subscriptions"
	CapUseAdvancedAnalytics Capability = "use-advanced-analytics"
	CapAccessThreatIntel    Capability = "access-threat-intel"
	CapManageIntegrations   Capability = "manage-integrations"
	CapExportData           Capability = "export-data"
	CapViewAuditLogs        Capability = "view-audit-logs"
	CapManageSystemSettings Capability = "manage-system-settings"
	CapAccessAPI            Capability = "access-api"
	CapCreateIncidents      Capability = "create-incidents"
	CapManageIncidents      Capability = "manage-incidents"
	CapEscalateIncidents    Capability = "escalate-incidents"
	CapCloseIncidents       Capability = "close-incidents"

	// Service-only capabilities. Human principals never hold these.
	CapReportJobStatus    Capability = "report-job-status"
	CapCreateInternalJobs Capability = "create-internal-jobs"
)

var capabilities = map[Capability]bool{
	CapManageExtractions:    false,
	CapRunAnalysis:          false,
	CapViewReports:          false,
	CapManageAlerts:         false,
	CapManageUsers:          false,
	CapManageOrganization:   false,
	CapManageClients:        false,
	CapAccessAllClients:     false,
	CapManageMSSPSettings:   false,
	CapViewBilling:          false,
	CapManageSubscriptions:  false,
	CapUseAdvancedAnalytics: false,
	CapAccessThreatIntel:    false,
	CapManageIntegrations:   false,
	CapExportData:           false,
	CapViewAuditLogs:        false,
	CapManageSystemSettings: false,
	CapAccessAPI:            false,
	CapCreateIncidents:      false,
	CapManageIncidents:      false,
	CapEscalateIncidents:    false,
	CapCloseIncidents:       false,
	CapReportJobStatus:      true,
	CapCreateInternalJobs:   true,
}

// ErrUnknownCapability is returned when parsing a name outside the closed set.
var ErrUnknownCapability = errors.New("access: unknown capability")

// ParseCapability validates a capability name.
func ParseCapability(name string) (Capability, error) {
	c := Capability(name)
	if _, ok := capabilities[c]; !ok {
		return "", errors.Wrapf(ErrUnknownCapability, "%q", name)
	}
	return c, nil
}

// Valid reports whether c is a member of the closed set.
func (c Capability) Valid() bool {
	_, ok := capabilities[c]
	return ok
}

// ServiceOnly reports whether c may only be held by service identities.
func (c Capability) ServiceOnly() bool {
	return capabilities[c]
}

// AllCapabilities returns every capability in lexical order.
func AllCapabilities() []Capability {
	out := make([]Capability, 0, len(capabilities))
	for c := range capabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Permissions is a capability snapshot. Missing keys mean false.
type Permissions map[Capability]bool

// Allows reports whether the snapshot grants c.
func (p Permissions) Allows(c Capability) bool {
	return p[c]
}

// Clone returns an independent copy.
func (p Permissions) Clone() Permissions {
	out := make(Permissions, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Granted lists the capabilities set to true, sorted.
func (p Permissions) Granted() []Capability {
	out := make([]Capability, 0, len(p))
	for c, ok := range p {
		if ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply returns a copy of p with overrides applied on top.
func (p Permissions) Apply(overrides Permissions) Permissions {
	out := p.Clone()
	for c, v := range overrides {
		out[c] = v
	}
	return out
}
