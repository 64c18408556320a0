package access

import (
	_ "embed"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
)

// Role names shipped in the default table. The table is data: roles can be
// added in a roles file without touching call sites.
type Role string

const (
	RoleSuperAdmin    Role = "super_admin"
	RoleMSSPAdmin     Role = "mssp_admin"
	RoleMSSPAnalyst   Role = "mssp_analyst"
	RoleAdmin         Role = "admin"
	RoleAnalyst       Role = "analyst"
	RoleViewer        Role = "viewer"
	RoleClientAdmin   Role = "client_admin"
	RoleClientAnalyst Role = "client_analyst"
	RoleClientViewer  Role = "client_viewer"
	RoleService       Role = "service"
)

//go:embed roles.toml
var defaultRolesTOML []byte

var ErrUnknownRole = errors.New("access: unknown role")

type roleFile struct {
	Version int                `toml:"version"`
	Roles   map[string]roleDef `toml:"roles"`
}

type roleDef struct {
	Description  string          `toml:"description"`
	Service      bool            `toml:"service"`
	Capabilities map[string]bool `toml:"capabilities"`
}

// RoleTable maps each role to its default capability snapshot.
type RoleTable struct {
	version      int
	snapshots    map[Role]Permissions
	descriptions map[Role]string
	service      map[Role]bool
}

// ParseRoleTable decodes and validates TOML role data. Every problem found is reported.
func ParseRoleTable(data []byte) (*RoleTable, error) {
	var raw roleFile
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, errors.Wrap(err, "decode role table")
	}
	if len(raw.Roles) == 0 {
		return nil, errors.New("role table defines no roles")
	}

	t := &RoleTable{
		version:      raw.Version,
		snapshots:    make(map[Role]Permissions, len(raw.Roles)),
		descriptions: make(map[Role]string, len(raw.Roles)),
		service:      make(map[Role]bool),
	}
	var problems *multierror.Error
	for name, def := range raw.Roles {
		role := Role(strings.TrimSpace(name))
		if role == "" {
			problems = multierror.Append(problems, errors.New("role with empty name"))
			continue
		}
		perms := make(Permissions, len(def.Capabilities))
		for capName, granted := range def.Capabilities {
			c, err := ParseCapability(capName)
			if err != nil {
				problems = multierror.Append(problems, errors.Wrapf(err, "role %s", role))
				continue
			}
			if granted && c.ServiceOnly() && !def.Service {
				problems = multierror.Append(problems, errors.Newf("role %s: %s is reserved for service roles", role, c))
				continue
			}
			perms[c] = granted
		}
		t.snapshots[role] = perms
		t.descriptions[role] = def.Description
		if def.Service {
			t.service[role] = true
		}
	}
	if err := problems.ErrorOrNil(); err != nil {
		return nil, err
	}
	return t, nil
}

// DefaultRoleTable returns the embedded table.
func DefaultRoleTable() *RoleTable {
	t, err := ParseRoleTable(defaultRolesTOML)
	if err != nil {
		panic(errors.Wrap(err, "embedded role table"))
	}
	return t
}

// LoadRoleTable reads a roles file, or the embedded table when path is empty.
func LoadRoleTable(path string) (*RoleTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRoleTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read role table %s", path)
	}
	return ParseRoleTable(data)
}

// Snapshot returns a copy of the role's capability map.
func (t *RoleTable) Snapshot(role Role) (Permissions, error) {
	perms, ok := t.snapshots[role]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRole, "%q", role)
	}
	return perms.Clone(), nil
}

// Allows reports the table default for a role and capability.
func (t *RoleTable) Allows(role Role, c Capability) bool {
	return t.snapshots[role].Allows(c)
}

// Has reports whether the role is defined.
func (t *RoleTable) Has(role Role) bool {
	_, ok := t.snapshots[role]
	return ok
}

// IsService reports whether the role is reserved for service identities.
func (t *RoleTable) IsService(role Role) bool {
	return t.service[role]
}

func (t *RoleTable) Description(role Role) string {
	return t.descriptions[role]
}

func (t *RoleTable) Version() int {
	return t.version
}

// Roles lists defined roles in lexical order.
func (t *RoleTable) Roles() []Role {
	out := make([]Role, 0, len(t.snapshots))
	for r := range t.snapshots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
