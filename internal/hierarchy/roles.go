package hierarchy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

//go:embed roles/default.yaml
var defaultRolesYAML []byte

// OrchestratorRole is the role name of the root node.
const OrchestratorRole = "orchestrator"

// Role is a leader role and its behavioral contract.
type Role struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Contract    string `yaml:"contract"`
}

// Catalog is the closed set of roles a hierarchy accepts. Role names from
// agent output are checked against it before any node is created.
type Catalog struct {
	roles map[string]Role
	order []string
}

type catalogFile struct {
	Roles []Role `yaml:"roles"`
}

// ParseCatalog decodes a YAML role catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse role catalog: %w", err)
	}
	c := &Catalog{roles: make(map[string]Role)}
	for _, r := range f.Roles {
		name := NormalizeRole(r.Name)
		if name == "" {
			return nil, fmt.Errorf("role catalog: role without a name")
		}
		if name == OrchestratorRole {
			return nil, fmt.Errorf("role catalog: %q is reserved", name)
		}
		if _, dup := c.roles[name]; dup {
			return nil, fmt.Errorf("role catalog: duplicate role %q", name)
		}
		r.Name = name
		c.roles[name] = r
		c.order = append(c.order, name)
	}
	if len(c.order) == 0 {
		return nil, fmt.Errorf("role catalog has no roles")
	}
	return c, nil
}

// LoadCatalog reads a role catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in roles.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultRolesYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in role catalog: %v", err))
	}
	return c
}

// NormalizeRole canonicalizes a role name.
func NormalizeRole(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Lookup returns the role for a (non-normalized) name.
func (c *Catalog) Lookup(name string) (Role, bool) {
	r, ok := c.roles[NormalizeRole(name)]
	return r, ok
}

// Has reports whether name is a known role.
func (c *Catalog) Has(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// Roles returns the roles in catalog order.
func (c *Catalog) Roles() []Role {
	out := make([]Role, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.roles[name])
	}
	return out
}

// Names returns the sorted role names.
func (c *Catalog) Names() []string {
	names := append([]string(nil), c.order...)
	sort.Strings(names)
	return names
}
