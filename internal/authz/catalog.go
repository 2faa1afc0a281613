package authz

import "sort"

// LegacyWildcard is the sentinel legacy roles used to mean "everything".
const LegacyWildcard = "*"

// StandardActions is the action set granted for module-level legacy
// wildcards such as "finance.*".
var StandardActions = []string{"view", "create", "edit", "delete"}

// DefaultCommonViewSubmodules is the heuristic list of submodules that a
// pre-migration "module.view" grant is expanded to. The names are
// configuration, not law: they are intersected with the catalog so an
// entry that a module does not define never produces a grant.
var DefaultCommonViewSubmodules = []string{"transactions", "reports", "documents"}

// sensitivePaths is the fixed allow-list of permissions whose real-world
// usage is surfaced during inspection.
var sensitivePaths = map[string]struct{}{
	"finance.transactions.override": {},
	"finance.transactions.delete":   {},
	"audit.logs.view":               {},
	"users.credentials.reset":       {},
}

// IsSensitivePath reports whether the canonical path is on the sensitive
// allow-list.
func IsSensitivePath(path string) bool {
	_, ok := sensitivePaths[path]
	return ok
}

// SensitivePaths returns the sensitive allow-list in sorted order.
func SensitivePaths() []string {
	out := make([]string, 0, len(sensitivePaths))
	for path := range sensitivePaths {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

type moduleDef struct {
	name       string
	actions    []string
	submodules map[string][]string
}

// Haven platform permission catalog. Static per build; extending it is a
// code change, not configuration.
var catalogDefs = []moduleDef{
	{name: "dashboard", actions: []string{"view"}},
	{name: "properties", actions: StandardActions, submodules: map[string][]string{
		"units":     StandardActions,
		"amenities": StandardActions,
		"documents": {"view", "create", "delete"},
	}},
	{name: "leases", actions: StandardActions, submodules: map[string][]string{
		"agreements": StandardActions,
		"renewals":   {"view", "create", "edit"},
		"documents":  {"view", "create", "delete"},
	}},
	{name: "tenants", actions: StandardActions, submodules: map[string][]string{
		"contacts":  StandardActions,
		"payments":  {"view", "create"},
		"documents": {"view", "create", "delete"},
	}},
	{name: "finance", actions: append(StandardActions[:4:4], "approve"), submodules: map[string][]string{
		"transactions": {"view", "create", "edit", "delete", "approve", "override"},
		"invoices":     StandardActions,
		"reports":      {"view", "export"},
	}},
	{name: "crm", actions: StandardActions, submodules: map[string][]string{
		"leads": StandardActions,
		"deals": StandardActions,
	}},
	{name: "hr", actions: StandardActions, submodules: map[string][]string{
		"attendance": {"view", "edit"},
		"leave":      {"view", "create", "edit"},
		"payroll":    {"view", "create", "approve"},
	}},
	{name: "support", actions: StandardActions, submodules: map[string][]string{
		"tickets": StandardActions,
	}},
	{name: "notifications", actions: []string{"view", "edit"}},
	{name: "users", actions: append(StandardActions[:4:4], "invite"), submodules: map[string][]string{
		"credentials": {"view", "reset"},
	}},
	{name: "roles", actions: append(StandardActions[:4:4], "assign"), submodules: map[string][]string{
		"permissions": {"view", "edit"},
	}},
	{name: "audit", actions: []string{"view"}, submodules: map[string][]string{
		"logs": {"view", "export"},
	}},
	{name: "settings", actions: []string{"view", "edit"}},
}

// Catalog is the full set of permission paths the platform defines.
type Catalog struct {
	paths    []string
	pathSet  map[string]struct{}
	byModule map[string][]string
	subs     map[string]map[string][]string
}

// DefaultCatalog builds the static Haven catalog.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		pathSet:  make(map[string]struct{}),
		byModule: make(map[string][]string),
		subs:     make(map[string]map[string][]string),
	}
	for _, def := range catalogDefs {
		var modulePaths []string
		for _, action := range def.actions {
			modulePaths = append(modulePaths, FormatPath(def.name, "", action))
		}
		subActions := make(map[string][]string, len(def.submodules))
		for sub, actions := range def.submodules {
			subActions[sub] = actions
			for _, action := range actions {
				modulePaths = append(modulePaths, FormatPath(def.name, sub, action))
			}
		}
		sort.Strings(modulePaths)
		c.byModule[def.name] = modulePaths
		c.subs[def.name] = subActions
		for _, p := range modulePaths {
			c.pathSet[p] = struct{}{}
			c.paths = append(c.paths, p)
		}
	}
	sort.Strings(c.paths)
	return c
}

// Paths returns every catalog path in sorted order.
func (c *Catalog) Paths() []string {
	out := make([]string, len(c.paths))
	copy(out, c.paths)
	return out
}

// ByModule returns the module name to sorted path list mapping.
func (c *Catalog) ByModule() map[string][]string {
	out := make(map[string][]string, len(c.byModule))
	for module, paths := range c.byModule {
		cp := make([]string, len(paths))
		copy(cp, paths)
		out[module] = cp
	}
	return out
}

// Contains reports whether the canonical path exists in the catalog.
func (c *Catalog) Contains(path string) bool {
	_, ok := c.pathSet[path]
	return ok
}

// HasModule reports whether the module is defined.
func (c *Catalog) HasModule(module string) bool {
	_, ok := c.byModule[module]
	return ok
}

// SubmoduleActions returns the actions defined for module.submodule, or
// nil when the pair is not in the catalog.
func (c *Catalog) SubmoduleActions(module, submodule string) []string {
	subs, ok := c.subs[module]
	if !ok {
		return nil
	}
	return subs[submodule]
}

// Size returns the number of catalog paths.
func (c *Catalog) Size() int {
	return len(c.paths)
}
