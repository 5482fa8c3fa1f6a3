package conflict

import (
	"sort"

	"github.com/odyssey-erp/access-advisor/internal/normalize"
)

// Graph is the role -> duty -> privilege adjacency built once per
// organisation snapshot.
type Graph struct {
	roles     map[string]*roleNode
	menuRoles map[string][]string
	menuTiers map[string][]string
}

type roleNode struct {
	name      string
	duties    map[string][]string
	menuItems []string
}

// BuildGraph indexes privilege edges. Input order does not matter.
func BuildGraph(privileges []normalize.SecurityPrivilege) *Graph {
	g := &Graph{
		roles:     make(map[string]*roleNode),
		menuRoles: make(map[string][]string),
		menuTiers: make(map[string][]string),
	}
	menuSets := make(map[string]map[string]struct{})
	roleMenus := make(map[string]map[string]struct{})
	roleSet := make(map[string]map[string]struct{})
	tierSet := make(map[string]map[string]struct{})
	for _, p := range privileges {
		node, ok := g.roles[p.RoleKey]
		if !ok {
			node = &roleNode{name: p.Role, duties: make(map[string][]string)}
			g.roles[p.RoleKey] = node
			roleMenus[p.RoleKey] = make(map[string]struct{})
		}
		key := p.RoleKey + "\x00" + p.Duty
		if menuSets[key] == nil {
			menuSets[key] = make(map[string]struct{})
		}
		if _, seen := menuSets[key][p.MenuItem]; !seen {
			menuSets[key][p.MenuItem] = struct{}{}
			node.duties[p.Duty] = append(node.duties[p.Duty], p.MenuItem)
		}
		roleMenus[p.RoleKey][p.MenuItem] = struct{}{}
		if roleSet[p.MenuItem] == nil {
			roleSet[p.MenuItem] = make(map[string]struct{})
		}
		roleSet[p.MenuItem][p.RoleKey] = struct{}{}
		if p.RequiredLicense != "" {
			if tierSet[p.MenuItem] == nil {
				tierSet[p.MenuItem] = make(map[string]struct{})
			}
			tierSet[p.MenuItem][p.RequiredLicense] = struct{}{}
		}
	}
	for key, node := range g.roles {
		for duty := range node.duties {
			sort.Strings(node.duties[duty])
		}
		node.menuItems = sortedKeys(roleMenus[key])
	}
	for menu, roles := range roleSet {
		g.menuRoles[menu] = sortedKeys(roles)
	}
	for menu, tiers := range tierSet {
		g.menuTiers[menu] = sortedKeys(tiers)
	}
	return g
}

// HasRole reports whether the graph knows the canonical role key.
func (g *Graph) HasRole(roleKey string) bool {
	if g == nil {
		return false
	}
	_, ok := g.roles[roleKey]
	return ok
}

// Duties lists the duties of a role.
func (g *Graph) Duties(roleKey string) []string {
	if g == nil {
		return nil
	}
	node, ok := g.roles[roleKey]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(node.duties))
	for duty := range node.duties {
		out = append(out, duty)
	}
	sort.Strings(out)
	return out
}

// MenuItems lists every menu item reachable from a role through its duties.
func (g *Graph) MenuItems(roleKey string) []string {
	if g == nil {
		return nil
	}
	if node, ok := g.roles[roleKey]; ok {
		return node.menuItems
	}
	return nil
}

// RolesGranting lists the roles that reach a menu item.
func (g *Graph) RolesGranting(menuItem string) []string {
	if g == nil {
		return nil
	}
	return g.menuRoles[menuItem]
}

// RequiredLicenses lists the license tiers declared for a menu item. The
// eligibility table is trusted configuration of unverified accuracy.
func (g *Graph) RequiredLicenses(menuItem string) []string {
	if g == nil {
		return nil
	}
	return g.menuTiers[menuItem]
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
