package conflict

import (
	"sort"

	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/settings"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

type pairKey struct {
	lo, hi string
}

func newPairKey(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Matrix is an immutable, validated version of the conflict rules. Enabled
// rules are indexed by unordered canonical role pair.
type Matrix struct {
	version string
	rules   []Rule
	byID    map[string]int
	index   map[pairKey][]Rule
}

// NewMatrix validates rules and builds the pair index.
func NewMatrix(version string, rules []Rule) (*Matrix, error) {
	file := MatrixFile{Version: version, Rules: rules}
	if err := settings.Validate(file); err != nil {
		return nil, err
	}
	m := &Matrix{
		version: version,
		rules:   make([]Rule, len(rules)),
		byID:    make(map[string]int, len(rules)),
		index:   make(map[pairKey][]Rule),
	}
	copy(m.rules, rules)
	sort.Slice(m.rules, func(i, j int) bool { return m.rules[i].ID < m.rules[j].ID })
	for i, r := range m.rules {
		if _, dup := m.byID[r.ID]; dup {
			return nil, shared.ConfigError("conflict: duplicate rule id %q", r.ID)
		}
		a, b := normalize.CanonicalID(r.RoleA), normalize.CanonicalID(r.RoleB)
		if a == b {
			return nil, shared.ConfigError("conflict: rule %q pairs role %q with itself", r.ID, r.RoleA)
		}
		m.byID[r.ID] = i
		if !r.Enabled {
			continue
		}
		key := newPairKey(a, b)
		m.index[key] = append(m.index[key], r)
	}
	return m, nil
}

// Version identifies the matrix revision, including enablement overrides.
func (m *Matrix) Version() string {
	if m == nil {
		return ""
	}
	return m.version
}

// Rules returns a copy of every rule, enabled or not, ordered by id.
func (m *Matrix) Rules() []Rule {
	if m == nil {
		return nil
	}
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Rule returns a rule by id.
func (m *Matrix) Rule(id string) (Rule, bool) {
	if m == nil {
		return Rule{}, false
	}
	i, ok := m.byID[id]
	if !ok {
		return Rule{}, false
	}
	return m.rules[i], true
}

// Lookup returns enabled rules linking two canonical role keys, in either order.
func (m *Matrix) Lookup(roleA, roleB string) []Rule {
	if m == nil {
		return nil
	}
	return m.index[newPairKey(roleA, roleB)]
}

// EnabledCount reports how many rules are active.
func (m *Matrix) EnabledCount() int {
	n := 0
	for _, rules := range m.index {
		n += len(rules)
	}
	return n
}

// withOverrides returns a new matrix with enablement flags replaced.
func (m *Matrix) withOverrides(version string, overrides map[string]bool) (*Matrix, error) {
	rules := m.Rules()
	for i := range rules {
		if enabled, ok := overrides[rules[i].ID]; ok {
			rules[i].Enabled = enabled
		}
	}
	return NewMatrix(version, rules)
}
