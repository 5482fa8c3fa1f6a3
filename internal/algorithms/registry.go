package algorithms

import (
	"fmt"
	"sort"
)

// Registry is a lookup table of algorithms keyed by id.
type Registry struct {
	byID  map[string]Algorithm
	order []string
}

// NewRegistry indexes algorithms. Duplicate ids are rejected.
func NewRegistry(algs ...Algorithm) (*Registry, error) {
	r := &Registry{byID: make(map[string]Algorithm, len(algs))}
	for _, a := range algs {
		if a == nil || a.ID() == "" {
			return nil, fmt.Errorf("algorithms: empty algorithm id")
		}
		if _, dup := r.byID[a.ID()]; dup {
			return nil, fmt.Errorf("algorithms: duplicate id %q", a.ID())
		}
		r.byID[a.ID()] = a
		r.order = append(r.order, a.ID())
	}
	sort.Strings(r.order)
	return r, nil
}

// Default returns the built-in portfolio.
func Default() *Registry {
	r, err := NewRegistry(
		ReadOnlyDowngrade{},
		LicenseTierMismatch{},
		InactiveUser{},
		OrphanedAccount{},
		RoleOverlap{},
		UnusedRoles{},
		ExcessiveRoles{},
		PrivilegeCreep{},
		AfterHoursActivity{},
		SoDConflict{},
		SecurityRiskScore{},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Get looks an algorithm up by id.
func (r *Registry) Get(id string) (Algorithm, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// IDs lists the registered ids in stable order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All lists the registered algorithms in stable order.
func (r *Registry) All() []Algorithm {
	out := make([]Algorithm, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len returns the number of registered algorithms.
func (r *Registry) Len() int { return len(r.order) }
