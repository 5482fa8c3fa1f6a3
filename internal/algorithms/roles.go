package algorithms

import (
	"fmt"
	"sort"
	"time"

	"github.com/odyssey-erp/access-advisor/internal/normalize"
)

// RoleOverlap flags a role whose privileges are largely contained in another
// role the same user holds.
type RoleOverlap struct{}

func (RoleOverlap) ID() string          { return "role_overlap" }
func (RoleOverlap) Type() Type          { return TypeRoleCleanup }
func (RoleOverlap) Signal() SignalRange { return Ratio() }
func (RoleOverlap) Requires() []string  { return []string{"overlap_threshold"} }

func (a RoleOverlap) Evaluate(f normalize.Features, org *OrgContext, p Params) (Result, error) {
	threshold, err := p.Float("overlap_threshold")
	if err != nil {
		return Result{}, err
	}
	if !f.User.Active {
		return Clear(), nil
	}
	if f.RolesUnknown {
		return unknownRoles(), nil
	}
	if len(f.Roles) < 2 {
		return Clear(), nil
	}
	graph := org.Conflict.Graph
	keys := f.RoleKeys()
	sort.Strings(keys)
	sets := make(map[string]map[string]struct{}, len(keys))
	for _, key := range keys {
		items := graph.MenuItems(key)
		if len(items) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(items))
		for _, item := range items {
			set[item] = struct{}{}
		}
		sets[key] = set
	}

	best := 0.0
	var redundant, covering string
	shared := 0
	// Ties resolve to the first pair in key order.
	for _, x := range keys {
		setA, ok := sets[x]
		if !ok {
			continue
		}
		for _, y := range keys {
			setB, ok := sets[y]
			if x == y || !ok {
				continue
			}
			common := 0
			for item := range setA {
				if _, hit := setB[item]; hit {
					common++
				}
			}
			ratio := round4(float64(common) / float64(len(setA)))
			if ratio > best {
				best, redundant, covering, shared = ratio, x, y, common
			}
		}
	}
	if redundant == "" || best < threshold {
		return Clear(), nil
	}
	out := finding(a, f, best, map[string]any{
		"redundant_role": redundant,
		"covering_role":  covering,
		"shared_items":   shared,
		"containment":    best,
	})
	out.Subject = redundant
	return Detected(out), nil
}

// UnusedRoles flags users holding roles none of whose menu items were touched
// within the activity window.
type UnusedRoles struct{}

func (UnusedRoles) ID() string          { return "unused_roles" }
func (UnusedRoles) Type() Type          { return TypeRoleCleanup }
func (UnusedRoles) Signal() SignalRange { return Ratio() }
func (UnusedRoles) Requires() []string {
	return []string{"min_activity_count", "unused_share_threshold"}
}

func (a UnusedRoles) Evaluate(f normalize.Features, org *OrgContext, p Params) (Result, error) {
	minEvents, err := p.Int("min_activity_count")
	if err != nil {
		return Result{}, err
	}
	threshold, err := p.Float("unused_share_threshold")
	if err != nil {
		return Result{}, err
	}
	if !f.User.Active {
		return Clear(), nil
	}
	if f.RolesUnknown {
		return unknownRoles(), nil
	}
	if len(f.Roles) == 0 {
		return Clear(), nil
	}
	if f.InsufficientData || f.EventCount < minEvents {
		return InsufficientData(fmt.Sprintf("%d activity events, need %d", f.EventCount, minEvents)), nil
	}
	share, unused, considered := unusedRoleShare(f, org)
	if considered == 0 || share < threshold {
		return Clear(), nil
	}
	out := finding(a, f, share, map[string]any{
		"unused_roles": unused,
		"role_count":   considered,
	})
	return Detected(out), nil
}

func unusedRoleShare(f normalize.Features, org *OrgContext) (float64, []string, int) {
	touched := make(map[string]struct{}, len(f.Forms))
	for _, form := range f.Forms {
		touched[form] = struct{}{}
	}
	unused := []string{}
	considered := 0
	for _, key := range f.RoleKeys() {
		items := org.Conflict.Graph.MenuItems(key)
		if len(items) == 0 {
			continue
		}
		considered++
		used := false
		for _, item := range items {
			if _, ok := touched[item]; ok {
				used = true
				break
			}
		}
		if !used {
			unused = append(unused, key)
		}
	}
	if considered == 0 {
		return 0, unused, 0
	}
	return round4(float64(len(unused)) / float64(considered)), unused, considered
}

// ExcessiveRoles flags users holding more active roles than allowed.
type ExcessiveRoles struct{}

func (ExcessiveRoles) ID() string          { return "excessive_roles" }
func (ExcessiveRoles) Type() Type          { return TypeAccessRisk }
func (ExcessiveRoles) Signal() SignalRange { return Count(0, 40) }
func (ExcessiveRoles) Requires() []string  { return []string{"max_roles"} }

func (a ExcessiveRoles) Evaluate(f normalize.Features, _ *OrgContext, p Params) (Result, error) {
	maxRoles, err := p.Int("max_roles")
	if err != nil {
		return Result{}, err
	}
	if !f.User.Active {
		return Clear(), nil
	}
	if f.RolesUnknown {
		return unknownRoles(), nil
	}
	if f.RoleCount <= maxRoles {
		return Clear(), nil
	}
	out := finding(a, f, float64(f.RoleCount), map[string]any{
		"role_count": f.RoleCount,
		"max_roles":  maxRoles,
		"roles":      f.RoleKeys(),
	})
	return Detected(out), nil
}

// PrivilegeCreep flags users who accumulated many active roles within the
// lookback window.
type PrivilegeCreep struct{}

func (PrivilegeCreep) ID() string          { return "privilege_creep" }
func (PrivilegeCreep) Type() Type          { return TypeAccessRisk }
func (PrivilegeCreep) Signal() SignalRange { return Count(0, 20) }
func (PrivilegeCreep) Requires() []string {
	return []string{"lookback_days", "max_new_roles"}
}

func (a PrivilegeCreep) Evaluate(f normalize.Features, org *OrgContext, p Params) (Result, error) {
	lookback, err := p.Int("lookback_days")
	if err != nil {
		return Result{}, err
	}
	maxNew, err := p.Int("max_new_roles")
	if err != nil {
		return Result{}, err
	}
	if !f.User.Active {
		return Clear(), nil
	}
	if f.RolesUnknown {
		return unknownRoles(), nil
	}
	granted := recentGrants(f, org.AsOf, lookback)
	if len(granted) < maxNew {
		return Clear(), nil
	}
	out := finding(a, f, float64(len(granted)), map[string]any{
		"granted_roles": granted,
		"lookback_days": lookback,
		"role_count":    f.RoleCount,
	})
	return Detected(out), nil
}

func recentGrants(f normalize.Features, asOf time.Time, lookbackDays int) []string {
	since := asOf.AddDate(0, 0, -lookbackDays)
	granted := []string{}
	for _, r := range f.Roles {
		if r.AssignedAt.After(since) && !r.AssignedAt.After(asOf) {
			granted = append(granted, r.RoleKey)
		}
	}
	return granted
}
