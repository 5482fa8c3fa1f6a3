package conflict

import (
	"sort"

	"github.com/odyssey-erp/access-advisor/internal/normalize"
)

// DetectUser evaluates every pair of the user's roles against the matrix.
// Role keys may arrive in any order and may repeat.
func DetectUser(m *Matrix, userID string, roleKeys []string) []Violation {
	if m == nil || len(roleKeys) < 2 {
		return nil
	}
	keys := dedupe(roleKeys)
	var out []Violation
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			for _, rule := range m.Lookup(keys[i], keys[j]) {
				out = append(out, Violation{
					UserID:      userID,
					RoleA:       rule.RoleA,
					RoleB:       rule.RoleB,
					RuleID:      rule.ID,
					Severity:    rule.Severity,
					Category:    rule.Category,
					RiskType:    rule.RiskType,
					Description: rule.Description,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// Detect runs DetectUser over every active user in the feature set.
func Detect(m *Matrix, users []normalize.Features) []Violation {
	var out []Violation
	for _, f := range users {
		if !f.User.Active {
			continue
		}
		out = append(out, DetectUser(m, f.User.ID, f.RoleKeys())...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
