// Package conflict detects Segregation-of-Duties violations by evaluating a
// user's role pairs against a versioned conflict rule matrix.
package conflict

// Severity ranks a conflict rule.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Rank maps severities onto 1 (LOW) .. 4 (CRITICAL); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Rule is one row of the conflict rule matrix.
type Rule struct {
	ID          string   `yaml:"id" json:"id" validate:"required"`
	Category    string   `yaml:"category" json:"category" validate:"required"`
	RoleA       string   `yaml:"roleA" json:"role_a" validate:"required"`
	RoleB       string   `yaml:"roleB" json:"role_b" validate:"required"`
	Severity    Severity `yaml:"severity" json:"severity" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
	Description string   `yaml:"description" json:"description"`
	RiskType    string   `yaml:"riskType" json:"risk_type"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
}

// MatrixFile is the on-disk shape of the conflict rule matrix.
type MatrixFile struct {
	Version string `yaml:"version" validate:"required"`
	Rules   []Rule `yaml:"rules" validate:"dive"`
}

// Violation is a detected role-pair conflict for one user. Roles are reported
// in the rule's orientation so the result does not depend on assignment order.
type Violation struct {
	UserID      string   `json:"user_id"`
	RoleA       string   `json:"role_a"`
	RoleB       string   `json:"role_b"`
	RuleID      string   `json:"rule_id"`
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	RiskType    string   `json:"risk_type,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Snapshot pairs the permission graph with the matrix version in force for
// one run. Both are read-only once built.
type Snapshot struct {
	Graph  *Graph
	Matrix *Matrix
}
