package normalize

import "time"

// Action enumerates the activity kinds recorded by telemetry.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// UserRecord is the canonical security-configuration view of a user.
type UserRecord struct {
	ID           string     `json:"id"`
	DisplayID    string     `json:"display_id"`
	LicenseTier  string     `json:"license_tier"`
	MonthlyCost  float64    `json:"monthly_cost"`
	Department   string     `json:"department"`
	Active       bool       `json:"active"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// RoleAssignment ties a user to a role. Unique on (UserID, RoleKey).
type RoleAssignment struct {
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
	RoleKey    string    `json:"role_key"`
	AssignedAt time.Time `json:"assigned_at"`
	Active     bool      `json:"active"`
}

// ActivityEvent is a single telemetry row after parsing.
type ActivityEvent struct {
	UserID    string
	MenuItem  string
	Action    Action
	At        time.Time
	SessionID string
}

// SecurityPrivilege is an edge of the permission graph.
type SecurityPrivilege struct {
	Role            string `json:"role"`
	RoleKey         string `json:"role_key"`
	Duty            string `json:"duty"`
	MenuItem        string `json:"menu_item"`
	RequiredLicense string `json:"required_license"`
}

// RawUserRow is an untyped user row from the security-configuration feed.
type RawUserRow struct {
	UserID       string
	LicenseTier  string
	MonthlyCost  string
	Department   string
	Active       string
	LastActivity string
}

// RawPrivilegeRow is an untyped privilege row from the security-configuration feed.
type RawPrivilegeRow struct {
	Role            string
	Duty            string
	MenuItem        string
	RequiredLicense string
}

// RawAssignmentRow is an untyped row from the role-assignment feed.
type RawAssignmentRow struct {
	UserID     string
	Role       string
	AssignedAt string
	Active     string
}

// RawActivityRow is an untyped row from the activity-telemetry feed.
type RawActivityRow struct {
	UserID    string
	MenuItem  string
	Action    string
	At        string
	SessionID string
}

// RawRoleConfig groups the security-configuration feed.
type RawRoleConfig struct {
	Users      []RawUserRow
	Privileges []RawPrivilegeRow
}

// RawBatch bundles the three upstream feeds for one organisation snapshot.
// A feed flagged missing (late or absent batch) yields insufficient data, not
// an error.
type RawBatch struct {
	OrgID              string
	Version            string
	RoleConfig         RawRoleConfig
	Assignments        []RawAssignmentRow
	Activity           []RawActivityRow
	AssignmentsMissing bool
	ActivityMissing    bool
}

// Options controls windowing and time classification.
type Options struct {
	WindowDays         int
	AsOf               time.Time
	BusinessHoursStart int
	BusinessHoursEnd   int
	Location           *time.Location
}

// Features is the fixed per-user feature record consumed by algorithms.
type Features struct {
	User             UserRecord       `json:"user"`
	Roles            []RoleAssignment `json:"roles"`
	History          []RoleAssignment `json:"history"`
	EventCount       int              `json:"event_count"`
	ReadCount        int              `json:"read_count"`
	WriteCount       int              `json:"write_count"`
	DeleteCount      int              `json:"delete_count"`
	ReadRatio        float64          `json:"read_ratio"`
	WriteRatio       float64          `json:"write_ratio"`
	AfterHoursRatio  float64          `json:"after_hours_ratio"`
	DistinctForms    int              `json:"distinct_forms"`
	Forms            []string         `json:"forms"`
	RoleCount        int              `json:"role_count"`
	InsufficientData bool             `json:"insufficient_data"`
	// RolesUnknown is set when the assignment feed was missing, so an empty
	// Roles slice carries no signal.
	RolesUnknown     bool             `json:"roles_unknown"`
}

// RoleKeys returns the canonical keys of the active roles.
func (f Features) RoleKeys() []string {
	keys := make([]string, 0, len(f.Roles))
	for _, r := range f.Roles {
		keys = append(keys, r.RoleKey)
	}
	return keys
}

// Drop reasons counted by the normalizer.
const (
	DropUnresolvedUser      = "unresolved_user"
	DropMalformedRow        = "malformed_row"
	DropUnknownAction       = "unknown_action"
	DropDuplicateUser       = "duplicate_user"
	DropDuplicateAssignment = "duplicate_assignment"
)

// Stats reports what the normalizer absorbed.
type Stats struct {
	Users       int            `json:"users"`
	Events      int            `json:"events"`
	OutOfWindow int            `json:"out_of_window"`
	Dropped     map[string]int `json:"dropped"`
}

// DroppedTotal sums all dropped rows.
func (s Stats) DroppedTotal() int {
	total := 0
	for _, n := range s.Dropped {
		total += n
	}
	return total
}

func (s *Stats) drop(reason string) {
	if s.Dropped == nil {
		s.Dropped = make(map[string]int)
	}
	s.Dropped[reason]++
}
