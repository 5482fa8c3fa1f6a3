// Package normalize turns heterogeneous upstream feed rows into canonical
// per-user feature records.
package normalize

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FeatureSet is the normalizer output: one Features record per known user,
// sorted by user id, plus the canonical privilege edges.
type FeatureSet struct {
	OrgID      string              `json:"org_id"`
	Version    string              `json:"version"`
	AsOf       time.Time           `json:"as_of"`
	WindowDays int                 `json:"window_days"`
	Users      []Features          `json:"users"`
	Privileges []SecurityPrivilege `json:"privileges"`
	index      map[string]int
}

// Get returns the features of a single user.
func (fs FeatureSet) Get(userID string) (Features, bool) {
	i, ok := fs.index[CanonicalID(userID)]
	if !ok {
		return Features{}, false
	}
	return fs.Users[i], true
}

// Only returns a copy of the set restricted to the given user.
func (fs FeatureSet) Only(userID string) FeatureSet {
	out := fs
	out.Users = nil
	out.index = make(map[string]int, 1)
	if f, ok := fs.Get(userID); ok {
		out.Users = []Features{f}
		out.index[f.User.ID] = 0
	}
	return out
}

// Normalize converts a raw batch into a FeatureSet. Rows with unresolvable
// identifiers or malformed fields are counted in Stats and skipped. The output
// depends only on the inputs, so repeated calls are byte-identical once
// marshalled.
func Normalize(batch RawBatch, opts Options) (FeatureSet, Stats) {
	opts = withDefaults(opts)
	stats := Stats{Dropped: map[string]int{}}

	users := make(map[string]*Features)
	for _, row := range batch.RoleConfig.Users {
		id := CanonicalID(row.UserID)
		if id == "" {
			stats.drop(DropUnresolvedUser)
			continue
		}
		if _, dup := users[id]; dup {
			stats.drop(DropDuplicateUser)
			continue
		}
		rec, ok := parseUser(id, row)
		if !ok {
			stats.drop(DropMalformedRow)
			continue
		}
		users[id] = &Features{User: rec}
	}
	stats.Users = len(users)

	privileges := parsePrivileges(batch.RoleConfig.Privileges, &stats)

	type assignmentKey struct{ user, role string }
	assignments := make(map[assignmentKey]RoleAssignment)
	for _, row := range batch.Assignments {
		userID := CanonicalID(row.UserID)
		if _, ok := users[userID]; !ok {
			stats.drop(DropUnresolvedUser)
			continue
		}
		a, ok := parseAssignment(userID, row)
		if !ok {
			stats.drop(DropMalformedRow)
			continue
		}
		key := assignmentKey{user: userID, role: a.RoleKey}
		if prev, dup := assignments[key]; dup {
			stats.drop(DropDuplicateAssignment)
			if !newerAssignment(a, prev) {
				continue
			}
		}
		assignments[key] = a
	}
	for _, a := range assignments {
		f := users[a.UserID]
		f.History = append(f.History, a)
		if a.Active {
			f.Roles = append(f.Roles, a)
		}
	}

	windowStart := opts.AsOf.Add(-time.Duration(opts.WindowDays) * 24 * time.Hour)
	type counters struct {
		afterHours int
		forms      map[string]struct{}
	}
	acc := make(map[string]*counters)
	for _, row := range batch.Activity {
		userID := CanonicalID(row.UserID)
		f, ok := users[userID]
		if !ok {
			stats.drop(DropUnresolvedUser)
			continue
		}
		ev, reason := parseEvent(userID, row)
		if reason != "" {
			stats.drop(reason)
			continue
		}
		if ev.At.After(opts.AsOf) {
			stats.OutOfWindow++
			continue
		}
		if f.User.LastActivity == nil || ev.At.After(*f.User.LastActivity) {
			at := ev.At
			f.User.LastActivity = &at
		}
		if ev.At.Before(windowStart) {
			stats.OutOfWindow++
			continue
		}
		stats.Events++
		c, ok := acc[userID]
		if !ok {
			c = &counters{forms: make(map[string]struct{})}
			acc[userID] = c
		}
		f.EventCount++
		switch ev.Action {
		case ActionRead:
			f.ReadCount++
		case ActionWrite:
			f.WriteCount++
		case ActionDelete:
			f.DeleteCount++
		}
		if afterHours(ev.At, opts) {
			c.afterHours++
		}
		if ev.MenuItem != "" {
			c.forms[ev.MenuItem] = struct{}{}
		}
	}

	out := FeatureSet{
		OrgID:      batch.OrgID,
		Version:    batch.Version,
		AsOf:       opts.AsOf,
		WindowDays: opts.WindowDays,
		Users:      make([]Features, 0, len(users)),
		Privileges: privileges,
		index:      make(map[string]int, len(users)),
	}
	for id, f := range users {
		sortAssignments(f.Roles)
		sortAssignments(f.History)
		f.RoleCount = len(f.Roles)
		if c, ok := acc[id]; ok && f.EventCount > 0 {
			n := float64(f.EventCount)
			f.ReadRatio = round4(float64(f.ReadCount) / n)
			f.WriteRatio = round4(float64(f.WriteCount+f.DeleteCount) / n)
			f.AfterHoursRatio = round4(float64(c.afterHours) / n)
			f.Forms = make([]string, 0, len(c.forms))
			for form := range c.forms {
				f.Forms = append(f.Forms, form)
			}
			sort.Strings(f.Forms)
			f.DistinctForms = len(f.Forms)
		}
		if f.Forms == nil {
			f.Forms = []string{}
		}
		if f.Roles == nil {
			f.Roles = []RoleAssignment{}
		}
		if f.History == nil {
			f.History = []RoleAssignment{}
		}
		f.InsufficientData = batch.ActivityMissing || f.EventCount == 0
		f.RolesUnknown = batch.AssignmentsMissing
		out.Users = append(out.Users, *f)
	}
	sort.Slice(out.Users, func(i, j int) bool {
		return out.Users[i].User.ID < out.Users[j].User.ID
	})
	for i, f := range out.Users {
		out.index[f.User.ID] = i
	}
	return out, stats
}

func withDefaults(opts Options) Options {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.BusinessHoursEnd <= opts.BusinessHoursStart {
		opts.BusinessHoursStart, opts.BusinessHoursEnd = 8, 18
	}
	if opts.WindowDays < 0 {
		opts.WindowDays = 0
	}
	opts.AsOf = opts.AsOf.UTC()
	return opts
}

func parseUser(id string, row RawUserRow) (UserRecord, bool) {
	rec := UserRecord{
		ID:          id,
		DisplayID:   strings.TrimSpace(row.UserID),
		LicenseTier: CanonicalTier(row.LicenseTier),
		Department:  cleanLabel(row.Department),
	}
	if cost := strings.TrimSpace(row.MonthlyCost); cost != "" {
		v, err := strconv.ParseFloat(cost, 64)
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return UserRecord{}, false
		}
		rec.MonthlyCost = v
	}
	active, ok := parseFlag(row.Active, true)
	if !ok {
		return UserRecord{}, false
	}
	rec.Active = active
	if last := strings.TrimSpace(row.LastActivity); last != "" {
		at, err := time.Parse(time.RFC3339, last)
		if err != nil {
			return UserRecord{}, false
		}
		at = at.UTC()
		rec.LastActivity = &at
	}
	return rec, true
}

func parsePrivileges(rows []RawPrivilegeRow, stats *Stats) []SecurityPrivilege {
	seen := make(map[[3]string]struct{}, len(rows))
	out := make([]SecurityPrivilege, 0, len(rows))
	for _, row := range rows {
		roleKey := CanonicalID(row.Role)
		menu := CanonicalID(row.MenuItem)
		if roleKey == "" || menu == "" {
			stats.drop(DropMalformedRow)
			continue
		}
		duty := CanonicalID(row.Duty)
		if duty == "" {
			duty = menu
		}
		key := [3]string{roleKey, duty, menu}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, SecurityPrivilege{
			Role:            cleanLabel(row.Role),
			RoleKey:         roleKey,
			Duty:            duty,
			MenuItem:        menu,
			RequiredLicense: CanonicalTier(row.RequiredLicense),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoleKey != out[j].RoleKey {
			return out[i].RoleKey < out[j].RoleKey
		}
		if out[i].Duty != out[j].Duty {
			return out[i].Duty < out[j].Duty
		}
		return out[i].MenuItem < out[j].MenuItem
	})
	return out
}

func parseAssignment(userID string, row RawAssignmentRow) (RoleAssignment, bool) {
	roleKey := CanonicalID(row.Role)
	if roleKey == "" {
		return RoleAssignment{}, false
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(row.AssignedAt))
	if err != nil {
		return RoleAssignment{}, false
	}
	active, ok := parseFlag(row.Active, true)
	if !ok {
		return RoleAssignment{}, false
	}
	return RoleAssignment{
		UserID:     userID,
		Role:       cleanLabel(row.Role),
		RoleKey:    roleKey,
		AssignedAt: at.UTC(),
		Active:     active,
	}, true
}

func newerAssignment(a, b RoleAssignment) bool {
	if !a.AssignedAt.Equal(b.AssignedAt) {
		return a.AssignedAt.After(b.AssignedAt)
	}
	return a.Active && !b.Active
}

func parseEvent(userID string, row RawActivityRow) (ActivityEvent, string) {
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(row.At))
	if err != nil {
		return ActivityEvent{}, DropMalformedRow
	}
	var action Action
	switch Action(strings.ToLower(strings.TrimSpace(row.Action))) {
	case ActionRead:
		action = ActionRead
	case ActionWrite:
		action = ActionWrite
	case ActionDelete:
		action = ActionDelete
	default:
		return ActivityEvent{}, DropUnknownAction
	}
	return ActivityEvent{
		UserID:    userID,
		MenuItem:  CanonicalID(row.MenuItem),
		Action:    action,
		At:        at.UTC(),
		SessionID: strings.TrimSpace(row.SessionID),
	}, ""
}

func afterHours(at time.Time, opts Options) bool {
	local := at.In(opts.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	h := local.Hour()
	return h < opts.BusinessHoursStart || h >= opts.BusinessHoursEnd
}

func sortAssignments(items []RoleAssignment) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].AssignedAt.Equal(items[j].AssignedAt) {
			return items[i].AssignedAt.Before(items[j].AssignedAt)
		}
		return items[i].RoleKey < items[j].RoleKey
	})
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
