// Package ingest reads the upstream feeds from their PostgreSQL staging
// tables. Each feed arrives as versioned batches keyed by a stable user id.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Feed names a staging feed.
type Feed string

const (
	FeedSecurity    Feed = "security"
	FeedAssignments Feed = "assignments"
	FeedActivity    Feed = "activity"
)

// Batch describes one received feed batch.
type Batch struct {
	ID         int64
	OrgID      string
	Feed       Feed
	Version    string
	ReceivedAt time.Time
}

// Source loads the newest ready batch of every feed.
type Source struct {
	pool *pgxpool.Pool
	// MaxAge marks batches older than this as late. Zero disables the check.
	MaxAge time.Duration
	now    func() time.Time
}

// NewSource constructs a Source.
func NewSource(pool *pgxpool.Pool, maxAge time.Duration) *Source {
	return &Source{pool: pool, MaxAge: maxAge, now: time.Now}
}

// Load returns the raw inputs for a whole organisation.
func (s *Source) Load(ctx context.Context, orgID string) (normalize.RawBatch, error) {
	return s.load(ctx, orgID, "")
}

// LoadUser returns the raw inputs restricted to a single user. Privilege
// rows are always loaded in full.
func (s *Source) LoadUser(ctx context.Context, orgID, userID string) (normalize.RawBatch, error) {
	if strings.TrimSpace(userID) == "" {
		return normalize.RawBatch{}, shared.ValidationError("user id required")
	}
	return s.load(ctx, orgID, userID)
}

func (s *Source) load(ctx context.Context, orgID, userID string) (normalize.RawBatch, error) {
	batches, err := s.latestBatches(ctx, orgID)
	if err != nil {
		return normalize.RawBatch{}, err
	}
	security, ok := batches[FeedSecurity]
	if !ok {
		return normalize.RawBatch{}, fmt.Errorf("%w: no security configuration batch for org %s", shared.ErrInsufficientData, orgID)
	}
	out := normalize.RawBatch{OrgID: orgID}
	versions := []string{string(FeedSecurity) + "@" + security.Version}

	if out.RoleConfig.Users, err = s.users(ctx, security.ID, userID); err != nil {
		return normalize.RawBatch{}, err
	}
	if out.RoleConfig.Privileges, err = s.privileges(ctx, security.ID); err != nil {
		return normalize.RawBatch{}, err
	}

	if b, ok := batches[FeedAssignments]; ok && !s.late(b) {
		versions = append(versions, string(FeedAssignments)+"@"+b.Version)
		if out.Assignments, err = s.assignments(ctx, b.ID, userID); err != nil {
			return normalize.RawBatch{}, err
		}
	} else {
		out.AssignmentsMissing = true
	}
	if b, ok := batches[FeedActivity]; ok && !s.late(b) {
		versions = append(versions, string(FeedActivity)+"@"+b.Version)
		if out.Activity, err = s.activity(ctx, b.ID, userID); err != nil {
			return normalize.RawBatch{}, err
		}
	} else {
		out.ActivityMissing = true
	}
	out.Version = strings.Join(versions, ",")
	return out, nil
}

func (s *Source) late(b Batch) bool {
	return s.MaxAge > 0 && s.now().Sub(b.ReceivedAt) > s.MaxAge
}

func (s *Source) latestBatches(ctx context.Context, orgID string) (map[Feed]Batch, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT ON (feed) id, org_id, feed, version, received_at
		FROM feed_batches
		WHERE org_id = $1 AND status = 'READY'
		ORDER BY feed, received_at DESC, id DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("ingest: latest batches: %w", err)
	}
	defer rows.Close()
	out := make(map[Feed]Batch)
	for rows.Next() {
		var (
			b    Batch
			feed string
		)
		if err := rows.Scan(&b.ID, &b.OrgID, &feed, &b.Version, &b.ReceivedAt); err != nil {
			return nil, err
		}
		b.Feed = Feed(feed)
		out[b.Feed] = b
	}
	return out, rows.Err()
}

// userFilter matches raw identifiers loosely; the normalizer applies the
// exact canonical form.
const userFilter = ` AND ($2 = '' OR lower(btrim(user_id)) = lower(btrim($2)))`

func (s *Source) users(ctx context.Context, batchID int64, userID string) ([]normalize.RawUserRow, error) {
	return collect(ctx, s.pool, `SELECT user_id, license_tier, monthly_cost, department, active, last_activity
		FROM raw_security_users WHERE batch_id = $1`+userFilter+` ORDER BY id`,
		[]any{batchID, userID},
		func(rows pgx.Rows) (normalize.RawUserRow, error) {
			var r normalize.RawUserRow
			err := rows.Scan(&r.UserID, &r.LicenseTier, &r.MonthlyCost, &r.Department, &r.Active, &r.LastActivity)
			return r, err
		})
}

func (s *Source) privileges(ctx context.Context, batchID int64) ([]normalize.RawPrivilegeRow, error) {
	return collect(ctx, s.pool, `SELECT role, duty, menu_item, required_license
		FROM raw_security_privileges WHERE batch_id = $1 ORDER BY id`,
		[]any{batchID},
		func(rows pgx.Rows) (normalize.RawPrivilegeRow, error) {
			var r normalize.RawPrivilegeRow
			err := rows.Scan(&r.Role, &r.Duty, &r.MenuItem, &r.RequiredLicense)
			return r, err
		})
}

func (s *Source) assignments(ctx context.Context, batchID int64, userID string) ([]normalize.RawAssignmentRow, error) {
	return collect(ctx, s.pool, `SELECT user_id, role, assigned_at, active
		FROM raw_role_assignments WHERE batch_id = $1`+userFilter+` ORDER BY id`,
		[]any{batchID, userID},
		func(rows pgx.Rows) (normalize.RawAssignmentRow, error) {
			var r normalize.RawAssignmentRow
			err := rows.Scan(&r.UserID, &r.Role, &r.AssignedAt, &r.Active)
			return r, err
		})
}

func (s *Source) activity(ctx context.Context, batchID int64, userID string) ([]normalize.RawActivityRow, error) {
	return collect(ctx, s.pool, `SELECT user_id, menu_item, action, occurred_at, session_id
		FROM raw_activity_events WHERE batch_id = $1`+userFilter+` ORDER BY id`,
		[]any{batchID, userID},
		func(rows pgx.Rows) (normalize.RawActivityRow, error) {
			var r normalize.RawActivityRow
			err := rows.Scan(&r.UserID, &r.MenuItem, &r.Action, &r.At, &r.SessionID)
			return r, err
		})
}

func collect[T any](ctx context.Context, pool *pgxpool.Pool, sql string, args []any, scan func(pgx.Rows) (T, error)) ([]T, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("ingest: query: %w", err)
	}
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
