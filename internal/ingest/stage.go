package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/platform/db"
)

// Stage writes a raw snapshot into the staging tables under version and
// promotes it to READY in one transaction, superseding the previous READY
// batch of each feed. Feeds flagged missing in raw are left untouched.
func Stage(ctx context.Context, pool db.Beginner, orgID, version string, raw normalize.RawBatch) error {
	if orgID == "" || version == "" {
		return errors.New("ingest: stage requires org id and version")
	}
	return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		securityID, err := openBatch(ctx, tx, orgID, FeedSecurity, version)
		if err != nil {
			return err
		}
		if err := copyRows(ctx, tx, "raw_security_users",
			[]string{"batch_id", "user_id", "license_tier", "monthly_cost", "department", "active", "last_activity"},
			raw.RoleConfig.Users, func(r normalize.RawUserRow) []any {
				return []any{securityID, r.UserID, r.LicenseTier, r.MonthlyCost, r.Department, r.Active, r.LastActivity}
			}); err != nil {
			return err
		}
		if err := copyRows(ctx, tx, "raw_security_privileges",
			[]string{"batch_id", "role", "duty", "menu_item", "required_license"},
			raw.RoleConfig.Privileges, func(r normalize.RawPrivilegeRow) []any {
				return []any{securityID, r.Role, r.Duty, r.MenuItem, r.RequiredLicense}
			}); err != nil {
			return err
		}
		opened := []Feed{FeedSecurity}

		if !raw.AssignmentsMissing {
			id, err := openBatch(ctx, tx, orgID, FeedAssignments, version)
			if err != nil {
				return err
			}
			if err := copyRows(ctx, tx, "raw_role_assignments",
				[]string{"batch_id", "user_id", "role", "assigned_at", "active"},
				raw.Assignments, func(r normalize.RawAssignmentRow) []any {
					return []any{id, r.UserID, r.Role, r.AssignedAt, r.Active}
				}); err != nil {
				return err
			}
			opened = append(opened, FeedAssignments)
		}
		if !raw.ActivityMissing {
			id, err := openBatch(ctx, tx, orgID, FeedActivity, version)
			if err != nil {
				return err
			}
			if err := copyRows(ctx, tx, "raw_activity_events",
				[]string{"batch_id", "user_id", "menu_item", "action", "occurred_at", "session_id"},
				raw.Activity, func(r normalize.RawActivityRow) []any {
					return []any{id, r.UserID, r.MenuItem, r.Action, r.At, r.SessionID}
				}); err != nil {
				return err
			}
			opened = append(opened, FeedActivity)
		}

		for _, feed := range opened {
			if _, err := tx.Exec(ctx, `UPDATE feed_batches SET status = 'SUPERSEDED'
				WHERE org_id = $1 AND feed = $2 AND status = 'READY'`, orgID, string(feed)); err != nil {
				return fmt.Errorf("ingest: supersede %s: %w", feed, err)
			}
			if _, err := tx.Exec(ctx, `UPDATE feed_batches SET status = 'READY'
				WHERE org_id = $1 AND feed = $2 AND version = $3`, orgID, string(feed), version); err != nil {
				return fmt.Errorf("ingest: promote %s: %w", feed, err)
			}
		}
		return nil
	})
}

func openBatch(ctx context.Context, tx pgx.Tx, orgID string, feed Feed, version string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `INSERT INTO feed_batches (org_id, feed, version) VALUES ($1, $2, $3) RETURNING id`,
		orgID, string(feed), version).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ingest: open %s batch: %w", feed, err)
	}
	return id, nil
}

func copyRows[T any](ctx context.Context, tx pgx.Tx, table string, columns []string, rows []T, values func(T) []any) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		return values(rows[i]), nil
	}))
	if err != nil {
		return fmt.Errorf("ingest: copy %s: %w", table, err)
	}
	return nil
}
