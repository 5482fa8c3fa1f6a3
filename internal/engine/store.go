package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RunStore persists AlgorithmRun records.
type RunStore interface {
	Start(ctx context.Context, run AlgorithmRun) error
	Finish(ctx context.Context, run AlgorithmRun) error
	List(ctx context.Context, filter RunFilter) ([]AlgorithmRun, error)
	// FailStale marks RUNNING runs started before cutoff as FAILED.
	FailStale(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}

// PGRunStore is the PostgreSQL RunStore.
type PGRunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore constructs a PGRunStore.
func NewRunStore(pool *pgxpool.Pool) *PGRunStore {
	return &PGRunStore{pool: pool}
}

func (s *PGRunStore) Start(ctx context.Context, run AlgorithmRun) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("engine: encode params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO algorithm_runs
		(id, org_id, algorithm_id, trigger, status, started_at, params, data_version, matrix_version, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.OrgID, run.AlgorithmID, string(run.Trigger), string(run.Status), run.StartedAt,
		params, run.DataVersion, run.MatrixVersion, run.Reason)
	return err
}

func (s *PGRunStore) Finish(ctx context.Context, run AlgorithmRun) error {
	_, err := s.pool.Exec(ctx, `UPDATE algorithm_runs
		SET status = $2, completed_at = $3, users_processed = $4, users_skipped = $5,
			user_failures = $6, findings_generated = $7, reason = $8
		WHERE id = $1`,
		run.ID, string(run.Status), run.CompletedAt, run.UsersProcessed, run.UsersSkipped,
		run.UserFailures, run.FindingsGenerated, run.Reason)
	return err
}

func (s *PGRunStore) List(ctx context.Context, filter RunFilter) ([]AlgorithmRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.OrgID != "" {
		args = append(args, filter.OrgID)
		where = append(where, fmt.Sprintf("org_id = $%d", len(args)))
	}
	if filter.AlgorithmID != "" {
		args = append(args, filter.AlgorithmID)
		where = append(where, fmt.Sprintf("algorithm_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := `SELECT id, org_id, algorithm_id, trigger, status, started_at, completed_at, users_processed,
		users_skipped, user_failures, findings_generated, params, data_version, matrix_version, reason
		FROM algorithm_runs`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY started_at DESC, id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs := make([]AlgorithmRun, 0)
	for rows.Next() {
		var (
			run             AlgorithmRun
			trigger, status string
			params          []byte
		)
		if err := rows.Scan(&run.ID, &run.OrgID, &run.AlgorithmID, &trigger, &status, &run.StartedAt,
			&run.CompletedAt, &run.UsersProcessed, &run.UsersSkipped, &run.UserFailures,
			&run.FindingsGenerated, &params, &run.DataVersion, &run.MatrixVersion, &run.Reason); err != nil {
			return nil, err
		}
		run.Trigger, run.Status = Trigger(trigger), RunStatus(status)
		if len(params) > 0 {
			if err := json.Unmarshal(params, &run.Params); err != nil {
				return nil, fmt.Errorf("engine: decode params: %w", err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PGRunStore) FailStale(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE algorithm_runs
		SET status = 'FAILED', completed_at = now(), reason = $2
		WHERE status = 'RUNNING' AND started_at < $1`, cutoff, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
