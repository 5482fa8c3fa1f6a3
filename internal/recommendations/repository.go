package recommendations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/access-advisor/internal/platform/db"
)

// Repository defines recommendation data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	Get(ctx context.Context, id uuid.UUID) (Recommendation, error)
	List(ctx context.Context, filter ListFilter) ([]Recommendation, error)
	AuditTrail(ctx context.Context, id uuid.UUID) ([]AuditEntry, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	LoadForUpdate(ctx context.Context, id uuid.UUID) (Recommendation, error)
	FindActive(ctx context.Context, rec Recommendation) (Recommendation, bool, error)
	Insert(ctx context.Context, rec Recommendation) error
	// UpdateStatus applies a transition when the stored version still equals
	// expectedVersion and returns ErrVersionMismatch otherwise.
	UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int, status Status, prior *PriorState, at time.Time) error
	AppendAudit(ctx context.Context, entry AuditEntry) (AuditEntry, error)
}

// ErrDuplicateActive is returned by Insert when an active recommendation
// with the same dedup key already exists.
var ErrDuplicateActive = errors.New("recommendations: active duplicate exists")

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgRepository struct {
	pool *pgxpool.Pool
}

type pgTxRepository struct {
	q querier
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// WithTx executes fn inside a read-committed transaction, retried on
// serialization failures.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("recommendations: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{q: tx})
	})
}

const recommendationColumns = `id, org_id, run_id, user_id, algorithm_id, type, subject, severity, priority,
	confidence, current_license, recommended_license, current_cost, recommended_cost,
	monthly_savings, annual_savings, currency, status, evidence, prior_state, version,
	created_at, updated_at, expires_at`

var activeStatuses = []string{string(StatusPending), string(StatusApproved), string(StatusImplemented)}

func (r *pgRepository) Get(ctx context.Context, id uuid.UUID) (Recommendation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE id = $1`, id)
	return scanRecommendation(row)
}

func (r *pgRepository) List(ctx context.Context, filter ListFilter) ([]Recommendation, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.OrgID != "" {
		add("org_id = $%d", filter.OrgID)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.AlgorithmID != "" {
		add("algorithm_id = $%d", filter.AlgorithmID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	sql := `SELECT ` + recommendationColumns + ` FROM recommendations`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	sql += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Recommendation, 0)
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *pgRepository) AuditTrail(ctx context.Context, id uuid.UUID) ([]AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, recommendation_id, action, actor, COALESCE(previous_status, ''),
		new_status, comment, created_at
		FROM recommendation_audit WHERE recommendation_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]AuditEntry, 0)
	for rows.Next() {
		var (
			e            AuditEntry
			action, prev string
			status       string
		)
		if err := rows.Scan(&e.ID, &e.RecommendationID, &action, &e.Actor, &prev, &status, &e.Comment, &e.At); err != nil {
			return nil, err
		}
		e.Action, e.PreviousStatus, e.NewStatus = Action(action), Status(prev), Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListExpirable returns PENDING and APPROVED recommendations past their
// validity window. IMPLEMENTED ones were acted on, so they stay until rolled
// back.
func (r *pgRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM recommendations
		WHERE status IN ('PENDING', 'APPROVED') AND expires_at <= $1
		ORDER BY expires_at, id LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTxRepository) LoadForUpdate(ctx context.Context, id uuid.UUID) (Recommendation, error) {
	row := t.q.QueryRow(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE id = $1 FOR UPDATE`, id)
	return scanRecommendation(row)
}

func (t *pgTxRepository) FindActive(ctx context.Context, rec Recommendation) (Recommendation, bool, error) {
	row := t.q.QueryRow(ctx, `SELECT `+recommendationColumns+` FROM recommendations
		WHERE org_id = $1 AND user_id = $2 AND algorithm_id = $3 AND type = $4 AND subject = $5
		AND status = ANY($6) LIMIT 1`,
		rec.OrgID, rec.UserID, rec.AlgorithmID, rec.Type, rec.Subject, activeStatuses)
	existing, err := scanRecommendation(row)
	if errors.Is(err, ErrNotFound) {
		return Recommendation{}, false, nil
	}
	if err != nil {
		return Recommendation{}, false, err
	}
	return existing, true, nil
}

func (t *pgTxRepository) Insert(ctx context.Context, rec Recommendation) error {
	evidence, err := json.Marshal(rec.Evidence)
	if err != nil {
		return fmt.Errorf("recommendations: encode evidence: %w", err)
	}
	var runID *uuid.UUID
	if rec.RunID != uuid.Nil {
		runID = &rec.RunID
	}
	_, err = t.q.Exec(ctx, `INSERT INTO recommendations (`+recommendationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NULL, $20, $21, $22, $23)`,
		rec.ID, rec.OrgID, runID, rec.UserID, rec.AlgorithmID, rec.Type, rec.Subject, rec.Severity, string(rec.Priority),
		rec.Confidence, rec.CurrentLicense, rec.RecommendedLicense, rec.CurrentCost, rec.RecommendedCost,
		rec.MonthlySavings, rec.AnnualSavings, rec.Currency, string(rec.Status), evidence, rec.Version,
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateActive
	}
	return err
}

func (t *pgTxRepository) UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int, status Status, prior *PriorState, at time.Time) error {
	var priorJSON []byte
	if prior != nil {
		var err error
		if priorJSON, err = json.Marshal(prior); err != nil {
			return fmt.Errorf("recommendations: encode prior state: %w", err)
		}
	}
	tag, err := t.q.Exec(ctx, `UPDATE recommendations
		SET status = $3, prior_state = COALESCE($4::jsonb, prior_state), version = version + 1, updated_at = $5
		WHERE id = $1 AND version = $2`, id, expectedVersion, string(status), priorJSON, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionMismatch
	}
	return nil
}

func (t *pgTxRepository) AppendAudit(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	var prev *string
	if entry.PreviousStatus != "" {
		p := string(entry.PreviousStatus)
		prev = &p
	}
	err := t.q.QueryRow(ctx, `INSERT INTO recommendation_audit
		(recommendation_id, action, actor, previous_status, new_status, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		entry.RecommendationID, string(entry.Action), entry.Actor, prev, string(entry.NewStatus), entry.Comment, entry.At,
	).Scan(&entry.ID)
	if err != nil {
		return AuditEntry{}, err
	}
	return entry, nil
}

func scanRecommendation(row pgx.Row) (Recommendation, error) {
	var (
		rec              Recommendation
		runID            *uuid.UUID
		priority, status string
		evidence, prior  []byte
	)
	err := row.Scan(&rec.ID, &rec.OrgID, &runID, &rec.UserID, &rec.AlgorithmID, &rec.Type, &rec.Subject,
		&rec.Severity, &priority, &rec.Confidence, &rec.CurrentLicense, &rec.RecommendedLicense,
		&rec.CurrentCost, &rec.RecommendedCost, &rec.MonthlySavings, &rec.AnnualSavings, &rec.Currency,
		&status, &evidence, &prior, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Recommendation{}, ErrNotFound
		}
		return Recommendation{}, err
	}
	if runID != nil {
		rec.RunID = *runID
	}
	rec.Priority, rec.Status = Priority(priority), Status(status)
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &rec.Evidence); err != nil {
			return Recommendation{}, fmt.Errorf("recommendations: decode evidence: %w", err)
		}
	}
	if len(prior) > 0 {
		rec.PriorState = &PriorState{}
		if err := json.Unmarshal(prior, rec.PriorState); err != nil {
			return Recommendation{}, fmt.Errorf("recommendations: decode prior state: %w", err)
		}
	}
	return rec, nil
}
