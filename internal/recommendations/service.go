package recommendations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Options tunes the lifecycle manager.
type Options struct {
	// TTL is the validity window after which PENDING and APPROVED
	// recommendations expire.
	TTL                    time.Duration
	FastRestoreTimeout     time.Duration
	StandardRestoreTimeout time.Duration
	// PriorStateTTL bounds how long the fast-restore cache entry lives.
	PriorStateTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * 24 * time.Hour
	}
	if o.FastRestoreTimeout <= 0 {
		o.FastRestoreTimeout = 5 * time.Minute
	}
	if o.StandardRestoreTimeout <= 0 {
		o.StandardRestoreTimeout = time.Hour
	}
	if o.PriorStateTTL <= 0 {
		o.PriorStateTTL = 90 * 24 * time.Hour
	}
	return o
}

// Service is the only component that mutates recommendations and their
// audit trail.
type Service struct {
	repo        Repository
	opts        Options
	logger      *slog.Logger
	locks       *keyedMutex
	locker      *shared.Locker
	cache       PriorStateCache
	provisioner Provisioner
	explainer   Explainer
	now         func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo Repository, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		opts:      opts.withDefaults(),
		logger:    logger.With(slog.String("component", "recommendations")),
		locks:     newKeyedMutex(),
		explainer: EvidenceExplainer{},
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithRollback wires the rollback collaborators.
func (s *Service) WithRollback(locker *shared.Locker, cache PriorStateCache, provisioner Provisioner) {
	s.locker = locker
	s.cache = cache
	s.provisioner = provisioner
}

// WithExplainer replaces the explanation generator.
func (s *Service) WithExplainer(e Explainer) {
	if e != nil {
		s.explainer = e
	}
}

// Create persists new PENDING recommendations, each together with its
// CREATED audit entry. When the dedup key matches an active recommendation,
// the higher confidence one stays active: a more confident candidate expires
// a PENDING match in the same transaction, otherwise the candidate is
// discarded. Cancellation stops between recommendations.
func (s *Service) Create(ctx context.Context, recs []Recommendation) (CreateResult, error) {
	result := CreateResult{Created: make([]Recommendation, 0, len(recs))}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if rec.Confidence < 0 || rec.Confidence > 1 {
			return result, shared.ValidationError("confidence %v outside [0,1]", rec.Confidence)
		}
		if rec.UserID == "" || rec.AlgorithmID == "" || rec.Type == "" {
			return result, shared.ValidationError("user, algorithm and type are required")
		}
		now := s.now().UTC()
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		rec.Status = StatusPending
		rec.Version = 1
		rec.PriorState = nil
		rec.CreatedAt, rec.UpdatedAt = now, now
		rec.ExpiresAt = now.Add(s.opts.TTL)
		if rec.Evidence == nil {
			rec.Evidence = map[string]any{}
		}

		skipped, replaced := false, false
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			skipped, replaced = false, false
			existing, exists, err := tx.FindActive(ctx, rec)
			if err != nil {
				return err
			}
			if exists {
				if !outranks(rec, existing) {
					skipped = true
					return nil
				}
				if err := s.supersede(ctx, tx, existing.ID, rec, now); err != nil {
					if errors.Is(err, errSkipped) {
						skipped = true
						return nil
					}
					return err
				}
				replaced = true
			}
			if err := tx.Insert(ctx, rec); err != nil {
				return err
			}
			_, err = tx.AppendAudit(ctx, AuditEntry{
				RecommendationID: rec.ID,
				Action:           ActionCreated,
				Actor:            SystemActor,
				NewStatus:        StatusPending,
				At:               now,
			})
			return err
		})
		if errors.Is(err, ErrDuplicateActive) {
			skipped, err = true, nil
		}
		if err != nil {
			return result, fmt.Errorf("recommendations: create for user %s: %w", rec.UserID, err)
		}
		if skipped {
			result.Superseded++
			continue
		}
		if replaced {
			result.Replaced++
		}
		result.Created = append(result.Created, rec)
	}
	return result, nil
}

// outranks reports whether candidate should replace the active existing
// recommendation. Only PENDING recommendations are replaced; once a reviewer
// has acted, the existing one stays regardless of confidence.
func outranks(candidate, existing Recommendation) bool {
	return existing.Status == StatusPending && candidate.Confidence > existing.Confidence
}

// supersede expires the active recommendation id inside tx so that candidate
// can take its place, recording which recommendation replaced it.
func (s *Service) supersede(ctx context.Context, tx TxRepository, id uuid.UUID, candidate Recommendation, now time.Time) error {
	current, err := tx.LoadForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if !outranks(candidate, current) {
		return errSkipped
	}
	if err := tx.UpdateStatus(ctx, current.ID, current.Version, StatusExpired, nil, now); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return errSkipped
		}
		return err
	}
	comment := fmt.Sprintf("superseded by %s (confidence %.2f over %.2f)",
		candidate.ID, candidate.Confidence, current.Confidence)
	_, err = tx.AppendAudit(ctx, AuditEntry{
		RecommendationID: current.ID,
		Action:           ActionExpired,
		Actor:            SystemActor,
		PreviousStatus:   current.Status,
		NewStatus:        StatusExpired,
		Comment:          comment,
		At:               now,
	})
	return err
}

// Get returns a recommendation.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Recommendation, error) {
	return s.repo.Get(ctx, id)
}

// List returns recommendations matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Recommendation, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, shared.ValidationError("unknown status %q", filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// AuditTrail returns the ordered audit entries of a recommendation.
func (s *Service) AuditTrail(ctx context.Context, id uuid.UUID) ([]AuditEntry, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.AuditTrail(ctx, id)
}

// Approve moves a PENDING recommendation to APPROVED.
func (s *Service) Approve(ctx context.Context, in TransitionInput) (Recommendation, error) {
	return s.transition(ctx, in, ActionApproved, nil)
}

// Reject moves a PENDING recommendation to REJECTED.
func (s *Service) Reject(ctx context.Context, in TransitionInput) (Recommendation, error) {
	return s.transition(ctx, in, ActionRejected, nil)
}

// Implement records that the action executor applied an APPROVED
// recommendation. prior is the state it replaced; it is persisted with the
// transition and cached for fast restore.
func (s *Service) Implement(ctx context.Context, in TransitionInput, prior PriorState) (Recommendation, error) {
	if prior.LicenseTier == "" && len(prior.Roles) == 0 {
		return Recommendation{}, shared.ValidationError("prior state required")
	}
	if prior.CapturedAt.IsZero() {
		prior.CapturedAt = s.now().UTC()
	}
	rec, err := s.transition(ctx, in, ActionImplemented, &prior)
	if err != nil {
		return Recommendation{}, err
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, rec.ID, prior, s.opts.PriorStateTTL); err != nil {
			s.logger.Warn("cache prior state", slog.String("recommendation", rec.ID.String()), slog.Any("error", err))
		}
	}
	return rec, nil
}

// Comment appends a COMMENT audit entry without changing status.
func (s *Service) Comment(ctx context.Context, in TransitionInput) (AuditEntry, error) {
	if err := in.Validate(); err != nil {
		return AuditEntry{}, err
	}
	if in.Comment == "" {
		return AuditEntry{}, shared.ValidationError("comment required")
	}
	unlock := s.locks.Lock(in.ID)
	defer unlock()
	return s.appendComment(ctx, in.ID, in.Actor, in.Comment)
}

func (s *Service) appendComment(ctx context.Context, id uuid.UUID, actor, comment string) (AuditEntry, error) {
	var entry AuditEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.LoadForUpdate(ctx, id)
		if err != nil {
			return err
		}
		entry, err = tx.AppendAudit(ctx, AuditEntry{
			RecommendationID: id,
			Action:           ActionComment,
			Actor:            actor,
			PreviousStatus:   rec.Status,
			NewStatus:        rec.Status,
			Comment:          comment,
			At:               s.now().UTC(),
		})
		return err
	})
	return entry, err
}

// ExpireDue moves every PENDING or APPROVED recommendation whose validity
// window has passed to EXPIRED, attributed to the system actor.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for {
		ids, err := s.repo.ListExpirable(ctx, now, 200)
		if err != nil {
			return expired, err
		}
		if len(ids) == 0 {
			return expired, nil
		}
		progressed := false
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return expired, err
			}
			_, err := s.transitionIf(ctx, TransitionInput{ID: id, Actor: SystemActor, Comment: "validity window elapsed"},
				ActionExpired, nil, func(rec Recommendation) bool { return !rec.ExpiresAt.After(now) })
			switch {
			case err == nil:
				expired++
				progressed = true
			case errors.Is(err, shared.ErrStateConflict), errors.Is(err, errSkipped):
				// Acted on concurrently.
			default:
				return expired, err
			}
		}
		if !progressed {
			return expired, nil
		}
	}
}

var errSkipped = errors.New("recommendations: precondition no longer holds")

func (s *Service) transition(ctx context.Context, in TransitionInput, action Action, prior *PriorState) (Recommendation, error) {
	return s.transitionIf(ctx, in, action, prior, nil)
}

// transitionIf applies one state transition and its audit entry atomically.
// The row lock, the version check and the audit insert share a transaction.
func (s *Service) transitionIf(ctx context.Context, in TransitionInput, action Action, prior *PriorState, precondition func(Recommendation) bool) (Recommendation, error) {
	if err := in.Validate(); err != nil {
		return Recommendation{}, err
	}
	unlock := s.locks.Lock(in.ID)
	defer unlock()

	var updated Recommendation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.LoadForUpdate(ctx, in.ID)
		if err != nil {
			return err
		}
		next, err := Next(rec.Status, action)
		if err != nil {
			var conflict *StateConflictError
			if errors.As(err, &conflict) {
				conflict.ID = rec.ID
			}
			return err
		}
		if precondition != nil && !precondition(rec) {
			return errSkipped
		}
		now := s.now().UTC()
		if err := tx.UpdateStatus(ctx, rec.ID, rec.Version, next, prior, now); err != nil {
			if errors.Is(err, ErrVersionMismatch) {
				return &StateConflictError{ID: rec.ID, From: rec.Status, Action: action, Reason: "recommendation was modified concurrently"}
			}
			return err
		}
		if _, err := tx.AppendAudit(ctx, AuditEntry{
			RecommendationID: rec.ID,
			Action:           action,
			Actor:            in.Actor,
			PreviousStatus:   rec.Status,
			NewStatus:        next,
			Comment:          in.Comment,
			At:               now,
		}); err != nil {
			return err
		}
		rec.Status = next
		rec.Version++
		rec.UpdatedAt = now
		if prior != nil {
			p := *prior
			rec.PriorState = &p
		}
		updated = rec
		return nil
	})
	if err != nil {
		return Recommendation{}, err
	}
	s.logger.Info("recommendation transition",
		slog.String("recommendation", updated.ID.String()),
		slog.String("action", string(action)),
		slog.String("actor", in.Actor),
		slog.String("status", string(updated.Status)))
	return updated, nil
}

// Explain returns prose for a recommendation without altering it.
func (s *Service) Explain(ctx context.Context, id uuid.UUID) (string, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.explainer.Explain(ctx, rec)
}
