package recommendations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Rollback reverses an IMPLEMENTED recommendation. Fast restore from the
// cached prior state is tried first; when it fails the attempt is audited
// and standard restore reprovisions the state persisted with the record.
// Only the successful attempt transitions the recommendation.
func (s *Service) Rollback(ctx context.Context, in TransitionInput) (Recommendation, error) {
	if err := in.Validate(); err != nil {
		return Recommendation{}, err
	}
	if s.provisioner == nil {
		return Recommendation{}, shared.ConfigError("rollback: provisioner not configured")
	}
	release, err := s.locker.Acquire(ctx, shared.RecommendationLockKey(in.ID),
		s.opts.FastRestoreTimeout+s.opts.StandardRestoreTimeout)
	if errors.Is(err, shared.ErrLockHeld) {
		return Recommendation{}, &StateConflictError{ID: in.ID, Action: ActionRolledBack, Reason: "a rollback is already in progress"}
	}
	if err != nil {
		return Recommendation{}, fmt.Errorf("rollback: acquire lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release rollback lock", slog.String("recommendation", in.ID.String()), slog.Any("error", err))
		}
	}()

	rec, err := s.repo.Get(ctx, in.ID)
	if err != nil {
		return Recommendation{}, err
	}
	if _, err := Next(rec.Status, ActionRolledBack); err != nil {
		var conflict *StateConflictError
		if errors.As(err, &conflict) {
			conflict.ID = rec.ID
		}
		return Recommendation{}, err
	}
	logger := s.logger.With(slog.String("recommendation", rec.ID.String()))

	fastErr := s.fastRestore(ctx, rec)
	if fastErr == nil {
		return s.completeRollback(ctx, in, rec, RestoreFast)
	}
	logger.Warn("fast restore failed", slog.Any("error", fastErr))
	if _, err := s.appendComment(ctx, rec.ID, in.Actor, fmt.Sprintf("fast restore failed: %v", fastErr)); err != nil {
		return Recommendation{}, err
	}

	stdErr := s.standardRestore(ctx, rec)
	if stdErr == nil {
		return s.completeRollback(ctx, in, rec, RestoreStandard)
	}
	logger.Error("standard restore failed", slog.Any("error", stdErr))
	if _, err := s.appendComment(ctx, rec.ID, in.Actor, fmt.Sprintf("standard restore failed: %v", stdErr)); err != nil {
		return Recommendation{}, err
	}
	return Recommendation{}, fmt.Errorf("%w: recommendation %s needs manual restore: fast: %v; standard: %v",
		shared.ErrRollbackFailure, rec.ID, fastErr, stdErr)
}

func (s *Service) fastRestore(ctx context.Context, rec Recommendation) error {
	if s.cache == nil {
		return ErrPriorStateMissing
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.FastRestoreTimeout)
	defer cancel()
	prior, err := s.cache.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	return s.provisioner.Restore(ctx, restoreRequest(rec, RestoreFast, prior))
}

func (s *Service) standardRestore(ctx context.Context, rec Recommendation) error {
	if rec.PriorState == nil {
		return fmt.Errorf("no prior state recorded")
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.StandardRestoreTimeout)
	defer cancel()
	return s.provisioner.Restore(ctx, restoreRequest(rec, RestoreStandard, *rec.PriorState))
}

func (s *Service) completeRollback(ctx context.Context, in TransitionInput, rec Recommendation, path RestorePath) (Recommendation, error) {
	comment := fmt.Sprintf("%s restore succeeded", path)
	if in.Comment != "" {
		comment += ": " + in.Comment
	}
	in.Comment = comment
	updated, err := s.transition(ctx, in, ActionRolledBack, nil)
	if err != nil {
		return Recommendation{}, err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, rec.ID); err != nil {
			s.logger.Warn("drop cached prior state", slog.String("recommendation", rec.ID.String()), slog.Any("error", err))
		}
	}
	return updated, nil
}

func restoreRequest(rec Recommendation, path RestorePath, prior PriorState) RestoreRequest {
	return RestoreRequest{
		RecommendationID: rec.ID,
		OrgID:            rec.OrgID,
		UserID:           rec.UserID,
		Path:             path,
		Prior:            prior,
	}
}
