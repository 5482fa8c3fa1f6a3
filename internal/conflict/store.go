package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/odyssey-erp/access-advisor/internal/settings"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Source yields the base matrix definition.
type Source func(ctx context.Context) (MatrixFile, error)

// FileSource reads the matrix from a YAML file on each reload.
func FileSource(path string) Source {
	return func(ctx context.Context) (MatrixFile, error) {
		var file MatrixFile
		if err := settings.LoadYAML(path, &file); err != nil {
			return MatrixFile{}, err
		}
		return file, nil
	}
}

// StaticSource serves a fixed definition.
func StaticSource(file MatrixFile) Source {
	return func(context.Context) (MatrixFile, error) {
		return file, nil
	}
}

// OverrideStore persists enablement toggles applied on top of the base file.
type OverrideStore interface {
	Load(ctx context.Context) (map[string]bool, int64, error)
	Set(ctx context.Context, ruleID string, enabled bool) (int64, error)
}

// Store holds the matrix in force. Readers take the current pointer once per
// run; reloads swap in a new immutable Matrix.
type Store struct {
	source    Source
	overrides OverrideStore
	logger    *slog.Logger
	current   atomic.Pointer[Matrix]
	mu        sync.Mutex
	local     map[string]bool
	localRev  int64
}

// NewStore builds a store. overrides may be nil.
func NewStore(source Source, overrides OverrideStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{source: source, overrides: overrides, logger: logger}
}

// Current returns the matrix in force, or nil before the first load.
func (s *Store) Current() *Matrix {
	return s.current.Load()
}

// Reload re-reads the base definition and overrides. On failure the previous
// matrix stays in force.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *Store) reloadLocked(ctx context.Context) error {
	file, err := s.source(ctx)
	if err != nil {
		return err
	}
	version := file.Version
	var overrides map[string]bool
	if s.overrides != nil {
		var rev int64
		overrides, rev, err = s.overrides.Load(ctx)
		if err != nil {
			return fmt.Errorf("conflict: load overrides: %w", err)
		}
		if rev > 0 {
			version = fmt.Sprintf("%s+r%d", file.Version, rev)
		}
	} else if s.localRev > 0 {
		overrides = s.local
		version = fmt.Sprintf("%s+l%d", file.Version, s.localRev)
	}
	base, err := NewMatrix(file.Version, file.Rules)
	if err != nil {
		return err
	}
	m := base
	if len(overrides) > 0 {
		m, err = base.withOverrides(version, overrides)
		if err != nil {
			return err
		}
	} else {
		m.version = version
	}
	if prev := s.current.Swap(m); prev == nil || prev.Version() != m.Version() {
		s.logger.Info("conflict matrix loaded",
			slog.String("version", m.Version()),
			slog.Int("rules", len(m.rules)),
			slog.Int("enabled", m.EnabledCount()),
		)
	}
	return nil
}

// SetEnabled toggles a rule. Persisted recommendations raised by the rule are
// left untouched; only subsequent runs see the change.
func (s *Store) SetEnabled(ctx context.Context, ruleID string, enabled bool) (*Matrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current.Load()
	if cur == nil {
		if err := s.reloadLocked(ctx); err != nil {
			return nil, err
		}
		cur = s.current.Load()
	}
	if _, ok := cur.Rule(ruleID); !ok {
		return nil, fmt.Errorf("conflict: rule %q: %w", ruleID, shared.ErrNotFound)
	}
	if s.overrides == nil {
		if s.local == nil {
			s.local = make(map[string]bool)
		}
		s.local[ruleID] = enabled
		s.localRev++
		if err := s.reloadLocked(ctx); err != nil {
			return nil, err
		}
		return s.current.Load(), nil
	}
	if _, err := s.overrides.Set(ctx, ruleID, enabled); err != nil {
		return nil, fmt.Errorf("conflict: persist override: %w", err)
	}
	if err := s.reloadLocked(ctx); err != nil {
		return nil, err
	}
	return s.current.Load(), nil
}
