package scoring

import (
	"math"
	"sort"

	"github.com/odyssey-erp/access-advisor/internal/algorithms"
	"github.com/odyssey-erp/access-advisor/internal/conflict"
	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/pricing"
	"github.com/odyssey-erp/access-advisor/internal/recommendations"
	"github.com/odyssey-erp/access-advisor/internal/settings"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Scorer turns findings into PENDING recommendations.
type Scorer struct {
	cfg      Config
	pricing  *pricing.Table
	registry *algorithms.Registry
	bands    []Band
}

// NewScorer validates the config structure. Per-algorithm semantics are
// checked by Validate so a bad entry only fails that algorithm's run.
func NewScorer(cfg Config, table *pricing.Table, registry *algorithms.Registry) (*Scorer, error) {
	if err := settings.Validate(cfg); err != nil {
		return nil, err
	}
	bands := make([]Band, len(cfg.PriorityBands))
	copy(bands, cfg.PriorityBands)
	sort.SliceStable(bands, func(i, j int) bool { return bands[i].MinConfidence > bands[j].MinConfidence })
	return &Scorer{cfg: cfg, pricing: table, registry: registry, bands: bands}, nil
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config { return s.cfg }

// Pricing returns the pricing table in use.
func (s *Scorer) Pricing() *pricing.Table { return s.pricing }

// Validate checks everything an algorithm run needs from configuration
// before the run starts.
func (s *Scorer) Validate(algorithmID string) error {
	alg, ok := s.registry.Get(algorithmID)
	if !ok {
		return shared.ConfigError("unknown algorithm %q", algorithmID)
	}
	ac, ok := s.cfg.Algorithms[algorithmID]
	if !ok {
		return shared.ConfigError("algorithm %s: no scoring configuration", algorithmID)
	}
	if err := ValidateSteps(ac.Confidence); err != nil {
		return err
	}
	if err := algorithms.CheckParams(alg, ac.Params); err != nil {
		return err
	}
	if alg.Signal().Kind == algorithms.SignalComposite {
		if err := ValidateWeights(s.cfg.RiskWeights); err != nil {
			return err
		}
	}
	if s.pricing == nil {
		return shared.ConfigError("pricing table not loaded")
	}
	return nil
}

// Score maps a finding onto a recommendation. ok is false when the signal
// falls below the configured mapping or minimum confidence.
func (s *Scorer) Score(f algorithms.Finding, features normalize.Features) (rec recommendations.Recommendation, ok bool, err error) {
	alg, found := s.registry.Get(f.AlgorithmID)
	if !found {
		return rec, false, shared.ConfigError("unknown algorithm %q", f.AlgorithmID)
	}
	ac, found := s.cfg.Algorithms[f.AlgorithmID]
	if !found {
		return rec, false, shared.ConfigError("algorithm %s: no scoring configuration", f.AlgorithmID)
	}

	signal := alg.Signal().Normalize(f.Signal)
	if alg.Signal().Kind == algorithms.SignalComposite {
		if signal, err = Composite(f.Components, s.cfg.RiskWeights); err != nil {
			return rec, false, err
		}
	}
	confidence, mapped, err := mapConfidence(ac.Confidence, signal)
	if err != nil || !mapped {
		return rec, false, err
	}
	minConfidence := s.cfg.MinConfidence
	if ac.MinConfidence != nil {
		minConfidence = *ac.MinConfidence
	}
	if confidence < minConfidence {
		return rec, false, nil
	}

	current, err := s.pricing.Lookup(features.User.LicenseTier)
	if err != nil {
		return rec, false, err
	}
	recommended := current
	if f.RecommendedLicense != "" {
		if recommended, err = s.pricing.Lookup(f.RecommendedLicense); err != nil {
			return rec, false, err
		}
	}
	monthly := round2(current.MonthlyCost - recommended.MonthlyCost)

	evidence := make(map[string]any, len(f.Evidence)+3)
	for k, v := range f.Evidence {
		evidence[k] = v
	}
	evidence["signal"] = f.Signal
	evidence["normalized_signal"] = round4(signal)
	if len(f.Components) > 0 {
		evidence["components"] = f.Components
	}

	rec = recommendations.Recommendation{
		UserID:             f.UserID,
		AlgorithmID:        f.AlgorithmID,
		Type:               string(f.Type),
		Subject:            f.Subject,
		Severity:           string(f.Severity),
		Priority:           s.priority(f.Severity, confidence),
		Confidence:         confidence,
		CurrentLicense:     current.Tier,
		RecommendedLicense: recommended.Tier,
		CurrentCost:        current.MonthlyCost,
		RecommendedCost:    recommended.MonthlyCost,
		MonthlySavings:     monthly,
		AnnualSavings:      round2(monthly * 12),
		Currency:           current.Currency,
		Status:             recommendations.StatusPending,
		Evidence:           evidence,
	}
	return rec, true, nil
}

// Composite is the weighted sum of normalized components.
func Composite(components map[string]float64, weights map[string]float64) (float64, error) {
	if err := ValidateWeights(weights); err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sum := 0.0
	for _, k := range keys {
		v := components[k]
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		sum += weights[k] * v
	}
	return math.Min(1, sum), nil
}

func mapConfidence(steps []Step, signal float64) (float64, bool, error) {
	if err := ValidateSteps(steps); err != nil {
		return 0, false, err
	}
	confidence, mapped := 0.0, false
	for _, step := range steps {
		if signal+1e-9 < step.MinSignal {
			break
		}
		confidence, mapped = step.Confidence, true
	}
	return confidence, mapped, nil
}

func (s *Scorer) priority(severity conflict.Severity, confidence float64) recommendations.Priority {
	switch severity {
	case conflict.SeverityCritical:
		return recommendations.PriorityCritical
	case conflict.SeverityHigh:
		return recommendations.PriorityHigh
	case conflict.SeverityMedium:
		return recommendations.PriorityMedium
	case conflict.SeverityLow:
		return recommendations.PriorityLow
	}
	for _, band := range s.bands {
		if confidence >= band.MinConfidence {
			return recommendations.Priority(band.Priority)
		}
	}
	return recommendations.PriorityLow
}

// Dedupe keeps, per (user, algorithm, type, subject), the recommendation
// with the highest confidence. Ties keep the earlier one. The survivors keep
// their input order.
func Dedupe(recs []recommendations.Recommendation) ([]recommendations.Recommendation, int) {
	best := make(map[string]int, len(recs))
	for i, rec := range recs {
		key := rec.OrgID + "\x00" + rec.DedupKey()
		j, seen := best[key]
		if !seen || rec.Confidence > recs[j].Confidence {
			best[key] = i
		}
	}
	out := make([]recommendations.Recommendation, 0, len(best))
	for i, rec := range recs {
		if best[rec.OrgID+"\x00"+rec.DedupKey()] == i {
			out = append(out, rec)
		}
	}
	return out, len(recs) - len(out)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
