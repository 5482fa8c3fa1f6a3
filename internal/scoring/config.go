// Package scoring converts algorithm findings into scored recommendations:
// configured confidence mappings, composite risk weights and pricing.
package scoring

import (
	"math"
	"sort"

	"github.com/odyssey-erp/access-advisor/internal/algorithms"
	"github.com/odyssey-erp/access-advisor/internal/settings"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// WeightTolerance is how far composite weights may drift from 1.0.
const WeightTolerance = 0.001

// Step maps every normalized signal at or above MinSignal to Confidence.
type Step struct {
	MinSignal  float64 `yaml:"min_signal" validate:"gte=0,lte=1"`
	Confidence float64 `yaml:"confidence" validate:"gte=0,lte=1"`
}

// AlgorithmConfig is the operator-tunable configuration of one algorithm.
type AlgorithmConfig struct {
	Enabled       *bool          `yaml:"enabled"`
	Params        map[string]any `yaml:"params"`
	Confidence    []Step         `yaml:"confidence" validate:"required,min=1,dive"`
	MinConfidence *float64       `yaml:"min_confidence" validate:"omitempty,gte=0,lte=1"`
}

// Band assigns a priority to recommendations at or above MinConfidence.
type Band struct {
	MinConfidence float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`
	Priority      string  `yaml:"priority" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
}

// Config is the algorithm parameter file.
type Config struct {
	MinConfidence float64                    `yaml:"min_confidence" validate:"gte=0,lte=1"`
	RiskWeights   map[string]float64         `yaml:"risk_weights"`
	PriorityBands []Band                     `yaml:"priority_bands" validate:"required,min=1,dive"`
	Algorithms    map[string]AlgorithmConfig `yaml:"algorithms" validate:"required,dive"`
}

// LoadConfig reads and structurally validates the algorithm config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := settings.LoadYAML(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether an algorithm is switched on. Algorithms without a
// config entry are off.
func (c Config) Enabled(id string) bool {
	ac, ok := c.Algorithms[id]
	if !ok {
		return false
	}
	return ac.Enabled == nil || *ac.Enabled
}

// Params returns a copy of an algorithm's parameters.
func (c Config) Params(id string) algorithms.Params {
	return algorithms.Params(c.Algorithms[id].Params).Clone()
}

// ValidateSteps checks that thresholds ascend strictly and confidences never
// decrease, so confidence is monotone in signal strength.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return shared.ConfigError("confidence mapping is empty")
	}
	for i, s := range steps {
		if s.MinSignal < 0 || s.MinSignal > 1 || s.Confidence < 0 || s.Confidence > 1 {
			return shared.ConfigError("confidence step %d outside [0,1]", i)
		}
		if i == 0 {
			continue
		}
		prev := steps[i-1]
		if s.MinSignal <= prev.MinSignal {
			return shared.ConfigError("confidence step %d: min_signal %v not above %v", i, s.MinSignal, prev.MinSignal)
		}
		if s.Confidence < prev.Confidence {
			return shared.ConfigError("confidence step %d: confidence %v below %v", i, s.Confidence, prev.Confidence)
		}
	}
	return nil
}

// ValidateWeights rejects composite weights that are unknown, negative or do
// not sum to 1.0 within WeightTolerance. Weights are never renormalized.
func ValidateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return shared.ConfigError("risk weights not configured")
	}
	known := map[string]bool{
		algorithms.ComponentSoD:            true,
		algorithms.ComponentPrivilegeCreep: true,
		algorithms.ComponentAnomaly:        true,
		algorithms.ComponentOrphaned:       true,
	}
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sum := 0.0
	for _, k := range keys {
		if !known[k] {
			return shared.ConfigError("unknown risk component %q", k)
		}
		if weights[k] < 0 {
			return shared.ConfigError("risk weight %q is negative", k)
		}
		sum += weights[k]
	}
	if math.Abs(sum-1) > WeightTolerance {
		return shared.ConfigError("risk weights sum to %.4f, want 1.0", sum)
	}
	return nil
}
