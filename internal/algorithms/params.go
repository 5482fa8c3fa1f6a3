package algorithms

import (
	"math"
	"sort"

	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Params is the per-algorithm key/value configuration.
type Params map[string]any

// Float returns a numeric parameter.
func (p Params) Float(key string) (float64, error) {
	raw, ok := p[key]
	if !ok {
		return 0, shared.ConfigError("missing parameter %q", key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	default:
		return 0, shared.ConfigError("parameter %q is %T, want number", key, raw)
	}
}

// Int returns an integral parameter.
func (p Params) Int(key string) (int, error) {
	v, err := p.Float(key)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) {
		return 0, shared.ConfigError("parameter %q must be an integer, got %v", key, v)
	}
	return int(v), nil
}

// String returns a text parameter.
func (p Params) String(key string) (string, error) {
	raw, ok := p[key]
	if !ok {
		return "", shared.ConfigError("missing parameter %q", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", shared.ConfigError("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

// Clone returns a shallow copy suitable for a run's parameter snapshot.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// CheckParams verifies every key the algorithm requires is present.
func CheckParams(a Algorithm, p Params) error {
	var missing []string
	for _, key := range a.Requires() {
		if _, ok := p[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return shared.ConfigError("algorithm %s: missing parameters %v", a.ID(), missing)
	}
	return nil
}
