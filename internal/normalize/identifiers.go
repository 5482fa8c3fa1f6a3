package normalize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CanonicalID folds identifiers from different feeds onto a single join key:
// trimmed, NFKC-normalised and case-folded.
func CanonicalID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	return cases.Fold().String(norm.NFKC.String(trimmed))
}

// CanonicalTier normalises license tier names for pricing lookups.
func CanonicalTier(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(norm.NFKC.String(raw)), "_"))
}

func cleanLabel(raw string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(raw)), " ")
}

func parseFlag(raw string, fallback bool) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return fallback, true
	case "1", "t", "true", "y", "yes", "active", "enabled":
		return true, true
	case "0", "f", "false", "n", "no", "inactive", "disabled":
		return false, true
	default:
		return false, false
	}
}
