package recommendations

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Explainer turns a finalized recommendation into prose. Implementations
// must not alter the recommendation.
type Explainer interface {
	Explain(ctx context.Context, rec Recommendation) (string, error)
}

// EvidenceExplainer renders a plain summary of a recommendation's evidence.
type EvidenceExplainer struct{}

func (EvidenceExplainer) Explain(_ context.Context, rec Recommendation) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s recommendation for user %s from %s (confidence %.2f, priority %s).",
		rec.Type, rec.UserID, rec.AlgorithmID, rec.Confidence, rec.Priority)
	if rec.RecommendedLicense != "" && rec.RecommendedLicense != rec.CurrentLicense {
		fmt.Fprintf(&b, " Move from %s to %s, saving %.2f %s per month (%.2f per year).",
			rec.CurrentLicense, rec.RecommendedLicense, rec.MonthlySavings, rec.Currency, rec.AnnualSavings)
	}
	if len(rec.Evidence) > 0 {
		keys := make([]string, 0, len(rec.Evidence))
		for k := range rec.Evidence {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" Evidence:")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(";")
			}
			fmt.Fprintf(&b, " %s=%v", k, rec.Evidence[k])
		}
		b.WriteString(".")
	}
	return b.String(), nil
}
