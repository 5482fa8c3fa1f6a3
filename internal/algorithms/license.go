package algorithms

import (
	"fmt"
	"math"

	"github.com/odyssey-erp/access-advisor/internal/normalize"
)

// ReadOnlyDowngrade flags users on a write-capable tier whose activity is
// almost entirely reads.
type ReadOnlyDowngrade struct{}

func (ReadOnlyDowngrade) ID() string          { return "read_only_downgrade" }
func (ReadOnlyDowngrade) Type() Type          { return TypeLicenseDowngrade }
func (ReadOnlyDowngrade) Signal() SignalRange { return Ratio() }
func (ReadOnlyDowngrade) Requires() []string {
	return []string{"min_activity_count", "read_ratio_threshold", "target_license"}
}

func (a ReadOnlyDowngrade) Evaluate(f normalize.Features, org *OrgContext, p Params) (Result, error) {
	minEvents, err := p.Int("min_activity_count")
	if err != nil {
		return Result{}, err
	}
	threshold, err := p.Float("read_ratio_threshold")
	if err != nil {
		return Result{}, err
	}
	target, err := p.String("target_license")
	if err != nil {
		return Result{}, err
	}
	if !f.User.Active {
		return Clear(), nil
	}
	if f.InsufficientData || f.EventCount < minEvents {
		return InsufficientData(fmt.Sprintf("%d activity events, need %d", f.EventCount, minEvents)), nil
	}
	current, err := org.Pricing.Lookup(f.User.LicenseTier)
	if err != nil {
		return Result{}, err
	}
	recommended, err := org.Pricing.Lookup(target)
	if err != nil {
		return Result{}, err
	}
	if current.Rank <= recommended.Rank || f.ReadRatio < threshold {
		return Clear(), nil
	}
	out := finding(a, f, f.ReadRatio, map[string]any{
		"read_ratio":     f.ReadRatio,
		"event_count":    f.EventCount,
		"write_count":    f.WriteCount + f.DeleteCount,
		"distinct_forms": f.DistinctForms,
	})
	out.RecommendedLicense = recommended.Tier
	return Detected(out), nil
}

// LicenseTierMismatch compares the forms a user actually touched with the
// cheapest tier each form is available on.
type LicenseTierMismatch struct{}

func (LicenseTierMismatch) ID() string          { return "license_tier_mismatch" }
func (LicenseTierMismatch) Type() Type          { return TypeLicenseDowngrade }
func (LicenseTierMismatch) Signal() SignalRange { return Ratio() }
func (LicenseTierMismatch) Requires() []string {
	return []string{"min_activity_count", "min_eligible_share"}
}

func (a LicenseTierMismatch) Evaluate(f normalize.Features, org *OrgContext, p Params) (Result, error) {
	minEvents, err := p.Int("min_activity_count")
	if err != nil {
		return Result{}, err
	}
	minShare, err := p.Float("min_eligible_share")
	if err != nil {
		return Result{}, err
	}
	if !f.User.Active {
		return Clear(), nil
	}
	if f.InsufficientData || f.EventCount < minEvents || len(f.Forms) == 0 {
		return InsufficientData(fmt.Sprintf("%d activity events, need %d", f.EventCount, minEvents)), nil
	}
	current, err := org.Pricing.Lookup(f.User.LicenseTier)
	if err != nil {
		return Result{}, err
	}

	eligible := 0
	needed := -1
	neededTier := ""
	var blocking []string
	for _, form := range f.Forms {
		rank, tier, ok := cheapestTier(org, form)
		if !ok || rank >= current.Rank {
			blocking = append(blocking, form)
			continue
		}
		eligible++
		if rank > needed {
			needed, neededTier = rank, tier
		}
	}
	if eligible == 0 {
		return Clear(), nil
	}
	share := round4(float64(eligible) / float64(len(f.Forms)))
	if share < minShare {
		return Clear(), nil
	}
	out := finding(a, f, share, map[string]any{
		"touched_forms":  len(f.Forms),
		"eligible_forms": eligible,
		"blocking_forms": nonNil(blocking),
	})
	out.RecommendedLicense = neededTier
	return Detected(out), nil
}

// cheapestTier returns the lowest-ranked priced tier the eligibility table
// lists for a form.
func cheapestTier(org *OrgContext, form string) (int, string, bool) {
	best, bestTier, found := 0, "", false
	for _, tier := range org.Conflict.Graph.RequiredLicenses(form) {
		rank, ok := org.Pricing.Rank(tier)
		if !ok {
			continue
		}
		if !found || rank < best {
			best, bestTier, found = rank, tier, true
		}
	}
	return best, bestTier, found
}

// InactiveUser flags active accounts whose last activity is older than the
// configured threshold.
type InactiveUser struct{}

func (InactiveUser) ID() string          { return "inactive_user" }
func (InactiveUser) Type() Type          { return TypeLicenseRemoval }
func (InactiveUser) Signal() SignalRange { return Count(0, 365) }
func (InactiveUser) Requires() []string {
	return []string{"inactive_days", "removal_license"}
}

func (a InactiveUser) Evaluate(f normalize.Features, org *OrgContext, p Params) (Result, error) {
	inactiveDays, err := p.Int("inactive_days")
	if err != nil {
		return Result{}, err
	}
	removal, err := p.String("removal_license")
	if err != nil {
		return Result{}, err
	}
	if !f.User.Active {
		return Clear(), nil
	}
	if f.User.LastActivity == nil {
		return InsufficientData("no last-activity timestamp"), nil
	}
	days := int(math.Floor(org.AsOf.Sub(*f.User.LastActivity).Hours() / 24))
	if days < inactiveDays {
		return Clear(), nil
	}
	recommended, err := org.Pricing.Lookup(removal)
	if err != nil {
		return Result{}, err
	}
	out := finding(a, f, float64(days), map[string]any{
		"days_inactive": days,
		"last_activity": f.User.LastActivity.UTC(),
		"threshold":     inactiveDays,
	})
	out.RecommendedLicense = recommended.Tier
	return Detected(out), nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
