// Package pricing holds the externally supplied license price table.
package pricing

import (
	"sort"

	"github.com/odyssey-erp/access-advisor/internal/normalize"
	"github.com/odyssey-erp/access-advisor/internal/settings"
	"github.com/odyssey-erp/access-advisor/internal/shared"
)

// Tier prices one license tier. Rank orders tiers from cheapest/least
// capable (0) upwards.
type Tier struct {
	Tier        string  `yaml:"tier" json:"tier" validate:"required"`
	Rank        int     `yaml:"rank" json:"rank" validate:"gte=0"`
	MonthlyCost float64 `yaml:"monthly_cost" json:"monthly_cost" validate:"gte=0"`
	AnnualCost  float64 `yaml:"annual_cost" json:"annual_cost" validate:"gte=0"`
	Currency    string  `yaml:"currency" json:"currency" validate:"required,len=3"`
}

// File is the on-disk pricing table.
type File struct {
	Tiers []Tier `yaml:"tiers" validate:"required,min=1,dive"`
}

// Table is an immutable tier lookup.
type Table struct {
	tiers map[string]Tier
}

// Load reads and validates a pricing file.
func Load(path string) (*Table, error) {
	var file File
	if err := settings.LoadYAML(path, &file); err != nil {
		return nil, err
	}
	return NewTable(file.Tiers)
}

// NewTable validates tiers and indexes them by canonical name.
func NewTable(tiers []Tier) (*Table, error) {
	if err := settings.Validate(File{Tiers: tiers}); err != nil {
		return nil, err
	}
	t := &Table{tiers: make(map[string]Tier, len(tiers))}
	for _, tier := range tiers {
		key := normalize.CanonicalTier(tier.Tier)
		if _, dup := t.tiers[key]; dup {
			return nil, shared.ConfigError("pricing: duplicate tier %q", tier.Tier)
		}
		tier.Tier = key
		t.tiers[key] = tier
	}
	return t, nil
}

// Lookup returns the price of a tier or a configuration error when the table
// has no entry for it.
func (t *Table) Lookup(tier string) (Tier, error) {
	if t == nil {
		return Tier{}, shared.ConfigError("pricing: table not loaded")
	}
	entry, ok := t.tiers[normalize.CanonicalTier(tier)]
	if !ok {
		return Tier{}, shared.ConfigError("pricing: no entry for license tier %q", tier)
	}
	return entry, nil
}

// Rank returns the ordering rank of a tier.
func (t *Table) Rank(tier string) (int, bool) {
	if t == nil {
		return 0, false
	}
	entry, ok := t.tiers[normalize.CanonicalTier(tier)]
	return entry.Rank, ok
}

// Tiers lists the tiers ordered by rank then name.
func (t *Table) Tiers() []Tier {
	if t == nil {
		return nil
	}
	out := make([]Tier, 0, len(t.tiers))
	for _, tier := range t.tiers {
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Tier < out[j].Tier
	})
	return out
}
