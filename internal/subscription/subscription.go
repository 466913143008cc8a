// Package subscription manages client subscription plans: the monthly
// credit grant, the scheduled jobs that renew it, and tier or interval
// changes that carry consumed credits forward.
package subscription

import (
	"cmp"
	"errors"
	"slices"
)

var (
	ErrAlreadySubscribed = errors.New("subscription: client already subscribed")
	ErrNotSubscribed     = errors.New("subscription: client has no subscription")
	ErrCancelling        = errors.New("subscription: cancellation in progress")
	ErrInvalidTier       = errors.New("subscription: unknown tier")
	ErrInvalidInterval   = errors.New("subscription: interval must be between 1 and 12 months")
)

// MaxInterval is the longest billing interval in months.
const MaxInterval = 12

// Tier is a plan level and the credits it grants each month.
type Tier struct {
	Name           string `json:"name"`
	MonthlyCredits int64  `json:"monthlyCredits"`
}

// Tiers is the static plan table.
var Tiers = map[string]Tier{
	"base":     {Name: "base", MonthlyCredits: 30000},
	"pro":      {Name: "pro", MonthlyCredits: 60000},
	"business": {Name: "business", MonthlyCredits: 120000},
}

// LookupTier returns the tier named name.
func LookupTier(name string) (Tier, error) {
	t, ok := Tiers[name]
	if !ok {
		return Tier{}, ErrInvalidTier
	}
	return t, nil
}

// ListTiers returns every tier ordered by credits.
func ListTiers() []Tier {
	out := make([]Tier, 0, len(Tiers))
	for _, t := range Tiers {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Tier) int {
		return cmp.Compare(a.MonthlyCredits, b.MonthlyCredits)
	})
	return out
}

// normalizeInterval clamps values below one to one and rejects values above
// MaxInterval.
func normalizeInterval(months int) (int, error) {
	if months < 1 {
		return 1, nil
	}
	if months > MaxInterval {
		return 0, ErrInvalidInterval
	}
	return months, nil
}
