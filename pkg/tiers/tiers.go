// Package tiers defines product tiers and the quotas attached to them.
package tiers

import "time"

// TierID identifies a product tier.
type TierID string

const (
	TierFree TierID = "free"
	TierPlus TierID = "plus"
	TierPro  TierID = "pro"
)

// FreeWeeklyExecutionQuota is the number of executions the free tier allows
// per window. Upstream sources disagree on this value (5 vs 25); keep every
// reference pointed at this constant.
const FreeWeeklyExecutionQuota = 5

// WindowDuration is the length of a quota window.
const WindowDuration = 7 * 24 * time.Hour

// Limits defines quotas for a tier.
type Limits struct {
	WindowExecutions int64 // -1 = unlimited
	StoredItems      int64 // -1 = unlimited
}

// Tier represents a product tier with limits and features.
type Tier struct {
	ID       TierID
	Name     string
	Limits   Limits
	Features []string
}

// All available tiers
var (
	Free = Tier{
		ID:   TierFree,
		Name: "Free",
		Limits: Limits{
			WindowExecutions: FreeWeeklyExecutionQuota,
			StoredItems:      25,
		},
		Features: []string{"local_skills"},
	}

	Plus = Tier{
		ID:   TierPlus,
		Name: "Plus",
		Limits: Limits{
			WindowExecutions: 50,
			StoredItems:      500,
		},
		Features: []string{"local_skills", "webhooks", "export"},
	}

	Pro = Tier{
		ID:   TierPro,
		Name: "Pro",
		Limits: Limits{
			WindowExecutions: -1, // unlimited
			StoredItems:      -1,
		},
		Features: []string{"all"},
	}

	// AllTiers contains all available tiers
	AllTiers = map[TierID]Tier{
		TierFree: Free,
		TierPlus: Plus,
		TierPro:  Pro,
	}
)

// Get returns a tier by ID, or nil if not found.
func Get(id TierID) *Tier {
	tier, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &tier
}

// HasFeature checks if a tier has a specific feature.
func (t *Tier) HasFeature(feature string) bool {
	for _, f := range t.Features {
		if f == feature || f == "all" {
			return true
		}
	}
	return false
}

// IsUnlimited checks if a limit is unlimited (-1).
func IsUnlimited(limit int64) bool {
	return limit < 0
}
