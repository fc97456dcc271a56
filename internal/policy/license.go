// Package policy decides whether a plan step may run: the license gate by tool
// category and tier, and the confirmation gate by scope.
package policy

import (
	"fmt"
	"strings"
)

// Category groups tools by the kind of side effect they have.
type Category string

const (
	CategoryRead       Category = "read"
	CategorySafeWrite  Category = "safe-write"
	CategoryHighImpact Category = "high-impact"
	CategoryPlanning   Category = "planning"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryRead, CategorySafeWrite, CategoryHighImpact, CategoryPlanning:
		return true
	}
	return false
}

// Tier is a license entitlement level.
type Tier string

const (
	TierStarter    Tier = "starter"
	TierCreator    Tier = "creator"
	TierPro        Tier = "pro"
	TierPioneer    Tier = "pioneer"
	TierFounder    Tier = "founder"
	TierEnterprise Tier = "enterprise"
)

var tierOrder = []Tier{TierStarter, TierCreator, TierPro, TierPioneer, TierFounder, TierEnterprise}

// Tiers returns all tiers from lowest to highest.
func Tiers() []Tier {
	return append([]Tier(nil), tierOrder...)
}

// Rank returns the tier's position, or -1 for an unknown tier.
func (t Tier) Rank() int {
	for i, known := range tierOrder {
		if t == known {
			return i
		}
	}
	return -1
}

// AtLeast reports whether t is known and not below min.
func (t Tier) AtLeast(min Tier) bool {
	r := t.Rank()
	return r >= 0 && min.Rank() >= 0 && r >= min.Rank()
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t.Rank() < 0 {
		return "", fmt.Errorf("unknown license tier %q", s)
	}
	return t, nil
}

// License maps tool categories to the minimum tier allowed to run them.
// Read is always allowed; unknown categories are never allowed.
type License struct {
	SafeWriteMin  Tier
	HighImpactMin Tier
	PlanningMin   Tier
}

// DefaultLicense requires pro for high-impact and planning tools.
func DefaultLicense() License {
	return License{
		SafeWriteMin:  TierStarter,
		HighImpactMin: TierPro,
		PlanningMin:   TierPro,
	}
}

// NewLicense builds a policy with a custom minimum for high-impact and planning tools.
func NewLicense(highImpactMin Tier) (License, error) {
	if highImpactMin.Rank() < 0 {
		return License{}, fmt.Errorf("unknown license tier %q", highImpactMin)
	}
	l := DefaultLicense()
	l.HighImpactMin = highImpactMin
	l.PlanningMin = highImpactMin
	return l, nil
}

// IsAllowed reports whether tier may run tools of category c.
func (l License) IsAllowed(tier Tier, c Category) bool {
	switch c {
	case CategoryRead:
		return true
	case CategorySafeWrite:
		return tier.AtLeast(orDefault(l.SafeWriteMin, TierStarter))
	case CategoryHighImpact:
		return tier.AtLeast(orDefault(l.HighImpactMin, TierPro))
	case CategoryPlanning:
		return tier.AtLeast(orDefault(l.PlanningMin, TierPro))
	default:
		return false
	}
}

// Minimum returns the lowest tier that may run category c. Read reports an empty tier.
func (l License) Minimum(c Category) Tier {
	switch c {
	case CategorySafeWrite:
		return orDefault(l.SafeWriteMin, TierStarter)
	case CategoryHighImpact:
		return orDefault(l.HighImpactMin, TierPro)
	case CategoryPlanning:
		return orDefault(l.PlanningMin, TierPro)
	default:
		return ""
	}
}

func orDefault(t, def Tier) Tier {
	if t == "" {
		return def
	}
	return t
}
