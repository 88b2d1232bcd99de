// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drop

import (
	"time"
)

// LoyaltyTier is one rung of the participation ladder.
type LoyaltyTier struct {
	Name       string  `json:"name"`
	MinDrops   int     `json:"minDrops"`
	Multiplier float64 `json:"multiplier"`
}

// DefaultLoyaltyTiers is the standard ladder. Tiers must be ordered by
// ascending MinDrops.
var DefaultLoyaltyTiers = []LoyaltyTier{
	{Name: "bronze", MinDrops: 0, Multiplier: 1.0},
	{Name: "silver", MinDrops: 3, Multiplier: 1.1},
	{Name: "gold", MinDrops: 10, Multiplier: 1.25},
	{Name: "platinum", MinDrops: 25, Multiplier: 1.5},
}

// LoyaltyConfig tunes tiering and the streak bonus.
type LoyaltyConfig struct {
	Tiers           []LoyaltyTier
	StreakThreshold int
	StreakBonus     float64
	MaxMultiplier   float64
}

func (c *LoyaltyConfig) normalize() {
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultLoyaltyTiers
	}
	if c.StreakThreshold <= 0 {
		c.StreakThreshold = 3
	}
	if c.StreakBonus == 0 {
		c.StreakBonus = 0.1
	}
	if c.MaxMultiplier <= 0 {
		c.MaxMultiplier = 2.0
	}
}

// LoyaltyState is a user's cross-drop participation ledger. The streak
// is a plain increment per new drop; there is no gap decay.
type LoyaltyState struct {
	UserID            string    `json:"userId"`
	DropsParticipated []string  `json:"dropsParticipated"`
	CurrentStreak     int       `json:"currentStreak"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// LoyaltySnapshot is the derived view recorded on registrations.
type LoyaltySnapshot struct {
	Tier          string  `json:"tier"`
	Multiplier    float64 `json:"multiplier"`
	DropCount     int     `json:"dropCount"`
	CurrentStreak int     `json:"currentStreak"`
}

func (l *LoyaltyState) participated(dropID string) bool {
	for _, id := range l.DropsParticipated {
		if id == dropID {
			return true
		}
	}
	return false
}

// recordParticipation adds dropID to the ledger. Idempotent per drop:
// replaying a lottery fan-out does not inflate the streak.
func (l *LoyaltyState) recordParticipation(dropID string, now time.Time) bool {
	if l.participated(dropID) {
		return false
	}
	l.DropsParticipated = append(l.DropsParticipated, dropID)
	l.CurrentStreak++
	l.LastUpdated = now
	return true
}

// snapshot derives the tier and multiplier under cfg.
func (l *LoyaltyState) snapshot(cfg *LoyaltyConfig) LoyaltySnapshot {
	n := len(l.DropsParticipated)
	tier := cfg.Tiers[0]
	for _, t := range cfg.Tiers {
		if n >= t.MinDrops {
			tier = t
		}
	}
	mult := tier.Multiplier
	if l.CurrentStreak >= cfg.StreakThreshold {
		mult += cfg.StreakBonus
	}
	if mult > cfg.MaxMultiplier {
		mult = cfg.MaxMultiplier
	}
	return LoyaltySnapshot{
		Tier:          tier.Name,
		Multiplier:    mult,
		DropCount:     n,
		CurrentStreak: l.CurrentStreak,
	}
}
