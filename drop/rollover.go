// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drop

import "time"

// DefaultMaxRollover caps the cross-drop rollover balance.
const DefaultMaxRollover = 10

// RolloverState is a user's cross-drop compensation ledger. Losers are
// granted their paid entries back as rollover; expired winners get half.
// The balance is consumed ahead of payment at the next registration.
type RolloverState struct {
	UserID      string    `json:"userId"`
	Balance     int       `json:"balance"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// add grants k entries, clamped to the cap. Returns the granted amount
// after clamping.
func (r *RolloverState) add(k, cap int, now time.Time) int {
	if k <= 0 {
		return 0
	}
	granted := k
	if r.Balance+granted > cap {
		granted = cap - r.Balance
	}
	if granted < 0 {
		granted = 0
	}
	r.Balance += granted
	r.LastUpdated = now
	return granted
}

// consume takes up to want entries from the balance and returns how
// many were actually used.
func (r *RolloverState) consume(want int, now time.Time) int {
	if want <= 0 || r.Balance <= 0 {
		return 0
	}
	used := want
	if used > r.Balance {
		used = r.Balance
	}
	r.Balance -= used
	r.LastUpdated = now
	return used
}

// reset clears the balance.
func (r *RolloverState) reset(now time.Time) {
	r.Balance = 0
	r.LastUpdated = now
}
