// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lottery

// Rand is a deterministic linear congruential generator. Every draw in
// a lottery flows through one Rand seeded from the revealed secret and
// the participant Merkle root, so any observer can replay the exact
// selection sequence.
type Rand struct {
	state uint32
}

// NewRand folds a hex seed string into the 32-bit LCG state.
func NewRand(seedHex string) *Rand {
	var state uint32
	for i := 0; i < len(seedHex); i++ {
		state = state*31 + uint32(seedHex[i])
	}
	if state == 0 {
		state = 1
	}
	return &Rand{state: state}
}

// Float64 steps the generator and returns the next value in [0, 1).
func (r *Rand) Float64() float64 {
	r.state = r.state*1664525 + 1013904223
	return float64(r.state) / (1 << 32)
}

// Intn returns a deterministic integer in [0, n).
func (r *Rand) Intn(n int) int {
	return int(r.Float64() * float64(n))
}

// Int63n returns a deterministic integer in [0, n).
func (r *Rand) Int63n(n int64) int64 {
	v := int64(r.Float64() * float64(n))
	if v >= n {
		// Float rounding at the top of the range.
		v = n - 1
	}
	return v
}
