// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package trust

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dropforge/dropd/kvstore"
)

// Challenge is handed to a client ahead of registration. The client
// must find a nonce such that SHA256(challenge || nonce) begins with
// Difficulty hex zeros.
type Challenge struct {
	Challenge  string `json:"challenge"`
	Difficulty int    `json:"difficulty"`
	Timestamp  int64  `json:"timestamp"`
}

// Challenger mints one-time proof-of-work challenges. Outstanding
// challenges live in an expiring cache: verification consumes the
// entry whether or not the nonce checks out, so a challenge can never
// be retried or shared.
type Challenger struct {
	difficulty int
	cache      *kvstore.ChallengeCache
}

// NewChallenger bounds outstanding challenges at maxOutstanding, each
// valid for maxAge.
func NewChallenger(difficulty int, maxAge time.Duration, maxOutstanding int) *Challenger {
	return &Challenger{
		difficulty: difficulty,
		cache:      kvstore.NewChallengeCache(maxOutstanding, maxAge),
	}
}

// Difficulty returns the configured leading-zero count.
func (c *Challenger) Difficulty() int {
	return c.difficulty
}

// Mint issues a fresh challenge of the form "timestampMs:hex(16 bytes)".
func (c *Challenger) Mint() (Challenge, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return Challenge{}, err
	}
	now := time.Now().UnixMilli()
	ch := fmt.Sprintf("%d:%s", now, hex.EncodeToString(raw[:]))
	c.cache.Put(ch, now)
	return Challenge{Challenge: ch, Difficulty: c.difficulty, Timestamp: now}, nil
}

// Verify consumes the challenge and checks the nonce. A second call
// with the same challenge always fails, as does an expired or
// never-issued one.
func (c *Challenger) Verify(challenge, nonce string) bool {
	if !c.cache.Take(challenge) {
		return false
	}
	sum := sha256.Sum256([]byte(challenge + nonce))
	return leadingHexZeros(sum[:]) >= c.difficulty
}

// Outstanding reports unconsumed challenge count.
func (c *Challenger) Outstanding() int {
	return c.cache.Len()
}

// leadingHexZeros counts zero nibbles at the front of the digest.
func leadingHexZeros(sum []byte) int {
	n := 0
	for _, b := range sum {
		if b>>4 != 0 {
			return n
		}
		n++
		if b&0x0f != 0 {
			return n
		}
		n++
	}
	return n
}
