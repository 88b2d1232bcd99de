// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package lottery implements the verifiable weighted draw at the heart
// of every drop: a commit-reveal seed, a deterministic LCG generator,
// and Fenwick-tree weighted selection without replacement. Given the
// same participant weights, seat count, and seed, selection reproduces
// the same winner and backup sequences byte for byte, which is what
// lets anyone audit a published proof.
package lottery

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/dropforge/dropd/lottery/merkletree"
)

// Algorithm tags the selection procedure in published proofs.
const Algorithm = "weighted-fenwick-v2"

// Entry is one participant in the draw. Weight is the floored
// effective ticket count and must be non-negative.
type Entry struct {
	UserID string
	Weight int64
}

// SortedEntries flattens a userID->weight map into the canonical
// participant order: ascending by user id. Selection, the Merkle
// commitment, and published proofs all use this order.
func SortedEntries(weights map[string]int64) []Entry {
	entries := make([]Entry, 0, len(weights))
	for id, w := range weights {
		entries = append(entries, Entry{UserID: id, Weight: w})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

// BuildTree commits to a canonical entry sequence.
func BuildTree(entries []Entry) (*merkletree.Tree, error) {
	leaves := make([][]byte, len(entries))
	for i, e := range entries {
		leaves[i] = merkletree.Leaf(e.UserID, e.Weight, i)
	}
	return merkletree.Build(leaves)
}

// Commitment returns the public hash published at initialize time for
// a lottery secret.
func Commitment(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Seed derives the draw seed from the revealed secret and the
// participant Merkle root. Binding the root into the seed prevents the
// operator from reshuffling participants after the commitment.
func Seed(secret, rootHex string) string {
	sum := sha256.Sum256([]byte(secret + "|" + rootHex))
	return hex.EncodeToString(sum[:])
}

// SelectWinners draws up to seats winners and then up to backupCount
// backups from the entries, weighted by Weight, without replacement.
// Zero-weight entries are never drawn. The two result sequences are
// disjoint and ordered by draw.
func SelectWinners(entries []Entry, seats, backupCount int, seedHex string) (winners, backups []string) {
	n := len(entries)
	if n == 0 || seats < 0 {
		return nil, nil
	}
	fw := NewFenwick(n)
	var total int64
	for i, e := range entries {
		if e.Weight > 0 {
			fw.Update(i, e.Weight)
			total += e.Weight
		}
	}
	remaining := make([]int64, n)
	for i, e := range entries {
		remaining[i] = e.Weight
	}

	rng := NewRand(seedHex)
	draw := func() (string, bool) {
		if total <= 0 {
			return "", false
		}
		target := rng.Int63n(total)
		idx := fw.FindIndex(target)
		if idx >= n {
			// Unreachable while total matches tree content.
			idx = n - 1
		}
		w := remaining[idx]
		fw.Update(idx, -w)
		remaining[idx] = 0
		total -= w
		return entries[idx].UserID, true
	}

	for len(winners) < seats {
		id, ok := draw()
		if !ok {
			break
		}
		winners = append(winners, id)
	}
	for len(backups) < backupCount {
		id, ok := draw()
		if !ok {
			break
		}
		backups = append(backups, id)
	}
	return winners, backups
}
