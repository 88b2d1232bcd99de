// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lottery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandDeterminism(t *testing.T) {
	a := NewRand("25cd65784f1c7325f1e1a0c5793cd2b536a7a331e9b5e53b4d4ef4a626ec7dcc")
	b := NewRand("25cd65784f1c7325f1e1a0c5793cd2b536a7a331e9b5e53b4d4ef4a626ec7dcc")
	other := NewRand("0000000000000000000000000000000000000000000000000000000000000001")

	var same, diff bool
	for i := 0; i < 64; i++ {
		av, bv := a.Float64(), b.Float64()
		require.Equal(t, av, bv, "draw %d", i)
		require.GreaterOrEqual(t, av, 0.0)
		require.Less(t, av, 1.0)
		if av != other.Float64() {
			diff = true
		}
		same = true
	}
	require.True(t, same)
	require.True(t, diff, "distinct seeds must diverge")
}

func TestRandEmptySeed(t *testing.T) {
	// Zero fold state is nudged so the generator still moves.
	r := NewRand("")
	v1, v2 := r.Float64(), r.Float64()
	require.NotEqual(t, v1, v2)
}

func TestFenwickAgainstNaive(t *testing.T) {
	weights := []int64{5, 0, 3, 7, 1, 0, 9, 2}
	fw := NewFenwick(len(weights))
	var total int64
	for i, w := range weights {
		fw.Update(i, w)
		total += w
	}
	require.Equal(t, total, fw.Total())

	var running int64
	for i, w := range weights {
		running += w
		require.Equal(t, running, fw.PrefixSum(i), "prefix %d", i)
	}

	naiveFind := func(target int64) int {
		var sum int64
		for i, w := range weights {
			sum += w
			if sum > target {
				return i
			}
		}
		return len(weights)
	}
	for target := int64(0); target < total; target++ {
		require.Equal(t, naiveFind(target), fw.FindIndex(target),
			"target %d", target)
	}
	require.Equal(t, len(weights), fw.FindIndex(total))
}

func TestFenwickRemoval(t *testing.T) {
	fw := NewFenwick(4)
	for i, w := range []int64{2, 4, 6, 8} {
		fw.Update(i, w)
	}
	fw.Update(2, -6)
	require.Equal(t, int64(14), fw.Total())
	// Index 2 now has zero weight and can never be found.
	require.Equal(t, 1, fw.FindIndex(5))
	require.Equal(t, 3, fw.FindIndex(6))
}

func testWeights(n int) map[string]int64 {
	m := make(map[string]int64, n)
	for i := 0; i < n; i++ {
		m[fmt.Sprintf("user%03d", i)] = int64(i%5 + 1)
	}
	return m
}

func TestSortedEntriesCanonical(t *testing.T) {
	entries := SortedEntries(testWeights(20))
	require.Len(t, entries, 20)
	for i := 1; i < len(entries); i++ {
		require.Less(t, entries[i-1].UserID, entries[i].UserID)
	}
}

func TestSelectDeterminism(t *testing.T) {
	entries := SortedEntries(testWeights(25))
	seed := Seed("d31a3a22c7657f30c13ab55a1e23bd3ebd7b047bbd0e43e5a15a38602682a1f1",
		"f00dfeed")

	w1, b1 := SelectWinners(entries, 5, 3, seed)
	w2, b2 := SelectWinners(entries, 5, 3, seed)
	require.Equal(t, w1, w2)
	require.Equal(t, b1, b2)
	require.Len(t, w1, 5)
	require.Len(t, b1, 3)

	w3, _ := SelectWinners(entries, 5, 3, Seed("another-secret", "f00dfeed"))
	require.NotEqual(t, w1, w3, "distinct seeds must reorder the draw")
}

func TestSelectWithoutReplacement(t *testing.T) {
	entries := SortedEntries(testWeights(8))
	winners, backups := SelectWinners(entries, 5, 5, "11ee")

	require.Len(t, winners, 5)
	require.Len(t, backups, 3, "only 3 entries remain for backups")

	seen := make(map[string]bool)
	for _, id := range append(append([]string{}, winners...), backups...) {
		require.False(t, seen[id], "duplicate draw %s", id)
		seen[id] = true
	}
}

func TestSelectZeroWeightNeverDrawn(t *testing.T) {
	entries := []Entry{
		{UserID: "alice", Weight: 3},
		{UserID: "bot", Weight: 0},
		{UserID: "carol", Weight: 2},
		{UserID: "dave", Weight: 1},
	}
	winners, backups := SelectWinners(entries, 4, 4, "cafe")
	require.Len(t, winners, 3)
	require.Empty(t, backups)
	require.NotContains(t, winners, "bot")
}

func TestSelectSeatsExceedEntries(t *testing.T) {
	entries := SortedEntries(testWeights(3))
	winners, backups := SelectWinners(entries, 10, 10, "beef")
	require.Len(t, winners, 3)
	require.Empty(t, backups)

	winners, backups = SelectWinners(nil, 3, 3, "beef")
	require.Empty(t, winners)
	require.Empty(t, backups)
}

func TestCommitmentKnownVector(t *testing.T) {
	// SHA-256("abc") test vector.
	require.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		Commitment("abc"))
}

func TestSeedBindsSecretAndRoot(t *testing.T) {
	sum := sha256.Sum256([]byte("secret|root"))
	require.Equal(t, hex.EncodeToString(sum[:]), Seed("secret", "root"))
	require.NotEqual(t, Seed("secret", "root"), Seed("secret", "r00t"))
	require.NotEqual(t, Seed("secret", "root"), Seed("secre", "troot"))
}
