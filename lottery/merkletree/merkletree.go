// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package merkletree builds the deterministic participant commitment
// published with every lottery and produces the inclusion proofs that
// let a third party verify membership without the full participant
// list.
//
// Leaves are combined pairwise with an order-insensitive hash: the two
// child hashes are sorted lexicographically before hashing, so a proof
// is just the sibling hashes with no left/right direction bits. An odd
// node at any level is paired with itself. For N leaves a proof holds
// ceil(log2(N)) hashes and verification recomputes the root in
// O(log N).
package merkletree

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// ErrEmptyTree is returned by Build when no leaves are supplied.
var ErrEmptyTree = errors.New("merkletree: no leaves")

// Leaf hashes a single participant entry. The entry binds the user id,
// the floored effective ticket count, and the participant's index in
// the sorted participant list.
func Leaf(userID string, effectiveTickets int64, index int) []byte {
	h := sha256.Sum256([]byte(userID + ":" +
		strconv.FormatInt(effectiveTickets, 10) + ":" + strconv.Itoa(index)))
	return h[:]
}

// combine hashes an unordered pair of child hashes.
func combine(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	h := sha256.New()
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}

// Tree is an immutable Merkle tree over a fixed leaf sequence.
type Tree struct {
	// levels[0] holds the leaves, levels[len-1] the root.
	levels [][][]byte
}

// Build constructs the tree bottom-up from the given leaves. The leaf
// order is significant and must already be canonical (participants
// sorted by user id).
func Build(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		c := make([]byte, len(l))
		copy(c, l)
		level[i] = c
	}
	levels := [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, combine(level[i], level[i+1]))
			} else {
				next = append(next, combine(level[i], level[i]))
			}
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return len(t.levels[0])
}

// Root returns the 32-byte tree commitment.
func (t *Tree) Root() []byte {
	root := t.levels[len(t.levels)-1][0]
	c := make([]byte, len(root))
	copy(c, root)
	return c
}

// RootHex returns the root hash as lowercase hex.
func (t *Tree) RootHex() string {
	return hex.EncodeToString(t.Root())
}

// Proof returns the sibling hashes proving inclusion of the leaf at
// the given index.
func (t *Tree) Proof(index int) ([][]byte, error) {
	if index < 0 || index >= t.Size() {
		return nil, fmt.Errorf("merkletree: index %d out of range [0,%d)",
			index, t.Size())
	}
	var proof [][]byte
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling >= len(level) {
			// Odd node pairs with itself.
			sibling = index
		}
		h := make([]byte, len(level[sibling]))
		copy(h, level[sibling])
		proof = append(proof, h)
		index >>= 1
	}
	return proof, nil
}

// Verify recomputes the root from a leaf and its proof and reports
// whether it matches the expected root.
func Verify(leaf []byte, proof [][]byte, root []byte) bool {
	h := leaf
	for _, sibling := range proof {
		h = combine(h, sibling)
	}
	return bytes.Equal(h, root)
}
