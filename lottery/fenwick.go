// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lottery

// Fenwick is a binary indexed tree over int64 weights. It supports the
// O(log n) prefix-sum and find operations that make weighted selection
// without replacement O(k log n) with O(n) memory, instead of
// materialising one pool slot per ticket.
//
// Indices are zero-based at the API surface; the backing array uses
// the conventional one-based layout.
type Fenwick struct {
	n    int
	tree []int64
}

// NewFenwick returns a tree over n zero weights.
func NewFenwick(n int) *Fenwick {
	return &Fenwick{n: n, tree: make([]int64, n+1)}
}

// Update adds delta to the weight at index i.
func (f *Fenwick) Update(i int, delta int64) {
	for i++; i <= f.n; i += i & (-i) {
		f.tree[i] += delta
	}
}

// PrefixSum returns the sum of weights over [0, i].
func (f *Fenwick) PrefixSum(i int) int64 {
	var sum int64
	for i++; i > 0; i -= i & (-i) {
		sum += f.tree[i]
	}
	return sum
}

// Total returns the sum of all weights.
func (f *Fenwick) Total() int64 {
	return f.PrefixSum(f.n - 1)
}

// FindIndex returns the smallest index whose prefix sum exceeds
// target. A target at or beyond the total sum returns n.
func (f *Fenwick) FindIndex(target int64) int {
	idx := 0
	bit := 1
	for bit<<1 <= f.n {
		bit <<= 1
	}
	for ; bit > 0; bit >>= 1 {
		next := idx + bit
		if next <= f.n && f.tree[next] <= target {
			idx = next
			target -= f.tree[next]
		}
	}
	return idx
}
