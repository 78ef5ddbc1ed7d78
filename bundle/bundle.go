// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bundle provides the block-indexed data model of the optimizer:
// keyed collections of dense per-block matrices (one block per k-point and
// spin channel) together with the parallel map / weighted-reduction substrate
// used to dispatch work across blocks and combine per-block scalars into
// global ones.
package bundle

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Key identifies one block: a k-point index paired with a spin index.
type Key struct {
	K    int
	Spin int
}

func (k Key) String() string { return fmt.Sprintf("(k=%d,s=%d)", k.K, k.Spin) }

func keyLess(a, b Key) bool {
	if a.K != b.K {
		return a.K < b.K
	}
	return a.Spin < b.Spin
}

// Layout describes the block index set owned by this process: the ordered
// keys and their integration weights wk. All bundles sharing a layout have
// exactly the same key set; operations never create or drop blocks.
type Layout struct {
	keys []Key
	wk   map[Key]float64
}

// NewLayout builds a layout from per-key weights. Keys are kept in a
// deterministic sorted order so that reductions are reproducible.
func NewLayout(weights map[Key]float64) *Layout {
	keys := make([]Key, 0, len(weights))
	wk := make(map[Key]float64, len(weights))
	for k, w := range weights {
		keys = append(keys, k)
		wk[k] = w
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	return &Layout{keys: keys, wk: wk}
}

// Keys returns the ordered block keys. The returned slice must not be mutated.
func (l *Layout) Keys() []Key { return l.keys }

// Weight returns the integration weight wk of a block.
func (l *Layout) Weight(k Key) float64 { return l.wk[k] }

// Blocks returns the number of locally owned blocks.
func (l *Layout) Blocks() int { return len(l.keys) }

// Bundle maps every block key to a dense matrix. The zero block dimensions
// may differ between keys (each k-point carries its own basis size).
type Bundle struct {
	layout *Layout
	data   map[Key]*mat.Dense
}

// New creates an empty bundle over the given layout.
func New(l *Layout) *Bundle {
	return &Bundle{layout: l, data: make(map[Key]*mat.Dense, len(l.keys))}
}

// Layout returns the block layout shared by this bundle.
func (b *Bundle) Layout() *Layout { return b.layout }

// At returns the block stored under k, or nil when unset.
func (b *Bundle) At(k Key) *mat.Dense { return b.data[k] }

// Set stores a block under k. The key must belong to the layout.
func (b *Bundle) Set(k Key, m *mat.Dense) {
	if _, ok := b.layout.wk[k]; !ok {
		panic("bundle: key not in layout " + k.String())
	}
	b.data[k] = m
}

// Copy returns a deep copy of x.
func Copy(x *Bundle) *Bundle {
	y := New(x.layout)
	for _, k := range x.layout.keys {
		y.data[k] = mat.DenseCopyOf(x.data[k])
	}
	return y
}

// Vecs maps every block key to a float vector (eigenvalues, occupations,
// kinetic energies).
type Vecs struct {
	layout *Layout
	data   map[Key][]float64
}

// NewVecs creates an empty vector bundle over the given layout.
func NewVecs(l *Layout) *Vecs {
	return &Vecs{layout: l, data: make(map[Key][]float64, len(l.keys))}
}

// Layout returns the block layout shared by this vector bundle.
func (v *Vecs) Layout() *Layout { return v.layout }

// At returns the vector stored under k, or nil when unset.
func (v *Vecs) At(k Key) []float64 { return v.data[k] }

// Set stores a vector under k. The key must belong to the layout.
func (v *Vecs) Set(k Key, x []float64) {
	if _, ok := v.layout.wk[k]; !ok {
		panic("bundle: key not in layout " + k.String())
	}
	v.data[k] = x
}

// CopyVecs returns a deep copy of v.
func CopyVecs(v *Vecs) *Vecs {
	w := NewVecs(v.layout)
	for _, k := range v.layout.keys {
		w.data[k] = append([]float64(nil), v.data[k]...)
	}
	return w
}
