// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/matt-chan/nlcglib/bundle"
)

func teterFixture(seed int64, n, m int) (*teterPrecond, bundle.Key, *rand.Rand) {
	rng := rand.New(rand.NewSource(seed))
	l := bundle.NewLayout(map[bundle.Key]float64{{K: 0, Spin: 0}: 1})
	k := l.Keys()[0]

	kin := make([]float64, n)
	for i := range kin {
		kin[i] = 0.5 + float64(i)
	}
	ekin := bundle.NewVecs(l)
	ekin.Set(k, kin)

	x := bundle.New(l)
	x.Set(k, gaussianDense(rng, n, m))

	p := &teterPrecond{ekin: ekin}
	p.refresh(x)
	return p, k, rng
}

func gaussianDense(rng *rand.Rand, n, m int) *mat.Dense {
	a := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}
	return a
}

// The multiplier solve treats P as one linear operator per block, so once
// refresh has frozen the reference kinetic energy, Apply must be linear in
// its argument. A reference derived from the preconditioned matrix itself
// would fail this and with it the tangency of the descent direction.
func TestTeterPrecondIsLinear(t *testing.T) {
	p, k, rng := teterFixture(40, 8, 4)

	r1 := gaussianDense(rng, 8, 4)
	r2 := gaussianDense(rng, 8, 4)

	var comb mat.Dense
	comb.Scale(3, r1)
	var s2 mat.Dense
	s2.Scale(-2, r2)
	comb.Add(&comb, &s2)
	got := p.Apply(k, &comb)

	var want mat.Dense
	want.Scale(3, p.Apply(k, r1))
	s2.Scale(-2, p.Apply(k, r2))
	want.Add(&want, &s2)

	require.Less(t, maxAbsDiff(got, &want), 1e-13)
}

// Damping is shared by all columns of a block and decreases with the row
// kinetic energy, never amplifying.
func TestTeterPrecondDampsHighKinetic(t *testing.T) {
	p, k, _ := teterFixture(41, 8, 4)

	eye := mat.NewDense(8, 8, nil)
	for i := 0; i < 8; i++ {
		eye.Set(i, i, 1)
	}
	out := p.Apply(k, eye)

	prev := 1.0
	for i := 0; i < 8; i++ {
		damp := out.At(i, i)
		require.Greater(t, damp, 0.0)
		require.LessOrEqual(t, damp, 1.0)
		require.LessOrEqual(t, damp, prev, "damping not monotone at row %d", i)
		prev = damp
		for j := 0; j < 8; j++ {
			if j != i {
				require.Zero(t, out.At(i, j))
			}
		}
	}
}
