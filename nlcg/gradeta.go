// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/matt-chan/nlcglib/bundle"
	"github.com/matt-chan/nlcglib/smearing"
)

// gradEta computes the eigenvalue-space parts of the Riemannian gradient.
//
// The free-energy derivative with respect to a band energy, including the
// chemical-potential feedback that keeps the electron count fixed, is
//
//	∂F/∂εⱼ = wₖ·f′ⱼ·[(Hⱼⱼ-εⱼ) - dFdμ],  dFdμ = Σwₖf′ᵢ(Hᵢᵢ-εᵢ) / Σwₖf′ᵢ
//
// with f′ = dfₙ/dε ≤ 0; rotations among bands contribute the off-diagonal
// divided difference (fᵢ-fⱼ)/(εᵢ-εⱼ)·Hᵢⱼ. The descent direction delta_eta is
// the κ-damped pseudo-Hamiltonian step κ·(Hij - diag(ε)) carrying the same
// chemical-potential projection on its diagonal; it is independent of the
// wavefunction preconditioner.
type gradEta struct {
	kT     float64
	kappa  float64
	kind   smearing.Kind
	maxOcc float64
	comm   bundle.Comm
}

const degenTol = 1e-10

// fpr returns dfₙ/dε at band energy e.
func (g *gradEta) fpr(e, mu float64) float64 {
	return -g.maxOcc / g.kT * g.kind.Derivative((mu - e) / g.kT)
}

// dFdmu is the particle-conservation projection constant, comm-reduced over
// the whole spectrum.
func (g *gradEta) dFdmu(hij *bundle.Bundle, ek *bundle.Vecs, mu float64) float64 {
	l := hij.Layout()
	sums := make([]float64, 2)
	for _, k := range l.Keys() {
		h, e := hij.At(k), ek.At(k)
		w := l.Weight(k)
		for i := range e {
			fp := g.fpr(e[i], mu)
			sums[0] += w * fp * (h.At(i, i) - e[i])
			sums[1] += w * fp
		}
	}
	sums = g.comm.AllreduceSum(sums)
	if math.Abs(sums[1]) < 1e-300 {
		return 0
	}
	return sums[0] / sums[1]
}

// GEta builds the eigenvalue-space gradient g_eta (weights wₖ folded in).
func (g *gradEta) GEta(hij *bundle.Bundle, ek, fn *bundle.Vecs, mu float64) *bundle.Bundle {
	c := g.dFdmu(hij, ek, mu)
	l := hij.Layout()
	return bundle.Map(l, func(k bundle.Key) *mat.Dense {
		h, e, f := hij.At(k), ek.At(k), fn.At(k)
		w := l.Weight(k)
		n := len(e)
		out := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			out.Set(i, i, w*g.fpr(e[i], mu)*(h.At(i, i)-e[i]-c))
			for j := i + 1; j < n; j++ {
				var ratio float64
				if d := e[i] - e[j]; math.Abs(d) > degenTol {
					ratio = (f[i] - f[j]) / d
				} else {
					ratio = 0.5 * (g.fpr(e[i], mu) + g.fpr(e[j], mu))
				}
				v := w * ratio * h.At(i, j)
				out.Set(i, j, v)
				out.Set(j, i, v)
			}
		}
		return out
	})
}

// DeltaEta builds the descent direction in eigenvalue space.
func (g *gradEta) DeltaEta(hij *bundle.Bundle, ek *bundle.Vecs, mu float64) *bundle.Bundle {
	c := g.dFdmu(hij, ek, mu)
	return bundle.Map(hij.Layout(), func(k bundle.Key) *mat.Dense {
		h, e := hij.At(k), ek.At(k)
		n := len(e)
		out := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			out.Set(i, i, g.kappa*(h.At(i, i)-e[i]-c))
			for j := i + 1; j < n; j++ {
				v := g.kappa * h.At(i, j)
				out.Set(i, j, v)
				out.Set(j, i, v)
			}
		}
		return out
	})
}
