// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/matt-chan/nlcglib/bundle"
)

// ErrAsymmetricMultiplier reports a projected Hamiltonian block XᵀHX that is
// not symmetric. A self-adjoint backend produces a symmetric block up to
// roundoff; asymmetry indicates an inconsistency between the energy, overlap
// and preconditioner backends and is surfaced instead of silently corrected.
var ErrAsymmetricMultiplier = errors.New("nlcg: asymmetric lagrange multiplier")

const asymTol = 1e-6

// lagrangeMultipliers solves, per block, for the multiplier Λ that makes the
// preconditioned gradient tangent to the constraint manifold:
//
//	(SX)ᵀ·P(HX - SX·Λ) = 0  ⇒  [(SX)ᵀ·P(SX)]·Λ = (SX)ᵀ·P(HX)
//
// The norm-conserving variant passes sx = x. The solve assumes P is a fixed
// linear operator per block, which the Teter preconditioner guarantees by
// freezing its reference kinetic energy per gradient build. The solved block
// is returned as is: symmetrizing it would break the exact tangency
// (SX)ᵀ·delta_x = 0 that the slope computation relies on. Backend consistency
// is checked on XᵀHX instead, which must be symmetric whenever the
// Hamiltonian action is self-adjoint.
func lagrangeMultipliers(x, sx, hx *bundle.Bundle, p PrecondOp) (*bundle.Bundle, error) {
	return bundle.MapErr(x.Layout(), func(k bundle.Key) (*mat.Dense, error) {
		xk, sxk, hxk := x.At(k), sx.At(k), hx.At(k)

		var hij mat.Dense
		hij.Mul(xk.T(), hxk)
		n, _ := hij.Dims()
		var diag, off float64
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				diag = math.Max(diag, math.Abs(hij.At(i, j)))
				if j > i {
					off = math.Max(off, math.Abs(hij.At(i, j)-hij.At(j, i)))
				}
			}
		}
		if diag > 0 && off/diag > asymTol {
			return nil, fmt.Errorf("%w: %v relative asymmetry %.3e", ErrAsymmetricMultiplier, k, off/diag)
		}

		psx := p.Apply(k, sxk)
		phx := p.Apply(k, hxk)

		var a, b mat.Dense
		a.Mul(sxk.T(), psx)
		b.Mul(sxk.T(), phx)

		var ll mat.Dense
		if err := ll.Solve(&a, &b); err != nil {
			return nil, fmt.Errorf("nlcg: multiplier solve %v: %w", k, err)
		}
		return &ll, nil
	})
}

// gradX assembles the wavefunction-space gradient with the multiplier
// projection and the k-point weights folded in:
//
//	g_X = wₖ·(HX - SX·Λ)·diag(fₙ)
func gradX(sx, hx *bundle.Bundle, fn *bundle.Vecs, xll *bundle.Bundle) *bundle.Bundle {
	l := hx.Layout()
	return bundle.Map(l, func(k bundle.Key) *mat.Dense {
		var r mat.Dense
		r.Mul(sx.At(k), xll.At(k))
		r.Sub(hx.At(k), &r)
		f := fn.At(k)
		w := l.Weight(k)
		rows, cols := r.Dims()
		for j := 0; j < cols; j++ {
			s := w * f[j]
			for i := 0; i < rows; i++ {
				r.Set(i, j, r.At(i, j)*s)
			}
		}
		return &r
	})
}

// precondGradX builds the preconditioned descent direction
//
//	delta_x = -P(HX - SX·Λ)
//
// which is tangent by the multiplier construction.
func precondGradX(sx, hx *bundle.Bundle, p PrecondOp, xll *bundle.Bundle) *bundle.Bundle {
	return bundle.Map(hx.Layout(), func(k bundle.Key) *mat.Dense {
		var r mat.Dense
		r.Mul(sx.At(k), xll.At(k))
		r.Sub(hx.At(k), &r)
		pr := p.Apply(k, &r)
		pr.Scale(-1, pr)
		return pr
	})
}

// computeSlope returns the two components of the directional derivative of
// the free energy along (Z_x, Z_eta). Weights are already folded into the
// gradients, so the reduction is an unweighted comm-completed sum.
func computeSlope(c bundle.Comm, gx, zx, geta, zeta *bundle.Bundle) (slopeX, slopeEta float64) {
	slopeX = bundle.Sum(c, gx.Layout(), func(k bundle.Key) float64 {
		return 2 * bundle.InnerTrace(gx.At(k), zx.At(k))
	})
	slopeEta = bundle.Sum(c, geta.Layout(), func(k bundle.Key) float64 {
		return bundle.InnerTrace(geta.At(k), zeta.At(k))
	})
	return
}

// computeSlopeSingle returns fr = ⟨g_X,delta_x⟩ + ⟨g_eta,delta_eta⟩, the
// single-direction inner product used for the conjugate coefficient.
func computeSlopeSingle(c bundle.Comm, gx, dx, geta, deta *bundle.Bundle) float64 {
	sx, se := computeSlope(c, gx, dx, geta, deta)
	return sx + se
}
