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

// ErrRetraction reports a failed manifold retraction (the overlap Gram matrix
// of the advanced point lost positive definiteness, typically from an
// oversized step).
var ErrRetraction = errors.New("nlcg: retraction failed")

// stepPoint is the outcome of one geodesic retraction: the evaluation at the
// new feasible point, the eigenvalue spectrum of the advanced eta, and the
// per-block transport rotation carrying tangent vectors to the new point.
type stepPoint struct {
	ev *Evaluation
	ek *bundle.Vecs
	u  *bundle.Bundle
	t  float64
}

// geodesic advances (X, eta) by step t along (Z_x, Z_eta) and evaluates the
// free energy there. Per block:
//
//	Xₜ = X + t·Z_x               restored to the manifold by Löwdin
//	O  = XₜᵀSXₜ,  X̂ = Xₜ·O^(-1/2)
//	ηₜ = η + t·Z_eta = U·diag(ε′)·Uᵀ
//	X′ = X̂·U,  fₙ′ = occupy(ε′)
//
// The evaluator is called at (X′, fₙ′), so F, HX and the spectrum are valid
// at the new point as a side effect. U is the transport operator for the
// previous search direction. t = 0 is an exact no-op retraction returning the
// input point with identity transport.
func geodesic(fe *freeEnergy, m metric, x, eta *bundle.Bundle, zx, zeta *bundle.Bundle, t float64) (*stepPoint, error) {
	l := x.Layout()

	if t == 0 {
		ek := bundle.MapVecs(l, func(k bundle.Key) []float64 {
			e := eta.At(k)
			n, _ := e.Dims()
			d := make([]float64, n)
			for i := range d {
				d[i] = e.At(i, i)
			}
			return d
		})
		u := bundle.Map(l, func(k bundle.Key) *mat.Dense {
			n, _ := eta.At(k).Dims()
			id := mat.NewDense(n, n, nil)
			for i := 0; i < n; i++ {
				id.Set(i, i, 1)
			}
			return id
		})
		occ, err := fe.Occupy(ek)
		if err != nil {
			return nil, err
		}
		ev, err := fe.Evaluate(x, occ)
		if err != nil {
			return nil, err
		}
		return &stepPoint{ev: ev, ek: ek, u: u, t: 0}, nil
	}

	xt := bundle.Add(1, x, t, zx)
	sxt := m.apply(xt)

	idx := make(map[bundle.Key]int, l.Blocks())
	for i, k := range l.Keys() {
		idx[k] = i
	}
	eks := make([][]float64, l.Blocks())
	us := make([]*mat.Dense, l.Blocks())

	xNew, err := bundle.MapErr(l, func(k bundle.Key) (*mat.Dense, error) {
		var o mat.Dense
		o.Mul(xt.At(k).T(), sxt.At(k))
		oInvSqrt, err := invSqrtSym(&o)
		if err != nil {
			return nil, fmt.Errorf("%w: %v: %v", ErrRetraction, k, err)
		}
		var xo mat.Dense
		xo.Mul(xt.At(k), oInvSqrt)

		etat := symAdd(eta.At(k), t, zeta.At(k))
		var eig mat.EigenSym
		if !eig.Factorize(etat, true) {
			return nil, fmt.Errorf("%w: %v: eta diagonalization failed", ErrRetraction, k)
		}
		var q mat.Dense
		eig.VectorsTo(&q)
		i := idx[k]
		eks[i] = eig.Values(nil)
		us[i] = &q

		var xn mat.Dense
		xn.Mul(&xo, &q)
		return &xn, nil
	})
	if err != nil {
		return nil, err
	}

	ek := bundle.NewVecs(l)
	u := bundle.New(l)
	for i, k := range l.Keys() {
		ek.Set(k, eks[i])
		u.Set(k, us[i])
	}

	occ, err := fe.Occupy(ek)
	if err != nil {
		return nil, err
	}
	ev, err := fe.Evaluate(xNew, occ)
	if err != nil {
		return nil, err
	}
	return &stepPoint{ev: ev, ek: ek, u: u, t: t}, nil
}

// invSqrtSym computes O^(-1/2) of a (numerically) symmetric positive-definite
// matrix through its eigendecomposition.
func invSqrtSym(o *mat.Dense) (*mat.Dense, error) {
	n, _ := o.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(o.At(i, j)+o.At(j, i)))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(s, true) {
		return nil, errors.New("eigendecomposition failed")
	}
	vals := eig.Values(nil)
	for _, v := range vals {
		if v <= 0 {
			return nil, fmt.Errorf("gram matrix not positive definite (λ = %g)", v)
		}
	}
	var q mat.Dense
	eig.VectorsTo(&q)
	d := mat.NewDense(n, n, nil)
	for i, v := range vals {
		d.Set(i, i, 1/math.Sqrt(v))
	}
	var tmp, out mat.Dense
	tmp.Mul(&q, d)
	out.Mul(&tmp, q.T())
	return &out, nil
}

// symAdd returns the symmetric part of a + t·b.
func symAdd(a *mat.Dense, t float64, b *mat.Dense) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := a.At(i, j) + t*b.At(i, j)
			w := a.At(j, i) + t*b.At(j, i)
			s.SetSym(i, j, 0.5*(v+w))
		}
	}
	return s
}

// rotateX transports a wavefunction-space tangent vector to the new point.
func rotateX(z, u *bundle.Bundle) *bundle.Bundle {
	return bundle.Map(z.Layout(), func(k bundle.Key) *mat.Dense {
		var out mat.Dense
		out.Mul(z.At(k), u.At(k))
		return &out
	})
}

// rotateEta transports an eigenvalue-space tangent vector: Uᵀ·Z·U.
func rotateEta(z, u *bundle.Bundle) *bundle.Bundle {
	return bundle.Map(z.Layout(), func(k bundle.Key) *mat.Dense {
		var tmp, out mat.Dense
		tmp.Mul(z.At(k), u.At(k))
		out.Mul(u.At(k).T(), &tmp)
		return &out
	})
}

// conjugateX combines the preconditioned gradient with the transported
// previous direction, re-projecting the transported part onto the tangent
// space at the new point:
//
//	Z = delta + γ·(Zᵖ - X·(SX)ᵀ·Zᵖ)
func conjugateX(delta, zp, x, sx *bundle.Bundle, gamma float64) *bundle.Bundle {
	return bundle.Map(delta.Layout(), func(k bundle.Key) *mat.Dense {
		var ov, proj, out mat.Dense
		ov.Mul(sx.At(k).T(), zp.At(k))
		proj.Mul(x.At(k), &ov)
		proj.Sub(zp.At(k), &proj)
		proj.Scale(gamma, &proj)
		out.Add(delta.At(k), &proj)
		return &out
	})
}

// conjugateEta combines the eigenvalue-space directions: Z = delta + γ·Zᵖ.
func conjugateEta(delta, zp *bundle.Bundle, gamma float64) *bundle.Bundle {
	return bundle.Map(delta.Layout(), func(k bundle.Key) *mat.Dense {
		var out mat.Dense
		out.Scale(gamma, zp.At(k))
		out.Add(delta.At(k), &out)
		return &out
	})
}
