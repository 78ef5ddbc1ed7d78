// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"gonum.org/v1/gonum/mat"

	"github.com/matt-chan/nlcglib/bundle"
)

// teterPrecond is the Teter-Payne-Allan kinetic-energy preconditioner used by
// the norm-conserving variant. Acting on a residual block, it damps
// high-kinetic-energy components:
//
//	K(t) = (27 + 18t + 12t² + 8t³) / (27 + 18t + 12t² + 8t³ + 16t⁴)
//
// with t the row kinetic energy relative to the block's reference kinetic
// energy. The reference is one scalar per block, frozen by refresh for the
// whole gradient build: the multiplier solve requires Apply to be a single
// linear diagonal operator per block, so the reference must not depend on
// the matrix being preconditioned.
type teterPrecond struct {
	ekin *bundle.Vecs
	eref map[bundle.Key]float64
}

// refresh pins the per-block reference to the kinetic expectation of the
// current wavefunctions. Apply afterwards only reads eref, so concurrent
// per-block application stays safe.
func (p *teterPrecond) refresh(x *bundle.Bundle) {
	l := x.Layout()
	eref := make(map[bundle.Key]float64, len(l.Keys()))
	for _, k := range l.Keys() {
		ek := p.ekin.At(k)
		xk := x.At(k)
		rows, cols := xk.Dims()
		num, den := 0.0, 0.0
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				v := xk.At(i, j)
				num += ek[i] * v * v
				den += v * v
			}
		}
		e := 1.0
		if den > 0 && num > 0 {
			e = num / den
		}
		eref[k] = e
	}
	p.eref = eref
}

func (p *teterPrecond) Apply(k bundle.Key, r mat.Matrix) *mat.Dense {
	ek := p.ekin.At(k)
	eref := p.eref[k]
	if eref <= 0 {
		eref = 1
	}
	rows, cols := r.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		t := ek[i] / eref
		t2 := t * t
		poly := 27 + 18*t + 12*t2 + 8*t2*t
		damp := poly / (poly + 16*t2*t2)
		for j := 0; j < cols; j++ {
			out.Set(i, j, r.At(i, j)*damp)
		}
	}
	return out
}

// identityOp is the trivial overlap/preconditioner used by tests and by the
// identity metric when no backend operator is supplied.
type identityOp struct{}

func (identityOp) Apply(_ bundle.Key, x mat.Matrix) *mat.Dense {
	var m mat.Dense
	m.CloneFrom(x)
	return &m
}
