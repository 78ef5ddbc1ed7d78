// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"gonum.org/v1/gonum/mat"

	"github.com/matt-chan/nlcglib/bundle"
)

// metric abstracts the constraint inner product so one driver body serves
// both algorithm variants: the identity metric (plain orthonormality, Teter
// preconditioner) and the overlap-backed metric (generalized XᵀSX = I
// constraint with an external ultrasoft preconditioner). Only the
// metric-dependent calls differ between variants.
type metric interface {
	// apply returns S·X (the identity metric returns X itself).
	apply(x *bundle.Bundle) *bundle.Bundle
	// precond returns the preconditioner matching the metric.
	precond() PrecondOp
	// refresh re-anchors any state the preconditioner keeps per gradient
	// build (the Teter reference kinetic energy) to the current
	// wavefunctions. External preconditioners ignore it.
	refresh(x *bundle.Bundle)
	// name identifies the variant in diagnostics.
	name() string
}

type identityMetric struct {
	prec *teterPrecond
}

func (m *identityMetric) apply(x *bundle.Bundle) *bundle.Bundle { return x }
func (m *identityMetric) precond() PrecondOp                    { return m.prec }
func (m *identityMetric) refresh(x *bundle.Bundle)              { m.prec.refresh(x) }
func (m *identityMetric) name() string                          { return "norm-conserving" }

type overlapMetric struct {
	s    OverlapOp
	prec PrecondOp
}

func (m *overlapMetric) apply(x *bundle.Bundle) *bundle.Bundle {
	return bundle.Map(x.Layout(), func(k bundle.Key) *mat.Dense {
		return m.s.Apply(k, x.At(k))
	})
}
func (m *overlapMetric) precond() PrecondOp       { return m.prec }
func (m *overlapMetric) refresh(_ *bundle.Bundle) {}
func (m *overlapMetric) name() string             { return "ultrasoft" }
