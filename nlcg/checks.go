// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"gonum.org/v1/gonum/mat"

	"github.com/matt-chan/nlcglib/bundle"
	"github.com/matt-chan/nlcglib/smearing"
)

// CheckGradient validates the analytic slope against finite differences of
// the free energy along the preconditioned descent direction: for t → 0 the
// ratio (F(t)-F(0))/t must converge to the slope. Results are written to the
// log; the returned slice holds the finite-difference ratios for
// t ∈ {1e-5, 1e-6, 1e-7} preceded by the analytic slope.
func CheckGradient(energy Energy, kind smearing.Kind, kT, kappa float64, log *Logger) ([]float64, error) {
	p := Problem{
		Energy:   energy,
		Smearing: kind,
		Temp:     kT,
		Kappa:    kappa,
		Tau:      0.1,
		Restart:  20,
		Stop:     Termination{MaxIterations: 1, SlopeTolerance: 1e-300},
	}
	o, err := p.New(log)
	if err != nil {
		return nil, err
	}
	fe := o.fe

	ev0, err := fe.EvaluateCurrent()
	if err != nil {
		return nil, err
	}
	if log.enable(LogLast) {
		log.log("F (initial) =  %.12f\n", ev0.F)
		log.log("num electrons: %v\n", energy.Electrons())
	}

	ek := bundle.CopyVecs(ev0.Ek)
	occ, err := fe.Occupy(ek)
	if err != nil {
		return nil, err
	}
	ev, err := fe.Evaluate(ev0.X, occ)
	if err != nil {
		return nil, err
	}

	st, err := o.gradients(ev, ek)
	if err != nil {
		return nil, err
	}

	// tangency residual of the preconditioned direction
	overlap := bundle.Sum(o.comm, ev.X.Layout(), func(k bundle.Key) float64 {
		var ss mat.Dense
		ss.Mul(ev.X.At(k).T(), st.dX.At(k))
		return bundle.InnerTrace(&ss, &ss)
	})
	if log.enable(LogLast) {
		log.log("<X, G>: %.5e\n", overlap)
	}

	slopeX, slopeEta := computeSlope(o.comm, st.gX, st.dX, st.gEta, st.dEta)
	slope := slopeX + slopeEta
	if log.enable(LogLast) {
		log.log("slope (all): %.8e\n", slope)
	}

	out := []float64{slope}
	p0, err := geodesic(fe, o.met, ev.X, st.eta, st.dX, st.dEta, 0)
	if err != nil {
		return nil, err
	}
	f0 := p0.ev.F
	for _, dt := range []float64{1e-5, 1e-6, 1e-7} {
		pt, err := geodesic(fe, o.met, ev.X, st.eta, st.dX, st.dEta, dt)
		if err != nil {
			return nil, err
		}
		dFdt := (pt.ev.F - f0) / dt
		out = append(out, dFdt)
		if log.enable(LogLast) {
			log.log("dt: %v\n", dt)
			log.log("slope (fd) = %.8e\n", dFdt)
		}
	}
	return out, nil
}

// CheckOverlap exercises an overlap backend pair (S, S⁻¹) against the
// current wavefunctions: it logs the norms of X, SX and S⁻¹X, the trace of
// XᵀSX, and returns the round-trip error ‖S(S⁻¹X) - X‖.
func CheckOverlap(energy Energy, s, sinv OverlapOp, log *Logger) (float64, error) {
	if err := energy.Compute(); err != nil {
		return 0, err
	}
	x := bundle.Copy(energy.X())
	l := x.Layout()
	comm := bundle.Comm(bundle.Local{})

	sx := bundle.Map(l, func(k bundle.Key) *mat.Dense { return s.Apply(k, x.At(k)) })
	sinvx := bundle.Map(l, func(k bundle.Key) *mat.Dense { return sinv.Apply(k, x.At(k)) })

	if log.enable(LogLast) {
		log.log("l2norm(X) = %v\n", bundle.Norm2(comm, x))
		log.log("l2norm(SX): %v\n", bundle.Norm2(comm, sx))
		log.log("l2norm(SinvX): %v\n", bundle.Norm2(comm, sinvx))
		tr := bundle.Sum(comm, l, func(k bundle.Key) float64 {
			return bundle.InnerTrace(x.At(k), sx.At(k))
		})
		log.log("tr(XSX): %v\n", tr)
	}

	err := bundle.Map(l, func(k bundle.Key) *mat.Dense {
		var d mat.Dense
		d.Sub(s.Apply(k, sinv.Apply(k, x.At(k))), x.At(k))
		return &d
	})
	diff := bundle.Norm2(comm, err)
	if log.enable(LogLast) {
		log.log("** check: S(S_inv(x)), error: %v\n", diff)
	}
	return diff, nil
}
