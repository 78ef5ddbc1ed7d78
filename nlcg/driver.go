// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/matt-chan/nlcglib/bundle"
)

// ErrAscendingSlope reports a non-descending search direction where descent
// is mandatory: at initialization, or after a forced conjugate restart
// already failed within the same iteration.
var ErrAscendingSlope = errors.New("nlcg: ascending slope, no descent direction")

// ErrIndefiniteDirection reports a positive single-direction inner product
// fr = ⟨g,delta⟩: the preconditioned gradient points uphill, which signals
// divergence and terminates the run.
var ErrIndefiniteDirection = errors.New("nlcg: increasing slope along preconditioned gradient")

// gradients bundles everything derived from one evaluated point: the
// projected Hamiltonian, the Riemannian gradient pair, the preconditioned
// descent pair, and the metric-weighted wavefunctions.
type gradients struct {
	ev   *Evaluation
	ek   *bundle.Vecs
	eta  *bundle.Bundle
	hij  *bundle.Bundle
	sx   *bundle.Bundle
	gX   *bundle.Bundle
	dX   *bundle.Bundle
	gEta *bundle.Bundle
	dEta *bundle.Bundle
}

// gradients rebuilds the gradient state at an evaluated point. ek is the
// eigenvalue-motion spectrum (the geodesic's, not the backend's, once the
// first step is taken).
func (o *Optimizer) gradients(ev *Evaluation, ek *bundle.Vecs) (*gradients, error) {
	st := &gradients{ev: ev, ek: ek}
	st.eta = bundle.Diag(ek)

	st.hij = bundle.Map(ev.X.Layout(), func(k bundle.Key) *mat.Dense {
		var h mat.Dense
		h.Mul(ev.X.At(k).T(), ev.HX.At(k))
		return &h
	})

	st.gEta = o.ge.GEta(st.hij, ek, ev.Fn, ev.Mu)
	st.dEta = o.ge.DeltaEta(st.hij, ek, ev.Mu)

	st.sx = o.met.apply(ev.X)
	o.met.refresh(ev.X)
	xll, err := lagrangeMultipliers(ev.X, st.sx, ev.HX, o.met.precond())
	if err != nil {
		return nil, err
	}
	st.gX = gradX(st.sx, ev.HX, ev.Fn, xll)
	st.dX = precondGradX(st.sx, ev.HX, o.met.precond(), xll)

	if err := bundle.CheckFinite("g_X", st.gX); err != nil {
		return nil, err
	}
	if err := bundle.CheckFinite("g_eta", st.gEta); err != nil {
		return nil, err
	}
	return st, nil
}

// result builds the iteration record from the current evaluation and slope.
func (o *Optimizer) result(ev *Evaluation, slopeX, slopeEta float64, iter int, status Status) Result {
	return Result{
		F:          ev.F,
		Entropy:    ev.Entropy,
		KSEnergy:   ev.KS,
		Tolerance:  slopeX + slopeEta,
		Iterations: iter,
		Status:     status,
	}
}

func (o *Optimizer) printIter(ev *Evaluation, slopeX, slopeEta float64, iter int) {
	if o.log.enable(LogEval) {
		o.log.log("%-15d%-15.13f\t%-15.13e %.13e\n", iter, ev.F, slopeX, slopeEta)
		o.log.log("\t kT * S   : %.13f\n", ev.Entropy)
		o.log.log("\t KS energy: %.13f\n", ev.KS)
	}
}

func (o *Optimizer) printBanner(ev *Evaluation) {
	if !o.log.enable(LogLast) {
		return
	}
	o.log.log("F (initial) =  %.13f\n", ev.F)
	o.log.log("KS (initial) =  %.13f\n", ev.KS)
	o.log.log("nlcg parameters\n")
	o.log.log("%10s: %v\n", "T ", o.temp)
	o.log.log("%10s: %v\n", "smearing ", o.fe.kind)
	o.log.log("%10s: %v\n", "variant", o.met.name())
	o.log.log("%10s: %v\n", "maxiter", o.stop.MaxIterations)
	o.log.log("%10s: %v\n", "tol", o.stop.SlopeTolerance)
	o.log.log("%10s: %v\n", "kappa", o.ge.kappa)
	o.log.log("%10s: %v\n", "tau", o.tau)
	o.log.log("%10s: %v\n", "restart", o.restart)
	o.log.log("num electrons: %v\n", o.fe.energy.Electrons())
}

// Run executes the conjugate-gradient minimization and returns the last
// computed iteration record. Early termination through a failed line search
// is reported in Result.Status, not as an error; fatal conditions and
// backend failures return the error alongside the best record obtained.
func (o *Optimizer) Run() (Result, error) {
	fe := o.fe

	ev0, err := fe.EvaluateCurrent()
	if err != nil {
		return Result{}, err
	}
	o.printBanner(ev0)

	// restart the evaluation from smeared occupations of the initial spectrum
	ek := bundle.CopyVecs(ev0.Ek)
	occ, err := fe.Occupy(ek)
	if err != nil {
		return Result{}, err
	}
	ev, err := fe.Evaluate(ev0.X, occ)
	if err != nil {
		return Result{}, err
	}

	st, err := o.gradients(ev, ek)
	if err != nil {
		return Result{}, err
	}

	zx := bundle.Copy(st.dX)
	zeta := bundle.Copy(st.dEta)

	slopeX, slopeEta := computeSlope(o.comm, st.gX, zx, st.gEta, zeta)
	slope := slopeX + slopeEta
	if err := bundle.CheckFiniteScalar("slope", slope); err != nil {
		return Result{}, err
	}
	if slope >= 0 {
		return Result{}, fmt.Errorf("%w: initial slope %.5g", ErrAscendingSlope, slope)
	}

	fr := computeSlopeSingle(o.comm, st.gX, st.dX, st.gEta, st.dEta)
	ls := &lineSearch{tTrial: defaultTrialStep, tau: o.tau}

	if o.log.enable(LogEval) {
		o.log.log("%-15s%-15s\t%-15s\n", "Iteration", "Free energy", "Residual")
	}

	res := o.result(st.ev, slopeX, slopeEta, 0, StatusIterLimit)
	forceRestart := false

	for i := 1; i <= o.stop.MaxIterations; i++ {
		if o.log.enable(LogTrace) {
			o.log.log("Iteration %d\n", i)
		}
		start := time.Now()

		if abs(slope) < o.stop.SlopeTolerance {
			res = o.result(st.ev, slopeX, slopeEta, i, StatusConverged)
			o.printIter(st.ev, slopeX, slopeEta, i)
			if o.log.enable(LogLast) {
				o.log.log("kT * S   : %.13f\n", st.ev.Entropy)
				o.log.log("KS-energy: %.13f\n", st.ev.KS)
				o.log.log("F        : %.13f\n", st.ev.F)
				o.log.log("NLCG SUCCESS\n")
			}
			return res, nil
		}

		x, eta := st.ev.X, st.eta
		phi := func(t float64) (*stepPoint, error) {
			return geodesic(fe, o.met, x, eta, zx, zeta, t)
		}

		step, backtracked, err := ls.search(phi, st.ev.F, slope, o.log)
		if errors.Is(err, errNoDescent) {
			o.profileFailure(x, eta, zx, zeta)
			if o.log.enable(LogLast) {
				o.log.log("WARNING: No descent direction found, nlcg didn't reach final tolerance\n")
			}
			res.Status = StatusNoDescent
			return res, nil
		}
		if err != nil {
			return res, err
		}
		forceRestart = forceRestart || backtracked

		st, err = o.gradients(step.ev, step.ek)
		if err != nil {
			return res, err
		}

		// transport the previous direction to the new point
		zxp := rotateX(zx, step.u)
		zetap := rotateEta(zeta, step.u)

		frNew := computeSlopeSingle(o.comm, st.gX, st.dX, st.gEta, st.dEta)
		if err := bundle.CheckFiniteScalar("fr", frNew); err != nil {
			return res, err
		}
		gamma, err := conjugateCoefficient(frNew, fr)
		if err != nil {
			return res, err
		}
		fr = frNew

		restarted := i%o.restart == 0 || forceRestart
		zx, zeta, slopeX, slopeEta, err = o.updateDirection(st, zxp, zetap, gamma, restarted)
		if err != nil {
			return res, err
		}
		forceRestart = false
		slope = slopeX + slopeEta
		if err := bundle.CheckFiniteScalar("slope", slope); err != nil {
			return res, err
		}

		res = o.result(st.ev, slopeX, slopeEta, i, StatusIterLimit)
		o.printIter(st.ev, slopeX, slopeEta, i)
		if o.log.enable(LogTrace) {
			o.log.log("cg iteration took %v\n", time.Since(start))
		}
	}

	return res, nil
}

// updateDirection forms the next search direction: a hard reset to the
// preconditioned gradient pair on restart iterations, the transported
// conjugate combination otherwise. A conjugate direction that fails to
// descend falls back to one hard reset within the same iteration; a
// direction that still fails after a reset is fatal.
func (o *Optimizer) updateDirection(st *gradients, zxp, zetap *bundle.Bundle, gamma float64, restarted bool) (zx, zeta *bundle.Bundle, slopeX, slopeEta float64, err error) {
	if restarted {
		if o.log.enable(LogTrace) {
			o.log.log("CG restart\n")
		}
		zx = bundle.Copy(st.dX)
		zeta = bundle.Copy(st.dEta)
	} else {
		if o.log.enable(LogTrace) {
			o.log.log("\t CG gamma = %v\n", gamma)
		}
		zx = conjugateX(st.dX, zxp, st.ev.X, st.sx, gamma)
		zeta = conjugateEta(st.dEta, zetap, gamma)
	}

	slopeX, slopeEta = computeSlope(o.comm, st.gX, zx, st.gEta, zeta)
	if slopeX+slopeEta >= 0 {
		if restarted {
			return nil, nil, 0, 0, fmt.Errorf("%w: after forced restart, slope %.5g", ErrAscendingSlope, slopeX+slopeEta)
		}
		if o.log.enable(LogTrace) {
			o.log.log(">> slope > 0, force restart.\n")
		}
		zx = bundle.Copy(st.dX)
		zeta = bundle.Copy(st.dEta)
		slopeX, slopeEta = computeSlope(o.comm, st.gX, zx, st.gEta, zeta)
		if slopeX+slopeEta >= 0 {
			return nil, nil, 0, 0, fmt.Errorf("%w: slope %.5g", ErrAscendingSlope, slopeX+slopeEta)
		}
	}
	return zx, zeta, slopeX, slopeEta, nil
}

// conjugateCoefficient computes the Polak-Ribière-style mixing coefficient
// γ = fr_new/fr. The reference inner product must stay non-positive; a sign
// flip signals divergence and is fatal.
func conjugateCoefficient(frNew, fr float64) (float64, error) {
	if frNew > 0 {
		return 0, fmt.Errorf("%w: <g,delta> = %.5g", ErrIndefiniteDirection, frNew)
	}
	return frNew / fr, nil
}

// profileFailure logs the energy profile along the wavefunction direction
// alone after a failed line search, a diagnostic for post-mortems.
func (o *Optimizer) profileFailure(x, eta, zx, zeta *bundle.Bundle) {
	if !o.log.enable(LogTrace) {
		return
	}
	zero := bundle.Scale(0, zeta)
	o.log.log("--- bt search failed, print energies along Z_X ---\n")
	for i := 0; i < 10; i++ {
		t := 0.5 * float64(i) / 9
		p, err := geodesic(o.fe, o.met, x, eta, zx, zero, t)
		if err != nil {
			o.log.log("t: %.5e, error: %v\n", t, err)
			continue
		}
		o.log.log("t: %.5e, Ef: %.13f\n", t, p.ev.F)
	}
	o.log.log("----------\n")
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
