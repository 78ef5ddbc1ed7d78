// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nlcg minimizes an electronic free-energy functional over
// wavefunction coefficients and occupation numbers with a nonlinear
// conjugate-gradient method on the orthonormality-constraint manifold.
//
// The physics lives behind the Energy backend (and, for the ultrasoft
// variant, the OverlapOp/PrecondOp backends); the optimizer owns gradient
// construction, Lagrange-multiplier projection, geodesic retraction with
// line search, and conjugate-direction transport with restart logic.
package nlcg

import (
	"errors"

	"github.com/matt-chan/nlcglib/bundle"
	"github.com/matt-chan/nlcglib/smearing"
)

const (
	zero = 0.0
	one  = 1.0

	defaultTrialStep = 0.2
)

// Status classifies how a run terminated.
type Status int

const (
	// StatusConverged the final |slope| dropped below the tolerance.
	StatusConverged Status = iota
	// StatusNoDescent the line search found no decreasing step; the result
	// is the best iterate obtained, not a converged one.
	StatusNoDescent
	// StatusIterLimit the iteration budget was exhausted.
	StatusIterLimit
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusNoDescent:
		return "no-descent"
	case StatusIterLimit:
		return "iteration-limit"
	}
	return "unknown"
}

// Termination specifies the stopping criteria.
type Termination struct {
	// The iteration stop when the number of iterations exceeds limit.
	MaxIterations int
	// The iteration stop when |slope| < tolerance.
	SlopeTolerance float64
}

// Result is the iteration record returned by Run. It is always populated,
// also on early termination; Status and Tolerance (the final slope, signed)
// distinguish true convergence from best effort.
type Result struct {
	F          float64
	Entropy    float64
	KSEnergy   float64
	Tolerance  float64
	Iterations int
	Status     Status
}

// Problem specifies a free-energy minimization.
type Problem struct {
	// Energy is the physics backend (required).
	Energy Energy
	// Smearing selects the occupation law.
	Smearing smearing.Kind
	// Temp is the smearing temperature kT in energy units.
	Temp float64
	// Kappa damps the eigenvalue-space descent direction.
	Kappa float64
	// Tau is the backtracking factor of the line search, in (0,1).
	Tau float64
	// Restart is the periodic conjugate-restart interval.
	Restart int
	// Stop holds the termination criteria.
	Stop Termination
	// Comm is the k-point communicator; nil means single-process.
	Comm bundle.Comm
	// Overlap and Precond select the ultrasoft variant when both are set:
	// the orthonormality constraint becomes XᵀSX = I and the supplied
	// preconditioner replaces the built-in Teter one. Setting only one of
	// the two is an error.
	Overlap OverlapOp
	Precond PrecondOp
}

// Optimizer is a configured minimization run.
type Optimizer struct {
	fe      *freeEnergy
	met     metric
	ge      *gradEta
	comm    bundle.Comm
	log     *Logger
	temp    float64
	tau     float64
	restart int
	stop    Termination
}

// New validates the problem and creates an optimizer writing diagnostics to
// log (which may be nil for silence).
func (p *Problem) New(log *Logger) (*Optimizer, error) {
	switch {
	case p.Energy == nil:
		return nil, errors.New("nlcg: energy backend is required")
	case p.Temp <= zero:
		return nil, errors.New("nlcg: temperature must be positive")
	case p.Kappa <= zero:
		return nil, errors.New("nlcg: kappa must be positive")
	case p.Tau <= zero || p.Tau >= one:
		return nil, errors.New("nlcg: tau must lie in (0,1)")
	case p.Restart <= 0:
		return nil, errors.New("nlcg: restart interval must be positive")
	case p.Stop.MaxIterations <= 0:
		return nil, errors.New("nlcg: max iterations must be positive")
	case p.Stop.SlopeTolerance <= zero:
		return nil, errors.New("nlcg: slope tolerance must be positive")
	case (p.Overlap == nil) != (p.Precond == nil):
		return nil, errors.New("nlcg: overlap and preconditioner backends must be set together")
	}

	comm := p.Comm
	if comm == nil {
		comm = bundle.Local{}
	}

	var met metric
	if p.Overlap != nil {
		met = &overlapMetric{s: p.Overlap, prec: p.Precond}
	} else {
		met = &identityMetric{prec: &teterPrecond{ekin: p.Energy.KineticEnergies()}}
	}

	return &Optimizer{
		fe: &freeEnergy{
			kT:     p.Temp,
			kind:   p.Smearing,
			energy: p.Energy,
			comm:   comm,
		},
		met: met,
		ge: &gradEta{
			kT:     p.Temp,
			kappa:  p.Kappa,
			kind:   p.Smearing,
			maxOcc: p.Energy.MaxOccupancy(),
			comm:   comm,
		},
		comm:    comm,
		log:     log,
		temp:    p.Temp,
		tau:     p.Tau,
		restart: p.Restart,
		stop:    p.Stop,
	}, nil
}

// Minimize is the one-call entry point: it configures the problem, runs it
// and returns the iteration record.
func Minimize(p Problem, log *Logger) (Result, error) {
	o, err := p.New(log)
	if err != nil {
		return Result{}, err
	}
	return o.Run()
}
