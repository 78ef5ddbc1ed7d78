// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package smearing maps energy levels to fractional occupation numbers at
// finite temperature and provides the matching entropy terms.
//
// A law is a set of scalar functions of the reduced variable 𝐱 = (μ-ε)/kT:
//   - occupation 𝒇(𝐱) ∈ [0,1], monotonically increasing with 𝒇(0) = ½
//   - derivative 𝒇′(𝐱) ≥ 0
//   - entropy density 𝐬(𝐱) ≥ 0 with 𝐬′(𝐱) = -𝐱·𝒇′(𝐱)
//
// The entropy identity ties the free-energy contribution of the smearing to
// the occupation law; the optimizer's eigenvalue-space gradient relies on it.
package smearing

import (
	"math"
)

// Kind selects the smearing law.
type Kind int

const (
	// FermiDirac is the logistic occupation 𝒇(𝐱) = 1/(1+e⁻ˣ).
	FermiDirac Kind = iota
	// GaussianSpline is a C¹ exponential spline approximation of the error
	// function with analytic erf-based entropy.
	GaussianSpline
)

func (k Kind) String() string {
	switch k {
	case FermiDirac:
		return "Fermi-Dirac"
	case GaussianSpline:
		return "Gaussian-spline"
	}
	return "unknown"
}

const splineShift = 1 / math.Sqrt2

// Occupation evaluates 𝒇(𝐱).
func (k Kind) Occupation(x float64) float64 {
	switch k {
	case FermiDirac:
		if x > 0 {
			return 1 / (1 + math.Exp(-x))
		}
		e := math.Exp(x)
		return e / (1 + e)
	case GaussianSpline:
		a := splineShift
		if x <= 0 {
			u := x - a
			return 0.5 * math.Exp(0.5-u*u)
		}
		u := x + a
		return 1 - 0.5*math.Exp(0.5-u*u)
	}
	panic("smearing: unknown kind")
}

// Derivative evaluates 𝒇′(𝐱).
func (k Kind) Derivative(x float64) float64 {
	switch k {
	case FermiDirac:
		f := k.Occupation(x)
		return f * (1 - f)
	case GaussianSpline:
		a := splineShift
		if x <= 0 {
			u := x - a
			return -2 * u * 0.5 * math.Exp(0.5-u*u)
		}
		u := x + a
		return 2 * u * 0.5 * math.Exp(0.5-u*u)
	}
	panic("smearing: unknown kind")
}

// Entropy evaluates 𝐬(𝐱) ≥ 0, the dimensionless entropy density of a single
// level. The free-energy contribution of the level is -kT·𝐬(𝐱).
func (k Kind) Entropy(x float64) float64 {
	switch k {
	case FermiDirac:
		// s = -[f·ln f + (1-f)·ln(1-f)] in overflow-safe form.
		ax := math.Abs(x)
		e := math.Exp(-ax)
		return math.Log1p(e) + ax*e/(1+e)
	case GaussianSpline:
		// s(x) = √e · [ (√π/4)(1+erf(U)) - (U/2 + a/2)·e^(-U²) ], U = x-a,
		// evaluated on the negative branch; symmetric for x > 0.
		a := splineShift
		ax := -math.Abs(x)
		u := ax - a
		return math.Sqrt(math.E) *
			(math.SqrtPi/4*(1+math.Erf(u)) - (u/2+a/2)*math.Exp(-u*u))
	}
	panic("smearing: unknown kind")
}
