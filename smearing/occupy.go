// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package smearing

import (
	"errors"
	"math"

	"github.com/matt-chan/nlcglib/bundle"
)

// ErrElectronCount reports that the requested electron count cannot be
// represented by the available states.
var ErrElectronCount = errors.New("smearing: electron count out of range")

const (
	bisectIters = 200
	// bracket padding around the spectrum, in units of kT
	bracketPad = 100.0
)

// Occupation is the result of occupying a spectrum: per-block occupation
// numbers, the chemical potential and the dimensionless entropy sum
// S = Σₖ wₖ Σᵢ occ·s(xᵢ).
type Occupation struct {
	Fn *bundle.Vecs
	Mu float64
	S  float64
}

// Occupy determines occupation numbers for the spectrum ek at temperature kT:
// the chemical potential μ is solved by bisection so that the weighted,
// comm-reduced occupation sum matches the electron count nel. Occupations lie
// in [0, maxOcc] and are a deterministic function of ek.
func Occupy(kind Kind, kT, nel, maxOcc float64, ek *bundle.Vecs, c bundle.Comm) (Occupation, error) {
	l := ek.Layout()

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, k := range l.Keys() {
		for _, e := range ek.At(k) {
			lo = math.Min(lo, e)
			hi = math.Max(hi, e)
		}
	}
	lo = c.AllreduceMin([]float64{lo})[0] - bracketPad*kT
	hi = c.AllreduceMax([]float64{hi})[0] + bracketPad*kT

	count := func(mu float64) float64 {
		return bundle.WeightedSum(c, l, func(k bundle.Key) float64 {
			s := 0.0
			for _, e := range ek.At(k) {
				s += maxOcc * kind.Occupation((mu-e)/kT)
			}
			return s
		})
	}

	if count(lo) > nel || count(hi) < nel {
		return Occupation{}, ErrElectronCount
	}

	var mu float64
	for i := 0; i < bisectIters; i++ {
		mu = 0.5 * (lo + hi)
		if count(mu) < nel {
			lo = mu
		} else {
			hi = mu
		}
	}
	mu = 0.5 * (lo + hi)

	fn := bundle.MapVecs(l, func(k bundle.Key) []float64 {
		e := ek.At(k)
		f := make([]float64, len(e))
		for i := range e {
			f[i] = maxOcc * kind.Occupation((mu-e[i])/kT)
		}
		return f
	})

	entropy := bundle.WeightedSum(c, l, func(k bundle.Key) float64 {
		s := 0.0
		for _, e := range ek.At(k) {
			s += maxOcc * kind.Entropy((mu-e)/kT)
		}
		return s
	})

	return Occupation{Fn: fn, Mu: mu, S: entropy}, nil
}
