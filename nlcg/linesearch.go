// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"errors"
)

// errNoDescent is the recoverable line-search outcome: no trial step gave
// sufficient decrease. It is consumed by the driver loop and never surfaced
// to the caller; fatal conditions use distinct errors.
var errNoDescent = errors.New("nlcg: line search found no descent step")

const (
	// sufficient-decrease constant for F(t) ≤ F(0) + α·t·slope
	searchAlpha = 1.0e-3
	// backtracking trial budget
	searchMaxBack = 20
	// extrapolation cap on the quadratic minimizer, relative to the trial step
	searchMaxExtra = 10.0
)

// lineSearch picks a step along the geodesic-defined 1-D energy profile.
// The trial step persists across iterations: it is seeded with tTrial and
// refreshed with each accepted step. Strategy: fit a quadratic through F(0),
// the slope and F(t_trial); when the fitted curvature is positive, jump to
// the fitted minimizer and accept it under sufficient decrease. Otherwise
// back off geometrically by tau. A backtracked acceptance requests a CG
// restart for the following conjugate update.
type lineSearch struct {
	tTrial float64
	tau    float64
}

// search evaluates phi (the geodesic profile; each call moves the evaluator
// to that step) at one or more trial steps. It returns the accepted step and
// whether the acceptance came from the backtracking fallback. When no step
// yields sufficient decrease the returned error is errNoDescent; any other
// error is a backend failure and is passed through unchanged.
func (ls *lineSearch) search(phi func(t float64) (*stepPoint, error), f0, slope float64, log *Logger) (*stepPoint, bool, error) {
	t1 := ls.tTrial
	p1, err := phi(t1)
	if err != nil {
		return nil, false, err
	}

	// quadratic model F(t) ≈ F(0) + slope·t + b·t²
	if b := (p1.ev.F - f0 - slope*t1) / (t1 * t1); b > 0 {
		tmin := -slope / (2 * b)
		if tmin > searchMaxExtra*t1 {
			tmin = searchMaxExtra * t1
		}
		pm, err := phi(tmin)
		if err != nil {
			return nil, false, err
		}
		if sufficient(pm.ev.F, f0, slope, tmin) {
			ls.tTrial = tmin
			return pm, false, nil
		}
		if log.enable(LogTrace) {
			log.log("\t quadratic step t=%.4e rejected, backtracking\n", tmin)
		}
	} else if sufficient(p1.ev.F, f0, slope, t1) {
		// concave profile along the step: the trial point itself descends
		ls.tTrial = t1
		return p1, false, nil
	}

	// backtracking fallback
	t := t1
	for i := 0; i < searchMaxBack; i++ {
		t *= ls.tau
		p, err := phi(t)
		if err != nil {
			return nil, false, err
		}
		if sufficient(p.ev.F, f0, slope, t) {
			ls.tTrial = t
			return p, true, nil
		}
	}
	return nil, false, errNoDescent
}

func sufficient(f, f0, slope, t float64) bool {
	return f <= f0+searchAlpha*slope*t
}
