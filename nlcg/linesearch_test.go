// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// profile adapts a scalar energy profile to the geodesic signature.
func profile(f func(t float64) float64) func(t float64) (*stepPoint, error) {
	return func(t float64) (*stepPoint, error) {
		return &stepPoint{ev: &Evaluation{F: f(t)}, t: t}, nil
	}
}

func TestSearchQuadraticMinimizer(t *testing.T) {
	// F(t) = 1 - t + t², minimum at t = 0.5
	phi := profile(func(x float64) float64 { return 1 - x + x*x })
	ls := &lineSearch{tTrial: 0.2, tau: 0.1}

	step, backtracked, err := ls.search(phi, 1, -1, nil)
	require.NoError(t, err)
	require.False(t, backtracked)
	require.InDelta(t, 0.5, step.t, 1e-12)
	require.Equal(t, step.t, ls.tTrial, "trial step must persist")
}

func TestSearchExtrapolationCap(t *testing.T) {
	// nearly linear profile: the fitted minimizer lies far beyond the trial
	// step and must be capped
	phi := profile(func(x float64) float64 { return 1 - x + 0.01*x*x })
	ls := &lineSearch{tTrial: 0.2, tau: 0.1}

	step, backtracked, err := ls.search(phi, 1, -1, nil)
	require.NoError(t, err)
	require.False(t, backtracked)
	require.InDelta(t, searchMaxExtra*0.2, step.t, 1e-12)
}

func TestSearchConcaveAcceptsTrial(t *testing.T) {
	// negative curvature: the trial point already descends
	phi := profile(func(x float64) float64 { return 1 - x - x*x })
	ls := &lineSearch{tTrial: 0.2, tau: 0.1}

	step, backtracked, err := ls.search(phi, 1, -1, nil)
	require.NoError(t, err)
	require.False(t, backtracked)
	require.Equal(t, 0.2, step.t)
}

func TestSearchBacktracks(t *testing.T) {
	// descent only very close to the origin
	phi := profile(func(x float64) float64 {
		if x <= 1e-3 {
			return 1 - x
		}
		return 1 + x
	})
	ls := &lineSearch{tTrial: 0.2, tau: 0.5}

	step, backtracked, err := ls.search(phi, 1, -1, nil)
	require.NoError(t, err)
	require.True(t, backtracked, "acceptance must be flagged as backtracked")
	require.LessOrEqual(t, step.t, 1e-3)
	require.Greater(t, step.t, 0.0)
}

func TestSearchNoDescent(t *testing.T) {
	phi := profile(func(x float64) float64 { return 1 + x })
	ls := &lineSearch{tTrial: 0.2, tau: 0.5}

	_, _, err := ls.search(phi, 1, -1, nil)
	require.True(t, errors.Is(err, errNoDescent))
}

func TestSearchPropagatesBackendError(t *testing.T) {
	boom := errors.New("backend exploded")
	ls := &lineSearch{tTrial: 0.2, tau: 0.5}
	_, _, err := ls.search(func(float64) (*stepPoint, error) { return nil, boom }, 1, -1, nil)
	require.True(t, errors.Is(err, boom))
}
