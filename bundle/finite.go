// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundle

import (
	"errors"
	"fmt"
	"math"
)

// ErrNotFinite reports a NaN or Inf entering the numeric core. The check
// replaces process-wide floating-point exception traps: non-finite values are
// surfaced where they are produced instead of propagating silently.
var ErrNotFinite = errors.New("bundle: non-finite value")

// CheckFinite scans every block of x and fails fast on the first NaN or Inf.
func CheckFinite(name string, x *Bundle) error {
	for _, k := range x.layout.keys {
		m := x.data[k]
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("%w: %s%v at (%d,%d) = %v", ErrNotFinite, name, k, i, j, v)
				}
			}
		}
	}
	return nil
}

// CheckFiniteScalar fails fast when any named scalar is NaN or Inf.
func CheckFiniteScalar(name string, vals ...float64) error {
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s[%d] = %v", ErrNotFinite, name, i, v)
		}
	}
	return nil
}
