// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundle

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Add returns a·X + b·Y block-wise.
func Add(a float64, x *Bundle, b float64, y *Bundle) *Bundle {
	return Map(x.layout, func(k Key) *mat.Dense {
		var z mat.Dense
		z.Scale(a, x.At(k))
		var w mat.Dense
		w.Scale(b, y.At(k))
		z.Add(&z, &w)
		return &z
	})
}

// Scale returns a·X block-wise.
func Scale(a float64, x *Bundle) *Bundle {
	return Map(x.layout, func(k Key) *mat.Dense {
		var z mat.Dense
		z.Scale(a, x.At(k))
		return &z
	})
}

// InnerTrace computes tr(XᵀY) for one block pair.
func InnerTrace(x, y mat.Matrix) float64 {
	r, c := x.Dims()
	s := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			s += x.At(i, j) * y.At(i, j)
		}
	}
	return s
}

// Diag builds an m×m diagonal-matrix bundle from per-block vectors.
func Diag(v *Vecs) *Bundle {
	return Map(v.layout, func(k Key) *mat.Dense {
		d := v.At(k)
		m := mat.NewDense(len(d), len(d), nil)
		for i, x := range d {
			m.Set(i, i, x)
		}
		return m
	})
}

// Norm2 returns the global Frobenius norm of x:
// sqrt of the comm-reduced sum of per-block squared norms.
func Norm2(c Comm, x *Bundle) float64 {
	s := Sum(c, x.layout, func(k Key) float64 {
		return InnerTrace(x.At(k), x.At(k))
	})
	return math.Sqrt(s)
}
