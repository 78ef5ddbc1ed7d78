// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundle

import (
	"runtime"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/mat"
)

// Map applies f independently to every block key and collects the results
// into a new bundle. The per-block work is dispatched across a bounded
// goroutine pool; f must not touch blocks other than its own. Results are
// gathered into per-key slots so no goroutine shares mutable state.
func Map(l *Layout, f func(k Key) *mat.Dense) *Bundle {
	res := make([]*mat.Dense, len(l.keys))
	p := pool.New().WithMaxGoroutines(workers(l))
	for i, k := range l.keys {
		i, k := i, k
		p.Go(func() {
			res[i] = f(k)
		})
	}
	p.Wait()
	out := New(l)
	for i, k := range l.keys {
		out.data[k] = res[i]
	}
	return out
}

// MapErr is Map for block operations that can fail. The first error wins and
// the remaining results are discarded.
func MapErr(l *Layout, f func(k Key) (*mat.Dense, error)) (*Bundle, error) {
	res := make([]*mat.Dense, len(l.keys))
	p := pool.New().WithErrors().WithMaxGoroutines(workers(l))
	for i, k := range l.keys {
		i, k := i, k
		p.Go(func() error {
			m, err := f(k)
			if err != nil {
				return err
			}
			res[i] = m
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	out := New(l)
	for i, k := range l.keys {
		out.data[k] = res[i]
	}
	return out, nil
}

// MapVecs applies f independently to every block key, producing vectors.
func MapVecs(l *Layout, f func(k Key) []float64) *Vecs {
	res := make([][]float64, len(l.keys))
	p := pool.New().WithMaxGoroutines(workers(l))
	for i, k := range l.keys {
		i, k := i, k
		p.Go(func() {
			res[i] = f(k)
		})
	}
	p.Wait()
	out := NewVecs(l)
	for i, k := range l.keys {
		out.data[k] = res[i]
	}
	return out
}

func workers(l *Layout) int {
	n := runtime.GOMAXPROCS(0)
	if b := l.Blocks(); b < n {
		n = b
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Sum evaluates f on every key, accumulates in the deterministic key order
// and completes the cross-process collective before returning. The result is
// independent of block evaluation order and of how the reduction is
// partitioned across ranks, up to floating-point associativity.
func Sum(c Comm, l *Layout, f func(k Key) float64) float64 {
	vals := make([]float64, len(l.keys))
	p := pool.New().WithMaxGoroutines(workers(l))
	for i, k := range l.keys {
		i, k := i, k
		p.Go(func() {
			vals[i] = f(k)
		})
	}
	p.Wait()
	s := 0.0
	for _, v := range vals {
		s += v
	}
	return c.AllreduceSum([]float64{s})[0]
}

// WeightedSum is Sum with every per-block value scaled by its weight wk.
func WeightedSum(c Comm, l *Layout, f func(k Key) float64) float64 {
	return Sum(c, l, func(k Key) float64 { return l.wk[k] * f(k) })
}
