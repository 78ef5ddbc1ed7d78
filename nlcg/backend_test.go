// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/matt-chan/nlcglib/bundle"
	"github.com/matt-chan/nlcglib/smearing"
)

// quadBackend is an exact-gradient toy backend: per block a fixed symmetric
// Hamiltonian H, energy E = Σₖ wₖ Σᵢ fᵢ·⟨xᵢ|H|xᵢ⟩, band energies the
// Rayleigh quotients. Its free-energy minimum is known analytically from the
// spectrum of H.
type quadBackend struct {
	l      *bundle.Layout
	h      map[bundle.Key]*mat.Dense
	ekin   *bundle.Vecs
	nel    float64
	maxOcc float64
	bands  int

	x      *bundle.Bundle
	hx     *bundle.Bundle
	ek     *bundle.Vecs
	fn     *bundle.Vecs
	energy float64
}

func newQuadBackend(seed int64, n, m int, nel float64) *quadBackend {
	rng := rand.New(rand.NewSource(seed))
	l := bundle.NewLayout(map[bundle.Key]float64{
		{K: 0, Spin: 0}: 0.4,
		{K: 1, Spin: 0}: 0.6,
	})
	b := &quadBackend{
		l: l, h: make(map[bundle.Key]*mat.Dense),
		nel: nel, maxOcc: 1, bands: m,
	}
	b.ekin = bundle.NewVecs(l)
	b.x = bundle.New(l)
	b.fn = bundle.NewVecs(l)
	for _, k := range l.Keys() {
		h := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				v := rng.NormFloat64() / float64(n)
				if i == j {
					v += -1 + 2*float64(i)/float64(n)
				}
				h.Set(i, j, v)
				h.Set(j, i, v)
			}
		}
		b.h[k] = h

		kin := make([]float64, n)
		for i := range kin {
			kin[i] = 0.5 + float64(i)
		}
		b.ekin.Set(k, kin)

		a := mat.NewDense(n, m, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				a.Set(i, j, rng.NormFloat64())
			}
		}
		b.x.Set(k, orthonormal(a, m))

		f := make([]float64, m)
		wsum := 0.0
		for _, kk := range l.Keys() {
			wsum += l.Weight(kk)
		}
		for i := range f {
			f[i] = nel / (float64(m) * wsum)
		}
		b.fn.Set(k, f)
	}
	return b
}

func orthonormal(a *mat.Dense, m int) *mat.Dense {
	var qr mat.QR
	qr.Factorize(a)
	var q mat.Dense
	qr.QTo(&q)
	n, _ := a.Dims()
	return mat.DenseCopyOf(q.Slice(0, n, 0, m))
}

func (b *quadBackend) Compute() error { return b.ComputeAt(b.x, b.fn) }

func (b *quadBackend) ComputeAt(x *bundle.Bundle, fn *bundle.Vecs) error {
	b.x = bundle.Copy(x)
	b.fn = bundle.CopyVecs(fn)
	b.hx = bundle.Map(b.l, func(k bundle.Key) *mat.Dense {
		var hx mat.Dense
		hx.Mul(b.h[k], b.x.At(k))
		return &hx
	})
	b.ek = bundle.MapVecs(b.l, func(k bundle.Key) []float64 {
		xk, hxk := b.x.At(k), b.hx.At(k)
		_, m := xk.Dims()
		e := make([]float64, m)
		for i := 0; i < m; i++ {
			e[i] = mat.Dot(xk.ColView(i), hxk.ColView(i))
		}
		return e
	})
	b.energy = 0
	for _, k := range b.l.Keys() {
		e, f := b.ek.At(k), b.fn.At(k)
		for i := range e {
			b.energy += b.l.Weight(k) * f[i] * e[i]
		}
	}
	return nil
}

func (b *quadBackend) Energy() float64               { return b.energy }
func (b *quadBackend) X() *bundle.Bundle             { return b.x }
func (b *quadBackend) HX() *bundle.Bundle            { return b.hx }
func (b *quadBackend) Eigenvalues() *bundle.Vecs     { return b.ek }
func (b *quadBackend) Layout() *bundle.Layout        { return b.l }
func (b *quadBackend) Electrons() float64            { return b.nel }
func (b *quadBackend) MaxOccupancy() float64         { return b.maxOcc }
func (b *quadBackend) KineticEnergies() *bundle.Vecs { return b.ekin }

// referenceMinimum computes the analytic free-energy minimum over the
// m-band manifold: the m lowest eigenpairs per block with smeared
// occupations of their spectrum.
func (b *quadBackend) referenceMinimum(kind smearing.Kind, kT float64) float64 {
	lam := bundle.MapVecs(b.l, func(k bundle.Key) []float64 {
		n, _ := b.h[k].Dims()
		s := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				s.SetSym(i, j, b.h[k].At(i, j))
			}
		}
		var eig mat.EigenSym
		eig.Factorize(s, false)
		return eig.Values(nil)[:b.bands]
	})
	occ, err := smearing.Occupy(kind, kT, b.nel, b.maxOcc, lam, bundle.Local{})
	if err != nil {
		panic(err)
	}
	f := -kT * occ.S
	for _, k := range b.l.Keys() {
		e, fr := lam.At(k), occ.Fn.At(k)
		for i := range e {
			f += b.l.Weight(k) * fr[i] * e[i]
		}
	}
	return f
}

// zeroBackend reports a vanishing Hamiltonian action: every gradient is zero
// and no descent direction exists at initialization.
type zeroBackend struct{ *quadBackend }

func (z *zeroBackend) ComputeAt(x *bundle.Bundle, fn *bundle.Vecs) error {
	if err := z.quadBackend.ComputeAt(x, fn); err != nil {
		return err
	}
	z.hx = bundle.Scale(0, z.hx)
	z.ek = bundle.MapVecs(z.l, func(k bundle.Key) []float64 {
		return make([]float64, z.bands)
	})
	z.energy = 0
	return nil
}

func (z *zeroBackend) Compute() error { return z.ComputeAt(z.x, z.fn) }

// bumpBackend sabotages the energy after its first evaluations: every later
// point looks uphill, so no line-search step can decrease.
type bumpBackend struct {
	*quadBackend
	calls int
}

func (b *bumpBackend) ComputeAt(x *bundle.Bundle, fn *bundle.Vecs) error {
	if err := b.quadBackend.ComputeAt(x, fn); err != nil {
		return err
	}
	b.calls++
	if b.calls > 2 {
		b.energy += 10
	}
	return nil
}

func (b *bumpBackend) Compute() error { return b.ComputeAt(b.x, b.fn) }

// diagOverlap is a diagonal overlap operator for the ultrasoft variant.
type diagOverlap struct {
	s   *bundle.Vecs
	inv bool
}

func (d *diagOverlap) Apply(k bundle.Key, x mat.Matrix) *mat.Dense {
	s := d.s.At(k)
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		v := s[i]
		if d.inv {
			v = 1 / v
		}
		for j := 0; j < c; j++ {
			out.Set(i, j, v*x.At(i, j))
		}
	}
	return out
}

// sOrthonormalize restores XᵀSX = I for a diagonal overlap.
func sOrthonormalize(x *bundle.Bundle, s *bundle.Vecs) *bundle.Bundle {
	return bundle.Map(x.Layout(), func(k bundle.Key) *mat.Dense {
		sx := (&diagOverlap{s: s}).Apply(k, x.At(k))
		var o mat.Dense
		o.Mul(x.At(k).T(), sx)
		oi, err := invSqrtSym(&o)
		if err != nil {
			panic(err)
		}
		var out mat.Dense
		out.Mul(x.At(k), oi)
		return &out
	})
}

func maxAbsDiff(a, b mat.Matrix) float64 {
	ra, ca := a.Dims()
	d := 0.0
	for i := 0; i < ra; i++ {
		for j := 0; j < ca; j++ {
			d = math.Max(d, math.Abs(a.At(i, j)-b.At(i, j)))
		}
	}
	return d
}
