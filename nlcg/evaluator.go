// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/matt-chan/nlcglib/bundle"
	"github.com/matt-chan/nlcglib/smearing"
)

// Energy is the physics backend contract. The optimizer never evaluates
// physics itself: the backend owns the energy functional, the Hamiltonian
// action and the normalization convention of the wavefunctions. Any error it
// reports propagates through the optimizer unchanged.
type Energy interface {
	// Compute evaluates the energy at the backend's currently stored
	// wavefunctions and occupations.
	Compute() error
	// ComputeAt evaluates the energy at a caller-supplied point and
	// occupation set, updating the backend state to match. The backend may
	// renormalize the wavefunctions it stores.
	ComputeAt(x *bundle.Bundle, fn *bundle.Vecs) error
	// Energy returns the Kohn-Sham total energy at the current point.
	Energy() float64
	// X returns the currently stored wavefunction blocks.
	X() *bundle.Bundle
	// HX returns the Hamiltonian action on the current wavefunctions.
	HX() *bundle.Bundle
	// Eigenvalues returns the per-block band energies ⟨xᵢ|H|xᵢ⟩.
	Eigenvalues() *bundle.Vecs
	// Layout returns the block keys and integration weights wk.
	Layout() *bundle.Layout
	// Electrons returns the electron count.
	Electrons() float64
	// MaxOccupancy returns the maximum band occupancy (1 or 2).
	MaxOccupancy() float64
	// KineticEnergies returns per-block kinetic energies of the basis rows,
	// used by the Teter preconditioner.
	KineticEnergies() *bundle.Vecs
}

// OverlapOp applies the overlap operator S to one wavefunction block.
type OverlapOp interface {
	Apply(k bundle.Key, x mat.Matrix) *mat.Dense
}

// PrecondOp applies an approximate-inverse preconditioner to one residual
// block.
type PrecondOp interface {
	Apply(k bundle.Key, r mat.Matrix) *mat.Dense
}

// Evaluation is an immutable snapshot of the free energy at one point.
// Every field is a fresh copy: it stays valid across later evaluator calls,
// which is the whole point of snapshotting (the backend mutates its stored
// point on every compute).
type Evaluation struct {
	F       float64 // free energy F = KS + Entropy
	KS      float64 // Kohn-Sham energy
	Entropy float64 // -kT·S ≤ 0
	X       *bundle.Bundle
	HX      *bundle.Bundle
	Ek      *bundle.Vecs
	Fn      *bundle.Vecs
	Mu      float64
}

// freeEnergy orchestrates backend evaluations at temperature kT and attaches
// the smearing entropy to each result.
type freeEnergy struct {
	kT     float64
	kind   smearing.Kind
	energy Energy
	comm   bundle.Comm
}

// Occupy maps a spectrum to occupation numbers at the evaluator temperature.
func (fe *freeEnergy) Occupy(ek *bundle.Vecs) (smearing.Occupation, error) {
	return smearing.Occupy(fe.kind, fe.kT, fe.energy.Electrons(), fe.energy.MaxOccupancy(), ek, fe.comm)
}

// Evaluate computes the free energy at (x, occ) and returns a snapshot.
func (fe *freeEnergy) Evaluate(x *bundle.Bundle, occ smearing.Occupation) (*Evaluation, error) {
	if err := fe.energy.ComputeAt(x, occ.Fn); err != nil {
		return nil, fmt.Errorf("energy backend: %w", err)
	}
	return fe.snapshot(occ), nil
}

// EvaluateCurrent computes the free energy at the backend's stored point,
// deriving occupations from the stored spectrum.
func (fe *freeEnergy) EvaluateCurrent() (*Evaluation, error) {
	if err := fe.energy.Compute(); err != nil {
		return nil, fmt.Errorf("energy backend: %w", err)
	}
	occ, err := fe.Occupy(fe.energy.Eigenvalues())
	if err != nil {
		return nil, err
	}
	return fe.snapshot(occ), nil
}

func (fe *freeEnergy) snapshot(occ smearing.Occupation) *Evaluation {
	ks := fe.energy.Energy()
	entropy := -fe.kT * occ.S
	return &Evaluation{
		F:       ks + entropy,
		KS:      ks,
		Entropy: entropy,
		X:       bundle.Copy(fe.energy.X()),
		HX:      bundle.Copy(fe.energy.HX()),
		Ek:      bundle.CopyVecs(fe.energy.Eigenvalues()),
		Fn:      bundle.CopyVecs(occ.Fn),
		Mu:      occ.Mu,
	}
}
