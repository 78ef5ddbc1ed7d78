// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundle

// Comm is the collective-reduction contract over the distributed block-key
// partition (the k-point communicator). Implementations backed by an MPI-like
// substrate must guarantee that a collective completes before its result is
// used; the process-local Local implementation is trivially synchronous.
type Comm interface {
	// AllreduceSum element-wise sums x across all ranks and returns the
	// global result on every rank.
	AllreduceSum(x []float64) []float64
	// AllreduceMin returns the element-wise global minimum.
	AllreduceMin(x []float64) []float64
	// AllreduceMax returns the element-wise global maximum.
	AllreduceMax(x []float64) []float64
}

// Local is the single-process communicator: every collective is an identity.
type Local struct{}

func (Local) AllreduceSum(x []float64) []float64 { return x }
func (Local) AllreduceMin(x []float64) []float64 { return x }
func (Local) AllreduceMax(x []float64) []float64 { return x }
