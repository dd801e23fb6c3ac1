// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"github.com/pkg/errors"

	"github.com/gomlx/ufunc/shapes"
)

// Call-scoped dimension resolution for generalized operations: unifies the
// operand shapes under simultaneous broadcasting and named/frozen/optional
// core dimensions, and computes the per-operand axis maps that drive the
// iterator. A resolvedCall is created per invocation, mutated through a fixed
// sequence and discarded; it is never retained across calls.

// resolvedCall holds the per-call resolution state of a generalized
// invocation.
type resolvedCall struct {
	op *Operation

	// opCoreNumDims is the per-call count of core dimensions per operand:
	// the descriptor count, adjusted for keepdims and for missing ignorable
	// dimensions.
	opCoreNumDims []int

	// dimCanIgnore and dimMissing are per-call copies of the dimension
	// flags; marking a dimension missing clears its can-ignore flag.
	dimCanIgnore []bool
	dimMissing   []bool

	// dimSizes is the resolved size per dimension-table entry: pre-bound for
	// frozen dimensions, -1 until bound from an operand. Missing dimensions
	// bind to 1.
	dimSizes []int

	// remapAxis maps canonical axis order (broadcast axes first, then core
	// axes) to each operand's physical axes; nil means identity.
	remapAxis [][]int

	broadcastRank int

	// iterRank is broadcastRank plus the per-call core dimension counts of
	// all outputs. Axes beyond broadcastRank are the synthetic core-output
	// axes, which the executor removes from the outer iteration.
	iterRank  int
	iterShape []int

	// opAxes maps, per operand, each iteration axis to a physical operand
	// axis, -1 for axes the operand does not have.
	opAxes [][]int

	keepDims bool
}

// remap returns the physical axis of operand opIdx for a canonical axis.
func (rc *resolvedCall) remap(opIdx, axis int) int {
	if rc.remapAxis == nil || rc.remapAxis[opIdx] == nil {
		return axis
	}
	return rc.remapAxis[opIdx][axis]
}

func operandRole(op *Operation, opIdx int) (string, int) {
	if opIdx < op.nIn {
		return "input", opIdx
	}
	return "output", opIdx - op.nIn
}

// resolveDims runs the resolution sequence for a generalized call:
// keepdims adjustment, minimum-rank validation (marking ignorable dimensions
// missing), broadcast-rank computation, axis/axes remapping, core-dimension
// size binding, and iteration-space construction.
//
// operands has one entry per operand, inputs first; missing outputs are nil.
func (op *Operation) resolveDims(operands []*Array, axisArg *int, axesArg [][]int,
	keepDims bool) (*resolvedCall, error) {
	core := op.core
	nop := op.numOperands()

	rc := &resolvedCall{
		op:            op,
		opCoreNumDims: make([]int, nop),
		dimCanIgnore:  make([]bool, len(core.dims)),
		dimMissing:    make([]bool, len(core.dims)),
		dimSizes:      make([]int, len(core.dims)),
		keepDims:      keepDims,
	}
	for ii := range nop {
		rc.opCoreNumDims[ii] = core.numCoreDims(ii)
	}
	for dimIdx, dim := range core.dims {
		rc.dimCanIgnore[dimIdx] = dim.canIgnore
		if dim.frozen > 0 {
			rc.dimSizes[dimIdx] = dim.frozen
		} else {
			rc.dimSizes[dimIdx] = -1
		}
	}

	// Capability checks come first, before any execution attempt.
	if keepDims {
		if err := op.checkKeepDimsSupport(); err != nil {
			return nil, err
		}
	}
	if axisArg != nil && axesArg != nil {
		return nil, errors.Errorf("%s: axis and axes arguments are mutually exclusive", op)
	}
	if axisArg != nil && len(core.dims) != 1 {
		return nil, errors.Errorf(
			"%s: axis can only be used with a single shared core dimension, not with the %d distinct ones implied by signature %s",
			op, len(core.dims), core.signature)
	}

	// With keepdims all inputs share the same core dimension count, and the
	// outputs will carry the same number of (size 1) axes.
	if keepDims {
		numDims := rc.opCoreNumDims[0]
		for ii := op.nIn; ii < nop; ii++ {
			rc.opCoreNumDims[ii] = numDims
		}
	}

	if err := op.validateNumDims(rc, operands); err != nil {
		return nil, err
	}

	// Broadcast rank: the maximum rank left over after each present
	// operand's core dimensions. Absent outputs are assumed to have exactly
	// the broadcast axes in front of their core ones.
	for ii, arr := range operands {
		if arr == nil {
			continue
		}
		rc.broadcastRank = max(rc.broadcastRank, arr.Rank()-rc.opCoreNumDims[ii])
	}

	if axisArg != nil {
		if err := op.parseAxisArg(rc, operands, *axisArg); err != nil {
			return nil, err
		}
	} else if axesArg != nil {
		if err := op.parseAxesArg(rc, operands, axesArg); err != nil {
			return nil, err
		}
	}

	if err := op.bindCoreDimSizes(rc, operands); err != nil {
		return nil, err
	}

	op.buildIterationSpace(rc, operands)
	return rc, nil
}

// checkKeepDimsSupport verifies the signature shape keepdims requires: all
// inputs with the same number of core dimensions, all outputs with none.
func (op *Operation) checkKeepDimsSupport() error {
	core := op.core
	inputCoreDims := core.numCoreDims(0)
	for ii := 1; ii < op.numOperands(); ii++ {
		want := 0
		if ii < op.nIn {
			want = inputCoreDims
		}
		if core.numCoreDims(ii) != want {
			role, roleIdx := operandRole(op, ii)
			return errors.Errorf(
				"%s does not support keepdims: its signature %s requires %s %d to have %d core dimensions, but keepdims can only be used when all inputs have the same number of core dimensions and all outputs have none",
				op, core.signature, role, roleIdx, core.numCoreDims(ii))
		}
	}
	return nil
}

// validateNumDims checks each present operand has at least its required core
// rank, marking ignorable dimensions missing (for every operand at once) to
// satisfy deficits where possible.
func (op *Operation) validateNumDims(rc *resolvedCall, operands []*Array) error {
	core := op.core
	for ii, arr := range operands {
		if arr == nil {
			continue
		}
		rank := arr.Rank()
		if rank >= rc.opCoreNumDims[ii] {
			continue
		}
		// Too few dimensions, but some may be ignorable.
		for _, dimIdx := range core.operandDims[ii] {
			if !rc.dimCanIgnore[dimIdx] {
				continue
			}
			// Mark it missing and stop treating it as ignorable, since we
			// are ignoring it already. Every operand referencing the
			// dimension has its required count reduced at once.
			rc.dimMissing[dimIdx] = true
			rc.dimCanIgnore[dimIdx] = false
			for jj := range op.numOperands() {
				for _, otherIdx := range core.operandDims[jj] {
					if otherIdx == dimIdx {
						rc.opCoreNumDims[jj]--
					}
				}
			}
			if rank == rc.opCoreNumDims[ii] {
				break
			}
		}
		if rank < rc.opCoreNumDims[ii] {
			role, roleIdx := operandRole(op, ii)
			return errors.Errorf(
				"%s: %s operand %d does not have enough dimensions (has %d, core signature %s requires %d)",
				op, role, roleIdx, rank, core.signature, rc.opCoreNumDims[ii])
		}
	}
	return nil
}

// adjustAxis bounds-checks an axis argument against a rank, accepting
// negative values counting from the end.
func adjustAxis(axis, rank int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, errors.Errorf("axis %d is out of bounds for an operand of rank %d", axis, rank)
	}
	return adjusted, nil
}

// parseAxisArg fills the remap for the single-shared-core-dimension form:
// the trailing core axis of every operand that has it maps to the requested
// physical axis, with the other axes shifted to fill the gap.
func (op *Operation) parseAxisArg(rc *resolvedCall, operands []*Array, axisArg int) error {
	nop := op.numOperands()
	rc.remapAxis = make([][]int, nop)
	for ii := range nop {
		if rc.opCoreNumDims[ii] == 0 {
			continue
		}
		rank := rc.broadcastRank + 1
		if operands[ii] != nil {
			rank = operands[ii].Rank()
		}
		axis, err := adjustAxis(axisArg, rank)
		if err != nil {
			return errors.WithMessagef(err, "%s: axis argument", op)
		}
		if axis == rank-1 {
			// Canonical position already.
			continue
		}
		remap := make([]int, rank)
		remap[rank-1] = axis
		for jj := range axis {
			remap[jj] = jj
		}
		for jj := axis; jj < rank-1; jj++ {
			remap[jj] = jj + 1
		}
		rc.remapAxis[ii] = remap
	}
	return nil
}

// parseAxesArg fills the remap from one axes tuple per operand. Output tuples
// may be omitted only if no output declares core dimensions. Unspecified
// leading (broadcast) axes take the remaining physical axes in ascending
// order.
func (op *Operation) parseAxesArg(rc *resolvedCall, operands []*Array, axesArg [][]int) error {
	nop := op.numOperands()
	if len(axesArg) != nop {
		if len(axesArg) != op.nIn || op.hasOutputCoreDims() {
			return errors.Errorf(
				"%s: axes should have an entry for all %d inputs and outputs; entries for outputs can only be omitted if none of them has core axes",
				op, nop)
		}
	}
	rc.remapAxis = make([][]int, nop)
	for ii, opAxes := range axesArg {
		coreNum := rc.opCoreNumDims[ii]
		var rank, numBroadcast int
		if operands[ii] != nil {
			rank = operands[ii].Rank()
			numBroadcast = rank - coreNum
		} else {
			numBroadcast = rc.broadcastRank
			rank = rc.broadcastRank + coreNum
		}
		if len(opAxes) != coreNum {
			return errors.Errorf("%s: axes entry %d should have %d elements, got %d", op, ii, coreNum, len(opAxes))
		}
		seen := make([]bool, rank)
		remap := make([]int, rank)
		// Core axes first, from the tuple.
		for jj, axis := range opAxes {
			adjusted, err := adjustAxis(axis, rank)
			if err != nil {
				return errors.WithMessagef(err, "%s: axes entry %d", op, ii)
			}
			if seen[adjusted] {
				return errors.Errorf("%s: axes entry %d has value %d repeated", op, ii, adjusted)
			}
			seen[adjusted] = true
			remap[numBroadcast+jj] = adjusted
		}
		// Then the broadcast axes, in ascending order, skipping axes claimed
		// by core dimensions.
		physical := 0
		for axis := range numBroadcast {
			for seen[physical] {
				physical++
			}
			remap[axis] = physical
			physical++
		}
		identity := true
		for axis, mapped := range remap {
			if mapped != axis {
				identity = false
				break
			}
		}
		if !identity {
			rc.remapAxis[ii] = remap
		}
	}
	return nil
}

func (op *Operation) hasOutputCoreDims() bool {
	for ii := op.nIn; ii < op.numOperands(); ii++ {
		if op.core.numCoreDims(ii) > 0 {
			return true
		}
	}
	return false
}

// bindCoreDimSizes collects the concrete size of every labelled core
// dimension, requiring exact agreement across operands, then verifies the
// outputs reference only bound dimensions (an output cannot be used to infer
// an otherwise-unbound one).
func (op *Operation) bindCoreDimSizes(rc *resolvedCall, operands []*Array) error {
	core := op.core
	for ii, arr := range operands {
		if arr == nil {
			continue
		}
		coreStart := arr.Rank() - rc.opCoreNumDims[ii]
		dimDelta := 0
		for jj, dimIdx := range core.operandDims[ii] {
			var opDimSize int
			if rc.dimMissing[dimIdx] {
				opDimSize = 1
				dimDelta++
			} else {
				opDimSize = arr.shape.Dimensions[rc.remap(ii, coreStart+jj-dimDelta)]
			}
			switch {
			case rc.dimSizes[dimIdx] < 0:
				rc.dimSizes[dimIdx] = opDimSize
			case opDimSize != rc.dimSizes[dimIdx]:
				role, roleIdx := operandRole(op, ii)
				return errors.Errorf(
					"%s: %s operand %d has a mismatch in its core dimension %d, with signature %s (size %d is different from %d)",
					op, role, roleIdx, jj-dimDelta, core.signature, opDimSize, rc.dimSizes[dimIdx])
			}
		}
	}
	for ii := op.nIn; ii < op.numOperands(); ii++ {
		for jj, dimIdx := range core.operandDims[ii] {
			if rc.dimSizes[dimIdx] < 0 {
				return errors.Errorf(
					"%s: output operand %d has core dimension %d unspecified, with signature %s",
					op, ii-op.nIn, jj, core.signature)
			}
		}
	}
	return nil
}

// buildIterationSpace fills iterShape and the per-operand axis maps: the
// broadcast axes first (right-aligned per operand, -1 where absent), then one
// synthetic axis per output core dimension. The synthetic axes belong only to
// their output; for every other operand they are -1, so the iterator must not
// broadcast them -- the executor removes them from the outer loop and walks
// them through explicit inner strides instead.
func (op *Operation) buildIterationSpace(rc *resolvedCall, operands []*Array) {
	core := op.core
	nop := op.numOperands()
	rc.iterRank = rc.broadcastRank
	for ii := op.nIn; ii < nop; ii++ {
		rc.iterRank += rc.opCoreNumDims[ii]
	}
	rc.iterShape = make([]int, rc.iterRank)
	for idim := range rc.broadcastRank {
		rc.iterShape[idim] = -1
	}
	rc.opAxes = make([][]int, nop)

	jdim := rc.broadcastRank
	for ii := range nop {
		var numBroadcast int
		if operands[ii] != nil {
			numBroadcast = operands[ii].Rank() - rc.opCoreNumDims[ii]
		} else {
			numBroadcast = rc.broadcastRank
		}
		axes := make([]int, rc.iterRank)
		for idim := range rc.iterRank {
			axes[idim] = -1
		}
		for idim := range rc.broadcastRank {
			if idim >= rc.broadcastRank-numBroadcast {
				axes[idim] = rc.remap(ii, idim-(rc.broadcastRank-numBroadcast))
			}
		}
		if ii >= op.nIn {
			if rc.keepDims {
				for idim := range rc.opCoreNumDims[ii] {
					rc.iterShape[jdim] = 1
					axes[jdim] = rc.remap(ii, numBroadcast+idim)
					jdim++
				}
			} else {
				numRemoved := 0
				for jj, dimIdx := range core.operandDims[ii] {
					if rc.dimMissing[dimIdx] {
						numRemoved++
						continue
					}
					rc.iterShape[jdim] = rc.dimSizes[dimIdx]
					axes[jdim] = rc.remap(ii, numBroadcast+jj-numRemoved)
					jdim++
				}
			}
		}
		rc.opAxes[ii] = axes
	}
}

// broadcastPartDims returns the broadcast (non-core) dimensions of all
// present operands unified, used to shape freshly allocated outputs.
func (rc *resolvedCall) broadcastPartDims(operands []*Array) ([]int, error) {
	var parts [][]int
	for ii, arr := range operands {
		if arr == nil {
			continue
		}
		numBroadcast := arr.Rank() - rc.opCoreNumDims[ii]
		part := make([]int, numBroadcast)
		for axis := range numBroadcast {
			part[axis] = arr.shape.Dimensions[rc.remap(ii, axis)]
		}
		parts = append(parts, part)
	}
	dims, err := shapes.BroadcastDims(parts...)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: broadcast dimensions", rc.op)
	}
	return dims, nil
}

// physicalDims permutes canonical output dimensions (broadcast axes first,
// then core axes) into the operand's physical axis order under its remap.
// Freshly allocated outputs get the remapped layout; a caller-supplied output
// must match it.
func (rc *resolvedCall) physicalDims(opIdx int, dims []int) []int {
	if rc.remapAxis == nil || rc.remapAxis[opIdx] == nil || len(rc.remapAxis[opIdx]) != len(dims) {
		return dims
	}
	phys := make([]int, len(dims))
	for axis, dim := range dims {
		phys[rc.remapAxis[opIdx][axis]] = dim
	}
	return phys
}

// coreInnerStrides computes, for one operand, the element stride of each of
// its core-dimension slots (descriptor order): zero for missing dimensions
// and for axes of dimension 1 (so size-1 core axes broadcast right), the
// physical axis stride otherwise.
func (rc *resolvedCall) coreInnerStrides(opIdx int, arr *Array) []int {
	core := rc.op.core
	coreStart := arr.Rank() - rc.opCoreNumDims[opIdx]
	strides := make([]int, len(core.operandDims[opIdx]))
	numRemoved := 0
	for jj, dimIdx := range core.operandDims[opIdx] {
		if rc.dimMissing[dimIdx] {
			numRemoved++
			continue
		}
		axis := rc.remap(opIdx, coreStart+jj-numRemoved)
		if arr.shape.Dimensions[axis] != 1 {
			strides[jj] = arr.strides[axis]
		}
	}
	return strides
}
