// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"sync"

	"github.com/gomlx/exceptions"
)

// Multi-operand strided iterator: walks an n-dimensional iteration space and
// yields, per step, a run of elements along the innermost axis with one
// (offset, stride) pair per operand. All execution strategies are driven by
// it; the differences between them live in what the executor does with each
// run.
//
// Compatible trailing axes are coalesced into longer runs, so fully
// contiguous same-layout calls degenerate to a single run over the whole
// iteration space.

// iterOperand is the per-operand state of an iterator.
type iterOperand struct {
	flat any

	// strides has one entry per iteration axis (zero for axes the operand
	// broadcasts over or does not have).
	strides []int

	// offset is the flat offset of the current run's first element.
	offset int
}

type iterator struct {
	dims     []int
	operands []iterOperand

	// Iteration state, valid after start().
	started   bool
	runLen    int
	idx       []int
	outerLeft int
}

// iteratorPool recycles iterators and their internal slices.
var iteratorPool = sync.Pool{New: func() any { return &iterator{} }}

// newIterator returns a pooled iterator over the given iteration dims.
//
// opAxes maps, per operand, each iteration axis to a physical operand axis
// (-1 for axes the operand does not have); a nil entry means the operand is
// already a view with exactly the iteration dims (e.g. via broadcastTo).
// Axes where the operand's physical dimension is 1 while the iteration
// dimension is larger iterate with stride zero.
func newIterator(dims []int, operands []*Array, opAxes [][]int) *iterator {
	it := iteratorPool.Get().(*iterator)
	it.dims = append(it.dims[:0], dims...)
	it.started = false
	if cap(it.operands) < len(operands) {
		it.operands = make([]iterOperand, len(operands))
	}
	it.operands = it.operands[:len(operands)]
	for opIdx, arr := range operands {
		iop := &it.operands[opIdx]
		iop.flat = arr.flat
		iop.offset = arr.offset
		iop.strides = append(iop.strides[:0], make([]int, len(dims))...)
		for axis := range dims {
			physical := axis
			if opAxes != nil && opAxes[opIdx] != nil {
				physical = opAxes[opIdx][axis]
			}
			if physical < 0 {
				continue
			}
			if arr.shape.Dimensions[physical] == 1 && dims[axis] != 1 {
				continue // Broadcast axis, stride stays zero.
			}
			iop.strides[axis] = arr.strides[physical]
		}
	}
	return it
}

// close returns the iterator to the pool. The iterator must not be used
// afterwards.
func (it *iterator) close() {
	for opIdx := range it.operands {
		it.operands[opIdx].flat = nil
	}
	iteratorPool.Put(it)
}

// removeAxis drops one iteration axis: the remaining iteration visits only
// index 0 of it. Must be called before the first next().
func (it *iterator) removeAxis(axis int) {
	if it.started {
		exceptions.Panicf("iterator.removeAxis called after iteration started")
	}
	if axis < 0 || axis >= len(it.dims) {
		exceptions.Panicf("iterator.removeAxis: axis %d out-of-bounds for rank %d", axis, len(it.dims))
	}
	it.dims = append(it.dims[:axis], it.dims[axis+1:]...)
	for opIdx := range it.operands {
		strides := it.operands[opIdx].strides
		it.operands[opIdx].strides = append(strides[:axis], strides[axis+1:]...)
	}
}

// itemCount is the total number of elements in the iteration space.
func (it *iterator) itemCount() int {
	count := 1
	for _, dim := range it.dims {
		count *= dim
	}
	return count
}

// collapse merges trailing axes whose strides are compatible across all
// operands into a single longer run. Size-1 axes merge unconditionally.
func (it *iterator) collapse() {
	if it.started {
		exceptions.Panicf("iterator.collapse called after iteration started")
	}
	for len(it.dims) >= 2 {
		last := len(it.dims) - 1
		outer, inner := it.dims[last-1], it.dims[last]
		mergeable := outer == 1 || inner == 1
		if !mergeable {
			mergeable = true
			for opIdx := range it.operands {
				strides := it.operands[opIdx].strides
				if strides[last-1] != strides[last]*inner {
					mergeable = false
					break
				}
			}
		}
		if !mergeable {
			return
		}
		for opIdx := range it.operands {
			strides := it.operands[opIdx].strides
			if inner != 1 {
				// Merged run steps by the inner stride.
				strides[last-1] = strides[last]
			}
			it.operands[opIdx].strides = strides[:last]
		}
		it.dims[last-1] = outer * inner
		it.dims = it.dims[:last]
	}
}

// start prepares the run decomposition: the innermost axis becomes the run,
// the remaining axes the outer loop.
func (it *iterator) start() {
	it.started = true
	rank := len(it.dims)
	if rank == 0 {
		it.runLen = 1
		it.outerLeft = 1
		it.idx = it.idx[:0]
		return
	}
	it.runLen = it.dims[rank-1]
	it.outerLeft = 1
	for _, dim := range it.dims[:rank-1] {
		it.outerLeft *= dim
	}
	if it.runLen == 0 {
		it.outerLeft = 0
	}
	it.idx = append(it.idx[:0], make([]int, rank-1)...)
}

// next advances to the next run, returning false when the iteration space is
// exhausted. The first call positions the iterator at the first run.
func (it *iterator) next() bool {
	if !it.started {
		it.start()
		return it.outerLeft > 0
	}
	if it.outerLeft <= 1 {
		it.outerLeft = 0
		return false
	}
	it.outerLeft--
	it.advance()
	return true
}

// advance steps the outer indices odometer-style, updating operand offsets.
func (it *iterator) advance() {
	for axis := len(it.idx) - 1; axis >= 0; axis-- {
		it.idx[axis]++
		if it.idx[axis] < it.dims[axis] {
			for opIdx := range it.operands {
				it.operands[opIdx].offset += it.operands[opIdx].strides[axis]
			}
			return
		}
		it.idx[axis] = 0
		for opIdx := range it.operands {
			it.operands[opIdx].offset -= (it.dims[axis] - 1) * it.operands[opIdx].strides[axis]
		}
	}
}

// runLength is the number of elements in each run.
func (it *iterator) runLength() int { return it.runLen }

// offset returns the current run's base offset for one operand.
func (it *iterator) offset(opIdx int) int { return it.operands[opIdx].offset }

// runStride returns the per-element stride of the current run for one operand.
func (it *iterator) runStride(opIdx int) int {
	strides := it.operands[opIdx].strides
	if len(strides) == 0 {
		return 0
	}
	return strides[len(strides)-1]
}
