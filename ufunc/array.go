// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/ufunc/shapes"
)

// Array is a dense strided view over a flat slice of elements.
//
// The flat data is always a []T where T is the Go type of the shape's DType.
// Views created by Transpose, SliceAxis, etc. share the same flat storage and
// only change shape/strides/offset. Strides are in elements, not bytes, and
// may be zero (broadcast axes) or negative (reversed axes).
type Array struct {
	shape   shapes.Shape
	strides []int
	offset  int

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// Order requests a memory layout for arrays allocated by the engine.
type Order int

const (
	// RowMajor is "C order": the last axis varies fastest. The default.
	RowMajor Order = iota
	// ColMajor is "Fortran order": the first axis varies fastest.
	ColMajor
)

// NewArray allocates a zero-initialized array of the given dtype and dimensions,
// contiguous in row-major order.
func NewArray(dtype dtypes.DType, dimensions ...int) *Array {
	return newArrayWithOrder(shapes.Make(dtype, dimensions...), RowMajor)
}

func newArrayWithOrder(shape shapes.Shape, order Order) *Array {
	size := shape.Size()
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface()
	strides := shape.Strides()
	if order == ColMajor {
		strides = shape.ColMajorStrides()
	}
	return &Array{shape: shape, strides: strides, flat: flat}
}

// FromFlat creates an array that takes ownership of the given flat slice,
// interpreted in row-major order with the given dimensions. The dtype is
// inferred from T. It panics if len(flat) does not match the dimensions.
func FromFlat[T SupportedTypesConstraints](flat []T, dimensions ...int) *Array {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(flat) != shape.Size() {
		exceptions.Panicf("FromFlat: got %d elements for shape %s (%d elements)", len(flat), shape, shape.Size())
	}
	return &Array{shape: shape, strides: shape.Strides(), flat: flat}
}

// FromScalar creates a rank-0 array holding the given value.
func FromScalar[T SupportedTypesConstraints](value T) *Array {
	return FromFlat([]T{value})
}

// Shape of the array.
func (a *Array) Shape() shapes.Shape { return a.shape }

// DType of the array elements.
func (a *Array) DType() dtypes.DType { return a.shape.DType }

// Rank of the array: its number of axes.
func (a *Array) Rank() int { return a.shape.Rank() }

// Size is the number of elements viewed by the array.
func (a *Array) Size() int { return a.shape.Size() }

// Strides returns the per-axis element strides of the view.
func (a *Array) Strides() []int { return slices.Clone(a.strides) }

// Flat returns the backing flat slice (a []T of the array's DType).
// For non-contiguous views it includes elements outside the view.
func (a *Array) Flat() any { return a.flat }

// IsContiguous reports whether the view is a dense row-major traversal of its
// backing data, starting at offset 0. Axes of dimension <= 1 have irrelevant
// strides and are ignored.
func (a *Array) IsContiguous() bool {
	if a.offset != 0 {
		return false
	}
	stride := 1
	for axis := a.Rank() - 1; axis >= 0; axis-- {
		dim := a.shape.Dimensions[axis]
		if dim > 1 {
			if a.strides[axis] != stride {
				return false
			}
		}
		stride *= dim
	}
	return true
}

// Transpose returns a view with the axes permuted: axis ii of the result maps
// to axis permutation[ii] of a. It panics on an invalid permutation.
func (a *Array) Transpose(permutation ...int) *Array {
	rank := a.Rank()
	if len(permutation) != rank {
		exceptions.Panicf("Transpose: permutation %v has %d axes, array has rank %d", permutation, len(permutation), rank)
	}
	seen := make([]bool, rank)
	newDims := make([]int, rank)
	newStrides := make([]int, rank)
	for ii, axis := range permutation {
		if axis < 0 || axis >= rank || seen[axis] {
			exceptions.Panicf("Transpose: invalid permutation %v for rank %d", permutation, rank)
		}
		seen[axis] = true
		newDims[ii] = a.shape.Dimensions[axis]
		newStrides[ii] = a.strides[axis]
	}
	return &Array{
		shape:   shapes.Shape{DType: a.shape.DType, Dimensions: newDims},
		strides: newStrides,
		offset:  a.offset,
		flat:    a.flat,
	}
}

// SliceAxis returns a view of the half-open range [start, start+length) along
// the given axis. It panics if the range falls outside the dimension.
func (a *Array) SliceAxis(axis, start, length int) *Array {
	if axis < 0 || axis >= a.Rank() {
		exceptions.Panicf("SliceAxis: axis %d out-of-bounds for rank %d", axis, a.Rank())
	}
	dim := a.shape.Dimensions[axis]
	if start < 0 || length < 0 || start+length > dim {
		exceptions.Panicf("SliceAxis: range [%d, %d) out-of-bounds for dimension %d", start, start+length, dim)
	}
	newDims := slices.Clone(a.shape.Dimensions)
	newDims[axis] = length
	return &Array{
		shape:   shapes.Shape{DType: a.shape.DType, Dimensions: newDims},
		strides: slices.Clone(a.strides),
		offset:  a.offset + start*a.strides[axis],
		flat:    a.flat,
	}
}

// squeezeAxis drops a size-1 axis from the view.
func (a *Array) squeezeAxis(axis int) *Array {
	if a.shape.Dimensions[axis] != 1 {
		exceptions.Panicf("squeezeAxis: axis %d has dimension %d != 1", axis, a.shape.Dimensions[axis])
	}
	return &Array{
		shape:   shapes.Shape{DType: a.shape.DType, Dimensions: slices.Concat(a.shape.Dimensions[:axis], a.shape.Dimensions[axis+1:])},
		strides: slices.Concat(a.strides[:axis], a.strides[axis+1:]),
		offset:  a.offset,
		flat:    a.flat,
	}
}

// broadcastTo returns a stride-0 view of a with the given (right-aligned
// broadcast compatible) dimensions. The caller must have validated
// compatibility, e.g. with shapes.BroadcastDims.
func (a *Array) broadcastTo(dims []int) *Array {
	shift := len(dims) - a.Rank()
	strides := make([]int, len(dims))
	for axis := range dims {
		srcAxis := axis - shift
		if srcAxis < 0 || a.shape.Dimensions[srcAxis] == 1 {
			continue // New or expanded axis: stride stays 0.
		}
		strides[axis] = a.strides[srcAxis]
	}
	return &Array{
		shape:   shapes.Shape{DType: a.shape.DType, Dimensions: slices.Clone(dims)},
		strides: strides,
		offset:  a.offset,
		flat:    a.flat,
	}
}

// expandDims returns a view with n size-1 axes appended, so a's dimensions
// broadcast against the leading axes of another operand.
func (a *Array) expandDims(n int) *Array {
	if n == 0 {
		return a
	}
	dims := slices.Concat(a.shape.Dimensions, make([]int, n))
	strides := slices.Concat(a.strides, make([]int, n))
	for axis := a.Rank(); axis < len(dims); axis++ {
		dims[axis] = 1
	}
	return &Array{
		shape:   shapes.Shape{DType: a.shape.DType, Dimensions: dims},
		strides: strides,
		offset:  a.offset,
		flat:    a.flat,
	}
}

// elemOffset returns the flat offset of the element at the given indices.
func (a *Array) elemOffset(indices ...int) int {
	offset := a.offset
	for axis, idx := range indices {
		offset += idx * a.strides[axis]
	}
	return offset
}

// dataBounds returns the byte range [lo, hi) of the backing data.
// A zero-length backing slice returns (0, 0).
func (a *Array) dataBounds() (lo, hi uintptr) {
	v := reflect.ValueOf(a.flat)
	n := v.Len()
	if n == 0 {
		return 0, 0
	}
	lo = v.Pointer()
	hi = lo + uintptr(n)*a.shape.DType.Memory()
	return
}

// overlaps reports whether the backing data ranges of a and b intersect.
// This is conservative: two non-intersecting views over the same backing
// slice still count as overlapping.
func (a *Array) overlaps(b *Array) bool {
	aLo, aHi := a.dataBounds()
	bLo, bHi := b.dataBounds()
	if aLo == aHi || bLo == bHi {
		return false
	}
	return aLo < bHi && bLo < aHi
}

// sameView reports whether a and b are element-by-element the same memory:
// same backing data, offset, dimensions and effective strides.
func (a *Array) sameView(b *Array) bool {
	if a == b {
		return true
	}
	if reflect.ValueOf(a.flat).Pointer() != reflect.ValueOf(b.flat).Pointer() ||
		a.offset != b.offset || !a.shape.Equal(b.shape) {
		return false
	}
	for axis, dim := range a.shape.Dimensions {
		if dim > 1 && a.strides[axis] != b.strides[axis] {
			return false
		}
	}
	return true
}

// contiguousCopy returns a newly allocated row-major copy of a, with the given
// dtype (converting elements if it differs from a's).
func (a *Array) contiguousCopy(dtype dtypes.DType) *Array {
	out := NewArray(dtype, a.shape.Dimensions...)
	copyArrayData(out, a)
	return out
}

// ToFlat gathers the elements of the array in row-major order into a new
// slice. T must match the array's dtype.
func ToFlat[T SupportedTypesConstraints](a *Array) []T {
	if dtypes.FromGenericsType[T]() != a.shape.DType {
		exceptions.Panicf("ToFlat[%s]: array has dtype %s", dtypes.FromGenericsType[T](), a.shape.DType)
	}
	flat := a.flat.([]T)
	out := make([]T, a.Size())
	if a.Size() == 0 {
		return out
	}
	it := newAxisWalker(a.shape.Dimensions, a.strides, a.offset)
	for ii := range out {
		out[ii] = flat[it.next()]
	}
	return out
}

// axisWalker iterates the flat offsets of a strided view in row-major order.
type axisWalker struct {
	dims, strides, idx []int
	offset             int
}

func newAxisWalker(dims, strides []int, offset int) *axisWalker {
	return &axisWalker{
		dims:    dims,
		strides: strides,
		idx:     make([]int, len(dims)),
		offset:  offset,
	}
}

// next returns the current offset and advances to the next element.
func (w *axisWalker) next() (offset int) {
	offset = w.offset
	for axis := len(w.dims) - 1; axis >= 0; axis-- {
		w.idx[axis]++
		w.offset += w.strides[axis]
		if w.idx[axis] < w.dims[axis] {
			return
		}
		w.idx[axis] = 0
		w.offset -= w.dims[axis] * w.strides[axis]
	}
	return
}
