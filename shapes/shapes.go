// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the pair (DType, dimensions) describing a dense
// multidimensional array, and the broadcasting rules used by the ufunc engine.
//
// DType is the data type of the unit element of an array, an enumeration defined
// in github.com/gomlx/gopjrt/dtypes. Go float16 support uses the
// github.com/x448/float16 implementation, and bfloat16 uses
// github.com/gomlx/gopjrt/dtypes/bfloat16.
//
// Glossary:
//
//   - Rank: number of axes (dimensions) of an array.
//   - Axis: the index of a dimension. "Axis" refers to the index, "dimension"
//     to its size.
//   - Scalar: a shape of rank 0, holding a single value of the associated DType.
//
// Differently from tensor shapes in computation graphs, dimensions here may be
// zero: reductions over empty axes and empty operands are valid inputs to the
// engine.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the shape of a dense array: its DType and its dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
// Dimensions may be zero (empty arrays are valid), but not negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Scalar returns a rank-0 Shape for the given type.
func Scalar[T dtypes.Supported]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape: Invalid().Ok() == false.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok returns whether this is a valid Shape. The zero value of Shape is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, its number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the
// end, so Dim(-1) is the last dimension. It panics for an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, pretty-printing the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape, the
// product of all dimensions. A scalar has size 1; any zero dimension makes
// the size 0.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the bytes needed to store an array of the given shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares the dimensions of two shapes; dtypes may differ.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return s.Rank() == s2.Rank() && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Strides returns the row-major ("C order") element strides for the shape:
// the last axis is the fastest varying one. Strides are in elements, not bytes.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// ColMajorStrides returns the column-major ("Fortran order") element strides
// for the shape: the first axis is the fastest varying one.
func (s Shape) ColMajorStrides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := range s.Rank() {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// BroadcastDims unifies the dimensions of the given shapes under the standard
// broadcasting rules: shapes are right-aligned, and along each axis the
// dimensions must either match or be 1 (which expands to the other dimension).
//
// It returns the unified dimensions or an error naming the first operand that
// cannot be broadcast.
func BroadcastDims(dimsList ...[]int) ([]int, error) {
	rank := 0
	for _, dims := range dimsList {
		rank = max(rank, len(dims))
	}
	result := make([]int, rank)
	for ii := range result {
		result[ii] = 1
	}
	for opIdx, dims := range dimsList {
		shift := rank - len(dims)
		for axis, dim := range dims {
			resultAxis := axis + shift
			if dim == 1 {
				continue
			}
			if result[resultAxis] == 1 {
				result[resultAxis] = dim
				continue
			}
			if result[resultAxis] != dim {
				return nil, errors.Errorf(
					"operand #%d has dimension %d on axis %d (of the broadcast result), incompatible with dimension %d from the other operands",
					opIdx, dim, resultAxis, result[resultAxis])
			}
		}
	}
	return result, nil
}
