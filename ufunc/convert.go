// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Strided dtype-converting copies: a two-level type switch (source type, then
// destination type) around tight generic loops, with strides so they can
// gather from and scatter to arbitrary views.

// convLoop copies n elements with numeric conversion between pod types.
func convLoop[F, T PODNumericConstraints](dst []T, dOff, dStep int, src []F, sOff, sStep, n int) {
	for range n {
		dst[dOff] = T(src[sOff])
		dOff += dStep
		sOff += sStep
	}
}

// convLoopFn copies n elements applying fn to each.
func convLoopFn[F, T any](dst []T, dOff, dStep int, src []F, sOff, sStep, n int, fn func(F) T) {
	for range n {
		dst[dOff] = fn(src[sOff])
		dOff += dStep
		sOff += sStep
	}
}

// copyConvertFromF32 handles any destination type given source values as float32.
func copyConvertFromF32[F any](dst any, dOff, dStep int, src []F, sOff, sStep, n int, get func(F) float32) {
	switch d := dst.(type) {
	case []bool:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) bool { return get(v) != 0 })
	case []int8:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) int8 { return int8(get(v)) })
	case []int16:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) int16 { return int16(get(v)) })
	case []int32:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) int32 { return int32(get(v)) })
	case []int64:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) int64 { return int64(get(v)) })
	case []uint8:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) uint8 { return uint8(get(v)) })
	case []uint16:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) uint16 { return uint16(get(v)) })
	case []uint32:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) uint32 { return uint32(get(v)) })
	case []uint64:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) uint64 { return uint64(get(v)) })
	case []float32:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, get)
	case []float64:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) float64 { return float64(get(v)) })
	case []float16.Float16:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) float16.Float16 { return float16.Fromfloat32(get(v)) })
	case []bfloat16.BFloat16:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) bfloat16.BFloat16 { return bfloat16.FromFloat32(get(v)) })
	default:
		exceptions.Panicf("copyConvert: unsupported destination type %T", dst)
	}
}

// copyConvertFromPOD handles any destination type given a pod numeric source.
func copyConvertFromPOD[F PODNumericConstraints](dst any, dOff, dStep int, src []F, sOff, sStep, n int) {
	switch d := dst.(type) {
	case []bool:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) bool { return v != 0 })
	case []int8:
		convLoop(d, dOff, dStep, src, sOff, sStep, n)
	case []int16:
		convLoop(d, dOff, dStep, src, sOff, sStep, n)
	case []int32:
		convLoop(d, dOff, dStep, src, sOff, sStep, n)
	case []int64:
		convLoop(d, dOff, dStep, src, sOff, sStep, n)
	case []uint8:
		convLoop(d, dOff, dStep, src, sOff, sStep, n)
	case []uint16:
		convLoop(d, dOff, dStep, src, sOff, sStep, n)
	case []uint32:
		convLoop(d, dOff, dStep, src, sOff, sStep, n)
	case []uint64:
		convLoop(d, dOff, dStep, src, sOff, sStep, n)
	case []float32:
		convLoop(d, dOff, dStep, src, sOff, sStep, n)
	case []float64:
		convLoop(d, dOff, dStep, src, sOff, sStep, n)
	case []float16.Float16:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) float16.Float16 { return float16.Fromfloat32(float32(v)) })
	case []bfloat16.BFloat16:
		convLoopFn(d, dOff, dStep, src, sOff, sStep, n, func(v F) bfloat16.BFloat16 { return bfloat16.FromFloat32(float32(v)) })
	default:
		exceptions.Panicf("copyConvert: unsupported destination type %T", dst)
	}
}

// copyConvert copies n elements from src to dst, strided on both sides,
// converting the element type as needed. dst and src are flat slices
// ([]T of the respective dtypes).
func copyConvert(dst any, dOff, dStep int, src any, sOff, sStep, n int) {
	if n == 0 {
		return
	}
	switch s := src.(type) {
	case []bool:
		copyConvertFromF32(dst, dOff, dStep, s, sOff, sStep, n, func(v bool) float32 {
			if v {
				return 1
			}
			return 0
		})
	case []int8:
		copyConvertFromPOD(dst, dOff, dStep, s, sOff, sStep, n)
	case []int16:
		copyConvertFromPOD(dst, dOff, dStep, s, sOff, sStep, n)
	case []int32:
		copyConvertFromPOD(dst, dOff, dStep, s, sOff, sStep, n)
	case []int64:
		copyConvertFromPOD(dst, dOff, dStep, s, sOff, sStep, n)
	case []uint8:
		copyConvertFromPOD(dst, dOff, dStep, s, sOff, sStep, n)
	case []uint16:
		copyConvertFromPOD(dst, dOff, dStep, s, sOff, sStep, n)
	case []uint32:
		copyConvertFromPOD(dst, dOff, dStep, s, sOff, sStep, n)
	case []uint64:
		copyConvertFromPOD(dst, dOff, dStep, s, sOff, sStep, n)
	case []float32:
		copyConvertFromPOD(dst, dOff, dStep, s, sOff, sStep, n)
	case []float64:
		copyConvertFromPOD(dst, dOff, dStep, s, sOff, sStep, n)
	case []float16.Float16:
		copyConvertFromF32(dst, dOff, dStep, s, sOff, sStep, n, float16.Float16.Float32)
	case []bfloat16.BFloat16:
		copyConvertFromF32(dst, dOff, dStep, s, sOff, sStep, n, bfloat16.BFloat16.Float32)
	default:
		exceptions.Panicf("copyConvert: unsupported source type %T", src)
	}
	// Bool destination from bool source is handled by the float32 path above,
	// round-tripping through 0/1. All other pairs convert directly.
}

// copyArrayData copies all elements of src into dst, converting dtypes as
// needed. The two arrays must have identical dimensions.
func copyArrayData(dst, src *Array) {
	if !dst.shape.EqualDimensions(src.shape) {
		exceptions.Panicf("copyArrayData: shape mismatch %s vs %s", dst.shape, src.shape)
	}
	if dst.Size() == 0 {
		return
	}
	if dst.Rank() == 0 {
		copyConvert(dst.flat, dst.offset, 0, src.flat, src.offset, 0, 1)
		return
	}
	// Copy run by run along the last axis.
	lastAxis := dst.Rank() - 1
	runLen := dst.shape.Dimensions[lastAxis]
	outerDims := dst.shape.Dimensions[:lastAxis]
	numRuns := 1
	for _, d := range outerDims {
		numRuns *= d
	}
	dstWalker := newAxisWalker(outerDims, dst.strides[:lastAxis], dst.offset)
	srcWalker := newAxisWalker(outerDims, src.strides[:lastAxis], src.offset)
	for range numRuns {
		copyConvert(dst.flat, dstWalker.next(), dst.strides[lastAxis],
			src.flat, srcWalker.next(), src.strides[lastAxis], runLen)
	}
}

// fillStrided fills n strided elements of flat with the given value, which
// must already be of the flat slice's element type.
func fillStrided(flat any, off, step, n int, value any) {
	if n == 0 {
		return
	}
	switch f := flat.(type) {
	case []bool:
		fillLoop(f, off, step, n, value.(bool))
	case []int8:
		fillLoop(f, off, step, n, value.(int8))
	case []int16:
		fillLoop(f, off, step, n, value.(int16))
	case []int32:
		fillLoop(f, off, step, n, value.(int32))
	case []int64:
		fillLoop(f, off, step, n, value.(int64))
	case []uint8:
		fillLoop(f, off, step, n, value.(uint8))
	case []uint16:
		fillLoop(f, off, step, n, value.(uint16))
	case []uint32:
		fillLoop(f, off, step, n, value.(uint32))
	case []uint64:
		fillLoop(f, off, step, n, value.(uint64))
	case []float32:
		fillLoop(f, off, step, n, value.(float32))
	case []float64:
		fillLoop(f, off, step, n, value.(float64))
	case []float16.Float16:
		fillLoop(f, off, step, n, value.(float16.Float16))
	case []bfloat16.BFloat16:
		fillLoop(f, off, step, n, value.(bfloat16.BFloat16))
	default:
		exceptions.Panicf("fillStrided: unsupported type %T", flat)
	}
}

func fillLoop[T any](dst []T, off, step, n int, value T) {
	for range n {
		dst[off] = value
		off += step
	}
}

// convertScalar converts a Go scalar (any supported element type, or a plain
// int/float64 literal) to the element type of the given dtype. It returns an
// error for unsupported values, since these typically come from user-supplied
// `initial` arguments.
func convertScalar(dtype dtypes.DType, value any) (any, error) {
	// Exact passthrough when the value already has the element type,
	// so large 64-bit integers are not squeezed through float64.
	if dtypes.FromAny(value) == dtype {
		return value, nil
	}
	if v, ok := value.(int); ok && dtype == dtypes.Int64 {
		return int64(v), nil
	}
	var f64 float64
	switch v := value.(type) {
	case bool:
		if v {
			f64 = 1
		}
	case int:
		f64 = float64(v)
	case int8:
		f64 = float64(v)
	case int16:
		f64 = float64(v)
	case int32:
		f64 = float64(v)
	case int64:
		f64 = float64(v)
	case uint8:
		f64 = float64(v)
	case uint16:
		f64 = float64(v)
	case uint32:
		f64 = float64(v)
	case uint64:
		f64 = float64(v)
	case float32:
		f64 = float64(v)
	case float64:
		f64 = v
	case float16.Float16:
		f64 = float64(v.Float32())
	case bfloat16.BFloat16:
		f64 = float64(v.Float32())
	default:
		return nil, errors.Errorf("cannot convert value %v (%T) to dtype %s", value, value, dtype)
	}
	switch dtype {
	case dtypes.Bool:
		return f64 != 0, nil
	case dtypes.Int8:
		return int8(f64), nil
	case dtypes.Int16:
		return int16(f64), nil
	case dtypes.Int32:
		return int32(f64), nil
	case dtypes.Int64:
		return int64(f64), nil
	case dtypes.Uint8:
		return uint8(f64), nil
	case dtypes.Uint16:
		return uint16(f64), nil
	case dtypes.Uint32:
		return uint32(f64), nil
	case dtypes.Uint64:
		return uint64(f64), nil
	case dtypes.Float32:
		return float32(f64), nil
	case dtypes.Float64:
		return f64, nil
	case dtypes.Float16:
		return float16.Fromfloat32(float32(f64)), nil
	case dtypes.BFloat16:
		return bfloat16.FromFloat32(float32(f64)), nil
	}
	return nil, errors.Errorf("dtype %s not supported as a scalar value", dtype)
}
