// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/janpfeifer/must"
	"github.com/x448/float16"
)

// Builtin operations. Kernels are registered per dtype in ascending numeric
// order, so the safe-casting search resolves mixed inputs to the narrowest
// loop that can hold both.
//
// All kernels process elements in ascending index order; Accumulate depends
// on this to alias its accumulator and output slots one step apart.
var (
	Add      = must.M1(New("add", 2, 1, WithIdentity(IdentityZero)))
	Subtract = must.M1(New("subtract", 2, 1))
	Multiply = must.M1(New("multiply", 2, 1, WithIdentity(IdentityOne)))
	Divide   = must.M1(New("divide", 2, 1))
	Maximum  = must.M1(New("maximum", 2, 1))
	Minimum  = must.M1(New("minimum", 2, 1))

	// MatMul is the generalized matrix product, (i,j),(j,k)->(i,k).
	MatMul = must.M1(New("matmul", 2, 1, WithSignature("(i,j),(j,k)->(i,k)")))
)

// binaryKernel wraps an element function into a strided loop kernel.
func binaryKernel[T any](fn func(a, b T) T) Kernel {
	return func(args *KernelArgs) StatusFlags {
		in0, in1, out := args.Flat[0].([]T), args.Flat[1].([]T), args.Flat[2].([]T)
		i0, i1, o := args.Offset[0], args.Offset[1], args.Offset[2]
		s0, s1, so := args.Step[0], args.Step[1], args.Step[2]
		for range args.Dims[0] {
			out[o] = fn(in0[i0], in1[i1])
			i0 += s0
			i1 += s1
			o += so
		}
		return 0
	}
}

// regBinary registers a same-dtype binary loop, the dtype inferred from T.
func regBinary[T SupportedTypesConstraints](op *Operation, fn func(a, b T) T) {
	dtype := dtypes.FromGenericsType[T]()
	op.Register(binaryKernel(fn), dtype, dtype, dtype)
}

// regBinaryF16 and regBinaryBF16 register 16-bit float loops computing
// through float32.
func regBinaryF16(op *Operation, fn func(a, b float32) float32) {
	kernel := binaryKernel(func(a, b float16.Float16) float16.Float16 {
		return float16.Fromfloat32(fn(a.Float32(), b.Float32()))
	})
	op.Register(kernel, dtypes.Float16, dtypes.Float16, dtypes.Float16)
}

func regBinaryBF16(op *Operation, fn func(a, b float32) float32) {
	kernel := binaryKernel(func(a, b bfloat16.BFloat16) bfloat16.BFloat16 {
		return bfloat16.FromFloat32(fn(a.Float32(), b.Float32()))
	})
	op.Register(kernel, dtypes.BFloat16, dtypes.BFloat16, dtypes.BFloat16)
}

// regArithAll registers one loop per numeric dtype for an operation whose
// element function is the same Go expression at every width.
func regArithAll(op *Operation,
	intFn func(a, b int64) int64, f32Fn func(a, b float32) float32, f64Fn func(a, b float64) float64) {
	regBinary(op, func(a, b int8) int8 { return int8(intFn(int64(a), int64(b))) })
	regBinary(op, func(a, b uint8) uint8 { return uint8(intFn(int64(a), int64(b))) })
	regBinary(op, func(a, b int16) int16 { return int16(intFn(int64(a), int64(b))) })
	regBinary(op, func(a, b uint16) uint16 { return uint16(intFn(int64(a), int64(b))) })
	regBinary(op, func(a, b int32) int32 { return int32(intFn(int64(a), int64(b))) })
	regBinary(op, func(a, b uint32) uint32 { return uint32(intFn(int64(a), int64(b))) })
	regBinary(op, intFn)
	regBinary(op, func(a, b uint64) uint64 { return uint64(intFn(int64(a), int64(b))) })
	regBinaryF16(op, f32Fn)
	regBinaryBF16(op, f32Fn)
	regBinary(op, f32Fn)
	regBinary(op, f64Fn)
}

func init() {
	// Bool add/multiply are logical or/and. Reductions promote booleans to an
	// Int64 accumulator, so these loops apply only to elementwise calls and
	// to reductions pinned to Bool with WithDTypes.
	regBinary(Add, func(a, b bool) bool { return a || b })
	regArithAll(Add,
		func(a, b int64) int64 { return a + b },
		func(a, b float32) float32 { return a + b },
		func(a, b float64) float64 { return a + b })

	regArithAll(Subtract,
		func(a, b int64) int64 { return a - b },
		func(a, b float32) float32 { return a - b },
		func(a, b float64) float64 { return a - b })

	regBinary(Multiply, func(a, b bool) bool { return a && b })
	regArithAll(Multiply,
		func(a, b int64) int64 { return a * b },
		func(a, b float32) float32 { return a * b },
		func(a, b float64) float64 { return a * b })

	registerDivide()

	// max/min keep native widths: funneling uint64 through int64 would
	// mis-order values above 1<<63.
	regBinary(Maximum, func(a, b int8) int8 { return max(a, b) })
	regBinary(Maximum, func(a, b uint8) uint8 { return max(a, b) })
	regBinary(Maximum, func(a, b int16) int16 { return max(a, b) })
	regBinary(Maximum, func(a, b uint16) uint16 { return max(a, b) })
	regBinary(Maximum, func(a, b int32) int32 { return max(a, b) })
	regBinary(Maximum, func(a, b uint32) uint32 { return max(a, b) })
	regBinary(Maximum, func(a, b int64) int64 { return max(a, b) })
	regBinary(Maximum, func(a, b uint64) uint64 { return max(a, b) })
	regBinaryF16(Maximum, math32.Max)
	regBinaryBF16(Maximum, math32.Max)
	regBinary(Maximum, math32.Max)
	regBinary(Maximum, math.Max)

	regBinary(Minimum, func(a, b int8) int8 { return min(a, b) })
	regBinary(Minimum, func(a, b uint8) uint8 { return min(a, b) })
	regBinary(Minimum, func(a, b int16) int16 { return min(a, b) })
	regBinary(Minimum, func(a, b uint16) uint16 { return min(a, b) })
	regBinary(Minimum, func(a, b int32) int32 { return min(a, b) })
	regBinary(Minimum, func(a, b uint32) uint32 { return min(a, b) })
	regBinary(Minimum, func(a, b int64) int64 { return min(a, b) })
	regBinary(Minimum, func(a, b uint64) uint64 { return min(a, b) })
	regBinaryF16(Minimum, math32.Min)
	regBinaryBF16(Minimum, math32.Min)
	regBinary(Minimum, math32.Min)
	regBinary(Minimum, math.Min)

	registerMatMul()
}

// Division kernels carry their own loops so they can raise status flags:
// integer division by zero yields zero with divide-by-zero set, float
// division follows IEEE (inf, nan) and sets divide-by-zero or invalid.

func divKernelInt[T PODIntegerConstraints]() Kernel {
	return func(args *KernelArgs) StatusFlags {
		in0, in1, out := args.Flat[0].([]T), args.Flat[1].([]T), args.Flat[2].([]T)
		i0, i1, o := args.Offset[0], args.Offset[1], args.Offset[2]
		s0, s1, so := args.Step[0], args.Step[1], args.Step[2]
		var flags StatusFlags
		for range args.Dims[0] {
			if in1[i1] == 0 {
				flags |= StatusDivideByZero
				out[o] = 0
			} else {
				out[o] = in0[i0] / in1[i1]
			}
			i0 += s0
			i1 += s1
			o += so
		}
		return flags
	}
}

func divFloat[T PODFloatConstraints](a, b T, flags *StatusFlags) T {
	if b == 0 {
		if a == 0 {
			*flags |= StatusInvalid
		} else {
			*flags |= StatusDivideByZero
		}
	}
	return a / b
}

func divKernelFloat[T PODFloatConstraints]() Kernel {
	return func(args *KernelArgs) StatusFlags {
		in0, in1, out := args.Flat[0].([]T), args.Flat[1].([]T), args.Flat[2].([]T)
		i0, i1, o := args.Offset[0], args.Offset[1], args.Offset[2]
		s0, s1, so := args.Step[0], args.Step[1], args.Step[2]
		var flags StatusFlags
		for range args.Dims[0] {
			out[o] = divFloat(in0[i0], in1[i1], &flags)
			i0 += s0
			i1 += s1
			o += so
		}
		return flags
	}
}

func regDivideInt[T PODIntegerConstraints](op *Operation) {
	dtype := dtypes.FromGenericsType[T]()
	op.Register(divKernelInt[T](), dtype, dtype, dtype)
}

func registerDivide() {
	regDivideInt[int8](Divide)
	regDivideInt[uint8](Divide)
	regDivideInt[int16](Divide)
	regDivideInt[uint16](Divide)
	regDivideInt[int32](Divide)
	regDivideInt[uint32](Divide)
	regDivideInt[int64](Divide)
	regDivideInt[uint64](Divide)
	Divide.Register(func(args *KernelArgs) StatusFlags {
		in0, in1 := args.Flat[0].([]float16.Float16), args.Flat[1].([]float16.Float16)
		out := args.Flat[2].([]float16.Float16)
		i0, i1, o := args.Offset[0], args.Offset[1], args.Offset[2]
		s0, s1, so := args.Step[0], args.Step[1], args.Step[2]
		var flags StatusFlags
		for range args.Dims[0] {
			out[o] = float16.Fromfloat32(divFloat(in0[i0].Float32(), in1[i1].Float32(), &flags))
			i0 += s0
			i1 += s1
			o += so
		}
		return flags
	}, dtypes.Float16, dtypes.Float16, dtypes.Float16)
	Divide.Register(func(args *KernelArgs) StatusFlags {
		in0, in1 := args.Flat[0].([]bfloat16.BFloat16), args.Flat[1].([]bfloat16.BFloat16)
		out := args.Flat[2].([]bfloat16.BFloat16)
		i0, i1, o := args.Offset[0], args.Offset[1], args.Offset[2]
		s0, s1, so := args.Step[0], args.Step[1], args.Step[2]
		var flags StatusFlags
		for range args.Dims[0] {
			out[o] = bfloat16.FromFloat32(divFloat(in0[i0].Float32(), in1[i1].Float32(), &flags))
			i0 += s0
			i1 += s1
			o += so
		}
		return flags
	}, dtypes.BFloat16, dtypes.BFloat16, dtypes.BFloat16)
	Divide.Register(divKernelFloat[float32](), dtypes.Float32, dtypes.Float32, dtypes.Float32)
	Divide.Register(divKernelFloat[float64](), dtypes.Float64, dtypes.Float64, dtypes.Float64)
}

// matmulKernel computes the (i,j),(j,k)->(i,k) core over each outer element.
// Dims[1:] carries the resolved sizes of i, j and k in signature order.
func matmulKernel[T PODNumericConstraints]() Kernel {
	return func(args *KernelArgs) StatusFlags {
		a, b, c := args.Flat[0].([]T), args.Flat[1].([]T), args.Flat[2].([]T)
		di, dj, dk := args.Dims[1], args.Dims[2], args.Dims[3]
		asI, asJ := args.CoreStep[0][0], args.CoreStep[0][1]
		bsJ, bsK := args.CoreStep[1][0], args.CoreStep[1][1]
		csI, csK := args.CoreStep[2][0], args.CoreStep[2][1]
		ao, bo, co := args.Offset[0], args.Offset[1], args.Offset[2]
		for range args.Dims[0] {
			for i := range di {
				for k := range dk {
					var sum T
					aOff := ao + i*asI
					bOff := bo + k*bsK
					for range dj {
						sum += a[aOff] * b[bOff]
						aOff += asJ
						bOff += bsJ
					}
					c[co+i*csI+k*csK] = sum
				}
			}
			ao += args.Step[0]
			bo += args.Step[1]
			co += args.Step[2]
		}
		return 0
	}
}

func regMatMul[T PODNumericConstraints](op *Operation) {
	dtype := dtypes.FromGenericsType[T]()
	op.Register(matmulKernel[T](), dtype, dtype, dtype)
}

func registerMatMul() {
	regMatMul[int32](MatMul)
	regMatMul[int64](MatMul)
	regMatMul[float32](MatMul)
	regMatMul[float64](MatMul)
}
