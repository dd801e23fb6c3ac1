// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallAdd(t *testing.T) {
	a := FromFlat([]float32{1, 2, 3, 4}, 4)
	b := FromFlat([]float32{10, 20, 30, 40}, 4)
	out, err := Call1(Add, []*Array{a, b})
	require.NoError(t, err)
	assert.Equal(t, dtypeF32, out.DType())
	assert.Equal(t, []float32{11, 22, 33, 44}, ToFlat[float32](out))
}

func TestCallBroadcasting(t *testing.T) {
	// (3,1) + (4) -> (3,4).
	a := FromFlat([]float32{0, 10, 20}, 3, 1)
	b := FromFlat([]float32{1, 2, 3, 4}, 4)
	out, err := Call1(Add, []*Array{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, out.Shape().Dimensions)
	assert.Equal(t, []float32{
		1, 2, 3, 4,
		11, 12, 13, 14,
		21, 22, 23, 24,
	}, ToFlat[float32](out))

	// Scalar against an array.
	s := FromScalar[float32](100)
	out, err = Call1(Multiply, []*Array{s, b})
	require.NoError(t, err)
	assert.Equal(t, []float32{100, 200, 300, 400}, ToFlat[float32](out))

	// Incompatible dimensions name the operand.
	c := FromFlat([]float32{1, 2, 3}, 3)
	_, err = Call(Add, []*Array{b, c})
	require.Error(t, err)
}

func TestCallSafeCastLookup(t *testing.T) {
	// int8 + int32 resolves to the int32 loop by safe casting.
	a := FromFlat([]int8{1, 2, 3}, 3)
	b := FromFlat([]int32{100, 200, 300}, 3)
	out, err := Call1(Add, []*Array{a, b})
	require.NoError(t, err)
	assert.Equal(t, dtypeI32, out.DType())
	assert.Equal(t, []int32{101, 202, 303}, ToFlat[int32](out))
}

func TestCallStrategiesBitIdentical(t *testing.T) {
	flat := []float32{1.5, -2.25, 3.125, 4, 5.0625, -6}
	a := FromFlat(flat, 2, 3)

	// Trivial: contiguous operands, single collapsed run.
	direct, err := Call1(Multiply, []*Array{a, a})
	require.NoError(t, err)

	// Strided: the same values through transposed views.
	at := a.Transpose(1, 0)
	strided, err := Call1(Multiply, []*Array{at, at})
	require.NoError(t, err)

	// Buffered: int8 inputs forced through the float32 loop.
	ia := FromFlat([]int8{1, -2, 3, 4, 5, -6}, 2, 3)
	buffered, err := Call1(Multiply, []*Array{ia, ia}, WithDTypes(dtypeF32, dtypeF32, dtypeF32))
	require.NoError(t, err)
	require.Equal(t, dtypeF32, buffered.DType())

	got := ToFlat[float32](direct)
	stridedFlat := ToFlat[float32](strided.Transpose(1, 0))
	assert.Equal(t, got, stridedFlat)

	iaAsF32 := []float32{1, 4, 9, 16, 25, 36}
	assert.Equal(t, iaAsF32, ToFlat[float32](buffered))
}

func TestCallBufferedSmallBuffer(t *testing.T) {
	// A buffer smaller than the data forces several gather/compute/scatter
	// rounds per run.
	n := 100
	flat := make([]int8, n)
	for ii := range flat {
		flat[ii] = int8(ii - 50)
	}
	a := FromFlat(flat, n)
	out, err := Call1(Add, []*Array{a, a},
		WithDTypes(dtypeF32, dtypeF32, dtypeF32), WithBufferSize(7))
	require.NoError(t, err)
	got := ToFlat[float32](out)
	for ii := range flat {
		assert.Equal(t, float32(2*int(flat[ii])), got[ii])
	}
}

func TestCallWhere(t *testing.T) {
	a := FromFlat([]float32{1, 2, 3, 4}, 4)
	b := FromFlat([]float32{10, 10, 10, 10}, 4)
	mask := FromFlat([]bool{true, false, true, false}, 4)
	out, err := Call1(Add, []*Array{a, b}, WithWhere(mask))
	require.NoError(t, err)
	// Fresh outputs are zero-initialized; masked-out cells stay untouched.
	assert.Equal(t, []float32{11, 0, 13, 0}, ToFlat[float32](out))

	// With a supplied output the untouched cells keep their old values.
	prev := FromFlat([]float32{-1, -2, -3, -4}, 4)
	_, err = Call(Add, []*Array{a, b}, WithWhere(mask), WithOutputs(prev))
	require.NoError(t, err)
	assert.Equal(t, []float32{11, -2, 13, -4}, ToFlat[float32](prev))

	// Scalar mask broadcast over everything.
	off := FromScalar(false)
	zeros := FromFlat(make([]float32, 4), 4)
	out, err = Call1(Add, []*Array{a, b}, WithWhere(off), WithOutputs(zeros))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, ToFlat[float32](out))
}

func TestCallInPlace(t *testing.T) {
	a := FromFlat([]int32{1, 2, 3, 4}, 4)
	b := FromFlat([]int32{10, 20, 30, 40}, 4)
	out, err := Call1(Add, []*Array{a, b}, WithOutputs(a))
	require.NoError(t, err)
	assert.Same(t, a, out)
	assert.Equal(t, []int32{11, 22, 33, 44}, ToFlat[int32](a))
}

func TestCallOverlapCopies(t *testing.T) {
	// Output overlapping an input through a different (reversed) view: the
	// engine must copy the input first.
	backing := []int32{1, 2, 3, 4}
	a := FromFlat(backing, 4)
	reversed := &Array{
		shape:   a.shape.Clone(),
		strides: []int{-1},
		offset:  3,
		flat:    backing,
	}
	out, err := Call1(Add, []*Array{reversed, reversed}, WithOutputs(a))
	require.NoError(t, err)
	assert.Equal(t, []int32{8, 6, 4, 2}, ToFlat[int32](out))
}

func TestCallDivideStatus(t *testing.T) {
	a := FromFlat([]int32{6, 7}, 2)
	b := FromFlat([]int32{0, 7}, 2)

	// Default policy ignores the flag; integer division by zero yields 0.
	out, err := Call1(Divide, []*Array{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1}, ToFlat[int32](out))

	_, err = Call(Divide, []*Array{a, b}, WithErrMode(ErrModeRaise))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "divide-by-zero")

	var seen StatusFlags
	_, err = Call(Divide, []*Array{a, b}, WithErrMode(ErrModeCall),
		WithStatusHandler(func(op *Operation, flags StatusFlags) error {
			seen = flags
			return nil
		}))
	require.NoError(t, err)
	assert.Equal(t, StatusDivideByZero, seen)

	// 0/0 is invalid, not divide-by-zero.
	z := FromFlat([]float64{0}, 1)
	_, err = Call(Divide, []*Array{z, z}, WithErrMode(ErrModeRaise))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
}

func TestCallContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := FromFlat([]float32{1, 2}, 2, 1)
	b := FromFlat([]float32{1, 2, 3}, 3)
	_, err := Call(Add, []*Array{a, b}, WithContext(ctx))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallColMajorOutput(t *testing.T) {
	a := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	out, err := Call1(Add, []*Array{a, a}, WithOrder(ColMajor))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, out.Strides())
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12}, ToFlat[float32](out))
}

func TestCallPrepareOutputHook(t *testing.T) {
	a := FromFlat([]float32{1, 2}, 2)
	var hookIdx = -1
	out, err := Call1(Add, []*Array{a, a},
		WithPrepareOutput(func(op *Operation, outIdx int, prepared *Array) error {
			hookIdx = outIdx
			assert.Equal(t, []int{2}, prepared.Shape().Dimensions)
			return nil
		}))
	require.NoError(t, err)
	assert.Equal(t, 0, hookIdx)
	assert.Equal(t, []float32{2, 4}, ToFlat[float32](out))

	// Hook errors abort the call.
	_, err = Call(Add, []*Array{a, a},
		WithPrepareOutput(func(op *Operation, outIdx int, prepared *Array) error {
			return assert.AnError
		}))
	require.Error(t, err)
}

func TestCallValidation(t *testing.T) {
	a := FromFlat([]float32{1, 2}, 2)
	_, err := Call(Add, []*Array{a})
	require.Error(t, err)

	_, err = Call(Add, []*Array{a, nil})
	require.Error(t, err)

	_, err = Call(Add, []*Array{a, a}, WithAxis(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "core dimensions")

	_, err = Call(Add, []*Array{a, a}, WithInitial(1))
	require.Error(t, err)

	bad := FromFlat([]float32{0, 0, 0}, 3)
	_, err = Call(Add, []*Array{a, a}, WithOutputs(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")

	mask := FromFlat([]float32{1, 0}, 2)
	_, err = Call(Add, []*Array{a, a}, WithWhere(mask))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bool")
}

func TestCallMatMul(t *testing.T) {
	a := FromFlat([]float32{1, 2, 3, 4}, 2, 2)
	b := FromFlat([]float32{5, 6, 7, 8}, 2, 2)
	out, err := Call1(MatMul, []*Array{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, out.Shape().Dimensions)
	assert.Equal(t, []float32{19, 22, 43, 50}, ToFlat[float32](out))

	// where is an elementwise concept.
	mask := FromScalar(true)
	_, err = Call(MatMul, []*Array{a, b}, WithWhere(mask))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestCallMatMulAgainstTripleLoop(t *testing.T) {
	const I, J, K = 3, 4, 5
	aFlat := make([]float64, I*J)
	bFlat := make([]float64, J*K)
	for ii := range aFlat {
		aFlat[ii] = float64(ii%7) - 3
	}
	for ii := range bFlat {
		bFlat[ii] = float64(ii%5) * 0.5
	}
	a := FromFlat(aFlat, I, J)
	b := FromFlat(bFlat, J, K)
	out, err := Call1(MatMul, []*Array{a, b})
	require.NoError(t, err)

	want := make([]float64, I*K)
	for i := range I {
		for k := range K {
			var sum float64
			for j := range J {
				sum += aFlat[i*J+j] * bFlat[j*K+k]
			}
			want[i*K+k] = sum
		}
	}
	assert.Equal(t, want, ToFlat[float64](out))
}

func TestCallMatMulBatchBroadcast(t *testing.T) {
	// (2,2,2) x (2,2): the right operand broadcasts over the batch axis.
	a := FromFlat([]float32{
		1, 0, 0, 1, // identity
		1, 2, 3, 4,
	}, 2, 2, 2)
	b := FromFlat([]float32{5, 6, 7, 8}, 2, 2)
	out, err := Call1(MatMul, []*Array{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, out.Shape().Dimensions)
	assert.Equal(t, []float32{
		5, 6, 7, 8,
		19, 22, 43, 50,
	}, ToFlat[float32](out))
}

func TestCallMatMulWithAxes(t *testing.T) {
	a := FromFlat([]float32{1, 2, 3, 4}, 2, 2)
	b := FromFlat([]float32{5, 6, 7, 8}, 2, 2)
	// Pass a transposed view but declare its (i,j) axes as (1,0): the result
	// must match the plain product.
	at := a.Transpose(1, 0)
	out, err := Call1(MatMul, []*Array{at, b},
		WithAxes([]int{1, 0}, []int{0, 1}, []int{0, 1}))
	require.NoError(t, err)
	assert.Equal(t, []float32{19, 22, 43, 50}, ToFlat[float32](out))
}

func TestCallMatMulMixedDTypes(t *testing.T) {
	// int8 inputs resolve to the int32 matmul loop by safe casting and get
	// whole-operand converted copies.
	a := FromFlat([]int8{1, 2, 3, 4}, 2, 2)
	b := FromFlat([]int8{5, 6, 7, 8}, 2, 2)
	out, err := Call1(MatMul, []*Array{a, b})
	require.NoError(t, err)
	assert.Equal(t, dtypeI32, out.DType())
	assert.Equal(t, []int32{19, 22, 43, 50}, ToFlat[int32](out))
}

// dotOp builds a (i),(i)->() operation with a float32 kernel, exercising the
// generalized path with a scalar core output.
func dotOp(t *testing.T) *Operation {
	t.Helper()
	op := mustOp(t, "dot", 2, 1, WithSignature("(i),(i)->()"))
	op.Register(func(args *KernelArgs) StatusFlags {
		a, b := args.Flat[0].([]float32), args.Flat[1].([]float32)
		out := args.Flat[2].([]float32)
		ao, bo, oo := args.Offset[0], args.Offset[1], args.Offset[2]
		as, bs := args.CoreStep[0][0], args.CoreStep[1][0]
		for range args.Dims[0] {
			var sum float32
			ai, bi := ao, bo
			for range args.Dims[1] {
				sum += a[ai] * b[bi]
				ai += as
				bi += bs
			}
			out[oo] = sum
			ao += args.Step[0]
			bo += args.Step[1]
			oo += args.Step[2]
		}
		return 0
	}, dtypeF32, dtypeF32, dtypeF32)
	return op
}

func TestCallGeneralizedKeepDims(t *testing.T) {
	op := dotOp(t)
	a := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := FromFlat([]float32{1, 1, 1}, 3)

	out, err := Call1(op, []*Array{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, out.Shape().Dimensions)
	assert.Equal(t, []float32{6, 15}, ToFlat[float32](out))

	kept, err := Call1(op, []*Array{a, b}, WithKeepDims(true))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, kept.Shape().Dimensions)
	assert.Equal(t, []float32{6, 15}, ToFlat[float32](kept))
}

func TestCallGeneralizedWithAxis(t *testing.T) {
	op := dotOp(t)
	a := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := FromFlat([]float32{1, 1, 1, 1, 1, 1}, 2, 3)

	// Core dimension i on axis 0: column dots instead of row dots.
	out, err := Call1(op, []*Array{a, b}, WithAxis(0))
	require.NoError(t, err)
	assert.Equal(t, []int{3}, out.Shape().Dimensions)
	assert.Equal(t, []float32{5, 7, 9}, ToFlat[float32](out))
}

func TestCallMatMulOutputAxes(t *testing.T) {
	a := FromFlat([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := FromFlat([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 3, 4)

	// The output's core axes (i,k) land on physical axes (1,0): the result is
	// allocated as (4,2) holding the transposed product.
	axes := WithAxes([]int{0, 1}, []int{0, 1}, []int{1, 0})
	out, err := Call1(MatMul, []*Array{a, b}, axes)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2}, out.Shape().Dimensions)
	want := []float64{
		38, 83,
		44, 98,
		50, 113,
		56, 128,
	}
	assert.Equal(t, want, ToFlat[float64](out))

	// A caller-supplied output with that physical layout is accepted.
	dst := NewArray(dtypeF64, 4, 2)
	got, err := Call1(MatMul, []*Array{a, b}, axes, WithOutputs(dst))
	require.NoError(t, err)
	assert.Same(t, dst, got)
	assert.Equal(t, want, ToFlat[float64](dst))

	// One with the un-remapped layout is rejected.
	bad := NewArray(dtypeF64, 2, 4)
	_, err = Call(MatMul, []*Array{a, b}, axes, WithOutputs(bad))
	require.Error(t, err)
}

// vaddOp builds a (i),(i)->(i) operation with a float64 kernel, exercising the
// generalized path with a core dimension carried by the output.
func vaddOp(t *testing.T) *Operation {
	t.Helper()
	op := mustOp(t, "vadd", 2, 1, WithSignature("(i),(i)->(i)"))
	op.Register(func(args *KernelArgs) StatusFlags {
		a, b := args.Flat[0].([]float64), args.Flat[1].([]float64)
		out := args.Flat[2].([]float64)
		ao, bo, oo := args.Offset[0], args.Offset[1], args.Offset[2]
		as, bs, os := args.CoreStep[0][0], args.CoreStep[1][0], args.CoreStep[2][0]
		for range args.Dims[0] {
			ai, bi, oi := ao, bo, oo
			for range args.Dims[1] {
				out[oi] = a[ai] + b[bi]
				ai += as
				bi += bs
				oi += os
			}
			ao += args.Step[0]
			bo += args.Step[1]
			oo += args.Step[2]
		}
		return 0
	}, dtypeF64, dtypeF64, dtypeF64)
	return op
}

func TestCallGeneralizedAxisOnOutputCore(t *testing.T) {
	op := vaddOp(t)
	aFlat := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	bFlat := make([]float64, len(aFlat))
	want := make([]float64, len(aFlat))
	for ii := range aFlat {
		bFlat[ii] = 10 * aFlat[ii]
		want[ii] = 11 * aFlat[ii]
	}
	a := FromFlat(aFlat, 3, 4)
	b := FromFlat(bFlat, 3, 4)

	// Core axis trailing (canonical): elementwise sum in the input layout.
	out, err := Call1(op, []*Array{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, out.Shape().Dimensions)
	assert.Equal(t, want, ToFlat[float64](out))

	// Core axis on axis 0: every operand, the output included, carries i
	// there, so the result keeps the (3,4) physical layout and values.
	out, err = Call1(op, []*Array{a, b}, WithAxis(0))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, out.Shape().Dimensions)
	assert.Equal(t, want, ToFlat[float64](out))
}

func TestOuter(t *testing.T) {
	a := FromFlat([]float64{1, 2, 3}, 3)
	b := FromFlat([]float64{10, 20}, 2)
	out, err := Outer(Add, a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, out.Shape().Dimensions)
	assert.Equal(t, []float64{11, 21, 12, 22, 13, 23}, ToFlat[float64](out))

	// Higher ranks: the result carries a's axes, then b's.
	m := FromFlat([]int32{1, 2, 3, 4}, 2, 2)
	v := FromFlat([]int32{1, 10, 100}, 3)
	got, err := Outer(Multiply, m, v)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, got.Shape().Dimensions)
	assert.Equal(t, []int32{
		1, 10, 100,
		2, 20, 200,
		3, 30, 300,
		4, 40, 400,
	}, ToFlat[int32](got))

	// A scalar operand degrades to a plain broadcast call.
	out, err = Outer(Add, a, FromScalar[float64](5))
	require.NoError(t, err)
	assert.Equal(t, []int{3}, out.Shape().Dimensions)
	assert.Equal(t, []float64{6, 7, 8}, ToFlat[float64](out))

	_, err = Outer(MatMul, m, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "core dimensions")
}
