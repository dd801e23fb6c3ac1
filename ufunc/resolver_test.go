// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustOp(t *testing.T, name string, nIn, nOut int, opts ...OpOption) *Operation {
	t.Helper()
	op, err := New(name, nIn, nOut, opts...)
	require.NoError(t, err)
	return op
}

func TestResolveDimsBindsSharedSizes(t *testing.T) {
	op := mustOp(t, "mm", 2, 1, WithSignature("(i,j),(j,k)->(i,k)"))
	a := NewArray(dtypeF32, 2, 3)
	b := NewArray(dtypeF32, 3, 4)
	rc, err := op.resolveDims([]*Array{a, b, nil}, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, rc.dimSizes)
	assert.Equal(t, 0, rc.broadcastRank)
	assert.Equal(t, 2, rc.iterRank)
	assert.Equal(t, []int{2, 4}, rc.iterShape)

	// Mismatched shared core dimension j.
	bad := NewArray(dtypeF32, 5, 4)
	_, err = op.resolveDims([]*Array{a, bad, nil}, nil, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input operand 1 has a mismatch in its core dimension 0")
	assert.Contains(t, err.Error(), "size 5 is different from 3")
}

func TestResolveDimsBroadcastPart(t *testing.T) {
	op := mustOp(t, "mm", 2, 1, WithSignature("(i,j),(j,k)->(i,k)"))
	a := NewArray(dtypeF32, 7, 1, 2, 3)
	b := NewArray(dtypeF32, 5, 3, 4)
	rc, err := op.resolveDims([]*Array{a, b, nil}, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 2, rc.broadcastRank)
	dims, err := rc.broadcastPartDims([]*Array{a, b, nil})
	require.NoError(t, err)
	assert.Equal(t, []int{7, 5}, dims)
}

func TestResolveDimsInsufficientRank(t *testing.T) {
	op := mustOp(t, "mm", 2, 1, WithSignature("(i,j),(j,k)->(i,k)"))
	a := NewArray(dtypeF32, 3)
	b := NewArray(dtypeF32, 3, 4)
	_, err := op.resolveDims([]*Array{a, b, nil}, nil, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input operand 0 does not have enough dimensions")
	assert.Contains(t, err.Error(), "(has 1, core signature (i,j),(j,k)->(i,k) requires 2)")
}

func TestResolveDimsOptionalDimension(t *testing.T) {
	// matvec via an ignorable n: (n?,k),(k)->(n?).
	op := mustOp(t, "matvec", 2, 1, WithSignature("(n?,k),(k)->(n?)"))

	// Full rank: n present.
	a := NewArray(dtypeF32, 2, 3)
	v := NewArray(dtypeF32, 3)
	rc, err := op.resolveDims([]*Array{a, v, nil}, nil, nil, false)
	require.NoError(t, err)
	assert.False(t, rc.dimMissing[0])
	assert.Equal(t, []int{2, 3}, rc.dimSizes)
	assert.Equal(t, []int{2, 1, 1}, rc.opCoreNumDims)
	assert.Equal(t, []int{2}, rc.iterShape)

	// Deficient rank: n goes missing for every operand at once.
	a1 := NewArray(dtypeF32, 3)
	rc, err = op.resolveDims([]*Array{a1, v, nil}, nil, nil, false)
	require.NoError(t, err)
	assert.True(t, rc.dimMissing[0])
	assert.Equal(t, []int{1, 1, 0}, rc.opCoreNumDims)
	assert.Equal(t, 1, rc.dimSizes[0]) // Missing dims bind to size 1.
	assert.Equal(t, 3, rc.dimSizes[1])
	assert.Empty(t, rc.iterShape) // The output lost its only core axis.
}

func TestResolveDimsFrozen(t *testing.T) {
	op := mustOp(t, "cross", 2, 1, WithSignature("(3),(3)->(3)"))
	good := NewArray(dtypeF32, 3)
	_, err := op.resolveDims([]*Array{good, good, nil}, nil, nil, false)
	require.NoError(t, err)

	bad := NewArray(dtypeF32, 4)
	_, err = op.resolveDims([]*Array{good, bad, nil}, nil, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input operand 1 has a mismatch")
	assert.Contains(t, err.Error(), "size 4 is different from 3")
}

func TestResolveDimsOutputCannotInfer(t *testing.T) {
	// The output dimension p is referenced by no input: supplying the output
	// binds it, omitting it must fail.
	op := mustOp(t, "expand", 1, 1, WithSignature("(i)->(i,p)"))
	in := NewArray(dtypeF32, 4)
	_, err := op.resolveDims([]*Array{in, nil}, nil, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output operand 0 has core dimension 1 unspecified")

	out := NewArray(dtypeF32, 4, 7)
	rc, err := op.resolveDims([]*Array{in, out}, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 7}, rc.dimSizes)
}

func TestResolveDimsAxisArg(t *testing.T) {
	op := mustOp(t, "dot", 2, 1, WithSignature("(i),(i)->()"))
	a := NewArray(dtypeF32, 3, 4)
	b := NewArray(dtypeF32, 3, 4)

	axis := 0
	rc, err := op.resolveDims([]*Array{a, b, nil}, &axis, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, rc.dimSizes) // Core i taken from axis 0.
	require.NotNil(t, rc.remapAxis[0])
	assert.Equal(t, []int{1, 0}, rc.remapAxis[0])
	dims, err := rc.broadcastPartDims([]*Array{a, b, nil})
	require.NoError(t, err)
	assert.Equal(t, []int{4}, dims)

	// The trailing axis is the canonical position: identity remap.
	axis = 1
	rc, err = op.resolveDims([]*Array{a, b, nil}, &axis, nil, false)
	require.NoError(t, err)
	assert.Nil(t, rc.remapAxis[0])
	assert.Equal(t, []int{4}, rc.dimSizes)

	// Out of bounds.
	axis = 2
	_, err = op.resolveDims([]*Array{a, b, nil}, &axis, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of bounds")
}

func TestResolveDimsAxisRequiresSingleDimensionID(t *testing.T) {
	op := mustOp(t, "mm", 2, 1, WithSignature("(i,j),(j,k)->(i,k)"))
	a := NewArray(dtypeF32, 2, 3)
	b := NewArray(dtypeF32, 3, 4)
	axis := 0
	_, err := op.resolveDims([]*Array{a, b, nil}, &axis, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single shared core dimension")
}

func TestResolveDimsAxesArg(t *testing.T) {
	op := mustOp(t, "mm", 2, 1, WithSignature("(i,j),(j,k)->(i,k)"))
	// a carries (i,j) in axes (1,0), i.e. it is transposed.
	a := NewArray(dtypeF32, 3, 2)
	b := NewArray(dtypeF32, 3, 4)
	axes := [][]int{{1, 0}, {0, 1}, {0, 1}}
	rc, err := op.resolveDims([]*Array{a, b, nil}, nil, axes, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, rc.dimSizes)
	assert.Equal(t, []int{1, 0}, rc.remapAxis[0])
	assert.Nil(t, rc.remapAxis[1]) // Identity remap stays nil.

	// Repeated axis within one tuple.
	_, err = op.resolveDims([]*Array{a, b, nil}, nil, [][]int{{1, 1}, {0, 1}, {0, 1}}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repeated")

	// Wrong tuple size.
	_, err = op.resolveDims([]*Array{a, b, nil}, nil, [][]int{{1}, {0, 1}, {0, 1}}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should have 2 elements")

	// Output tuples may only be omitted when no output has core dimensions.
	_, err = op.resolveDims([]*Array{a, b, nil}, nil, [][]int{{1, 0}, {0, 1}}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entries for outputs can only be omitted")
}

func TestResolveDimsAxesOmittedOutputs(t *testing.T) {
	op := mustOp(t, "dot", 2, 1, WithSignature("(i),(i)->()"))
	a := NewArray(dtypeF32, 3, 4)
	b := NewArray(dtypeF32, 4, 3)
	// Core i on axis 0 of a, axis 1 of b; the scalar output needs no tuple.
	rc, err := op.resolveDims([]*Array{a, b, nil}, nil, [][]int{{0}, {1}}, false)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, rc.dimSizes)
	assert.Equal(t, []int{1, 0}, rc.remapAxis[0])
	assert.Nil(t, rc.remapAxis[1])
}

func TestResolveDimsKeepDims(t *testing.T) {
	op := mustOp(t, "dot", 2, 1, WithSignature("(i),(i)->()"))
	a := NewArray(dtypeF32, 5, 3)
	b := NewArray(dtypeF32, 3)
	rc, err := op.resolveDims([]*Array{a, b, nil}, nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1}, rc.opCoreNumDims)
	assert.Equal(t, 1, rc.broadcastRank)
	assert.Equal(t, []int{-1, 1}, rc.iterShape) // One size-1 output core axis.

	// Outputs with core dimensions cannot keep dims.
	mm := mustOp(t, "mm", 2, 1, WithSignature("(i,j),(j,k)->(i,k)"))
	a2 := NewArray(dtypeF32, 2, 3)
	b2 := NewArray(dtypeF32, 3, 4)
	_, err = mm.resolveDims([]*Array{a2, b2, nil}, nil, nil, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support keepdims")
}

func TestCoreInnerStrides(t *testing.T) {
	op := mustOp(t, "mm", 2, 1, WithSignature("(i,j),(j,k)->(i,k)"))
	a := NewArray(dtypeF32, 2, 3)
	b := NewArray(dtypeF32, 3, 4)
	c := NewArray(dtypeF32, 2, 4)
	rc, err := op.resolveDims([]*Array{a, b, c}, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, rc.coreInnerStrides(0, a))
	assert.Equal(t, []int{4, 1}, rc.coreInnerStrides(1, b))
	assert.Equal(t, []int{4, 1}, rc.coreInnerStrides(2, c))

	// A size-1 core axis iterates with stride zero.
	a1 := NewArray(dtypeF32, 1, 3)
	rcBad, err := op.resolveDims([]*Array{a1, b, nil}, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, rcBad.coreInnerStrides(0, a1))
}
