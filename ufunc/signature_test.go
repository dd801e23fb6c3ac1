// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignatureMatMul(t *testing.T) {
	spec, err := parseSignature("(i,j),(j,k)->(i,k)", 2, 1)
	require.NoError(t, err)
	require.NotNil(t, spec)
	assert.Len(t, spec.dims, 3)
	assert.Equal(t, "i", spec.dims[0].name)
	assert.Equal(t, "j", spec.dims[1].name)
	assert.Equal(t, "k", spec.dims[2].name)
	require.Len(t, spec.operandDims, 3)
	assert.Equal(t, []int{0, 1}, spec.operandDims[0])
	assert.Equal(t, []int{1, 2}, spec.operandDims[1])
	assert.Equal(t, []int{0, 2}, spec.operandDims[2])
	assert.Equal(t, 6, spec.totalCoreDims())
}

func TestParseSignatureScalarDegradesToPlain(t *testing.T) {
	spec, err := parseSignature("(),()->()", 2, 1)
	require.NoError(t, err)
	assert.Nil(t, spec)

	op, err := New("noop", 2, 1, WithSignature("(),()->()"))
	require.NoError(t, err)
	assert.False(t, op.CoreEnabled())
	assert.Equal(t, "", op.Signature())
}

func TestParseSignatureFrozenAndOptional(t *testing.T) {
	spec, err := parseSignature("(n?,k),(k)->(n?)", 2, 1)
	require.NoError(t, err)
	require.Len(t, spec.dims, 2)
	assert.True(t, spec.dims[0].canIgnore)
	assert.False(t, spec.dims[1].canIgnore)

	// Frozen dimensions intern by numeral.
	spec, err = parseSignature("(3),(3)->()", 2, 1)
	require.NoError(t, err)
	require.Len(t, spec.dims, 1)
	assert.Equal(t, 3, spec.dims[0].frozen)
	assert.Equal(t, spec.operandDims[0], spec.operandDims[1])
}

func TestParseSignatureErrors(t *testing.T) {
	for _, sig := range []string{
		"(i,j)",                // too few operands
		"(i,j),(j,k)->(i,k),",  // trailing characters
		"(i,",                  // truncated
		"(i,)->()",             // trailing comma in list
		"(i j)->()",            // missing separator
		"(0)->()",              // frozen size must be positive
		"(n?,k),(n)->()",       // inconsistent '?' marking
		"(n,k),(n?)->()",       // inconsistent the other way round
		"(i,j),(j,k)::->(i,k)", // garbage
	} {
		_, err := parseSignature(sig, 2, 1)
		require.Errorf(t, err, "signature %q should not parse", sig)
		var sigErr *SignatureError
		require.ErrorAsf(t, err, &sigErr, "signature %q should yield a SignatureError", sig)
		assert.Equal(t, sig, sigErr.Signature)
	}
}

func TestParseSignatureSpaces(t *testing.T) {
	spec, err := parseSignature(" ( i , j ) , ( j ) -> ( i ) ", 2, 1)
	require.NoError(t, err)
	require.Len(t, spec.dims, 2)
	assert.Equal(t, []int{0}, spec.operandDims[2])
}

func TestNewOperationValidation(t *testing.T) {
	_, err := New("bad", 0, 1)
	assert.Error(t, err)
	_, err = New("bad", 1, 0)
	assert.Error(t, err)
	_, err = New("bad", MaxOperands, 1)
	assert.Error(t, err)
	_, err = New("bad", 2, 1, WithSignature("(i,j)->(j"))
	assert.Error(t, err)

	op, err := New("ok", 2, 1, WithSignature("(i),(i)->()"), WithIdentity(IdentityZero))
	require.NoError(t, err)
	assert.True(t, op.CoreEnabled())
	assert.Equal(t, IdentityZero, op.Identity())
	assert.Equal(t, "(i),(i)->()", op.Signature())
}
