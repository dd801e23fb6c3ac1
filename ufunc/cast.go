// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// Safe-castability lattice over the supported dtypes. Kernel lookup uses it
// to fall back from an exact dtype-tuple match to the first registered loop
// all inputs can be safely cast to, and the reduction engine uses it to find
// a compatible accumulator loop.

type dtypeKind int

const (
	kindBool dtypeKind = iota
	kindUint
	kindInt
	kindFloat
)

// dtypeTraits describe a dtype for casting purposes: its kind, the number of
// value bits for integers, and mantissa/exponent bits for floats.
type dtypeTraits struct {
	kind               dtypeKind
	valueBits          int
	mantissa, exponent int
}

var dtypeTraitsTable = map[dtypes.DType]dtypeTraits{
	dtypes.Bool:     {kind: kindBool},
	dtypes.Int8:     {kind: kindInt, valueBits: 7},
	dtypes.Int16:    {kind: kindInt, valueBits: 15},
	dtypes.Int32:    {kind: kindInt, valueBits: 31},
	dtypes.Int64:    {kind: kindInt, valueBits: 63},
	dtypes.Uint8:    {kind: kindUint, valueBits: 8},
	dtypes.Uint16:   {kind: kindUint, valueBits: 16},
	dtypes.Uint32:   {kind: kindUint, valueBits: 32},
	dtypes.Uint64:   {kind: kindUint, valueBits: 64},
	dtypes.Float16:  {kind: kindFloat, mantissa: 11, exponent: 5},
	dtypes.BFloat16: {kind: kindFloat, mantissa: 8, exponent: 8},
	dtypes.Float32:  {kind: kindFloat, mantissa: 24, exponent: 8},
	dtypes.Float64:  {kind: kindFloat, mantissa: 53, exponent: 11},
}

// isSupportedDType reports whether the engine can hold elements of this dtype.
func isSupportedDType(dtype dtypes.DType) bool {
	_, ok := dtypeTraitsTable[dtype]
	return ok
}

// canCastSafely reports whether every value of dtype `from` is representable
// as dtype `to` under the conventional "safe" casting rules: bool casts to
// any numeric type, integers widen (unsigned additionally fits in any
// strictly wider signed type), floats widen in both mantissa and exponent,
// and any integer casts to float64 (the conventional exception: 64-bit
// integers are accepted even though float64 has only 53 mantissa bits).
func canCastSafely(from, to dtypes.DType) bool {
	if from == to {
		return true
	}
	fromTraits, ok := dtypeTraitsTable[from]
	if !ok {
		return false
	}
	toTraits, ok := dtypeTraitsTable[to]
	if !ok {
		return false
	}
	switch fromTraits.kind {
	case kindBool:
		return true
	case kindUint:
		switch toTraits.kind {
		case kindUint:
			return toTraits.valueBits >= fromTraits.valueBits
		case kindInt:
			return toTraits.valueBits >= fromTraits.valueBits
		case kindFloat:
			return to == dtypes.Float64 || toTraits.mantissa >= fromTraits.valueBits
		}
	case kindInt:
		switch toTraits.kind {
		case kindInt:
			return toTraits.valueBits >= fromTraits.valueBits
		case kindFloat:
			return to == dtypes.Float64 || toTraits.mantissa >= fromTraits.valueBits
		}
	case kindFloat:
		if toTraits.kind != kindFloat {
			return false
		}
		return toTraits.mantissa >= fromTraits.mantissa && toTraits.exponent >= fromTraits.exponent
	}
	return false
}

// isIntegerOrBool reports whether the dtype is bool or any integer type.
// Reductions of these with an add/multiply style operation default to a
// 64-bit accumulator to avoid silent overflow.
func isIntegerOrBool(dtype dtypes.DType) bool {
	traits, ok := dtypeTraitsTable[dtype]
	return ok && traits.kind != kindFloat
}

// promotedAccumulator returns the default accumulator dtype for reducing the
// given dtype: bool and signed integers promote to Int64, unsigned integers
// to Uint64, everything else stays unchanged.
func promotedAccumulator(dtype dtypes.DType) dtypes.DType {
	traits, ok := dtypeTraitsTable[dtype]
	if !ok {
		return dtype
	}
	switch traits.kind {
	case kindBool, kindInt:
		return dtypes.Int64
	case kindUint:
		return dtypes.Uint64
	}
	return dtype
}
