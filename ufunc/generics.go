// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// NumberConstraints covers any native Go numeric type, including the ones
// the engine does not use as array elements (int, uint, uintptr). Scalar
// helpers accept these and convert.
type NumberConstraints interface {
	constraints.Integer | constraints.Float
}

// SupportedTypesConstraints enumerates the Go types the engine supports as
// array elements. The 16-bit float types are handled through their float32
// conversions.
type SupportedTypesConstraints interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// PODNumericConstraints are used for generics over the Go pod (plain-old-data)
// numeric types. Float16 and BFloat16 are not included because they are
// specialized types, not natively supported by Go.
type PODNumericConstraints interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// PODIntegerConstraints are used for generics over the Go pod integer types.
type PODIntegerConstraints interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

// PODFloatConstraints are used for generics over the Go pod float types.
type PODFloatConstraints interface {
	float32 | float64
}
