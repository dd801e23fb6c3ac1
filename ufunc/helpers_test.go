// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import "github.com/gomlx/gopjrt/dtypes"

const (
	dtypeBool = dtypes.Bool
	dtypeI8   = dtypes.Int8
	dtypeI32  = dtypes.Int32
	dtypeI64  = dtypes.Int64
	dtypeF32  = dtypes.Float32
	dtypeF64  = dtypes.Float64
)
