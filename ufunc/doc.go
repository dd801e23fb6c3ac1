// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ufunc implements a generalized element-wise function dispatch engine:
// operations with fixed input/output arity, optionally carrying a core
// signature such as "(i,j),(j,k)->(i,k)", applied over strided arrays with
// broadcasting, plus fold-style reductions (Reduce, Accumulate, Reduceat)
// built on the same machinery.
//
// An Operation is created once (see New) and registered with typed kernels,
// one per concrete element-type tuple. Calling it unifies the operand shapes,
// picks a kernel (exact dtype match first, then safe-castability), chooses an
// execution strategy (single-call trivial loop, buffered strided iteration,
// masked iteration, or generalized iteration for signature operations) and
// runs it. The strategy is a performance detail: all strategies produce
// bit-identical results for the same inputs.
//
// The package provides the usual arithmetic operations pre-registered for the
// supported dtypes (Add, Multiply, Maximum, ...), and MatMul as an example of
// a signature ("generalized") operation. New operations can be created and
// registered by clients with New and Operation.Register.
package ufunc
