// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StatusFlags accumulate numeric exception conditions reported by kernels
// during a loop. They are collected across all kernel invocations of one call
// and translated into the caller's error policy once, after the loop
// completes -- a pending status never aborts a loop in progress.
type StatusFlags uint8

const (
	// StatusDivideByZero is set when a kernel divides by zero.
	StatusDivideByZero StatusFlags = 1 << iota
	// StatusOverflow is set when a result exceeds the representable range.
	StatusOverflow
	// StatusInvalid is set on invalid operations (e.g. 0/0).
	StatusInvalid
	// StatusUnderflow is set when a result rounds to zero.
	StatusUnderflow
)

// String lists the set flags, e.g. "divide-by-zero|overflow".
func (f StatusFlags) String() string {
	if f == 0 {
		return "ok"
	}
	var parts []string
	for _, entry := range []struct {
		flag StatusFlags
		name string
	}{
		{StatusDivideByZero, "divide-by-zero"},
		{StatusOverflow, "overflow"},
		{StatusInvalid, "invalid"},
		{StatusUnderflow, "underflow"},
	} {
		if f&entry.flag != 0 {
			parts = append(parts, entry.name)
		}
	}
	return strings.Join(parts, "|")
}

// ErrMode selects what happens to numeric status flags accumulated during a
// call. The default is ErrModeIgnore.
type ErrMode int

const (
	// ErrModeIgnore discards accumulated status flags.
	ErrModeIgnore ErrMode = iota
	// ErrModeWarn logs a warning naming the flags and the operation.
	ErrModeWarn
	// ErrModeRaise turns any accumulated flag into an error returned by the call.
	ErrModeRaise
	// ErrModeCall invokes the handler configured with WithStatusHandler.
	ErrModeCall
)

// StatusHandler receives the accumulated flags under ErrModeCall. A non-nil
// returned error is propagated to the caller.
type StatusHandler func(op *Operation, flags StatusFlags) error

// dispatchStatus applies the configured policy to the flags accumulated
// during a loop. Called exactly once per public entry point, after execution.
func dispatchStatus(op *Operation, flags StatusFlags, mode ErrMode, handler StatusHandler) error {
	if flags == 0 {
		return nil
	}
	switch mode {
	case ErrModeIgnore:
		return nil
	case ErrModeWarn:
		klog.Warningf("ufunc %q: numeric status %s encountered", op.name, flags)
		return nil
	case ErrModeRaise:
		return errors.Errorf("ufunc %q: numeric status %s encountered", op.name, flags)
	case ErrModeCall:
		if handler == nil {
			return errors.Errorf("ufunc %q: ErrModeCall configured without a status handler (status %s)", op.name, flags)
		}
		return handler(op, flags)
	}
	return errors.Errorf("ufunc %q: unknown error mode %d", op.name, mode)
}
