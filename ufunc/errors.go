// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import "fmt"

// SignatureError reports a failure to parse a core-dimension signature.
// It records the failing position (byte offset into the signature) so that
// callers can point at the offending character.
type SignatureError struct {
	Signature string
	Offset    int
	Message   string
}

// Error implements the error interface.
func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s at position %d in %q", e.Message, e.Offset, e.Signature)
}

func signatureErrorf(sig string, offset int, format string, args ...any) error {
	return &SignatureError{
		Signature: sig,
		Offset:    offset,
		Message:   fmt.Sprintf(format, args...),
	}
}
