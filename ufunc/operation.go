// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MaxOperands bounds nIn+nOut for any operation.
const MaxOperands = 16

// Identity declares the fold-neutral element of a binary operation, used to
// seed reductions that have no explicit initial value.
type Identity int

const (
	// IdentityNone means the operation has no identity: reductions seed from
	// the first element and fail on empty inputs.
	IdentityNone Identity = iota
	// IdentityZero is an add-like identity.
	IdentityZero
	// IdentityOne is a multiply-like identity.
	IdentityOne
)

// KernelArgs is the call frame handed to a kernel for one inner segment.
//
// Flat holds one backing slice per operand (inputs first, then outputs), each
// a []T of the dtype the kernel was registered for. The element ii of operand
// opIdx lives at Flat[opIdx][Offset[opIdx]+ii*Step[opIdx]].
//
// Dims[0] is the number of outer elements in the segment. For signature
// (generalized) operations, Dims[1:] carries the resolved size of each core
// dimension, indexed by its position in the signature's dimension table
// (order of first appearance), and CoreStep[opIdx] carries one stride per
// core-dimension slot of that operand, in signature order. Missing ignorable
// dimensions appear with size 1 and stride 0, as do core axes broadcast from
// dimension 1.
type KernelArgs struct {
	Flat     []any
	Offset   []int
	Step     []int
	Dims     []int
	CoreStep [][]int

	// UserData is the opaque value registered with the kernel.
	UserData any
}

// Kernel computes one inner segment and reports any numeric status raised.
type Kernel func(args *KernelArgs) StatusFlags

// loopEntry associates a concrete dtype tuple with a kernel.
type loopEntry struct {
	types    []dtypes.DType
	kernel   Kernel
	userData any
}

// Operation is an immutable descriptor of an element-wise (or generalized)
// operation: its arities, optional core signature and its registered kernels.
// Create it once with New and register kernels at initialization time;
// registration is not synchronized with calls.
type Operation struct {
	name      string
	nIn, nOut int
	core      *coreSpec
	identity  Identity
	loops     []loopEntry
}

type opConfig struct {
	signature string
	identity  Identity
}

// OpOption configures New.
type OpOption func(*opConfig)

// WithSignature declares a core-dimension signature, e.g. "(i,j),(j,k)->(i,k)",
// making the operation a generalized one. A signature with no core dimensions
// at all (e.g. "(),()->()") leaves the operation plain.
func WithSignature(signature string) OpOption {
	return func(cfg *opConfig) { cfg.signature = signature }
}

// WithIdentity declares the identity element used to seed reductions.
func WithIdentity(identity Identity) OpOption {
	return func(cfg *opConfig) { cfg.identity = identity }
}

// New creates an operation descriptor with fixed arities.
// Kernels must be registered with Operation.Register before calling it.
func New(name string, nIn, nOut int, opts ...OpOption) (*Operation, error) {
	if nIn < 1 || nOut < 1 || nIn+nOut > MaxOperands {
		return nil, errors.Errorf("ufunc.New(%q): invalid arities nIn=%d, nOut=%d (nIn+nOut must be in [2, %d])",
			name, nIn, nOut, MaxOperands)
	}
	var cfg opConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	op := &Operation{
		name:     name,
		nIn:      nIn,
		nOut:     nOut,
		identity: cfg.identity,
	}
	if cfg.signature != "" {
		core, err := parseSignature(cfg.signature, nIn, nOut)
		if err != nil {
			return nil, errors.WithMessagef(err, "ufunc.New(%q): invalid signature", name)
		}
		op.core = core
	}
	return op, nil
}

// Name of the operation.
func (op *Operation) Name() string { return op.name }

// NumInputs returns the fixed input arity.
func (op *Operation) NumInputs() int { return op.nIn }

// NumOutputs returns the fixed output arity.
func (op *Operation) NumOutputs() int { return op.nOut }

// numOperands is nIn+nOut.
func (op *Operation) numOperands() int { return op.nIn + op.nOut }

// Signature returns the textual core signature, or "" for plain operations.
func (op *Operation) Signature() string {
	if op.core == nil {
		return ""
	}
	return op.core.signature
}

// CoreEnabled reports whether the operation carries core dimensions.
func (op *Operation) CoreEnabled() bool { return op.core != nil }

// Identity returns the declared identity element kind.
func (op *Operation) Identity() Identity { return op.identity }

// String implements fmt.Stringer.
func (op *Operation) String() string {
	if op.core != nil {
		return fmt.Sprintf("ufunc %q [%d->%d, %s]", op.name, op.nIn, op.nOut, op.core.signature)
	}
	return fmt.Sprintf("ufunc %q [%d->%d]", op.name, op.nIn, op.nOut)
}

// Register adds a kernel for a concrete dtype tuple, inputs first then
// outputs. Later lookups search registration order: keep more specific
// (narrower) tuples registered first. It panics on arity or dtype misuse,
// as registration happens at initialization time.
func (op *Operation) Register(kernel Kernel, types ...dtypes.DType) {
	op.RegisterWithData(kernel, nil, types...)
}

// RegisterWithData is Register with an opaque value passed back to the kernel
// in KernelArgs.UserData.
func (op *Operation) RegisterWithData(kernel Kernel, userData any, types ...dtypes.DType) {
	if len(types) != op.numOperands() {
		exceptions.Panicf("%s.Register: got %d dtypes, operation has %d operands", op, len(types), op.numOperands())
	}
	if kernel == nil {
		exceptions.Panicf("%s.Register: nil kernel", op)
	}
	for _, dtype := range types {
		if !isSupportedDType(dtype) {
			exceptions.Panicf("%s.Register: dtype %s not supported", op, dtype)
		}
	}
	op.loops = append(op.loops, loopEntry{
		types:    slices.Clone(types),
		kernel:   kernel,
		userData: userData,
	})
}

// findLoop resolves the kernel for the given input dtypes: first an exact
// match on the input tuple, then the first registered loop every input can be
// safely cast to. If requested is non-empty it must name the full dtype tuple
// (nIn+nOut) and only an exact match on it is accepted.
func (op *Operation) findLoop(inTypes []dtypes.DType, requested []dtypes.DType) (*loopEntry, error) {
	if len(requested) > 0 {
		if len(requested) != op.numOperands() {
			return nil, errors.Errorf("%s: requested dtype tuple has %d entries, want %d",
				op, len(requested), op.numOperands())
		}
		for ii := range op.loops {
			if slices.Equal(op.loops[ii].types, requested) {
				return &op.loops[ii], nil
			}
		}
		return nil, errors.Errorf("%s: no kernel registered for requested dtypes %v", op, requested)
	}
	for ii := range op.loops {
		if slices.Equal(op.loops[ii].types[:op.nIn], inTypes) {
			return &op.loops[ii], nil
		}
	}
	for ii := range op.loops {
		entry := &op.loops[ii]
		ok := true
		for jj, inType := range inTypes {
			if !canCastSafely(inType, entry.types[jj]) {
				ok = false
				break
			}
		}
		if ok {
			return entry, nil
		}
	}
	return nil, errors.Errorf("%s: no kernel registered matching input dtypes %v (not even by safe casting)",
		op, inTypes)
}

// findSelfLoop resolves the self-combining loop (all operands of one dtype,
// "x,x->x") used by reductions, for the given accumulator dtype: exact first,
// then the first self-combining loop the dtype safely casts to.
func (op *Operation) findSelfLoop(dtype dtypes.DType) (*loopEntry, error) {
	var firstCastable *loopEntry
	for ii := range op.loops {
		entry := &op.loops[ii]
		self := true
		for _, t := range entry.types {
			if t != entry.types[0] {
				self = false
				break
			}
		}
		if !self {
			continue
		}
		if entry.types[0] == dtype {
			return entry, nil
		}
		if firstCastable == nil && canCastSafely(dtype, entry.types[0]) {
			firstCastable = entry
		}
	}
	if firstCastable != nil {
		return firstCastable, nil
	}
	return nil, errors.Errorf("%s: no self-combining (x,x->x) kernel compatible with dtype %s registered", op, dtype)
}

// identityValue returns the identity element converted to the given dtype,
// and whether the operation has one.
func (op *Operation) identityValue(dtype dtypes.DType) (any, bool) {
	var raw int
	switch op.identity {
	case IdentityZero:
		raw = 0
	case IdentityOne:
		raw = 1
	default:
		return nil, false
	}
	value, err := convertScalar(dtype, raw)
	if err != nil {
		return nil, false
	}
	return value, true
}
