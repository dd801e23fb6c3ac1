// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"context"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/ufunc/shapes"
)

// DefaultBufferSize is the chunk size (in elements) used when operands need
// dtype conversion around the kernel.
const DefaultBufferSize = 8192

// callConfig collects the per-call options.
type callConfig struct {
	outputs       []*Array
	where         *Array
	axis          *int
	axes          [][]int
	keepDims      bool
	dtypes        []dtypes.DType
	order         Order
	bufferSize    int
	errMode       ErrMode
	statusHandler StatusHandler
	ctx           context.Context
	prepareOutput func(op *Operation, outIdx int, out *Array) error

	// Reduction-only options.
	initial    any
	hasInitial bool
	reduceAxes []int
}

// CallOption configures a single Call (or reduction) invocation.
type CallOption func(*callConfig)

// WithOutputs supplies pre-allocated output arrays. Entries may be nil to let
// the engine allocate that output. Passing an input view as output computes
// in place.
func WithOutputs(outputs ...*Array) CallOption {
	return func(cfg *callConfig) { cfg.outputs = outputs }
}

// WithWhere supplies a boolean mask, broadcast against the inputs: only
// elements where the mask is true are computed, the others are left untouched
// in the outputs.
func WithWhere(where *Array) CallOption {
	return func(cfg *callConfig) { cfg.where = where }
}

// WithAxis places the single shared core dimension of a generalized operation
// (or the reduction axis of Reduce and friends) at the given operand axis
// instead of the last one. Negative values count from the end.
func WithAxis(axis int) CallOption {
	return func(cfg *callConfig) { cfg.axis = &axis }
}

// WithAxes supplies one tuple of operand axes per operand, identifying where
// each operand's core dimensions live. Output tuples may be omitted when no
// output has core dimensions.
func WithAxes(axes ...[]int) CallOption {
	return func(cfg *callConfig) { cfg.axes = axes }
}

// WithKeepDims keeps the core (or reduced) dimensions in the outputs as size-1
// axes, so the result still broadcasts against the inputs.
func WithKeepDims(keepDims bool) CallOption {
	return func(cfg *callConfig) { cfg.keepDims = keepDims }
}

// WithDTypes requests the kernel registered for exactly this dtype tuple
// (inputs first, then outputs), bypassing the safe-casting search.
func WithDTypes(types ...dtypes.DType) CallOption {
	return func(cfg *callConfig) { cfg.dtypes = types }
}

// WithOrder selects the memory layout of outputs allocated by the engine.
func WithOrder(order Order) CallOption {
	return func(cfg *callConfig) { cfg.order = order }
}

// WithBufferSize overrides DefaultBufferSize for casting buffers.
func WithBufferSize(size int) CallOption {
	return func(cfg *callConfig) { cfg.bufferSize = size }
}

// WithErrMode selects the policy applied to numeric status flags accumulated
// by the kernels.
func WithErrMode(mode ErrMode) CallOption {
	return func(cfg *callConfig) { cfg.errMode = mode }
}

// WithStatusHandler installs the handler invoked under ErrModeCall.
func WithStatusHandler(handler StatusHandler) CallOption {
	return func(cfg *callConfig) { cfg.statusHandler = handler }
}

// WithContext attaches a context polled between kernel invocations: a long
// running call returns early with the context's error when it is cancelled.
func WithContext(ctx context.Context) CallOption {
	return func(cfg *callConfig) { cfg.ctx = ctx }
}

// WithPrepareOutput installs a hook invoked on each output the engine
// allocates, before execution. A returned error aborts the call.
func WithPrepareOutput(fn func(op *Operation, outIdx int, out *Array) error) CallOption {
	return func(cfg *callConfig) { cfg.prepareOutput = fn }
}

func newCallConfig(opts []CallOption) *callConfig {
	cfg := &callConfig{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.bufferSize < 1 {
		cfg.bufferSize = DefaultBufferSize
	}
	return cfg
}

// Call executes the operation over the inputs with simultaneous broadcasting,
// returning its outputs. Outputs not supplied with WithOutputs are allocated.
func Call(op *Operation, inputs []*Array, opts ...CallOption) ([]*Array, error) {
	cfg := newCallConfig(opts)
	if len(inputs) != op.nIn {
		return nil, errors.Errorf("%s: got %d inputs, want %d", op, len(inputs), op.nIn)
	}
	for ii, in := range inputs {
		if in == nil {
			return nil, errors.Errorf("%s: input operand %d is nil", op, ii)
		}
		if !isSupportedDType(in.DType()) {
			return nil, errors.Errorf("%s: input operand %d has unsupported dtype %s", op, ii, in.DType())
		}
	}
	outputs := make([]*Array, op.nOut)
	if len(cfg.outputs) > op.nOut {
		return nil, errors.Errorf("%s: got %d outputs, operation has %d", op, len(cfg.outputs), op.nOut)
	}
	copy(outputs, cfg.outputs)
	if cfg.where != nil && cfg.where.DType() != dtypes.Bool {
		return nil, errors.Errorf("%s: where mask must have dtype Bool, got %s", op, cfg.where.DType())
	}
	if cfg.hasInitial || cfg.reduceAxes != nil {
		return nil, errors.Errorf("%s: WithInitial and WithReduceAxes apply to reductions only", op)
	}

	inTypes := make([]dtypes.DType, op.nIn)
	for ii, in := range inputs {
		inTypes[ii] = in.DType()
	}
	loop, err := op.findLoop(inTypes, cfg.dtypes)
	if err != nil {
		return nil, err
	}

	var flags StatusFlags
	if op.core != nil {
		flags, err = execGeneralized(op, loop, cfg, inputs, outputs)
	} else {
		if cfg.axis != nil || cfg.axes != nil || cfg.keepDims {
			return nil, errors.Errorf("%s: axis, axes and keepdims require an operation with core dimensions", op)
		}
		flags, err = execElementwise(op, loop, cfg, inputs, outputs)
	}
	if err != nil {
		return nil, err
	}
	if err := dispatchStatus(op, flags, cfg.errMode, cfg.statusHandler); err != nil {
		return nil, err
	}
	return outputs, nil
}

// Call1 is Call for single-output operations, returning the output directly.
func Call1(op *Operation, inputs []*Array, opts ...CallOption) (*Array, error) {
	outputs, err := Call(op, inputs, opts...)
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// Outer applies a binary operation to all pairs of elements of a and b: the
// result has a's dimensions followed by b's, with out[i..., j...] =
// op(a[i...], b[j...]). Options are passed through to the underlying Call.
func Outer(op *Operation, a, b *Array, opts ...CallOption) (*Array, error) {
	if op.nIn != 2 || op.nOut != 1 {
		return nil, errors.Errorf("%s: outer requires a binary single-output operation", op)
	}
	if op.core != nil {
		return nil, errors.Errorf("%s: outer is not supported for operations with core dimensions", op)
	}
	if a == nil || b == nil {
		return nil, errors.Errorf("%s: outer of a nil array", op)
	}
	return Call1(op, []*Array{a.expandDims(b.Rank()), b}, opts...)
}

// execState carries the shared machinery of one execution: the kernel frame,
// the casting buffers and the accumulated status.
type execState struct {
	op    *Operation
	loop  *loopEntry
	cfg   *callConfig
	nop   int
	args  KernelArgs
	flags StatusFlags

	// buffers[opIdx] is a contiguous []T of the loop dtype when the operand
	// needs conversion around the kernel, nil otherwise.
	buffers  []any
	buffered bool

	// operands are the concrete arrays the kernel (or the buffers) read from
	// and write to.
	operands []*Array
}

func newExecState(op *Operation, loop *loopEntry, cfg *callConfig, operands []*Array, numDims int) *execState {
	nop := op.numOperands()
	ex := &execState{
		op:       op,
		loop:     loop,
		cfg:      cfg,
		nop:      nop,
		operands: operands,
		buffers:  make([]any, nop),
		args: KernelArgs{
			Flat:     make([]any, nop),
			Offset:   make([]int, nop),
			Step:     make([]int, nop),
			Dims:     make([]int, numDims),
			UserData: loop.userData,
		},
	}
	for opIdx, arr := range operands {
		ex.args.Flat[opIdx] = arr.flat
	}
	return ex
}

// setupBuffers allocates one casting buffer per operand whose dtype differs
// from the loop's.
func (ex *execState) setupBuffers() {
	for opIdx, arr := range ex.operands {
		want := ex.loop.types[opIdx]
		if arr.DType() == want {
			continue
		}
		size := ex.cfg.bufferSize
		ex.buffers[opIdx] = reflect.MakeSlice(reflect.SliceOf(want.GoType()), size, size).Interface()
		ex.args.Flat[opIdx] = ex.buffers[opIdx]
		ex.buffered = true
	}
}

// runSegment executes the kernel over n outer elements, with per-operand base
// offsets and steps. With casting buffers active it chunks the segment,
// gathering inputs and scattering outputs around each kernel call.
func (ex *execState) runSegment(offsets, steps []int, n int) {
	if n == 0 {
		return
	}
	if !ex.buffered {
		copy(ex.args.Offset, offsets)
		copy(ex.args.Step, steps)
		ex.args.Dims[0] = n
		ex.flags |= ex.loop.kernel(&ex.args)
		return
	}
	chunk := ex.cfg.bufferSize
	for start := 0; start < n; start += chunk {
		c := min(chunk, n-start)
		for opIdx := range ex.nop {
			base := offsets[opIdx] + start*steps[opIdx]
			if ex.buffers[opIdx] == nil {
				ex.args.Offset[opIdx] = base
				ex.args.Step[opIdx] = steps[opIdx]
				continue
			}
			ex.args.Offset[opIdx] = 0
			ex.args.Step[opIdx] = 1
			if opIdx < ex.op.nIn {
				copyConvert(ex.buffers[opIdx], 0, 1, ex.operands[opIdx].flat, base, steps[opIdx], c)
			}
		}
		ex.args.Dims[0] = c
		ex.flags |= ex.loop.kernel(&ex.args)
		for opIdx := ex.op.nIn; opIdx < ex.nop; opIdx++ {
			if ex.buffers[opIdx] == nil {
				continue
			}
			base := offsets[opIdx] + start*steps[opIdx]
			copyConvert(ex.operands[opIdx].flat, base, steps[opIdx], ex.buffers[opIdx], 0, 1, c)
		}
	}
}

// checkContext polls the call's context, if any.
func (ex *execState) checkContext() error {
	if ex.cfg.ctx == nil {
		return nil
	}
	return ex.cfg.ctx.Err()
}

// resolveOutput validates a caller-supplied output or allocates a fresh one,
// running the prepare hook on allocations.
func resolveOutput(op *Operation, cfg *callConfig, outputs []*Array, outIdx int,
	dtype dtypes.DType, dims []int) (*Array, error) {
	if out := outputs[outIdx]; out != nil {
		if !isSupportedDType(out.DType()) {
			return nil, errors.Errorf("%s: output operand %d has unsupported dtype %s", op, outIdx, out.DType())
		}
		if !out.shape.EqualDimensions(shapes.Shape{Dimensions: dims}) {
			return nil, errors.Errorf("%s: output operand %d has dimensions %v, expected %v",
				op, outIdx, out.shape.Dimensions, dims)
		}
		return out, nil
	}
	out := newArrayWithOrder(shapes.Make(dtype, dims...), cfg.order)
	if cfg.prepareOutput != nil {
		if err := cfg.prepareOutput(op, outIdx, out); err != nil {
			return nil, errors.WithMessagef(err, "%s: prepare-output hook for output %d", op, outIdx)
		}
	}
	outputs[outIdx] = out
	return out, nil
}

// prepareElementwiseOperands broadcasts the inputs against each other,
// resolves the outputs and defuses input/output aliasing by copying
// offending inputs.
func prepareElementwiseOperands(op *Operation, loop *loopEntry, cfg *callConfig,
	inputs, outputs []*Array) (operands []*Array, dims []int, err error) {
	dimsList := make([][]int, 0, op.nIn+1)
	for _, in := range inputs {
		dimsList = append(dimsList, in.shape.Dimensions)
	}
	if cfg.where != nil {
		dimsList = append(dimsList, cfg.where.shape.Dimensions)
	}
	dims, err = shapes.BroadcastDims(dimsList...)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "%s: broadcasting inputs", op)
	}

	operands = make([]*Array, op.numOperands())
	for outIdx := range op.nOut {
		out, err := resolveOutput(op, cfg, outputs, outIdx, loop.types[op.nIn+outIdx], dims)
		if err != nil {
			return nil, nil, err
		}
		operands[op.nIn+outIdx] = out
	}
	for ii, in := range inputs {
		view := in.broadcastTo(dims)
		for _, out := range operands[op.nIn:] {
			if in.overlaps(out) && !in.sameView(out) {
				// An output would clobber this input mid-loop.
				view = in.contiguousCopy(in.DType()).broadcastTo(dims)
				break
			}
		}
		operands[ii] = view
	}
	return operands, dims, nil
}

// execElementwise runs a plain operation: trivial single-run dispatch when
// the layouts line up, otherwise strided runs, with casting buffers and mask
// splitting layered on when needed.
func execElementwise(op *Operation, loop *loopEntry, cfg *callConfig,
	inputs, outputs []*Array) (StatusFlags, error) {
	operands, dims, err := prepareElementwiseOperands(op, loop, cfg, inputs, outputs)
	if err != nil {
		return 0, err
	}

	iterOperands := operands
	maskIdx := -1
	if cfg.where != nil {
		maskIdx = len(operands)
		iterOperands = append(append([]*Array{}, operands...), cfg.where.broadcastTo(dims))
	}
	it := newIterator(dims, iterOperands, nil)
	defer it.close()
	it.collapse()

	ex := newExecState(op, loop, cfg, operands, 1)
	ex.setupBuffers()

	if klog.V(2).Enabled() {
		klog.Infof("ufunc %q: %s strategy over dims %v (%d elements)",
			op.name, strategyName(it, ex, maskIdx >= 0), dims, it.itemCount())
	}

	offsets := make([]int, op.numOperands())
	steps := make([]int, op.numOperands())
	var maskFlat []bool
	if maskIdx >= 0 {
		maskFlat = iterOperands[maskIdx].flat.([]bool)
	}
	for it.next() {
		if err := ex.checkContext(); err != nil {
			return ex.flags, errors.WithMessagef(err, "%s: cancelled", op)
		}
		n := it.runLength()
		for opIdx := range operands {
			offsets[opIdx] = it.offset(opIdx)
			steps[opIdx] = it.runStride(opIdx)
		}
		if maskIdx < 0 {
			ex.runSegment(offsets, steps, n)
			continue
		}
		// Masked: split the run into maximal mask-true segments.
		mOff, mStep := it.offset(maskIdx), it.runStride(maskIdx)
		for ii := 0; ii < n; {
			for ii < n && !maskFlat[mOff+ii*mStep] {
				ii++
			}
			start := ii
			for ii < n && maskFlat[mOff+ii*mStep] {
				ii++
			}
			if ii == start {
				continue
			}
			segOffsets := make([]int, len(offsets))
			for opIdx := range offsets {
				segOffsets[opIdx] = offsets[opIdx] + start*steps[opIdx]
			}
			ex.runSegment(segOffsets, steps, ii-start)
		}
	}
	return ex.flags, nil
}

// strategyName is only used for verbose logging.
func strategyName(it *iterator, ex *execState, masked bool) string {
	switch {
	case masked:
		return "masked"
	case ex.buffered:
		return "buffered"
	case len(it.dims) <= 1:
		return "trivial"
	default:
		return "strided"
	}
}

// execGeneralized runs an operation with core dimensions: resolve the
// dimensions, then iterate the broadcast space calling the kernel once per
// run with the core strides exposed in the kernel frame.
func execGeneralized(op *Operation, loop *loopEntry, cfg *callConfig,
	inputs, outputs []*Array) (StatusFlags, error) {
	if cfg.where != nil {
		return 0, errors.Errorf("%s: where mask is not supported for operations with core dimensions", op)
	}
	core := op.core

	operands := make([]*Array, op.numOperands())
	copy(operands, inputs)
	copy(operands[op.nIn:], outputs)
	rc, err := op.resolveDims(operands, cfg.axis, cfg.axes, cfg.keepDims)
	if err != nil {
		return 0, err
	}
	broadcastDims, err := rc.broadcastPartDims(operands)
	if err != nil {
		return 0, err
	}

	// Resolve outputs: the broadcast dimensions followed by the output's
	// core dimensions (all size 1 under keepdims).
	for outIdx := range op.nOut {
		opIdx := op.nIn + outIdx
		dims := append([]int{}, broadcastDims...)
		if rc.keepDims {
			for range rc.opCoreNumDims[opIdx] {
				dims = append(dims, 1)
			}
		} else {
			for _, dimIdx := range core.operandDims[opIdx] {
				if rc.dimMissing[dimIdx] {
					continue
				}
				dims = append(dims, rc.dimSizes[dimIdx])
			}
		}
		out, err := resolveOutput(op, cfg, outputs, outIdx, loop.types[opIdx], rc.physicalDims(opIdx, dims))
		if err != nil {
			return 0, err
		}
		if operands[opIdx] == nil {
			operands[opIdx] = out
		}
	}

	// Dtype mismatches are resolved by whole-operand copies here, not by
	// chunked buffering: the kernel sees full core blocks.
	writeBack := make([]*Array, op.numOperands())
	for opIdx, arr := range operands {
		want := loop.types[opIdx]
		if arr.DType() == want {
			// Core blocks are read and written non-elementwise, so any
			// aliasing between an input and an output is a hazard.
			if opIdx < op.nIn {
				for _, out := range operands[op.nIn:] {
					if out != nil && arr.overlaps(out) {
						operands[opIdx] = arr.contiguousCopy(arr.DType())
						break
					}
				}
			}
			continue
		}
		if opIdx < op.nIn {
			operands[opIdx] = arr.contiguousCopy(want)
		} else {
			temp := NewArray(want, arr.shape.Dimensions...)
			writeBack[opIdx] = arr
			operands[opIdx] = temp
		}
	}

	// The iterator starts from the full iteration space; the synthetic output
	// core axes are removed from the outer loop, since the kernel walks them
	// through CoreStep and they must not be broadcast.
	iterDims := make([]int, rc.iterRank)
	copy(iterDims, broadcastDims)
	copy(iterDims[rc.broadcastRank:], rc.iterShape[rc.broadcastRank:])
	it := newIterator(iterDims, operands, rc.opAxes)
	defer it.close()
	for axis := rc.iterRank - 1; axis >= rc.broadcastRank; axis-- {
		it.removeAxis(axis)
	}
	it.collapse()

	ex := newExecState(op, loop, cfg, operands, 1+len(core.dims))
	for dimIdx := range core.dims {
		size := rc.dimSizes[dimIdx]
		if rc.dimMissing[dimIdx] {
			size = 1
		}
		ex.args.Dims[1+dimIdx] = size
	}
	ex.args.CoreStep = make([][]int, len(operands))
	for opIdx, arr := range operands {
		ex.args.CoreStep[opIdx] = rc.coreInnerStrides(opIdx, arr)
	}

	if klog.V(2).Enabled() {
		klog.Infof("ufunc %q: generalized strategy, broadcast dims %v, core sizes %v",
			op.name, broadcastDims, ex.args.Dims[1:])
	}

	for it.next() {
		if err := ex.checkContext(); err != nil {
			return ex.flags, errors.WithMessagef(err, "%s: cancelled", op)
		}
		ex.args.Dims[0] = it.runLength()
		for opIdx := range operands {
			ex.args.Offset[opIdx] = it.offset(opIdx)
			ex.args.Step[opIdx] = it.runStride(opIdx)
		}
		ex.flags |= loop.kernel(&ex.args)
	}

	for opIdx, dst := range writeBack {
		if dst != nil {
			copyArrayData(dst, operands[opIdx])
		}
	}
	return ex.flags, nil
}
