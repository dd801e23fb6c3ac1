// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ufunc

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/ufunc/shapes"
)

// Reductions over a binary, single-output, plain operation: Reduce folds one
// or more axes away, Accumulate keeps the running fold along one axis, and
// Reduceat folds index-delimited segments of one axis.
//
// All three resolve a self-combining ("x,x->x") kernel for the accumulator
// dtype; integer and boolean inputs of operations with an identity promote to
// a 64-bit accumulator so long folds do not silently wrap.

// WithInitial seeds every accumulator cell of a reduction with the given
// scalar before folding. It also serves as the result for empty reductions,
// and stands in for the identity when the operation has none.
func WithInitial(value any) CallOption {
	return func(cfg *callConfig) {
		cfg.initial = value
		cfg.hasInitial = true
	}
}

// WithReduceAxes reduces over several axes at once (Reduce only). Negative
// values count from the end.
func WithReduceAxes(axes ...int) CallOption {
	return func(cfg *callConfig) { cfg.reduceAxes = axes }
}

// checkReduceOp verifies the operation shape reductions require.
func checkReduceOp(op *Operation, what string) error {
	if op.nIn != 2 || op.nOut != 1 {
		return errors.Errorf("%s: %s requires a binary single-output operation", op, what)
	}
	if op.core != nil {
		return errors.Errorf("%s: %s is not supported for operations with core dimensions", op, what)
	}
	return nil
}

// resolveAccumulator picks the self-combining kernel and the accumulator
// dtype for a reduction over elements of dtype in.
func resolveAccumulator(op *Operation, cfg *callConfig, in dtypes.DType) (*loopEntry, dtypes.DType, error) {
	want := in
	switch {
	case len(cfg.dtypes) > 0:
		if len(cfg.dtypes) != 1 {
			return nil, dtypes.InvalidDType, errors.Errorf(
				"%s: reductions take a single accumulator dtype, got %d", op, len(cfg.dtypes))
		}
		want = cfg.dtypes[0]
	case op.identity != IdentityNone && isIntegerOrBool(in):
		want = promotedAccumulator(in)
	}
	loop, err := op.findSelfLoop(want)
	if err != nil {
		return nil, dtypes.InvalidDType, err
	}
	return loop, loop.types[0], nil
}

// reduceSrc returns the input as a view the fold can read directly: converted
// to the accumulator dtype if needed, copied if it aliases the result.
func reduceSrc(a, res *Array, accType dtypes.DType) *Array {
	if a.DType() != accType {
		return a.contiguousCopy(accType)
	}
	if a.overlaps(res) {
		return a.contiguousCopy(accType)
	}
	return a
}

// keptView returns a view of res covering only the kept axes of the original
// input space. With keepdims the reduced axes are present in res as size-1
// axes and get squeezed away here.
func keptView(res *Array, reduced []bool, keepDims bool) *Array {
	if !keepDims {
		return res
	}
	view := res
	for axis := len(reduced) - 1; axis >= 0; axis-- {
		if reduced[axis] {
			view = view.squeezeAxis(axis)
		}
	}
	return view
}

func pollCtx(op *Operation, cfg *callConfig) error {
	if cfg.ctx == nil {
		return nil
	}
	if err := cfg.ctx.Err(); err != nil {
		return errors.WithMessagef(err, "%s: cancelled", op)
	}
	return nil
}

// Reduce folds the input along one or more axes (axis 0 by default, WithAxis
// or WithReduceAxes to override) into an output without those axes
// (or with size-1 ones under WithKeepDims).
func Reduce(op *Operation, a *Array, opts ...CallOption) (*Array, error) {
	cfg := newCallConfig(opts)
	if err := checkReduceOp(op, "reduce"); err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.Errorf("%s: reduce of a nil array", op)
	}
	if cfg.axes != nil {
		return nil, errors.Errorf("%s: reduce takes WithAxis or WithReduceAxes, not WithAxes", op)
	}

	// Normalize the reduced-axis set.
	rank := a.Rank()
	axesArg := []int{0}
	switch {
	case cfg.axis != nil && cfg.reduceAxes != nil:
		return nil, errors.Errorf("%s: WithAxis and WithReduceAxes are mutually exclusive", op)
	case cfg.axis != nil:
		axesArg = []int{*cfg.axis}
	case cfg.reduceAxes != nil:
		axesArg = cfg.reduceAxes
	}
	reduced := make([]bool, rank)
	for _, axis := range axesArg {
		adjusted, err := adjustAxis(axis, rank)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: reduce", op)
		}
		if reduced[adjusted] {
			return nil, errors.Errorf("%s: reduce axis %d given more than once", op, adjusted)
		}
		reduced[adjusted] = true
	}

	loop, accType, err := resolveAccumulator(op, cfg, a.DType())
	if err != nil {
		return nil, err
	}

	var mask *Array
	if cfg.where != nil {
		if cfg.where.DType() != dtypes.Bool {
			return nil, errors.Errorf("%s: where mask must have dtype Bool, got %s", op, cfg.where.DType())
		}
		bdims, err := shapes.BroadcastDims(a.shape.Dimensions, cfg.where.shape.Dimensions)
		if err != nil || len(bdims) != rank || !slices.Equal(bdims, a.shape.Dimensions) {
			return nil, errors.Errorf("%s: where mask with dimensions %v does not broadcast to the input's %v",
				op, cfg.where.shape.Dimensions, a.shape.Dimensions)
		}
		mask = cfg.where.broadcastTo(a.shape.Dimensions)
	}

	// Output dimensions: the kept axes, or size-1 stand-ins under keepdims.
	var outDims, keptDims []int
	reducedSize := 1
	for axis, dim := range a.shape.Dimensions {
		if reduced[axis] {
			reducedSize *= dim
			if cfg.keepDims {
				outDims = append(outDims, 1)
			}
			continue
		}
		outDims = append(outDims, dim)
		keptDims = append(keptDims, dim)
	}

	out, res, err := resolveReductionOutput(op, cfg, accType, outDims)
	if err != nil {
		return nil, err
	}

	// Seed the accumulator cells.
	seeded := false
	if cfg.hasInitial {
		value, err := convertScalar(accType, cfg.initial)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: initial value", op)
		}
		fillArray(res, value)
		seeded = true
	} else if mask != nil || reducedSize == 0 {
		value, ok := op.identityValue(accType)
		if !ok {
			if reducedSize == 0 {
				return nil, errors.Errorf("%s: zero-size reduction with no identity and no initial value", op)
			}
			return nil, errors.Errorf("%s: reduction with a where mask requires an identity or an initial value", op)
		}
		fillArray(res, value)
		seeded = true
	}

	if reducedSize > 0 {
		src := reduceSrc(a, out, accType)
		flags, err := foldReduce(op, loop, cfg, res, src, mask, reduced, keptDims, seeded)
		if err != nil {
			return nil, err
		}
		if err := dispatchStatus(op, flags, cfg.errMode, cfg.statusHandler); err != nil {
			return nil, err
		}
	}
	return finishReductionOutput(out, res), nil
}

// resolveReductionOutput returns (out, res): out is the array handed back to
// the caller, res the accumulator the fold writes to. They differ only when a
// caller-supplied output has a dtype other than the accumulator's, in which
// case res is a temporary written back by finishReductionOutput.
func resolveReductionOutput(op *Operation, cfg *callConfig, accType dtypes.DType,
	outDims []int) (out, res *Array, err error) {
	outputs := make([]*Array, 1)
	if len(cfg.outputs) > 1 {
		return nil, nil, errors.Errorf("%s: reductions have a single output, got %d", op, len(cfg.outputs))
	}
	copy(outputs, cfg.outputs)
	out, err = resolveOutput(op, cfg, outputs, 0, accType, outDims)
	if err != nil {
		return nil, nil, err
	}
	res = out
	if out.DType() != accType {
		res = NewArray(accType, outDims...)
	}
	return out, res, nil
}

func finishReductionOutput(out, res *Array) *Array {
	if res != out {
		copyArrayData(out, res)
	}
	return out
}

// fillArray sets every element of the view to the given (already converted)
// value.
func fillArray(a *Array, value any) {
	if a.Size() == 0 {
		return
	}
	it := newIterator(a.shape.Dimensions, []*Array{a}, nil)
	defer it.close()
	it.collapse()
	for it.next() {
		fillStrided(a.flat, it.offset(0), it.runStride(0), it.runLength(), value)
	}
}

// foldReduce folds src into res over the reduced axes. The reduced index
// space is walked outermost, so each accumulator cell sees its elements in
// ascending index order; the first visit copies unless the cells were seeded.
func foldReduce(op *Operation, loop *loopEntry, cfg *callConfig, res, src, mask *Array,
	reduced []bool, keptDims []int, seeded bool) (StatusFlags, error) {
	rank := src.Rank()
	var reducedDims, reducedSrcStrides, reducedMaskStrides []int
	keptSrcStrides := make([]int, 0, len(keptDims))
	keptMaskStrides := make([]int, 0, len(keptDims))
	for axis := range rank {
		if reduced[axis] {
			reducedDims = append(reducedDims, src.shape.Dimensions[axis])
			reducedSrcStrides = append(reducedSrcStrides, src.strides[axis])
			if mask != nil {
				reducedMaskStrides = append(reducedMaskStrides, mask.strides[axis])
			}
			continue
		}
		keptSrcStrides = append(keptSrcStrides, src.strides[axis])
		if mask != nil {
			keptMaskStrides = append(keptMaskStrides, mask.strides[axis])
		}
	}
	resKept := keptView(res, reduced, cfg.keepDims)

	args := KernelArgs{
		Flat:     []any{res.flat, src.flat, res.flat},
		Offset:   make([]int, 3),
		Step:     make([]int, 3),
		Dims:     make([]int, 1),
		UserData: loop.userData,
	}
	var maskFlat []bool
	if mask != nil {
		maskFlat = mask.flat.([]bool)
	}
	var flags StatusFlags

	srcWalker := newAxisWalker(reducedDims, reducedSrcStrides, src.offset)
	var maskWalker *axisWalker
	if mask != nil {
		maskWalker = newAxisWalker(reducedDims, reducedMaskStrides, mask.offset)
	}
	reducedSize := 1
	for _, dim := range reducedDims {
		reducedSize *= dim
	}
	for r := range reducedSize {
		if err := pollCtx(op, cfg); err != nil {
			return flags, err
		}
		srcBase := srcWalker.next()
		maskBase := 0
		if maskWalker != nil {
			maskBase = maskWalker.next()
		}
		srcPass := &Array{
			shape:   shapes.Shape{DType: src.shape.DType, Dimensions: keptDims},
			strides: keptSrcStrides,
			offset:  srcBase,
			flat:    src.flat,
		}
		copyFirst := r == 0 && !seeded
		flags |= foldPass(loop, &args, resKept, srcPass, maskFlat, keptMaskStrides, maskBase, copyFirst)
	}
	return flags, nil
}

// foldPass runs one elementwise pass over the kept axes: res = kernel(res,
// src), or a plain copy for the first unseeded visit. Masked elements are
// skipped.
func foldPass(loop *loopEntry, args *KernelArgs, res, src *Array,
	maskFlat []bool, maskStrides []int, maskBase int, copyFirst bool) StatusFlags {
	operands := []*Array{res, src}
	if maskFlat != nil {
		operands = append(operands, &Array{
			shape:   shapes.Shape{DType: dtypes.Bool, Dimensions: res.shape.Dimensions},
			strides: maskStrides,
			offset:  maskBase,
			flat:    maskFlat,
		})
	}
	it := newIterator(res.shape.Dimensions, operands, nil)
	defer it.close()
	it.collapse()

	var flags StatusFlags
	runOne := func(resOff, srcOff, resStep, srcStep, n int) {
		if copyFirst {
			copyConvert(res.flat, resOff, resStep, src.flat, srcOff, srcStep, n)
			return
		}
		args.Offset[0], args.Offset[1], args.Offset[2] = resOff, srcOff, resOff
		args.Step[0], args.Step[1], args.Step[2] = resStep, srcStep, resStep
		args.Dims[0] = n
		flags |= loop.kernel(args)
	}
	for it.next() {
		n := it.runLength()
		resOff, srcOff := it.offset(0), it.offset(1)
		resStep, srcStep := it.runStride(0), it.runStride(1)
		if maskFlat == nil {
			runOne(resOff, srcOff, resStep, srcStep, n)
			continue
		}
		mOff, mStep := it.offset(2), it.runStride(2)
		for ii := 0; ii < n; {
			for ii < n && !maskFlat[mOff+ii*mStep] {
				ii++
			}
			start := ii
			for ii < n && maskFlat[mOff+ii*mStep] {
				ii++
			}
			if ii > start {
				runOne(resOff+start*resStep, srcOff+start*srcStep, resStep, srcStep, ii-start)
			}
		}
	}
	return flags
}

// Accumulate computes the running fold along one axis (axis 0 by default):
// output[0] is input[0] verbatim, output[k] = kernel(output[k-1], input[k]).
// The output has the input's dimensions and the accumulator dtype.
func Accumulate(op *Operation, a *Array, opts ...CallOption) (*Array, error) {
	cfg := newCallConfig(opts)
	if err := checkReduceOp(op, "accumulate"); err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.Errorf("%s: accumulate of a nil array", op)
	}
	if cfg.where != nil || cfg.keepDims || cfg.hasInitial || cfg.reduceAxes != nil || cfg.axes != nil {
		return nil, errors.Errorf("%s: accumulate takes only axis, dtype and output options", op)
	}
	axis := 0
	if cfg.axis != nil {
		axis = *cfg.axis
	}
	axis, err := adjustAxis(axis, a.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: accumulate", op)
	}

	loop, accType, err := resolveAccumulator(op, cfg, a.DType())
	if err != nil {
		return nil, err
	}
	out, res, err := resolveReductionOutput(op, cfg, accType, a.shape.Dimensions)
	if err != nil {
		return nil, err
	}
	axisLen := a.shape.Dimensions[axis]
	if axisLen == 0 {
		return finishReductionOutput(out, res), nil
	}
	src := reduceSrc(a, out, accType)

	// First slice along the axis is copied verbatim.
	copyArrayData(res.SliceAxis(axis, 0, 1), src.SliceAxis(axis, 0, 1))
	if axisLen == 1 {
		return finishReductionOutput(out, res), nil
	}

	// Per accumulator cell, one kernel call walks the whole axis: the output
	// of step k is read back as the accumulator of step k+1 through the
	// one-step offset between the accumulator and output slots. Kernels
	// process elements in ascending order, which makes this aliasing safe.
	args := KernelArgs{
		Flat:     []any{res.flat, src.flat, res.flat},
		Offset:   make([]int, 3),
		Step:     []int{res.strides[axis], src.strides[axis], res.strides[axis]},
		Dims:     []int{axisLen - 1},
		UserData: loop.userData,
	}
	var flags StatusFlags
	keptDims := slices.Concat(a.shape.Dimensions[:axis], a.shape.Dimensions[axis+1:])
	resKept := res.SliceAxis(axis, 0, 1).squeezeAxis(axis)
	srcKept := src.SliceAxis(axis, 0, 1).squeezeAxis(axis)
	it := newIterator(keptDims, []*Array{resKept, srcKept}, nil)
	defer it.close()
	for it.next() {
		if err := pollCtx(op, cfg); err != nil {
			return nil, err
		}
		n := it.runLength()
		for ii := range n {
			args.Offset[0] = it.offset(0) + ii*it.runStride(0)
			args.Offset[1] = it.offset(1) + ii*it.runStride(1) + src.strides[axis]
			args.Offset[2] = args.Offset[0] + res.strides[axis]
			flags |= loop.kernel(&args)
		}
	}
	if err := dispatchStatus(op, flags, cfg.errMode, cfg.statusHandler); err != nil {
		return nil, err
	}
	return finishReductionOutput(out, res), nil
}

// Reduceat computes segmented folds along one axis (axis 0 by default):
// segment i covers input indices [indices[i], indices[i+1]) (the last one
// runs to the end of the axis), and a segment of length <= 1 passes
// input[indices[i]] through verbatim. The output's axis has one element per
// segment.
func Reduceat(op *Operation, a *Array, indices []int, opts ...CallOption) (*Array, error) {
	cfg := newCallConfig(opts)
	if err := checkReduceOp(op, "reduceat"); err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.Errorf("%s: reduceat of a nil array", op)
	}
	if cfg.where != nil || cfg.keepDims || cfg.hasInitial || cfg.reduceAxes != nil || cfg.axes != nil {
		return nil, errors.Errorf("%s: reduceat takes only axis, dtype and output options", op)
	}
	if len(indices) == 0 {
		return nil, errors.Errorf("%s: reduceat requires at least one index", op)
	}
	axis := 0
	if cfg.axis != nil {
		axis = *cfg.axis
	}
	axis, err := adjustAxis(axis, a.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: reduceat", op)
	}
	axisLen := a.shape.Dimensions[axis]
	for ii, index := range indices {
		if index < 0 || index >= axisLen {
			return nil, errors.Errorf("%s: reduceat index %d (value %d) out-of-bounds [0, %d)",
				op, ii, index, axisLen)
		}
	}

	loop, accType, err := resolveAccumulator(op, cfg, a.DType())
	if err != nil {
		return nil, err
	}
	outDims := slices.Clone(a.shape.Dimensions)
	outDims[axis] = len(indices)
	out, res, err := resolveReductionOutput(op, cfg, accType, outDims)
	if err != nil {
		return nil, err
	}
	src := reduceSrc(a, out, accType)

	args := KernelArgs{
		Flat:     []any{res.flat, src.flat, res.flat},
		Offset:   make([]int, 3),
		Step:     []int{0, src.strides[axis], 0},
		Dims:     make([]int, 1),
		UserData: loop.userData,
	}
	var flags StatusFlags
	keptDims := slices.Concat(outDims[:axis], outDims[axis+1:])
	resKept := res.SliceAxis(axis, 0, 1).squeezeAxis(axis)
	srcKept := src.SliceAxis(axis, 0, 1).squeezeAxis(axis)
	it := newIterator(keptDims, []*Array{resKept, srcKept}, nil)
	defer it.close()
	for it.next() {
		if err := pollCtx(op, cfg); err != nil {
			return nil, err
		}
		n := it.runLength()
		for ii := range n {
			resCell := it.offset(0) + ii*it.runStride(0)
			srcCell := it.offset(1) + ii*it.runStride(1)
			for seg, start := range indices {
				end := axisLen
				if seg+1 < len(indices) {
					end = indices[seg+1]
				}
				segOut := resCell + seg*res.strides[axis]
				segIn := srcCell + start*src.strides[axis]
				// Seed with the first element, fold the remainder into it
				// with a stride-0 accumulator.
				copyConvert(res.flat, segOut, 0, src.flat, segIn, 0, 1)
				if end-start <= 1 {
					continue
				}
				args.Offset[0], args.Offset[2] = segOut, segOut
				args.Offset[1] = segIn + src.strides[axis]
				args.Dims[0] = end - start - 1
				flags |= loop.kernel(&args)
			}
		}
	}
	if err := dispatchStatus(op, flags, cfg.errMode, cfg.statusHandler); err != nil {
		return nil, err
	}
	return finishReductionOutput(out, res), nil
}
