// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"
	"slices"

	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

var reduceOps = []string{"ReduceL1", "ReduceL2", "ReduceLogSum", "ReduceLogSumExp", "ReduceMax", "ReduceMean",
	"ReduceMin", "ReduceProd", "ReduceSum", "ReduceSumSquare"}

// reducer accumulates values in float64: init is the starting accumulator, step folds one value in, and final
// computes the result from the accumulator and the number of values reduced.
type reducer struct {
	init  float64
	step  func(acc, x float64) float64
	final func(acc float64, count int) float64

	// shifted reducers get the per-output maximum subtracted from each value and added back at the end.
	shifted bool
}

func identityFinal(acc float64, _ int) float64 { return acc }

var reducers = map[string]reducer{
	"ReduceL1":  {step: func(acc, x float64) float64 { return acc + math.Abs(x) }, final: identityFinal},
	"ReduceL2":  {step: func(acc, x float64) float64 { return acc + x*x }, final: func(acc float64, _ int) float64 { return math.Sqrt(acc) }},
	"ReduceSum": {step: func(acc, x float64) float64 { return acc + x }, final: identityFinal},
	"ReduceLogSum": {step: func(acc, x float64) float64 { return acc + x },
		final: func(acc float64, _ int) float64 { return math.Log(acc) }},
	"ReduceLogSumExp": {step: func(acc, x float64) float64 { return acc + math.Exp(x) },
		final: func(acc float64, _ int) float64 { return math.Log(acc) }, shifted: true},
	"ReduceMax": {init: math.Inf(-1), step: math.Max, final: identityFinal},
	"ReduceMin": {init: math.Inf(1), step: math.Min, final: identityFinal},
	"ReduceMean": {step: func(acc, x float64) float64 { return acc + x },
		final: func(acc float64, count int) float64 { return acc / float64(count) }},
	"ReduceProd":      {init: 1, step: func(acc, x float64) float64 { return acc * x }, final: identityFinal},
	"ReduceSumSquare": {step: func(acc, x float64) float64 { return acc + x*x }, final: identityFinal},
}

// axesFromInput returns whether the node version takes the axes as input #1 rather than as an attribute.
func axesFromInput(opType string, version int) bool {
	if opType == "ReduceSum" {
		return version >= 13
	}
	return version >= 18
}

func newReduceKernel(info *kernels.Info) (kernels.Kernel, error) {
	opType := info.Node.OpType()
	red, found := reducers[opType]
	if !found {
		return nil, errors.Errorf("unknown reduction %q", opType)
	}
	attrs := info.Node.Attributes()
	keepDims := attrs.Int("keepdims", 1) != 0
	noopWithEmptyAxes := attrs.Int("noop_with_empty_axes", 0) != 0
	axesInput := axesFromInput(opType, info.Node.SinceVersion())
	attrAxes := intsOr(attrs.Ints("axes"))
	return kernels.KernelFunc(func(ctx *kernels.Context) error {
		if err := requireInputs(ctx, 1); err != nil {
			return err
		}
		x := ctx.Input(0)
		axes := attrAxes
		if axesInput {
			axes = nil
			if axesT := ctx.Input(1); axesT != nil {
				var err error
				if axes, err = intsFromTensor(axesT); err != nil {
					return errors.WithMessagef(err, "%s axes", opType)
				}
			}
		}
		if len(axes) == 0 && noopWithEmptyAxes {
			out, err := ctx.Output(0, x.Shape())
			if err != nil {
				return err
			}
			return castFlat(x.FlatAny(), out.FlatAny())
		}
		reduced, err := reducedAxes(axes, x.Rank())
		if err != nil {
			return errors.WithMessagef(err, "node %s", ctx.Node())
		}
		switch x.DType() {
		case dtypes.Float32:
			return computeReduce[float32](ctx, red, reduced, keepDims)
		case dtypes.Float64:
			return computeReduce[float64](ctx, red, reduced, keepDims)
		}
		return errors.Errorf("%s: dtype %s not supported", opType, x.DType())
	}), nil
}

// reducedAxes returns a per-axis flag of which axes are reduced. No axes means all of them.
func reducedAxes(axes []int, rank int) ([]bool, error) {
	reduced := make([]bool, rank)
	if len(axes) == 0 {
		for ii := range reduced {
			reduced[ii] = true
		}
		return reduced, nil
	}
	for _, axis := range axes {
		normalized, err := normalizeAxis(axis, rank)
		if err != nil {
			return nil, err
		}
		if reduced[normalized] {
			return nil, errors.Errorf("axis %d given more than once", axis)
		}
		reduced[normalized] = true
	}
	return reduced, nil
}

// reducedShape returns the output dimensions, and the row-major strides used to map an input index into the output:
// reduced axes get stride 0.
func reducedShape(dims []int, reduced []bool, keepDims bool) (outDims []int, mapStrides []int) {
	keptDims := make([]int, len(dims))
	for axis, dim := range dims {
		keptDims[axis] = dim
		if reduced[axis] {
			keptDims[axis] = 1
		} else {
			outDims = append(outDims, dim)
		}
	}
	if keepDims {
		outDims = keptDims
	}
	mapStrides = shapes.Make(dtypes.Float32, keptDims...).Strides()
	for axis := range mapStrides {
		if reduced[axis] {
			mapStrides[axis] = 0
		}
	}
	return outDims, mapStrides
}

func computeReduce[T float](ctx *kernels.Context, red reducer, reduced []bool, keepDims bool) error {
	x := ctx.Input(0)
	outDims, mapStrides := reducedShape(x.Shape().Dimensions, reduced, keepDims)
	out, err := ctx.Output(0, shapes.Make(x.DType(), outDims...))
	if err != nil {
		return err
	}
	in, outFlat := tensors.Flat[T](x), tensors.Flat[T](out)
	count := 1
	if len(outFlat) > 0 {
		count = len(in) / len(outFlat)
	}
	outIndex := func(indices []int) int {
		idx := 0
		for axis, v := range indices {
			idx += v * mapStrides[axis]
		}
		return idx
	}

	shifts := make([]float64, len(outFlat))
	if red.shifted {
		for ii := range shifts {
			shifts[ii] = math.Inf(-1)
		}
		ii := 0
		for indices := range x.Shape().Iter() {
			o := outIndex(indices)
			shifts[o] = max(shifts[o], float64(in[ii]))
			ii++
		}
		for ii, shift := range shifts {
			if math.IsInf(shift, 0) {
				shifts[ii] = 0
			}
		}
	}

	acc := slices.Repeat([]float64{red.init}, len(outFlat))
	ii := 0
	for indices := range x.Shape().Iter() {
		o := outIndex(indices)
		acc[o] = red.step(acc[o], float64(in[ii])-shifts[o])
		ii++
	}
	for o := range outFlat {
		outFlat[o] = T(red.final(acc[o], count) + shifts[o])
	}
	return nil
}

// newArgKernel creates ArgMax and ArgMin: the int64 index of the first (or last, with select_last_index) extreme
// value along axis.
func newArgKernel(info *kernels.Info) (kernels.Kernel, error) {
	attrs := info.Node.Attributes()
	isMax := info.Node.OpType() == "ArgMax"
	axisAttr := int(attrs.Int("axis", 0))
	keepDims := attrs.Int("keepdims", 1) != 0
	selectLast := attrs.Int("select_last_index", 0) != 0
	return kernels.KernelFunc(func(ctx *kernels.Context) error {
		if err := requireInputs(ctx, 1); err != nil {
			return err
		}
		x := ctx.Input(0)
		axis, err := normalizeAxis(axisAttr, x.Rank())
		if err != nil {
			return errors.WithMessagef(err, "node %s", ctx.Node())
		}
		switch x.DType() {
		case dtypes.Float32:
			return computeArg[float32](ctx, axis, keepDims, isMax, selectLast)
		case dtypes.Float64:
			return computeArg[float64](ctx, axis, keepDims, isMax, selectLast)
		case dtypes.Int32:
			return computeArg[int32](ctx, axis, keepDims, isMax, selectLast)
		case dtypes.Int64:
			return computeArg[int64](ctx, axis, keepDims, isMax, selectLast)
		}
		return errors.Errorf("%s: dtype %s not supported", ctx.Node().OpType(), x.DType())
	}), nil
}

func computeArg[T number](ctx *kernels.Context, axis int, keepDims, isMax, selectLast bool) error {
	x := ctx.Input(0)
	dims := x.Shape().Dimensions
	if x.Rank() == 0 {
		dims = []int{1}
	}
	if dims[axis] == 0 {
		return errors.Errorf("%s: cannot reduce empty axis %d of %s", ctx.Node().OpType(), axis, x.Shape())
	}
	reduced := make([]bool, len(dims))
	reduced[axis] = true
	outDims, _ := reducedShape(dims, reduced, keepDims)
	if x.Rank() == 0 && !keepDims {
		outDims = nil
	}
	out, err := ctx.Output(0, shapes.Make(dtypes.Int64, outDims...))
	if err != nil {
		return err
	}
	in, outFlat := tensors.Flat[T](x), tensors.Flat[int64](out)

	// View the input as [outer, axisDim, inner].
	axisDim, inner := dims[axis], 1
	for _, dim := range dims[axis+1:] {
		inner *= dim
	}
	outer := len(in) / (axisDim * inner)
	better := func(candidate, best T) bool {
		if isMax {
			return candidate > best || (selectLast && candidate == best)
		}
		return candidate < best || (selectLast && candidate == best)
	}
	for o := range outer {
		for i := range inner {
			base := o*axisDim*inner + i
			bestIdx, best := 0, in[base]
			for a := 1; a < axisDim; a++ {
				if v := in[base+a*inner]; better(v, best) {
					bestIdx, best = a, v
				}
			}
			outFlat[o*inner+i] = int64(bestIdx)
		}
	}
	return nil
}
