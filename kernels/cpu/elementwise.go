// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

func binaryFn[T number](opType string) func(a, b T) T {
	switch opType {
	case "Add":
		return func(a, b T) T { return a + b }
	case "Sub":
		return func(a, b T) T { return a - b }
	case "Mul":
		return func(a, b T) T { return a * b }
	case "Div":
		return func(a, b T) T { return a / b }
	}
	return nil
}

func newBinaryKernel(info *kernels.Info) (kernels.Kernel, error) {
	opType := info.Node.OpType()
	if binaryFn[float32](opType) == nil {
		return nil, errors.Errorf("unknown binary operator %q", opType)
	}
	return kernels.KernelFunc(func(ctx *kernels.Context) error {
		if err := requireInputs(ctx, 2); err != nil {
			return err
		}
		if err := sameDTypes(ctx, 1); err != nil {
			return err
		}
		switch ctx.Input(0).DType() {
		case dtypes.Float32:
			return computeBinary(ctx, binaryFn[float32](opType))
		case dtypes.Float64:
			return computeBinary(ctx, binaryFn[float64](opType))
		case dtypes.Int32:
			return computeBinary(ctx, binaryFn[int32](opType))
		case dtypes.Int64:
			return computeBinary(ctx, binaryFn[int64](opType))
		}
		return errors.Errorf("%s: dtype %s not supported", opType, ctx.Input(0).DType())
	}), nil
}

// computeBinary applies fn elementwise with NumPy-style broadcasting.
func computeBinary[T number](ctx *kernels.Context, fn func(a, b T) T) error {
	a, b := ctx.Input(0), ctx.Input(1)
	dims, err := shapes.BroadcastDimensions(a.Shape(), b.Shape())
	if err != nil {
		return errors.WithMessagef(err, "node %s", ctx.Node())
	}
	out, err := ctx.Output(0, shapes.Make(a.DType(), dims...))
	if err != nil {
		return err
	}
	aFlat, bFlat, outFlat := tensors.Flat[T](a), tensors.Flat[T](b), tensors.Flat[T](out)
	switch {
	case a.Shape().Equal(b.Shape()):
		for ii := range outFlat {
			outFlat[ii] = fn(aFlat[ii], bFlat[ii])
		}
	case b.Size() == 1:
		for ii := range outFlat {
			outFlat[ii] = fn(aFlat[ii], bFlat[0])
		}
	case a.Size() == 1:
		for ii := range outFlat {
			outFlat[ii] = fn(aFlat[0], bFlat[ii])
		}
	default:
		aStrides, bStrides := a.Shape().BroadcastStrides(dims), b.Shape().BroadcastStrides(dims)
		ii := 0
		for indices := range out.Shape().Iter() {
			aIdx, bIdx := 0, 0
			for axis, idx := range indices {
				aIdx += idx * aStrides[axis]
				bIdx += idx * bStrides[axis]
			}
			outFlat[ii] = fn(aFlat[aIdx], bFlat[bIdx])
			ii++
		}
	}
	return nil
}

// activationFn returns the activation function by operator name, computed in float64.
// params are the activation parameters, e.g. LeakyRelu's alpha.
func activationFn(opType string, params []float32) (func(x float64) float64, error) {
	switch opType {
	case "Relu":
		return func(x float64) float64 { return max(x, 0) }, nil
	case "LeakyRelu":
		alpha := 0.01
		if len(params) > 0 {
			alpha = float64(params[0])
		}
		return func(x float64) float64 {
			if x < 0 {
				return alpha * x
			}
			return x
		}, nil
	case "Sigmoid":
		return func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }, nil
	case "Tanh":
		return math.Tanh, nil
	}
	return nil, errors.Errorf("unknown activation %q", opType)
}

func newActivationKernel(info *kernels.Info) (kernels.Kernel, error) {
	var params []float32
	if info.Node.OpType() == "LeakyRelu" {
		params = []float32{info.Node.Attributes().Float("alpha", 0.01)}
	}
	fn, err := activationFn(info.Node.OpType(), params)
	if err != nil {
		return nil, err
	}
	return kernels.KernelFunc(func(ctx *kernels.Context) error {
		if err := requireInputs(ctx, 1); err != nil {
			return err
		}
		x := ctx.Input(0)
		out, err := ctx.Output(0, x.Shape())
		if err != nil {
			return err
		}
		switch x.DType() {
		case dtypes.Float32:
			applyUnary(tensors.Flat[float32](x), tensors.Flat[float32](out), fn)
		case dtypes.Float64:
			applyUnary(tensors.Flat[float64](x), tensors.Flat[float64](out), fn)
		default:
			return errors.Errorf("%s: dtype %s not supported", ctx.Node().OpType(), x.DType())
		}
		return nil
	}), nil
}

func applyUnary[T float](in, out []T, fn func(x float64) float64) {
	for ii, x := range in {
		out[ii] = T(fn(float64(x)))
	}
}
