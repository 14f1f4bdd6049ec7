// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// newMatMulKernel creates the kernel for the product of two matrices. Rank-1 operands are promoted like in NumPy:
// a leading 1 for the left operand, a trailing 1 for the right one, removed from the result.
func newMatMulKernel(*kernels.Info) (kernels.Kernel, error) {
	return kernels.KernelFunc(func(ctx *kernels.Context) error {
		if err := requireInputs(ctx, 2); err != nil {
			return err
		}
		if err := sameDTypes(ctx, 1); err != nil {
			return err
		}
		switch ctx.Input(0).DType() {
		case dtypes.Float32:
			return computeMatMul[float32](ctx)
		case dtypes.Float64:
			return computeMatMul[float64](ctx)
		case dtypes.Int32:
			return computeMatMul[int32](ctx)
		case dtypes.Int64:
			return computeMatMul[int64](ctx)
		}
		return errors.Errorf("MatMul: dtype %s not supported", ctx.Input(0).DType())
	}), nil
}

func computeMatMul[T number](ctx *kernels.Context) error {
	a, b := ctx.Input(0), ctx.Input(1)
	aDims, bDims := a.Shape().Dimensions, b.Shape().Dimensions
	if len(aDims) < 1 || len(aDims) > 2 || len(bDims) < 1 || len(bDims) > 2 {
		return errors.Errorf("MatMul: only rank 1 or 2 operands are supported, got %s and %s", a.Shape(), b.Shape())
	}
	var outDims []int
	m, k := 1, aDims[0]
	if len(aDims) == 2 {
		m, k = aDims[0], aDims[1]
		outDims = append(outDims, m)
	}
	n := 1
	if len(bDims) == 2 {
		n = bDims[1]
		outDims = append(outDims, n)
	}
	if bDims[0] != k {
		return errors.Errorf("MatMul: contracting dimensions don't match for %s and %s", a.Shape(), b.Shape())
	}
	out, err := ctx.Output(0, shapes.Make(a.DType(), outDims...))
	if err != nil {
		return err
	}
	aFlat, bFlat, outFlat := tensors.Flat[T](a), tensors.Flat[T](b), tensors.Flat[T](out)
	for row := range m {
		for col := range n {
			var sum T
			for ii := range k {
				sum += aFlat[row*k+ii] * bFlat[ii*n+col]
			}
			outFlat[row*n+col] = sum
		}
	}
	return nil
}
