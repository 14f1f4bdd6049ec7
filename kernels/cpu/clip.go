// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// newClipKernel creates the Clip kernel: before version 11 the bounds are the "min" and "max" attributes,
// afterwards they are the optional scalar inputs 1 and 2.
func newClipKernel(info *kernels.Info) (kernels.Kernel, error) {
	if info.Node.SinceVersion() < 11 {
		attrs := info.Node.Attributes()
		lo := attrs.Float("min", float32(math.Inf(-1)))
		hi := attrs.Float("max", float32(math.Inf(1)))
		return kernels.KernelFunc(func(ctx *kernels.Context) error {
			if err := requireInputs(ctx, 1); err != nil {
				return err
			}
			switch ctx.Input(0).DType() {
			case dtypes.Float32:
				return clipWithBounds(ctx, &lo, &hi)
			case dtypes.Float64:
				lo64, hi64 := float64(lo), float64(hi)
				return clipWithBounds(ctx, &lo64, &hi64)
			}
			return errors.Errorf("Clip: dtype %s not supported", ctx.Input(0).DType())
		}), nil
	}
	return kernels.KernelFunc(func(ctx *kernels.Context) error {
		if err := requireInputs(ctx, 1); err != nil {
			return err
		}
		if err := sameDTypes(ctx, 1, 2); err != nil {
			return err
		}
		switch ctx.Input(0).DType() {
		case dtypes.Float32:
			return clipWithInputs[float32](ctx)
		case dtypes.Float64:
			return clipWithInputs[float64](ctx)
		case dtypes.Int32:
			return clipWithInputs[int32](ctx)
		case dtypes.Int64:
			return clipWithInputs[int64](ctx)
		}
		return errors.Errorf("Clip: dtype %s not supported", ctx.Input(0).DType())
	}), nil
}

func clipWithInputs[T number](ctx *kernels.Context) error {
	var lo, hi *T
	for ii, bound := range []**T{&lo, &hi} {
		value, ok, err := scalarAs[T](ctx.Input(ii + 1))
		if err != nil {
			return errors.WithMessagef(err, "Clip bound #%d", ii+1)
		}
		if ok {
			*bound = &value
		}
	}
	return clipWithBounds(ctx, lo, hi)
}

// clipWithBounds clips input 0 to [lo, hi]; nil bounds are open.
func clipWithBounds[T number](ctx *kernels.Context, lo, hi *T) error {
	x := ctx.Input(0)
	out, err := ctx.Output(0, x.Shape())
	if err != nil {
		return err
	}
	in, outFlat := tensors.Flat[T](x), tensors.Flat[T](out)
	switch {
	case lo != nil && hi != nil:
		for ii, v := range in {
			outFlat[ii] = clamp(v, *lo, *hi)
		}
	case lo != nil:
		for ii, v := range in {
			outFlat[ii] = max(v, *lo)
		}
	case hi != nil:
		for ii, v := range in {
			outFlat[ii] = min(v, *hi)
		}
	default:
		copy(outFlat, in)
	}
	return nil
}
