// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"reflect"

	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// newIdentityKernel copies its input. When the allocation plan makes the output alias the input buffer there is
// nothing to copy.
func newIdentityKernel(*kernels.Info) (kernels.Kernel, error) {
	return kernels.KernelFunc(func(ctx *kernels.Context) error {
		if err := requireInputs(ctx, 1); err != nil {
			return err
		}
		x := ctx.Input(0)
		out, err := ctx.Output(0, x.Shape())
		if err != nil {
			return err
		}
		if !out.SharesBacking(x) {
			reflect.Copy(reflect.ValueOf(out.FlatAny()), reflect.ValueOf(x.FlatAny()))
		}
		return nil
	}), nil
}

func newCastKernel(info *kernels.Info) (kernels.Kernel, error) {
	to := info.Node.Attributes().Int("to", 0)
	dtype := graph.DTypeFromONNX(to)
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("Cast: unsupported target data type %d", to)
	}
	return kernels.KernelFunc(func(ctx *kernels.Context) error {
		if err := requireInputs(ctx, 1); err != nil {
			return err
		}
		x := ctx.Input(0)
		out, err := ctx.Output(0, x.Shape().WithDType(dtype))
		if err != nil {
			return err
		}
		return castFlat(x.FlatAny(), out.FlatAny())
	}), nil
}

// castFlat converts the values of the flat slice src into dst, of the same length.
// Float16 values go through float32, and booleans through 0/1.
func castFlat(src, dst any) error {
	switch s := src.(type) {
	case []float16.Float16:
		f32 := make([]float32, len(s))
		for ii, v := range s {
			f32[ii] = v.Float32()
		}
		return castFrom(f32, dst)
	case []bool:
		u8 := make([]uint8, len(s))
		for ii, v := range s {
			if v {
				u8[ii] = 1
			}
		}
		return castFrom(u8, dst)
	case []float32:
		return castFrom(s, dst)
	case []float64:
		return castFrom(s, dst)
	case []int8:
		return castFrom(s, dst)
	case []int16:
		return castFrom(s, dst)
	case []int32:
		return castFrom(s, dst)
	case []int64:
		return castFrom(s, dst)
	case []uint8:
		return castFrom(s, dst)
	case []uint16:
		return castFrom(s, dst)
	case []uint32:
		return castFrom(s, dst)
	case []uint64:
		return castFrom(s, dst)
	}
	return errors.Errorf("Cast: source type %T not supported", src)
}

func castFrom[S number](src []S, dst any) error {
	switch d := dst.(type) {
	case []float16.Float16:
		for ii, v := range src {
			d[ii] = float16.Fromfloat32(float32(v))
		}
	case []bool:
		for ii, v := range src {
			d[ii] = v != 0
		}
	case []float32:
		convertSlice(src, d)
	case []float64:
		convertSlice(src, d)
	case []int8:
		convertSlice(src, d)
	case []int16:
		convertSlice(src, d)
	case []int32:
		convertSlice(src, d)
	case []int64:
		convertSlice(src, d)
	case []uint8:
		convertSlice(src, d)
	case []uint16:
		convertSlice(src, d)
	case []uint32:
		convertSlice(src, d)
	case []uint64:
		convertSlice(src, d)
	default:
		return errors.Errorf("Cast: target type %T not supported", dst)
	}
	return nil
}

func convertSlice[S, D number](src []S, dst []D) {
	for ii, v := range src {
		dst[ii] = D(v)
	}
}
