// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the kernels of the CPUExecutionProvider in pure Go, and registers them in the
// kernels.DefaultRegistry during initialization.
//
// Import it for its side effects:
//
//	import _ "github.com/gomlx/graphrt/kernels/cpu"
//
// All kernels are deterministic: the same inputs always produce bit-identical outputs, regardless of the executor.
package cpu

import (
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// number are the Go types the arithmetic kernels are instantiated for.
type number interface {
	float32 | float64 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

// float are the Go types the floating point kernels are instantiated for.
type float interface {
	float32 | float64
}

// clamp limits x to [lo, hi].
func clamp[T constraints.Ordered](x, lo, hi T) T {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

var (
	floatTypes   = []dtypes.DType{dtypes.Float32, dtypes.Float64}
	numericTypes = []dtypes.DType{dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64}
	castTypes    = []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64, dtypes.Int8, dtypes.Int16,
		dtypes.Int32, dtypes.Int64, dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64, dtypes.Bool}
	anyTypes = castTypes
)

func init() {
	for _, op := range []string{"Add", "Sub", "Mul", "Div"} {
		kernels.Register(kernels.NewKernelDef(op).SinceVersion(7).TypeConstraint("T", numericTypes...).Build(),
			newBinaryKernel)
	}
	for _, op := range []string{"Relu", "LeakyRelu", "Sigmoid", "Tanh"} {
		kernels.Register(kernels.NewKernelDef(op).SinceVersion(6).TypeConstraint("T", floatTypes...).Build(),
			newActivationKernel)
	}
	kernels.Register(kernels.NewKernelDef("Clip").VersionRange(6, 10).TypeConstraint("T", floatTypes...).Build(),
		newClipKernel)
	kernels.Register(kernels.NewKernelDef("Clip").SinceVersion(11).TypeConstraint("T", numericTypes...).Build(),
		newClipKernel)
	kernels.Register(kernels.NewKernelDef("Identity").TypeConstraint("T", anyTypes...).Build(),
		newIdentityKernel)
	kernels.Register(kernels.NewKernelDef("Cast").SinceVersion(6).
		TypeConstraint("T1", castTypes...).TypeConstraint("T2", castTypes...).Build(), newCastKernel)
	kernels.Register(kernels.NewKernelDef("MatMul").TypeConstraint("T", numericTypes...).Build(), newMatMulKernel)
	kernels.Register(kernels.NewKernelDef("Conv").TypeConstraint("T", floatTypes...).Build(), newConvKernel)
	kernels.Register(kernels.NewKernelDef("FusedConv").Domain(graph.MicrosoftDomain).
		TypeConstraint("T", floatTypes...).Build(), newConvKernel)
	for _, op := range reduceOps {
		kernels.Register(kernels.NewKernelDef(op).TypeConstraint("T", floatTypes...).Build(), newReduceKernel)
	}
	for _, op := range []string{"ArgMax", "ArgMin"} {
		kernels.Register(kernels.NewKernelDef(op).TypeConstraint("T", numericTypes...).Build(), newArgKernel)
	}
}

// requireInputs checks that the first n inputs are present.
func requireInputs(ctx *kernels.Context, n int) error {
	for ii := range n {
		if ctx.Input(ii) == nil {
			return errors.Errorf("node %s: required input #%d is missing", ctx.Node(), ii)
		}
	}
	return nil
}

// sameDTypes checks that all given present inputs have the same dtype as the first input.
func sameDTypes(ctx *kernels.Context, indices ...int) error {
	dtype := ctx.Input(0).DType()
	for _, ii := range indices {
		if input := ctx.Input(ii); input != nil && input.DType() != dtype {
			return errors.Errorf("node %s: input #%d has dtype %s, expected %s", ctx.Node(), ii, input.DType(), dtype)
		}
	}
	return nil
}

// scalarAs reads a size-1 tensor as T. It returns ok=false for a nil tensor.
func scalarAs[T number](t *tensors.Tensor) (value T, ok bool, err error) {
	if t == nil {
		return value, false, nil
	}
	if t.Size() != 1 {
		return value, false, errors.Errorf("expected a scalar, got shape %s", t.Shape())
	}
	flat, isT := t.FlatAny().([]T)
	if !isT {
		return value, false, errors.Errorf("expected a scalar of Go type %T, got dtype %s", value, t.DType())
	}
	return flat[0], true, nil
}

// intsFromTensor reads an int64 or int32 tensor as []int.
func intsFromTensor(t *tensors.Tensor) ([]int, error) {
	switch flat := t.FlatAny().(type) {
	case []int64:
		ints := make([]int, len(flat))
		for ii, v := range flat {
			ints[ii] = int(v)
		}
		return ints, nil
	case []int32:
		ints := make([]int, len(flat))
		for ii, v := range flat {
			ints[ii] = int(v)
		}
		return ints, nil
	}
	return nil, errors.Errorf("expected an integer tensor, got %s", t.Shape())
}

// normalizeAxis maps a negative axis to its positive counterpart, checking bounds.
func normalizeAxis(axis, rank int) (int, error) {
	if axis < -rank || axis >= max(rank, 1) {
		return 0, errors.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	if axis < 0 {
		axis += rank
	}
	return axis, nil
}
