// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, a host (CPU) multidimensional array flowing through an
// inference graph: a shapes.Shape plus a flat Go slice of the corresponding dtype.
//
// Tensors handed to or returned by a session are treated as immutable. Kernels only write into
// the tensors allocated for their own outputs.
//
// Ways to construct a Tensor:
//
//   - FromShape(shape): zero-valued tensor with the given shape.
//   - FromFlatDataAndDimensions[T](data, dimensions...): copies data, checking its size.
//   - FromScalar[T](value): a scalar.
//   - FromBacking(shape, backing): a view over the first shape.Size() elements of a larger flat
//     slice, used when a buffer is reused for a smaller value.
package tensors

import (
	"fmt"
	"reflect"
	"strings"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor is a shape and a flat slice holding its values in row-major order.
type Tensor struct {
	shape shapes.Shape
	flat  any
}

// MakeFlat allocates a flat slice of the Go type of dtype with the given length.
func MakeFlat(dtype dtypes.DType, length int) any {
	return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface()
}

// FromShape creates a zero-valued tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	return &Tensor{shape: shape.Clone(), flat: MakeFlat(shape.DType, shape.Size())}
}

// FromBacking creates a tensor whose values are the first shape.Size() elements of backing.
// The backing slice must be of the Go type of shape.DType and large enough; the tensor shares
// its storage.
func FromBacking(shape shapes.Shape, backing any) (*Tensor, error) {
	v := reflect.ValueOf(backing)
	if v.Kind() != reflect.Slice || v.Type().Elem() != shape.DType.GoType() {
		return nil, errors.Errorf("tensors.FromBacking(%s): backing of type %T doesn't match dtype", shape, backing)
	}
	size := shape.Size()
	if v.Cap() < size {
		return nil, errors.Errorf("tensors.FromBacking(%s): backing has capacity %d, %d elements needed",
			shape, v.Cap(), size)
	}
	return &Tensor{shape: shape.Clone(), flat: v.Slice3(0, size, size).Interface()}, nil
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, holding a copy of data.
// It panics if len(data) doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	flat := make([]T, len(data))
	copy(flat, data)
	return &Tensor{shape: shape, flat: flat}
}

// FromScalar creates a scalar tensor. The dtype is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{shape: shapes.Make(dtypes.FromGenericsType[T]()), flat: []T{value}}
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor values.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// FlatAny returns the underlying flat slice, e.g. a []float32.
func (t *Tensor) FlatAny() any { return t.flat }

// Flat returns the underlying flat slice as []T. It panics if T doesn't match the tensor dtype.
func Flat[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.Flat[%T]: tensor has dtype %s", *new(T), t.shape.DType)
	}
	return flat
}

// ToScalar returns the single value of a tensor with size 1.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	flat := Flat[T](t)
	if len(flat) != 1 {
		exceptions.Panicf("tensors.ToScalar: tensor %s has %d elements", t.shape, len(flat))
	}
	return flat[0]
}

// Bytes returns the tensor storage as a byte slice. It shares the memory with the tensor.
func (t *Tensor) Bytes() []byte {
	v := reflect.ValueOf(t.flat)
	if v.Len() == 0 {
		return nil
	}
	ptr := unsafe.Pointer(v.Pointer())
	return unsafe.Slice((*byte)(ptr), t.shape.Memory())
}

// SharesBacking returns whether t and other use the same storage.
func (t *Tensor) SharesBacking(other *Tensor) bool {
	if t == nil || other == nil || t.Size() == 0 || other.Size() == 0 {
		return false
	}
	return reflect.ValueOf(t.flat).Pointer() == reflect.ValueOf(other.flat).Pointer()
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := FromShape(t.shape)
	reflect.Copy(reflect.ValueOf(c.flat), reflect.ValueOf(t.flat))
	return c
}

// Reshape returns a tensor sharing t's storage with new dimensions of the same size.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	shape := shapes.Make(t.shape.DType, dimensions...)
	if shape.Size() != t.shape.Size() {
		return nil, errors.Errorf("cannot reshape %s to dimensions %v", t.shape, dimensions)
	}
	return &Tensor{shape: shape, flat: t.flat}, nil
}

// Equal checks whether t and other have the same shape and bit-identical values.
// NaNs with the same bit pattern are considered equal.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil || !t.shape.Equal(other.shape) {
		return false
	}
	return string(t.Bytes()) == string(other.Bytes())
}

// MaxSizeForString is the largest tensor whose values are printed by String.
var MaxSizeForString = 100

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	if t.Size() > MaxSizeForString {
		return fmt.Sprintf("%s: (%d values)", t.shape, t.Size())
	}
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	sb.WriteString(": ")
	fmt.Fprintf(&sb, "%v", t.flat)
	return sb.String()
}
