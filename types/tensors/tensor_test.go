// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"testing"

	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestConstructors(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, dtypes.Float32, tensor.DType())
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, Flat[float32](tensor))
	assert.Len(t, tensor.Bytes(), 24)
	require.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2}, 3) })
	require.Panics(t, func() { Flat[int64](tensor) })

	scalar := FromScalar(int64(7))
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, int64(7), ToScalar[int64](scalar))

	zeros := FromShape(shapes.Make(dtypes.Float16, 3))
	assert.Equal(t, []float16.Float16{0, 0, 0}, Flat[float16.Float16](zeros))
}

func TestBackingAndClone(t *testing.T) {
	backing := MakeFlat(dtypes.Float64, 10)
	view, err := FromBacking(shapes.Make(dtypes.Float64, 2, 2), backing)
	require.NoError(t, err)
	assert.Len(t, Flat[float64](view), 4)
	Flat[float64](view)[0] = 3
	assert.Equal(t, 3.0, backing.([]float64)[0])

	other, err := FromBacking(shapes.Make(dtypes.Float64, 3), backing)
	require.NoError(t, err)
	assert.True(t, view.SharesBacking(other))

	_, err = FromBacking(shapes.Make(dtypes.Float64, 11), backing)
	require.Error(t, err)
	_, err = FromBacking(shapes.Make(dtypes.Float32, 1), backing)
	require.Error(t, err)

	clone := view.Clone()
	assert.True(t, clone.Equal(view))
	assert.False(t, clone.SharesBacking(view))

	reshaped, err := view.Reshape(4)
	require.NoError(t, err)
	assert.True(t, reshaped.SharesBacking(view))
	_, err = view.Reshape(5)
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	nan := float32(math.NaN())
	a := FromFlatDataAndDimensions([]float32{1, nan}, 2)
	b := FromFlatDataAndDimensions([]float32{1, nan}, 2)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(FromFlatDataAndDimensions([]float32{1, 2}, 2)))
	assert.False(t, a.Equal(FromFlatDataAndDimensions([]float32{1, nan}, 1, 2)))
	assert.False(t, a.Equal(nil))
	assert.Contains(t, a.String(), "(Float32)[2]")
}
