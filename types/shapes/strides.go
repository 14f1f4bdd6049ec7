// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"

	"github.com/pkg/errors"
)

// Strides returns the row-major strides, in number of elements, of each axis.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// BroadcastDimensions returns the dimensions resulting from NumPy-style (multidirectional)
// broadcasting of the given shapes. DTypes are not checked.
func BroadcastDimensions(shapes ...Shape) ([]int, error) {
	rank := 0
	for _, s := range shapes {
		rank = max(rank, s.Rank())
	}
	dims := make([]int, rank)
	for axis := range dims {
		dims[axis] = 1
	}
	for _, s := range shapes {
		offset := rank - s.Rank()
		for axis, dim := range s.Dimensions {
			out := &dims[offset+axis]
			switch {
			case dim == *out || dim == 1:
			case *out == 1:
				*out = dim
			default:
				return nil, errors.Errorf("shapes %v are not broadcastable at axis %d", shapes, offset+axis)
			}
		}
	}
	return dims, nil
}

// BroadcastStrides returns the strides to use to read a tensor of shape s as if it had been
// broadcast to the given dimensions: broadcast axes get stride 0.
func (s Shape) BroadcastStrides(dims []int) []int {
	strides := make([]int, len(dims))
	own := s.Strides()
	offset := len(dims) - s.Rank()
	for axis := range s.Dimensions {
		if s.Dimensions[axis] != 1 {
			strides[offset+axis] = own[axis]
		}
	}
	return strides
}

// Iter iterates over all indices of the given shape in row-major order.
// The yielded slice is owned by Iter: don't change it inside the loop.
func (s Shape) Iter() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if !s.Ok() || s.Size() == 0 {
			return
		}
		rank := s.Rank()
		indices := make([]int, rank)
		for {
			if !yield(indices) {
				return
			}
			axis := rank - 1
			for ; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}
