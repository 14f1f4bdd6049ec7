// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// buffer is the storage behind one or more slots (more than one when aliased).
type buffer struct {
	// owner is the slot that allocated (or last reused) the buffer, and the key under which it is retired.
	owner    int
	dtype    dtypes.DType
	backing  any // Flat slice with the full capacity.
	capacity int
	refs     atomic.Int32
}

// Frame is the per-run store of values, indexed by slot.
//
// Each slot is written once, by its producer, before any of its consumers is dispatched, so reading a produced
// slot requires no locking. Retired buffers are kept in a pool guarded by its own mutex, since any worker finishing
// a node may retire a buffer.
type Frame struct {
	state       *SessionState
	plan        *Plan
	values      []*tensors.Tensor
	buffers     []*buffer
	remaining   []atomic.Int32 // Number of consumers still to run, per slot.
	pinned      []bool         // Requested outputs are never released.
	memoryLimit uint64

	allocatedBytes      atomic.Int64
	numFresh, numReused atomic.Int32

	poolMu sync.Mutex
	pool   map[int]*buffer // Retired buffers, keyed by their owner slot.
}

// NewFrame creates the frame for one run: initializers and feeds (indexed by slot) are loaded, and the consumers of
// each slot among the nodes in needed (indexed by NodeIndex, nil for all nodes) are counted. The slots in outputs are
// pinned.
//
// memoryLimit bounds the bytes of fresh allocations, 0 means unlimited.
func NewFrame(state *SessionState, feeds map[int]*tensors.Tensor, outputs []int, needed []bool,
	memoryLimit uint64) *Frame {
	numSlots := state.NumSlots()
	f := &Frame{
		state:       state,
		plan:        state.plan,
		values:      make([]*tensors.Tensor, numSlots),
		buffers:     make([]*buffer, numSlots),
		remaining:   make([]atomic.Int32, numSlots),
		pinned:      make([]bool, numSlots),
		memoryLimit: memoryLimit,
		pool:        make(map[int]*buffer),
	}
	for slot, value := range state.initializers {
		f.values[slot] = value
	}
	for slot, value := range feeds {
		f.values[slot] = value
	}
	for _, slot := range outputs {
		f.pinned[slot] = true
	}
	for _, nodeIdx := range state.order {
		if needed != nil && !needed[nodeIdx] {
			continue
		}
		for _, slot := range distinctSlots(state.inputSlots[nodeIdx]) {
			f.remaining[slot].Add(1)
		}
	}
	return f
}

// AllocateFollowingPlan allocates the value of slot with the given shape, as decided by the allocation plan:
// a fresh buffer, the retired buffer of another slot or the buffer of an aliased slot. Reuse and aliasing fall
// back to a fresh buffer when the planned buffer is not available or doesn't fit.
//
// It fails with ErrAllocationFailure if a fresh allocation would exceed the memory limit.
func (f *Frame) AllocateFollowingPlan(slot int, shape shapes.Shape) error {
	if f.values[slot] != nil {
		return errors.Errorf("slot #%d (%q) is already allocated", slot, f.state.SlotName(slot))
	}
	entry := f.plan.Entry(slot)
	switch entry.Kind {
	case PreExisting:
		return errors.Errorf("slot #%d (%q) holds a feed or an initializer, it can't be allocated",
			slot, f.state.SlotName(slot))

	case Alias:
		source, buf := f.values[entry.Source], f.buffers[entry.Source]
		if source != nil && buf != nil && source.DType() == shape.DType && source.Size() == shape.Size() {
			buf.refs.Add(1)
			return f.assign(slot, shape, buf)
		}
		klog.V(2).Infof("Frame: slot %q can't alias %q, allocating", f.state.SlotName(slot),
			f.state.SlotName(entry.Source))

	case Reuse:
		if buf := f.takeRetired(entry.Source, shape); buf != nil {
			buf.owner = slot
			buf.refs.Store(1)
			f.numReused.Add(1)
			return f.assign(slot, shape, buf)
		}
		klog.V(2).Infof("Frame: slot %q can't reuse the buffer of %q, allocating", f.state.SlotName(slot),
			f.state.SlotName(entry.Source))
	}
	return f.allocateNew(slot, shape)
}

func (f *Frame) assign(slot int, shape shapes.Shape, buf *buffer) error {
	value, err := tensors.FromBacking(shape, buf.backing)
	if err != nil {
		return err
	}
	f.values[slot] = value
	f.buffers[slot] = buf
	return nil
}

// takeRetired removes and returns the buffer retired by the source slot, if it fits shape.
func (f *Frame) takeRetired(source int, shape shapes.Shape) *buffer {
	f.poolMu.Lock()
	defer f.poolMu.Unlock()
	buf := f.pool[source]
	if buf == nil || buf.dtype != shape.DType || buf.capacity < shape.Size() {
		return nil
	}
	delete(f.pool, source)
	return buf
}

func (f *Frame) allocateNew(slot int, shape shapes.Shape) error {
	bytes := int64(shape.Memory())
	total := f.allocatedBytes.Add(bytes)
	if f.memoryLimit > 0 && uint64(total) > f.memoryLimit {
		f.allocatedBytes.Add(-bytes)
		return errors.Wrapf(ErrAllocationFailure, "slot %q: %s for %s would exceed the memory limit of %s (%s in use)",
			f.state.SlotName(slot), humanize.Bytes(uint64(bytes)), shape, humanize.Bytes(f.memoryLimit),
			humanize.Bytes(uint64(total-bytes)))
	}
	value := tensors.FromShape(shape)
	buf := &buffer{owner: slot, dtype: shape.DType, backing: value.FlatAny(), capacity: shape.Size()}
	buf.refs.Store(1)
	f.numFresh.Add(1)
	f.values[slot] = value
	f.buffers[slot] = buf
	return nil
}

// GetValue returns the value of slot, if it was already produced (or fed).
func (f *Frame) GetValue(slot int) (*tensors.Tensor, bool) {
	value := f.values[slot]
	return value, value != nil
}

// GetMutableValue returns the value of slot if it was allocated in this frame. Feeds and initializers are
// read-only, and for them it returns nil.
func (f *Frame) GetMutableValue(slot int) *tensors.Tensor {
	if f.buffers[slot] == nil {
		return nil
	}
	return f.values[slot]
}

// ReleaseIfPlanAllows drops the value of slot if the plan marks it as releasable and it was not requested as an
// output. When no other slot shares its buffer, the buffer is retired for reuse.
//
// It must only be called once all consumers of the slot finished.
func (f *Frame) ReleaseIfPlanAllows(slot int) {
	if !f.plan.Entry(slot).Releasable || f.pinned[slot] {
		return
	}
	buf := f.buffers[slot]
	if buf == nil {
		return
	}
	f.values[slot] = nil
	f.buffers[slot] = nil
	if buf.refs.Add(-1) > 0 {
		return
	}
	f.poolMu.Lock()
	f.pool[buf.owner] = buf
	f.poolMu.Unlock()
}

// consumed marks a node as finished with its inputs, releasing those whose last consumer it was.
func (f *Frame) consumed(nodeIdx graph.NodeIndex) {
	for _, slot := range distinctSlots(f.state.inputSlots[nodeIdx]) {
		if f.remaining[slot].Add(-1) == 0 {
			f.ReleaseIfPlanAllows(slot)
		}
	}
}

// produced releases the outputs of a node that no node of the run consumes.
func (f *Frame) produced(nodeIdx graph.NodeIndex) {
	for _, slot := range f.state.outputSlots[nodeIdx] {
		if slot != NoSlot && f.remaining[slot].Load() == 0 {
			f.ReleaseIfPlanAllows(slot)
		}
	}
}

// FetchOutputs returns the values of the given slots, and the names of those that were not produced.
// Feeds and initializers are returned as copies.
func (f *Frame) FetchOutputs(slots []int) (values []*tensors.Tensor, missing []string) {
	values = make([]*tensors.Tensor, len(slots))
	for ii, slot := range slots {
		value, found := f.GetValue(slot)
		if !found {
			missing = append(missing, f.state.SlotName(slot))
			continue
		}
		if f.plan.Entry(slot).Kind == PreExisting {
			value = value.Clone()
		}
		values[ii] = value
	}
	return values, missing
}

// AllocatedBytes returns the bytes of fresh allocations so far.
func (f *Frame) AllocatedBytes() int64 { return f.allocatedBytes.Load() }

// Stats returns the number of fresh allocations and the number of reused buffers so far.
func (f *Frame) Stats() (fresh, reused int) {
	return int(f.numFresh.Load()), int(f.numReused.Load())
}
