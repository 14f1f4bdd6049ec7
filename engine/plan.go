// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// AllocKind is how the buffer of a slot is obtained.
type AllocKind int

const (
	// PreExisting slots hold initializers or feeds, they are never allocated.
	PreExisting AllocKind = iota

	// AllocateNew slots get a fresh buffer.
	AllocateNew

	// Reuse slots take the retired buffer of the slot in PlanEntry.Source.
	Reuse

	// Alias slots share the buffer of the slot in PlanEntry.Source.
	Alias
)

// String implements fmt.Stringer.
func (k AllocKind) String() string {
	switch k {
	case PreExisting:
		return "PreExisting"
	case AllocateNew:
		return "AllocateNew"
	case Reuse:
		return "Reuse"
	case Alias:
		return "Alias"
	}
	return fmt.Sprintf("AllocKind(%d)", int(k))
}

// PlanEntry is the allocation decision for one slot.
type PlanEntry struct {
	Kind AllocKind

	// Source is the slot whose buffer is reused or aliased, or NoSlot.
	Source int

	// Releasable slots may have their buffer retired for reuse once their last consumer finished.
	Releasable bool

	// Bytes is the statically known size of the value, or -1 if it depends on the feeds.
	Bytes int64
}

// Plan maps each slot to its PlanEntry. It is immutable once created, and it is shared by all runs and executors.
//
// Reuse decisions are made on the topological order. An executor running nodes in a different order may find the
// source buffer still in use, in which case the frame allocates a fresh buffer instead: Reuse is an optimization,
// never a requirement.
type Plan struct {
	Strategy string
	Entries  []PlanEntry

	// PeakBytes is the estimated memory of buffers allocated when running in topological order, counting only
	// statically sized values.
	PeakBytes int64
}

// Entry returns the entry for slot.
func (p *Plan) Entry(slot int) PlanEntry { return p.Entries[slot] }

// String implements fmt.Stringer.
func (p *Plan) String() string {
	counts := make(map[AllocKind]int)
	for _, entry := range p.Entries {
		counts[entry.Kind]++
	}
	return fmt.Sprintf("%s plan: %d new, %d reused, %d aliased, %d pre-existing, estimated peak %s",
		p.Strategy, counts[AllocateNew], counts[Reuse], counts[Alias], counts[PreExisting],
		humanize.Bytes(uint64(max(p.PeakBytes, 0))))
}

// Describe lists the entry of each slot, one per line, for debugging.
func (p *Plan) Describe(state *SessionState) string {
	var sb strings.Builder
	fmt.Fprintln(&sb, p)
	for slot, entry := range p.Entries {
		fmt.Fprintf(&sb, "  #%d %q: %s", slot, state.SlotName(slot), entry.Kind)
		if entry.Source != NoSlot {
			fmt.Fprintf(&sb, "(#%d)", entry.Source)
		}
		if entry.Releasable {
			sb.WriteString(", releasable")
		}
		if entry.Bytes >= 0 {
			fmt.Fprintf(&sb, ", %s", humanize.Bytes(uint64(entry.Bytes)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Planner creates the allocation plan of a SessionState.
type Planner interface {
	Name() string
	Plan(state *SessionState) (*Plan, error)
}

var planners = map[string]Planner{
	SimplePlanner{}.Name():     SimplePlanner{},
	SequentialPlanner{}.Name(): SequentialPlanner{},
}

// RegisterPlanner makes a planner available by name to Config. Call it during initialization.
func RegisterPlanner(planner Planner) {
	planners[planner.Name()] = planner
}

// PlannerByName returns the registered planner with the given name.
func PlannerByName(name string) (Planner, error) {
	planner, found := planners[name]
	if !found {
		return nil, errors.Errorf("unknown allocation planner %q", name)
	}
	return planner, nil
}

// staticBytes returns the size in bytes of the value of a NodeArg, or -1 if unknown.
func staticBytes(arg *graph.NodeArg) int64 {
	typ := arg.Type()
	size := typ.StaticSize()
	if size < 0 || typ.DType == dtypes.InvalidDType {
		return -1
	}
	return int64(size) * int64(typ.DType.Memory())
}

func newEntries(state *SessionState) []PlanEntry {
	entries := make([]PlanEntry, state.NumSlots())
	for slot := range entries {
		entries[slot] = PlanEntry{Kind: AllocateNew, Source: NoSlot, Bytes: staticBytes(state.slotArgs[slot])}
		if state.Producer(slot) == graph.InvalidNodeIndex {
			entries[slot].Kind = PreExisting
		}
	}
	return entries
}

// SimplePlanner allocates a fresh buffer for every value and never releases them before the end of the run.
type SimplePlanner struct{}

// Name implements Planner.
func (SimplePlanner) Name() string { return "simple" }

// Plan implements Planner.
func (SimplePlanner) Plan(state *SessionState) (*Plan, error) {
	plan := &Plan{Strategy: "simple", Entries: newEntries(state)}
	for _, entry := range plan.Entries {
		if entry.Kind == AllocateNew && entry.Bytes > 0 {
			plan.PeakBytes += entry.Bytes
		}
	}
	return plan, nil
}

// SequentialPlanner walks the nodes in topological order tracking the last consumer of each buffer. Once a buffer's
// last consumer executed, the buffer is retired and the next value of the same dtype that fits in it reuses it
// (smallest fit first). Outputs declared as aliases by the operator schema (e.g. Identity) share the buffer of their
// input, when that input is produced by a node.
//
// Buffers holding graph outputs are never retired.
type SequentialPlanner struct{}

// Name implements Planner.
func (SequentialPlanner) Name() string { return "sequential" }

type retiredBuffer struct {
	slot  int
	dtype dtypes.DType
	bytes int64
}

// Plan implements Planner.
func (SequentialPlanner) Plan(state *SessionState) (*Plan, error) {
	plan := &Plan{Strategy: "sequential", Entries: newEntries(state)}
	entries := plan.Entries
	numSlots := len(entries)

	// root[slot] is the slot owning the buffer the slot lives in.
	root := make([]int, numSlots)
	for slot := range root {
		root[slot] = slot
	}
	// lastUse[root] is the topological position after which the buffer can be retired.
	lastUse := make([]int, numSlots)
	pinned := make([]bool, numSlots)
	for _, arg := range state.graph.Outputs() {
		slot, _ := state.Slot(arg.Name())
		pinned[slot] = true
	}

	// First pass: aliases and buffer lifetimes.
	for pos, nodeIdx := range state.order {
		node := state.graph.Node(nodeIdx)
		for _, slot := range state.outputSlots[nodeIdx] {
			if slot != NoSlot {
				lastUse[slot] = pos
			}
		}
		if schema := node.Schema(); schema != nil {
			for outIdx, inIdx := range schema.AliasOutputs {
				if outIdx >= len(state.outputSlots[nodeIdx]) || inIdx >= len(state.inputSlots[nodeIdx]) {
					continue
				}
				out, in := state.outputSlots[nodeIdx][outIdx], state.inputSlots[nodeIdx][inIdx]
				if out == NoSlot || in == NoSlot || entries[in].Kind == PreExisting {
					continue
				}
				entries[out].Kind = Alias
				entries[out].Source = in
				root[out] = root[in]
			}
		}
		for _, slot := range distinctSlots(state.inputSlots[nodeIdx]) {
			r := root[slot]
			lastUse[r] = max(lastUse[r], pos)
		}
	}
	for slot, r := range root {
		if pinned[slot] {
			pinned[r] = true
		}
	}
	for slot := range entries {
		if entries[slot].Kind != PreExisting {
			entries[slot].Releasable = !pinned[root[slot]]
		}
	}

	// Second pass: reuse retired buffers.
	var (
		retired      []retiredBuffer
		liveBytes    int64
		retiringAt   = make([][]int, len(state.order))
		bufferBytes  = make([]int64, numSlots)
		bufferDTypes = make([]dtypes.DType, numSlots)
	)
	for slot, r := range root {
		if r == slot && entries[slot].Kind != PreExisting && entries[slot].Releasable {
			retiringAt[lastUse[slot]] = append(retiringAt[lastUse[slot]], slot)
		}
	}
	for pos, nodeIdx := range state.order {
		for _, slot := range state.outputSlots[nodeIdx] {
			if slot == NoSlot || entries[slot].Kind == Alias {
				continue
			}
			entry := &entries[slot]
			dtype := state.slotArgs[slot].Type().DType
			bufferDTypes[slot], bufferBytes[slot] = dtype, entry.Bytes
			if entry.Bytes < 0 {
				continue
			}
			best := -1
			for ii, buf := range retired {
				if buf.dtype == dtype && buf.bytes >= entry.Bytes && (best < 0 || buf.bytes < retired[best].bytes) {
					best = ii
				}
			}
			if best >= 0 {
				entry.Kind = Reuse
				entry.Source = retired[best].slot
				bufferBytes[slot] = retired[best].bytes
				retired = slices.Delete(retired, best, best+1)
			} else {
				liveBytes += entry.Bytes
				plan.PeakBytes = max(plan.PeakBytes, liveBytes)
			}
		}
		for _, slot := range retiringAt[pos] {
			if bufferBytes[slot] < 0 {
				continue
			}
			retired = append(retired, retiredBuffer{slot: slot, dtype: bufferDTypes[slot], bytes: bufferBytes[slot]})
		}
	}
	return plan, nil
}
