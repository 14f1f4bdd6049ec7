// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/gomlx/graphrt/engine"
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/graph/graphtest"
	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainSlots returns the slots of x, v0, v1, ... of a graphtest.Chain graph.
func chainSlots(t *testing.T, state *engine.SessionState, length int) (x int, v []int) {
	x, found := state.Slot("x")
	require.True(t, found)
	for ii := range length {
		slot, found := state.Slot(fmt.Sprintf("v%d", ii))
		require.True(t, found)
		v = append(v, slot)
	}
	return
}

func TestSimplePlan(t *testing.T) {
	state := newState(t, graphtest.Chain("Relu", 6, 4, 8), kernels.DefaultRegistry(), engine.SimplePlanner{})
	plan := state.Plan()
	assert.Equal(t, "simple", plan.Strategy)
	x, v := chainSlots(t, state, 6)
	assert.Equal(t, engine.PreExisting, plan.Entry(x).Kind)
	for _, slot := range v {
		entry := plan.Entry(slot)
		assert.Equal(t, engine.AllocateNew, entry.Kind)
		assert.False(t, entry.Releasable)
		assert.Equal(t, int64(128), entry.Bytes)
	}
	assert.Equal(t, int64(6*128), plan.PeakBytes)
}

func TestSequentialPlan(t *testing.T) {
	state := newState(t, graphtest.Chain("Relu", 6, 4, 8), kernels.DefaultRegistry(), engine.SequentialPlanner{})
	plan := state.Plan()
	assert.Equal(t, "sequential", plan.Strategy)
	x, v := chainSlots(t, state, 6)
	assert.Equal(t, engine.PreExisting, plan.Entry(x).Kind)
	assert.False(t, plan.Entry(x).Releasable)

	want := []struct {
		kind   engine.AllocKind
		source int
	}{
		{engine.AllocateNew, engine.NoSlot},
		{engine.AllocateNew, engine.NoSlot},
		{engine.Reuse, v[0]},
		{engine.Reuse, v[1]},
		{engine.Reuse, v[2]},
		{engine.Reuse, v[3]},
	}
	for ii, slot := range v {
		entry := plan.Entry(slot)
		assert.Equalf(t, want[ii].kind, entry.Kind, "v%d", ii)
		assert.Equalf(t, want[ii].source, entry.Source, "v%d", ii)
		assert.Equalf(t, ii < 5, entry.Releasable, "v%d", ii)
	}
	assert.Equal(t, int64(2*128), plan.PeakBytes)
	assert.Contains(t, plan.String(), "2 new, 4 reused")

	description := plan.Describe(state)
	t.Log(description)
	assert.Len(t, strings.Split(strings.TrimSpace(description), "\n"), len(plan.Entries)+1)
	assert.Contains(t, description, fmt.Sprintf("#%d \"v2\": Reuse(#%d), releasable", v[2], v[0]))
}

func TestSequentialPlanDoesNotReuseAcrossDTypes(t *testing.T) {
	b := graphtest.NewBuilder("cast")
	b.Input("x", dtypes.Float32, 4)
	b.Op("Relu", []string{"x"}, []string{"a"}, nil)
	b.Op("Cast", []string{"a"}, []string{"b"}, graph.Attributes{"to": 6}) // int32
	b.Op("Cast", []string{"b"}, []string{"c"}, graph.Attributes{"to": 1}) // float32
	b.Op("Relu", []string{"c"}, []string{"d"}, nil)
	state := newState(t, b.Build(), kernels.DefaultRegistry(), engine.SequentialPlanner{})
	plan := state.Plan()
	slot := func(name string) int {
		slot, found := state.Slot(name)
		require.True(t, found)
		return slot
	}
	assert.Equal(t, engine.AllocateNew, plan.Entry(slot("a")).Kind)
	assert.Equal(t, engine.AllocateNew, plan.Entry(slot("b")).Kind)
	assert.Equal(t, engine.Reuse, plan.Entry(slot("c")).Kind)
	assert.Equal(t, slot("a"), plan.Entry(slot("c")).Source)
	// Only the int32 buffer of "b" is retired when "d" is allocated.
	assert.Equal(t, engine.AllocateNew, plan.Entry(slot("d")).Kind)
}

func TestPlannerByName(t *testing.T) {
	for _, name := range []string{"simple", "sequential"} {
		planner, err := engine.PlannerByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, planner.Name())
	}
	_, err := engine.PlannerByName("magic")
	require.Error(t, err)

	engine.RegisterPlanner(renamedPlanner{Planner: engine.SequentialPlanner{}, name: "renamed"})
	planner, err := engine.PlannerByName("renamed")
	require.NoError(t, err)
	assert.Equal(t, "renamed", planner.Name())
	state := newState(t, graphtest.Chain("Relu", 3, 4), kernels.DefaultRegistry(), planner)
	assert.Equal(t, "sequential", state.Plan().Strategy)
}

// renamedPlanner registers an existing planner under another name.
type renamedPlanner struct {
	engine.Planner
	name string
}

func (p renamedPlanner) Name() string { return p.name }

func TestFrame(t *testing.T) {
	state := newState(t, graphtest.Chain("Relu", 6, 4, 8), kernels.DefaultRegistry(), engine.SequentialPlanner{})
	x, v := chainSlots(t, state, 6)
	shape := shapes.Make(dtypes.Float32, 4, 8)
	feeds := map[int]*tensors.Tensor{x: tensors.FromShape(shape)}

	t.Run("reuse", func(t *testing.T) {
		frame := engine.NewFrame(state, feeds, []int{v[5]}, nil, 0)
		require.NoError(t, frame.AllocateFollowingPlan(v[0], shape))
		require.NoError(t, frame.AllocateFollowingPlan(v[1], shape))
		v0, found := frame.GetValue(v[0])
		require.True(t, found)

		frame.ReleaseIfPlanAllows(v[0])
		_, found = frame.GetValue(v[0])
		assert.False(t, found)
		require.NoError(t, frame.AllocateFollowingPlan(v[2], shape))
		v2, _ := frame.GetValue(v[2])
		assert.True(t, v2.SharesBacking(v0))

		fresh, reused := frame.Stats()
		assert.Equal(t, 2, fresh)
		assert.Equal(t, 1, reused)
		assert.Equal(t, int64(2*128), frame.AllocatedBytes())
	})

	t.Run("reuse falls back to fresh buffers", func(t *testing.T) {
		frame := engine.NewFrame(state, feeds, nil, nil, 0)
		require.NoError(t, frame.AllocateFollowingPlan(v[0], shape))
		// v2 planned to reuse v0, which is still alive.
		require.NoError(t, frame.AllocateFollowingPlan(v[2], shape))
		v0, _ := frame.GetValue(v[0])
		v2, _ := frame.GetValue(v[2])
		assert.False(t, v2.SharesBacking(v0))
		fresh, reused := frame.Stats()
		assert.Equal(t, 2, fresh)
		assert.Equal(t, 0, reused)
	})

	t.Run("errors", func(t *testing.T) {
		frame := engine.NewFrame(state, feeds, nil, nil, 0)
		require.NoError(t, frame.AllocateFollowingPlan(v[0], shape))
		require.Error(t, frame.AllocateFollowingPlan(v[0], shape))
		require.Error(t, frame.AllocateFollowingPlan(x, shape))
	})

	t.Run("mutable values", func(t *testing.T) {
		frame := engine.NewFrame(state, feeds, nil, nil, 0)
		assert.Nil(t, frame.GetMutableValue(x))
		value, found := frame.GetValue(x)
		require.True(t, found)
		assert.Same(t, feeds[x], value)
		assert.Nil(t, frame.GetMutableValue(v[0]))
		require.NoError(t, frame.AllocateFollowingPlan(v[0], shape))
		assert.NotNil(t, frame.GetMutableValue(v[0]))
	})

	t.Run("pinned and non-releasable slots are kept", func(t *testing.T) {
		frame := engine.NewFrame(state, feeds, []int{v[0]}, nil, 0)
		require.NoError(t, frame.AllocateFollowingPlan(v[0], shape))
		require.NoError(t, frame.AllocateFollowingPlan(v[5], shape))
		frame.ReleaseIfPlanAllows(v[0])
		frame.ReleaseIfPlanAllows(v[5])
		frame.ReleaseIfPlanAllows(x)
		for _, slot := range []int{x, v[0], v[5]} {
			_, found := frame.GetValue(slot)
			assert.Truef(t, found, "slot %q", state.SlotName(slot))
		}
	})

	t.Run("memory limit", func(t *testing.T) {
		frame := engine.NewFrame(state, feeds, nil, nil, 200)
		require.NoError(t, frame.AllocateFollowingPlan(v[0], shape))
		err := frame.AllocateFollowingPlan(v[1], shape)
		require.Error(t, err)
		assert.True(t, errors.Is(err, engine.ErrAllocationFailure))
		assert.Equal(t, int64(128), frame.AllocatedBytes())

		// Reused buffers don't count.
		frame.ReleaseIfPlanAllows(v[0])
		require.NoError(t, frame.AllocateFollowingPlan(v[2], shape))
	})
}
