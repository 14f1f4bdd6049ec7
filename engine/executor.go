// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine executes resolved graphs: it computes the allocation plan, holds the per-run values in an
// execution Frame and schedules the node kernels with one of the registered executors.
//
// Two executors are provided:
//
//   - "sequential": runs the nodes one at a time, in topological order.
//   - "parallel": runs each node as soon as all its predecessors finished, on a bounded pool of workers.
//
// Both run only the nodes needed for the requested outputs, each exactly once, and produce bit-identical results.
// A run fails atomically: if any kernel fails, the first failure is returned, and no outputs.
//
// Example:
//
//	cfg, err := engine.ParseConfig("parallel:workers=4")
//	state, err := engine.NewSessionState(g, kernels.DefaultRegistry(), engine.SequentialPlanner{})
//	exec, err := engine.NewExecutor(cfg)
//	outputs, err := exec.Execute(state, feeds, []string{"y"}, nil)
package engine

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunOptions configure one run.
type RunOptions struct {
	// Terminate, if set, is checked before dispatching each node: once it is true, no new node is started, and the
	// run returns ErrCancelled when the nodes in flight finish.
	Terminate *atomic.Bool

	// RunTag identifies the run in the logs. If empty, a random UUID is used.
	RunTag string
}

// Executor runs a prepared graph.
type Executor interface {
	// Name of the executor, as used in the configuration.
	Name() string

	// Execute runs the nodes needed to compute outputNames (the graph outputs if empty), given the feeds for the
	// graph inputs. opts may be nil.
	//
	// It is safe to call Execute concurrently, with the same or different states.
	Execute(state *SessionState, feeds map[string]*tensors.Tensor, outputNames []string,
		opts *RunOptions) ([]*tensors.Tensor, error)
}

// ExecutorConstructor creates an executor from a configuration.
type ExecutorConstructor func(cfg *Config) Executor

var executorConstructors = make(map[string]ExecutorConstructor)

// RegisterExecutor makes an executor available by name. Call it during initialization.
func RegisterExecutor(name string, constructor ExecutorConstructor) {
	executorConstructors[name] = constructor
}

// Executors returns the names of the registered executors, sorted.
func Executors() []string {
	names := make([]string, 0, len(executorConstructors))
	for name := range executorConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewExecutor creates the executor selected by cfg.
func NewExecutor(cfg *Config) (Executor, error) {
	constructor, found := executorConstructors[cfg.Executor]
	if !found {
		return nil, errors.Errorf("unknown executor %q, registered executors are %q", cfg.Executor, Executors())
	}
	return constructor(cfg), nil
}

// run holds the state of one execution.
type run struct {
	state       *SessionState
	frame       *Frame
	tag         string
	terminate   *atomic.Bool
	needed      []bool
	numNeeded   int
	outputSlots []int

	mu        sync.Mutex
	firstErr  error
	cancelled bool
}

func newRun(state *SessionState, feeds map[string]*tensors.Tensor, outputNames []string, opts *RunOptions,
	memoryLimit uint64) (*run, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	r := &run{state: state, tag: opts.RunTag, terminate: opts.Terminate}
	if r.tag == "" {
		r.tag = uuid.NewString()
	}
	g := state.graph
	if len(outputNames) == 0 {
		for _, arg := range g.Outputs() {
			outputNames = append(outputNames, arg.Name())
		}
	}
	r.outputSlots = make([]int, len(outputNames))
	for ii, name := range outputNames {
		slot, found := state.Slot(name)
		if !found {
			return nil, errors.Wrapf(ErrMissingOutput, "graph %q has no value named %q", g.Name(), name)
		}
		r.outputSlots[ii] = slot
	}

	feedSlots := make(map[int]*tensors.Tensor, len(feeds))
	for name, value := range feeds {
		slot, found := state.Slot(name)
		if !found || !g.IsInput(name) {
			return nil, errors.Errorf("feed %q is not an input of graph %q", name, g.Name())
		}
		if value == nil {
			return nil, errors.Errorf("feed %q is nil", name)
		}
		if err := checkFeedType(state.slotArgs[slot].Type(), value.Shape()); err != nil {
			return nil, errors.WithMessagef(err, "feed %q", name)
		}
		feedSlots[slot] = value
	}

	r.needed = state.reachable(r.outputSlots)
	isAvailable := func(slot int) bool {
		return state.producers[slot] != graph.InvalidNodeIndex || state.initializers[slot] != nil || feedSlots[slot] != nil
	}
	for _, slot := range r.outputSlots {
		if !isAvailable(slot) {
			return nil, errors.Errorf("input %q is requested as an output but was not fed", state.SlotName(slot))
		}
	}
	for _, nodeIdx := range state.order {
		if !r.needed[nodeIdx] {
			continue
		}
		r.numNeeded++
		for _, slot := range state.inputSlots[nodeIdx] {
			if slot != NoSlot && !isAvailable(slot) {
				return nil, errors.Errorf("input %q is needed by node %s but was not fed",
					state.SlotName(slot), g.Node(nodeIdx))
			}
		}
	}
	r.frame = NewFrame(state, feedSlots, r.outputSlots, r.needed, memoryLimit)
	return r, nil
}

// checkFeedType verifies a fed shape against the declared type of the input. Unknown parts are not checked.
func checkFeedType(declared graph.TypeInfo, shape shapes.Shape) error {
	if declared.DType != dtypes.InvalidDType && declared.DType != shape.DType {
		return errors.Errorf("dtype %s doesn't match declared %s", shape.DType, declared)
	}
	if declared.Dims == nil {
		return nil
	}
	if len(declared.Dims) != shape.Rank() {
		return errors.Errorf("shape %s doesn't match declared %s", shape, declared)
	}
	for axis, dim := range declared.Dims {
		if dim >= 0 && dim != shape.Dimensions[axis] {
			return errors.Errorf("shape %s doesn't match declared %s", shape, declared)
		}
	}
	return nil
}

// canDispatch returns whether new nodes can still be started: no failure was recorded and the run was not
// terminated.
func (r *run) canDispatch() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstErr != nil {
		return false
	}
	if r.terminate != nil && r.terminate.Load() {
		if !r.cancelled {
			klog.V(1).Infof("[run %s] terminated, no new nodes will be started", r.tag)
		}
		r.cancelled = true
		return false
	}
	return true
}

// recordFailure keeps the first failure of the run, later ones are only logged.
func (r *run) recordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstErr == nil {
		r.firstErr = err
		klog.V(1).Infof("[run %s] failed: %v", r.tag, err)
		return
	}
	klog.Errorf("[run %s] another node failed after the run already failed: %+v", r.tag, err)
}

// runNode executes the kernel of a node, allocating its outputs following the plan.
// Kernel panics are converted to errors.
func (r *run) runNode(nodeIdx graph.NodeIndex) error {
	state := r.state
	node := state.graph.Node(nodeIdx)
	inputSlots, outputSlots := state.inputSlots[nodeIdx], state.outputSlots[nodeIdx]
	inputs := make([]*tensors.Tensor, len(inputSlots))
	for ii, slot := range inputSlots {
		if slot == NoSlot {
			continue
		}
		value, found := r.frame.GetValue(slot)
		if !found {
			return &NodeError{Node: node, Err: errors.Errorf("input %q is not available", state.SlotName(slot))}
		}
		inputs[ii] = value
	}
	ctx := kernels.NewContext(node, inputs, func(outputIdx int, shape shapes.Shape) (*tensors.Tensor, error) {
		slot := outputSlots[outputIdx]
		if err := r.frame.AllocateFollowingPlan(slot, shape); err != nil {
			return nil, err
		}
		return r.frame.GetMutableValue(slot), nil
	})

	var err error
	exception := exceptions.Try(func() { err = state.nodeKernels[nodeIdx].Compute(ctx) })
	if exception != nil {
		if e, ok := exception.(error); ok {
			err = errors.WithMessage(e, "kernel panicked")
		} else {
			err = errors.Errorf("kernel panicked: %v", exception)
		}
	}
	if err == nil {
		for ii, slot := range outputSlots {
			if slot != NoSlot && ctx.Allocated(ii) == nil {
				err = errors.Errorf("kernel %s didn't produce output #%d (%q)", state.kernelDefs[nodeIdx], ii,
					state.SlotName(slot))
				break
			}
		}
	}
	if err != nil {
		return &NodeError{Node: node, Err: err}
	}
	if klog.V(2).Enabled() {
		klog.Infof("[run %s] executed node %s", r.tag, node)
	}
	return nil
}

// finish fetches the requested outputs, or returns the error of the run.
func (r *run) finish() ([]*tensors.Tensor, error) {
	values, missing := r.frame.FetchOutputs(r.outputSlots)
	r.mu.Lock()
	cause := r.firstErr
	if cause == nil && r.cancelled {
		cause = errors.Wrapf(ErrCancelled, "run %s", r.tag)
	}
	r.mu.Unlock()
	if cause != nil {
		return nil, &RunError{Err: cause, Missing: missing}
	}
	if len(missing) > 0 {
		return nil, errors.Wrapf(ErrMissingOutput, "run %s: outputs %q were not produced", r.tag, missing)
	}
	if klog.V(1).Enabled() {
		fresh, reused := r.frame.Stats()
		klog.Infof("[run %s] done: %d nodes, %d buffers allocated (%d bytes), %d reused",
			r.tag, r.numNeeded, fresh, r.frame.AllocatedBytes(), reused)
	}
	return values, nil
}
