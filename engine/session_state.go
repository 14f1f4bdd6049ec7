// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"

	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NoSlot marks a missing optional input or output.
const NoSlot = -1

// SessionState is everything that is computed once for a resolved graph and shared (read-only) by all runs:
// the value slots, the kernel of each node, the dependencies between nodes and the allocation plan.
//
// Slots are numbered: initializers first (sorted by name), then the graph inputs, then the node outputs in
// topological order.
type SessionState struct {
	graph *graph.Graph

	slotByName map[string]int
	slotArgs   []*graph.NodeArg
	// producers holds the node producing each slot, or graph.InvalidNodeIndex for initializers and inputs.
	producers []graph.NodeIndex
	// initializers holds the constant value of initializer slots, nil for the others.
	initializers []*tensors.Tensor

	order        []graph.NodeIndex
	topoPosition []int // Indexed by NodeIndex.
	inputSlots   [][]int
	outputSlots  [][]int
	nodeKernels  []kernels.Kernel
	kernelDefs   []*kernels.KernelDef

	// successors and numPredecessors count distinct nodes only.
	successors      [][]graph.NodeIndex
	numPredecessors []int

	plan *Plan
}

// NewSessionState prepares a graph for execution: it resolves it if needed, creates one kernel per node using
// registry (a missing kernel is fatal, reported as kernels.ErrKernelNotFound) and computes the allocation plan
// with planner.
func NewSessionState(g *graph.Graph, registry *kernels.Registry, planner Planner) (*SessionState, error) {
	if !g.IsResolved() {
		if err := g.Resolve(); err != nil {
			return nil, err
		}
	}
	maxIdx := g.MaxNodeIndex()
	s := &SessionState{
		graph:           g,
		slotByName:      make(map[string]int),
		order:           g.TopologicalOrder(),
		topoPosition:    make([]int, maxIdx),
		inputSlots:      make([][]int, maxIdx),
		outputSlots:     make([][]int, maxIdx),
		nodeKernels:     make([]kernels.Kernel, maxIdx),
		kernelDefs:      make([]*kernels.KernelDef, maxIdx),
		successors:      make([][]graph.NodeIndex, maxIdx),
		numPredecessors: make([]int, maxIdx),
	}
	for _, name := range g.InitializerNames() {
		value, _ := g.Initializer(name)
		s.addSlot(g.NodeArg(name), graph.InvalidNodeIndex, value)
	}
	for _, arg := range g.Inputs() {
		if _, found := s.slotByName[arg.Name()]; !found {
			s.addSlot(arg, graph.InvalidNodeIndex, nil)
		}
	}
	for pos, nodeIdx := range s.order {
		node := g.Node(nodeIdx)
		s.topoPosition[nodeIdx] = pos
		s.outputSlots[nodeIdx] = make([]int, len(node.Outputs()))
		for ii, arg := range node.Outputs() {
			s.outputSlots[nodeIdx][ii] = NoSlot
			if arg.Exists() {
				s.outputSlots[nodeIdx][ii] = s.addSlot(arg, nodeIdx, nil)
			}
		}
	}
	for _, nodeIdx := range s.order {
		node := g.Node(nodeIdx)
		s.inputSlots[nodeIdx] = make([]int, len(node.Inputs()))
		for ii, arg := range node.Inputs() {
			s.inputSlots[nodeIdx][ii] = NoSlot
			if !arg.Exists() {
				continue
			}
			slot, found := s.slotByName[arg.Name()]
			if !found {
				return nil, errors.Wrapf(graph.ErrGraphInvalid, "node %s input %q has no producer", node, arg.Name())
			}
			s.inputSlots[nodeIdx][ii] = slot
		}
		for _, edge := range node.InputEdges() {
			if !slices.Contains(s.successors[edge.Node], nodeIdx) {
				s.successors[edge.Node] = append(s.successors[edge.Node], nodeIdx)
				s.numPredecessors[nodeIdx]++
			}
		}

		kernel, def, err := registry.CreateKernel(node)
		if err != nil {
			return nil, err
		}
		s.nodeKernels[nodeIdx] = kernel
		s.kernelDefs[nodeIdx] = def
	}
	for _, arg := range g.Outputs() {
		if _, found := s.slotByName[arg.Name()]; !found {
			return nil, errors.Wrapf(graph.ErrGraphInvalid, "graph output %q is never produced", arg.Name())
		}
	}

	plan, err := planner.Plan(s)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s planner", planner.Name())
	}
	s.plan = plan
	if klog.V(1).Enabled() {
		klog.Infof("Graph %q prepared: %d nodes, %d slots, %s", g.Name(), len(s.order), len(s.slotArgs), plan)
	}
	return s, nil
}

func (s *SessionState) addSlot(arg *graph.NodeArg, producer graph.NodeIndex, value *tensors.Tensor) int {
	slot := len(s.slotArgs)
	s.slotByName[arg.Name()] = slot
	s.slotArgs = append(s.slotArgs, arg)
	s.producers = append(s.producers, producer)
	s.initializers = append(s.initializers, value)
	return slot
}

// Graph returns the resolved graph.
func (s *SessionState) Graph() *graph.Graph { return s.graph }

// Plan returns the allocation plan.
func (s *SessionState) Plan() *Plan { return s.plan }

// NumSlots returns the number of value slots.
func (s *SessionState) NumSlots() int { return len(s.slotArgs) }

// Slot returns the slot of the named value.
func (s *SessionState) Slot(name string) (int, bool) {
	slot, found := s.slotByName[name]
	return slot, found
}

// SlotName returns the name of the value held by slot.
func (s *SessionState) SlotName(slot int) string { return s.slotArgs[slot].Name() }

// Producer returns the node producing the slot, or graph.InvalidNodeIndex for initializers and graph inputs.
func (s *SessionState) Producer(slot int) graph.NodeIndex { return s.producers[slot] }

// Order returns the nodes in topological order.
func (s *SessionState) Order() []graph.NodeIndex { return s.order }

// InputSlots returns the slots of the inputs of a node, with NoSlot for missing optional inputs.
func (s *SessionState) InputSlots(nodeIdx graph.NodeIndex) []int { return s.inputSlots[nodeIdx] }

// OutputSlots returns the slots of the outputs of a node, with NoSlot for missing optional outputs.
func (s *SessionState) OutputSlots(nodeIdx graph.NodeIndex) []int { return s.outputSlots[nodeIdx] }

// KernelDef returns the definition of the kernel selected for a node.
func (s *SessionState) KernelDef(nodeIdx graph.NodeIndex) *kernels.KernelDef { return s.kernelDefs[nodeIdx] }

// Successors returns the distinct nodes consuming any output of nodeIdx.
func (s *SessionState) Successors(nodeIdx graph.NodeIndex) []graph.NodeIndex { return s.successors[nodeIdx] }

// reachable returns which nodes contribute to the given slots.
func (s *SessionState) reachable(targets []int) []bool {
	needed := make([]bool, len(s.topoPosition))
	var stack []graph.NodeIndex
	for _, slot := range targets {
		if producer := s.producers[slot]; producer != graph.InvalidNodeIndex && !needed[producer] {
			needed[producer] = true
			stack = append(stack, producer)
		}
	}
	for len(stack) > 0 {
		nodeIdx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range s.graph.Node(nodeIdx).InputEdges() {
			if !needed[edge.Node] {
				needed[edge.Node] = true
				stack = append(stack, edge.Node)
			}
		}
	}
	return needed
}

// distinctSlots returns the slots in the list without repetitions and without NoSlot.
func distinctSlots(slots []int) []int {
	distinct := make([]int, 0, len(slots))
	for _, slot := range slots {
		if slot != NoSlot && !slices.Contains(distinct, slot) {
			distinct = append(distinct, slot)
		}
	}
	return distinct
}
