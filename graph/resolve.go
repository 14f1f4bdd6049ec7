// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Resolve validates the graph and computes its derived state:
//
//   - Each NodeArg has at most one producer, and it is not also a graph input or an initializer.
//   - Edges are rebuilt from NodeArg names, on both endpoints.
//   - Graph inputs and outputs are inferred if they were not declared. If they were, every consumed argument
//     must have a producer, be an initializer or a graph input.
//   - Every node is bound to its OpSchema, for the opset version imported for its domain, and its arity checked.
//   - A topological order is computed. A cycle makes the graph invalid.
//   - Output types are inferred along the topological order, where they are unknown.
//
// All failures are wrapped ErrGraphInvalid errors, and leave the graph unresolved.
func (g *Graph) Resolve() error {
	g.markModified()
	if err := g.resolve(); err != nil {
		return errors.WithMessagef(err, "resolving graph %q", g.name)
	}
	g.resolved = true
	if klog.V(2).Enabled() {
		klog.Infof("Graph %q resolved: %d nodes, %d initializers, %d inputs, %d outputs",
			g.name, g.numNodes, len(g.initializers), len(g.inputs), len(g.outputs))
	}
	return nil
}

func (g *Graph) resolve() error {
	// Producers.
	producers := make(map[string]Edge) // Edge.Node is the producer, Edge.SrcArgIndex the output index.
	declaredInputs := make(map[string]bool, len(g.inputs))
	if g.inputsSet {
		for _, arg := range g.inputs {
			declaredInputs[arg.name] = true
		}
	}
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for outIdx, arg := range node.outputs {
			if !arg.Exists() {
				continue
			}
			if prev, found := producers[arg.name]; found {
				return errors.Wrapf(ErrGraphInvalid, "NodeArg %q is produced by both node %s and node %s",
					arg.name, g.nodes[prev.Node], node)
			}
			if g.IsInitializer(arg.name) || declaredInputs[arg.name] {
				return errors.Wrapf(ErrGraphInvalid, "NodeArg %q produced by node %s is also a graph input or initializer",
					arg.name, node)
			}
			producers[arg.name] = Edge{Node: node.index, SrcArgIndex: outIdx}
		}
	}

	// Edges and inputs.
	var inferredInputs []*NodeArg
	seenInputs := make(map[string]bool)
	consumed := make(map[string]bool)
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		node.inputEdges = nil
		node.outputEdges = nil
	}
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for inIdx, arg := range node.inputs {
			if !arg.Exists() {
				continue
			}
			consumed[arg.name] = true
			if producer, found := producers[arg.name]; found {
				if producer.Node == node.index {
					return errors.Wrapf(ErrGraphInvalid, "node %s consumes its own output %q", node, arg.name)
				}
				g.addEdge(producer.Node, node.index, producer.SrcArgIndex, inIdx)
				continue
			}
			if g.IsInitializer(arg.name) || declaredInputs[arg.name] {
				continue
			}
			if g.inputsSet {
				return errors.Wrapf(ErrGraphInvalid, "node %s input %q has no producer, and it is not a graph input or initializer",
					node, arg.name)
			}
			if !seenInputs[arg.name] {
				seenInputs[arg.name] = true
				inferredInputs = append(inferredInputs, arg)
			}
		}
	}
	if !g.inputsSet {
		g.inputs = inferredInputs
	}

	// Outputs.
	if g.outputsSet {
		for _, arg := range g.outputs {
			_, produced := producers[arg.name]
			if !produced && !g.IsInitializer(arg.name) && !g.IsInput(arg.name) {
				return errors.Wrapf(ErrGraphInvalid, "graph output %q is not produced by any node", arg.name)
			}
		}
	} else {
		g.outputs = nil
		for _, node := range g.nodes {
			if node == nil {
				continue
			}
			for _, arg := range node.outputs {
				if arg.Exists() && !consumed[arg.name] {
					g.outputs = append(g.outputs, arg)
				}
			}
		}
	}

	// Schemas.
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		if err := g.bindSchema(node); err != nil {
			return err
		}
	}

	// Topological order.
	if err := g.sortTopologically(); err != nil {
		return err
	}

	// Type inference.
	for _, nodeIdx := range g.topoOrder {
		node := g.nodes[nodeIdx]
		inferFn := node.schema.InferType
		if inferFn == nil {
			inferFn = InferSameAsInput
		}
		inputTypes := make([]TypeInfo, len(node.inputs))
		for ii, arg := range node.inputs {
			if arg.Exists() {
				inputTypes[ii] = arg.typ
			}
		}
		outputTypes := inferFn(node, inputTypes)
		for ii, arg := range node.outputs {
			if !arg.Exists() || ii >= len(outputTypes) {
				continue
			}
			inferred := outputTypes[ii]
			if arg.typ.DType == dtypes.InvalidDType {
				arg.typ.DType = inferred.DType
			}
			if arg.typ.Dims == nil && inferred.Dims != nil {
				arg.typ.Dims = slices.Clone(inferred.Dims)
			}
		}
	}
	return nil
}

func (g *Graph) bindSchema(node *Node) error {
	version, found := g.opsets[node.domain]
	if !found {
		return errors.Wrapf(ErrGraphInvalid, "node %s: domain %q is not imported by the graph", node, node.domain)
	}
	schema := g.schemas.Lookup(node.opType, node.domain, version)
	if schema == nil {
		return errors.Wrapf(ErrGraphInvalid, "node %s: no schema for operator %q in domain %q for opset %d",
			node, node.opType, node.domain, version)
	}
	numInputs := len(node.inputs)
	if numInputs < schema.MinInputs || (schema.MaxInputs >= 0 && numInputs > schema.MaxInputs) {
		return errors.Wrapf(ErrGraphInvalid, "node %s: operator %s takes %d to %d inputs, got %d",
			node, schema, schema.MinInputs, schema.MaxInputs, numInputs)
	}
	if schema.NumOutputs > 0 && len(node.outputs) != schema.NumOutputs {
		return errors.Wrapf(ErrGraphInvalid, "node %s: operator %s has %d outputs, got %d",
			node, schema, schema.NumOutputs, len(node.outputs))
	}
	if schema.Deprecated {
		klog.Warningf("Graph %q node %s uses deprecated operator %s", g.name, node, schema)
	}
	node.schema = schema
	return nil
}

// sortTopologically uses Kahn's algorithm, taking ready nodes in NodeIndex order so the result is deterministic.
func (g *Graph) sortTopologically() error {
	pending := make([]int, len(g.nodes))
	var ready []NodeIndex
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		pending[node.index] = len(node.inputEdges)
		if pending[node.index] == 0 {
			ready = append(ready, node.index)
		}
	}
	order := make([]NodeIndex, 0, g.numNodes)
	for len(ready) > 0 {
		nodeIdx := ready[0]
		ready = ready[1:]
		order = append(order, nodeIdx)
		var released []NodeIndex
		for _, edge := range g.nodes[nodeIdx].outputEdges {
			pending[edge.Node]--
			if pending[edge.Node] == 0 {
				released = append(released, edge.Node)
			}
		}
		slices.Sort(released)
		ready = append(ready, released...)
	}
	if len(order) != g.numNodes {
		var cyclic []string
		for _, node := range g.nodes {
			if node != nil && pending[node.index] > 0 {
				cyclic = append(cyclic, node.String())
			}
		}
		return errors.Wrapf(ErrGraphInvalid, "graph has a cycle involving nodes [%s]", strings.Join(cyclic, "; "))
	}
	g.topoOrder = order
	return nil
}
