// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// NodeIndex is the stable identity of a Node within its Graph. Indices of removed nodes are not reused.
type NodeIndex int

// InvalidNodeIndex is returned when there is no node, e.g.: Graph.Producer for a graph input.
const InvalidNodeIndex NodeIndex = -1

// Edge connects the output SrcArgIndex of one node to the input DstArgIndex of another.
//
// Edges are stored on both endpoints: in the destination node's input edges Node is the source, in the
// source node's output edges Node is the destination.
type Edge struct {
	Node        NodeIndex
	SrcArgIndex int
	DstArgIndex int
}

// TypeInfo is the (possibly partial) type of a NodeArg. A nil Dims means the rank is unknown, and a
// negative dimension is symbolic (unknown until execution).
type TypeInfo struct {
	DType dtypes.DType
	Dims  []int
}

// StaticSize returns the number of elements if all dimensions are known, or -1.
func (t TypeInfo) StaticSize() int {
	if t.Dims == nil {
		return -1
	}
	size := 1
	for _, dim := range t.Dims {
		if dim < 0 {
			return -1
		}
		size *= dim
	}
	return size
}

// String implements fmt.Stringer.
func (t TypeInfo) String() string {
	if t.Dims == nil {
		return fmt.Sprintf("(%s)[?]", t.DType)
	}
	return fmt.Sprintf("(%s)%v", t.DType, t.Dims)
}

// NodeArg is a named, typed value slot: a graph input or output, an initializer, or the connection between
// a producing node and its consumers. NodeArgs are owned by the Graph and shared by reference by the nodes.
//
// An empty name denotes an optional input or output that is not provided.
type NodeArg struct {
	name string
	typ  TypeInfo
}

// Name of the NodeArg, unique within the graph.
func (a *NodeArg) Name() string { return a.name }

// Exists returns false for the placeholder of a missing optional argument.
func (a *NodeArg) Exists() bool { return a != nil && a.name != "" }

// Type returns the type information known for the argument.
func (a *NodeArg) Type() TypeInfo { return a.typ }

// SetType updates the type information of the argument.
func (a *NodeArg) SetType(t TypeInfo) {
	a.typ = TypeInfo{DType: t.DType, Dims: slices.Clone(t.Dims)}
}

// Node is one operator invocation in a Graph.
//
// Nodes are created with Graph.AddNode and are only changed by graph rewriting code, never during execution.
type Node struct {
	graph       *Graph
	index       NodeIndex
	name        string
	opType      string
	domain      string
	description string
	provider    string

	inputs, outputs []*NodeArg
	attributes      Attributes

	// schema is bound by Graph.Resolve.
	schema *OpSchema

	inputEdges, outputEdges []Edge
}

// Index of the node in its graph.
func (n *Node) Index() NodeIndex { return n.index }

// Name of the node, informative only.
func (n *Node) Name() string { return n.name }

// OpType is the operator name, e.g. "Conv".
func (n *Node) OpType() string { return n.opType }

// Domain of the operator: "" for the default ONNX domain.
func (n *Node) Domain() string { return n.domain }

// Description is a free-form text attached to the node.
func (n *Node) Description() string { return n.description }

// SetDescription sets the node's free-form description.
func (n *Node) SetDescription(description string) { n.description = description }

// ExecutionProvider assigned to the node, e.g. "CPUExecutionProvider". Empty if not assigned.
func (n *Node) ExecutionProvider() string { return n.provider }

// SetExecutionProvider assigns the node to an execution provider.
func (n *Node) SetExecutionProvider(provider string) { n.provider = provider }

// Inputs returns the ordered input arguments. Missing optional inputs have an empty name.
// The returned slice must not be changed.
func (n *Node) Inputs() []*NodeArg { return n.inputs }

// Outputs returns the ordered output arguments. The returned slice must not be changed.
func (n *Node) Outputs() []*NodeArg { return n.outputs }

// Input returns the i-th input, or nil if out of range.
func (n *Node) Input(i int) *NodeArg {
	if i < 0 || i >= len(n.inputs) {
		return nil
	}
	return n.inputs[i]
}

// Output returns the i-th output, or nil if out of range.
func (n *Node) Output(i int) *NodeArg {
	if i < 0 || i >= len(n.outputs) {
		return nil
	}
	return n.outputs[i]
}

// ReplaceInput rewires input i to the given argument.
func (n *Node) ReplaceInput(i int, arg *NodeArg) {
	n.inputs[i] = arg
	n.graph.markModified()
}

// Attributes of the node. The returned map must not be modified, use SetAttribute instead.
func (n *Node) Attributes() Attributes { return n.attributes }

// SetAttribute sets or replaces an attribute.
func (n *Node) SetAttribute(name string, value any) {
	if n.attributes == nil {
		n.attributes = make(Attributes)
	}
	n.attributes[name] = value
	n.graph.markModified()
}

// Schema bound to the node by Graph.Resolve, or nil if the graph was not resolved.
func (n *Node) Schema() *OpSchema { return n.schema }

// SinceVersion of the operator schema the node was bound to, or 0 if not resolved.
func (n *Node) SinceVersion() int {
	if n.schema == nil {
		return 0
	}
	return n.schema.SinceVersion
}

// InputEdges returns the edges arriving to this node. The returned slice must not be changed.
func (n *Node) InputEdges() []Edge { return n.inputEdges }

// OutputEdges returns the edges leaving this node. The returned slice must not be changed.
func (n *Node) OutputEdges() []Edge { return n.outputEdges }

// InputEdgesCount returns the number of edges arriving to this node.
func (n *Node) InputEdgesCount() int { return len(n.inputEdges) }

// OutputEdgesCount returns the number of edges leaving this node.
func (n *Node) OutputEdgesCount() int { return len(n.outputEdges) }

// String implements fmt.Stringer.
func (n *Node) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %q ", n.index, n.name)
	if n.domain != "" {
		sb.WriteString(n.domain)
		sb.WriteString(".")
	}
	sb.WriteString(n.opType)
	names := func(args []*NodeArg) string {
		parts := make([]string, len(args))
		for ii, arg := range args {
			parts[ii] = arg.name
		}
		return strings.Join(parts, ", ")
	}
	fmt.Fprintf(&sb, "(%s) -> (%s)", names(n.inputs), names(n.outputs))
	return sb.String()
}
