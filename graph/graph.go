// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph holds the in-memory model of an inference computation: a directed acyclic graph of operator
// Nodes connected through named NodeArgs, plus the constant Initializers.
//
// The main elements in the package are:
//
//   - Graph: an arena of nodes addressed by a stable NodeIndex, owning the NodeArgs and initializers.
//   - Node: one operator invocation (op type, domain, ordered inputs and outputs, attributes).
//   - NodeArg: a named, typed value slot shared by reference between producer and consumers.
//   - Edge: derived from NodeArg names by Graph.Resolve and stored as adjacency lists on both endpoints.
//   - OpSchema: operator definitions by (op type, domain, since-version), held in a SchemaRegistry.
//
// A Graph is built with AddNode, GetOrCreateNodeArg and AddInitializer, and then Resolve'd. Any structural change
// clears the resolved state. A resolved graph is guaranteed to be a DAG, with at most one producer per NodeArg and
// every node bound to an operator schema.
//
// Graphs are not safe for concurrent mutation. Executors only read a resolved graph.
package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrGraphInvalid is the error kind for structurally invalid graphs, returned (wrapped) by Graph.Resolve.
var ErrGraphInvalid = errors.New("graph invalid")

// OnnxDomain is the default operator domain. The alias "ai.onnx" is normalized to it.
const OnnxDomain = ""

// MicrosoftDomain holds contributed operators, like the fused ones created by graph rewriting.
const MicrosoftDomain = "com.microsoft"

// DefaultOpsets are the operator set versions used by new graphs, per domain.
var DefaultOpsets = map[string]int{
	OnnxDomain:      13,
	MicrosoftDomain: 1,
}

// NormalizeDomain maps domain aliases to their canonical name.
func NormalizeDomain(domain string) string {
	if domain == "ai.onnx" {
		return OnnxDomain
	}
	return domain
}

// Graph is an arena of Nodes with their NodeArgs and initializers. See package documentation.
type Graph struct {
	name string

	// nodes indexed by NodeIndex: removed nodes leave a nil entry.
	nodes    []*Node
	numNodes int

	args         map[string]*NodeArg
	initializers map[string]*tensors.Tensor

	inputs, outputs       []*NodeArg
	inputsSet, outputsSet bool

	opsets  map[string]int
	schemas *SchemaRegistry

	resolved  bool
	topoOrder []NodeIndex
}

// New creates an empty Graph using the default schema registry and opsets.
func New(name string) *Graph {
	g := &Graph{
		name:         name,
		args:         make(map[string]*NodeArg),
		initializers: make(map[string]*tensors.Tensor),
		opsets:       make(map[string]int, len(DefaultOpsets)),
		schemas:      DefaultSchemas(),
	}
	for domain, version := range DefaultOpsets {
		g.opsets[domain] = version
	}
	return g
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// markModified clears the resolved state after any structural change.
func (g *Graph) markModified() {
	g.resolved = false
	g.topoOrder = nil
}

// IsResolved returns whether the graph was resolved and not modified since.
func (g *Graph) IsResolved() bool { return g.resolved }

// SetSchemaRegistry changes the registry used to bind nodes to operator schemas.
func (g *Graph) SetSchemaRegistry(registry *SchemaRegistry) {
	g.schemas = registry
	g.markModified()
}

// Schemas returns the schema registry used by the graph.
func (g *Graph) Schemas() *SchemaRegistry { return g.schemas }

// SetOpset sets the operator set version imported for a domain.
func (g *Graph) SetOpset(domain string, version int) {
	g.opsets[NormalizeDomain(domain)] = version
	g.markModified()
}

// Opset returns the operator set version imported for domain, and whether the domain is imported at all.
func (g *Graph) Opset(domain string) (int, bool) {
	version, found := g.opsets[NormalizeDomain(domain)]
	return version, found
}

// Opsets returns a copy of the operator set versions imported per domain.
func (g *Graph) Opsets() map[string]int {
	opsets := make(map[string]int, len(g.opsets))
	for domain, version := range g.opsets {
		opsets[domain] = version
	}
	return opsets
}

// GetOrCreateNodeArg returns the NodeArg with the given name, creating it with the given type if it doesn't exist.
// The type of an existing NodeArg is refined if it was unknown.
//
// An empty name returns a fresh placeholder for a missing optional argument, not registered in the graph.
func (g *Graph) GetOrCreateNodeArg(name string, typ TypeInfo) *NodeArg {
	if name == "" {
		return &NodeArg{}
	}
	if arg, found := g.args[name]; found {
		if arg.typ.DType == dtypes.InvalidDType && typ.DType != dtypes.InvalidDType {
			arg.SetType(typ)
		}
		return arg
	}
	arg := &NodeArg{name: name}
	arg.SetType(typ)
	g.args[name] = arg
	return arg
}

// NodeArg returns the NodeArg with the given name, or nil.
func (g *Graph) NodeArg(name string) *NodeArg { return g.args[name] }

// AddNode creates a new node and returns it. Inputs and outputs must be NodeArgs of this graph, created with
// GetOrCreateNodeArg, or placeholders for missing optional arguments.
func (g *Graph) AddNode(name, opType, domain string, inputs, outputs []*NodeArg, attributes Attributes) *Node {
	for _, arg := range slices.Concat(inputs, outputs) {
		if arg == nil {
			exceptions.Panicf("Graph.AddNode(%q, %s): nil NodeArg, use GetOrCreateNodeArg(\"\", ...) for missing optional arguments", name, opType)
		}
		if arg.Exists() && g.args[arg.name] != arg {
			exceptions.Panicf("Graph.AddNode(%q, %s): NodeArg %q doesn't belong to graph %q", name, opType, arg.name, g.name)
		}
	}
	node := &Node{
		graph:      g,
		index:      NodeIndex(len(g.nodes)),
		name:       name,
		opType:     opType,
		domain:     NormalizeDomain(domain),
		inputs:     slices.Clone(inputs),
		outputs:    slices.Clone(outputs),
		attributes: attributes.Clone(),
	}
	g.nodes = append(g.nodes, node)
	g.numNodes++
	g.markModified()
	return node
}

// Node returns the node with the given index, or nil if it doesn't exist (or was removed).
func (g *Graph) Node(index NodeIndex) *Node {
	if index < 0 || int(index) >= len(g.nodes) {
		return nil
	}
	return g.nodes[index]
}

// Nodes returns the live nodes in NodeIndex order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, g.numNodes)
	for _, node := range g.nodes {
		if node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// NumberOfNodes returns the number of live nodes.
func (g *Graph) NumberOfNodes() int { return g.numNodes }

// MaxNodeIndex returns one past the largest NodeIndex ever allocated: useful to size per-node slices.
func (g *Graph) MaxNodeIndex() int { return len(g.nodes) }

// RemoveNode deletes a node and all edges attached to it.
func (g *Graph) RemoveNode(index NodeIndex) error {
	node := g.Node(index)
	if node == nil {
		return errors.Errorf("Graph.RemoveNode(#%d): no such node in graph %q", index, g.name)
	}
	for _, edge := range slices.Clone(node.inputEdges) {
		g.removeEdge(edge.Node, index, edge.SrcArgIndex, edge.DstArgIndex)
	}
	for _, edge := range slices.Clone(node.outputEdges) {
		g.removeEdge(index, edge.Node, edge.SrcArgIndex, edge.DstArgIndex)
	}
	g.nodes[index] = nil
	g.numNodes--
	g.markModified()
	return nil
}

// AddEdge connects output srcArgIndex of node src to input dstArgIndex of node dst. Both endpoints must refer to the
// same NodeArg.
func (g *Graph) AddEdge(src, dst NodeIndex, srcArgIndex, dstArgIndex int) error {
	srcNode, dstNode := g.Node(src), g.Node(dst)
	if srcNode == nil || dstNode == nil {
		return errors.Errorf("Graph.AddEdge(#%d -> #%d): invalid node index", src, dst)
	}
	srcArg, dstArg := srcNode.Output(srcArgIndex), dstNode.Input(dstArgIndex)
	if srcArg == nil || dstArg == nil || srcArg != dstArg {
		return errors.Errorf("Graph.AddEdge(#%d:%d -> #%d:%d): arguments don't match", src, srcArgIndex, dst, dstArgIndex)
	}
	g.addEdge(src, dst, srcArgIndex, dstArgIndex)
	g.markModified()
	return nil
}

func (g *Graph) addEdge(src, dst NodeIndex, srcArgIndex, dstArgIndex int) {
	g.nodes[src].outputEdges = append(g.nodes[src].outputEdges, Edge{Node: dst, SrcArgIndex: srcArgIndex, DstArgIndex: dstArgIndex})
	g.nodes[dst].inputEdges = append(g.nodes[dst].inputEdges, Edge{Node: src, SrcArgIndex: srcArgIndex, DstArgIndex: dstArgIndex})
}

// RemoveEdge removes the edge from output srcArgIndex of src to input dstArgIndex of dst, from both endpoints.
func (g *Graph) RemoveEdge(src, dst NodeIndex, srcArgIndex, dstArgIndex int) error {
	if g.Node(src) == nil || g.Node(dst) == nil {
		return errors.Errorf("Graph.RemoveEdge(#%d -> #%d): invalid node index", src, dst)
	}
	if !g.removeEdge(src, dst, srcArgIndex, dstArgIndex) {
		return errors.Errorf("Graph.RemoveEdge(#%d:%d -> #%d:%d): no such edge", src, srcArgIndex, dst, dstArgIndex)
	}
	g.markModified()
	return nil
}

func (g *Graph) removeEdge(src, dst NodeIndex, srcArgIndex, dstArgIndex int) bool {
	srcNode, dstNode := g.nodes[src], g.nodes[dst]
	outIdx := slices.Index(srcNode.outputEdges, Edge{Node: dst, SrcArgIndex: srcArgIndex, DstArgIndex: dstArgIndex})
	inIdx := slices.Index(dstNode.inputEdges, Edge{Node: src, SrcArgIndex: srcArgIndex, DstArgIndex: dstArgIndex})
	if outIdx < 0 || inIdx < 0 {
		return false
	}
	srcNode.outputEdges = slices.Delete(srcNode.outputEdges, outIdx, outIdx+1)
	dstNode.inputEdges = slices.Delete(dstNode.inputEdges, inIdx, inIdx+1)
	return true
}

// AddInitializer binds a constant tensor to the NodeArg with the given name, creating it if needed.
// The tensor is shared, not copied, and must not be modified afterwards.
func (g *Graph) AddInitializer(name string, value *tensors.Tensor) *NodeArg {
	shape := value.Shape()
	arg := g.GetOrCreateNodeArg(name, TypeInfo{DType: shape.DType, Dims: shape.Dimensions})
	arg.SetType(TypeInfo{DType: shape.DType, Dims: shape.Dimensions})
	g.initializers[name] = value
	g.markModified()
	return arg
}

// RemoveInitializer drops the initializer bound to name, if any.
func (g *Graph) RemoveInitializer(name string) {
	if _, found := g.initializers[name]; found {
		delete(g.initializers, name)
		g.markModified()
	}
}

// Initializer returns the constant tensor bound to name.
func (g *Graph) Initializer(name string) (*tensors.Tensor, bool) {
	value, found := g.initializers[name]
	return value, found
}

// IsInitializer returns whether name is bound to a constant tensor.
func (g *Graph) IsInitializer(name string) bool {
	_, found := g.initializers[name]
	return found
}

// InitializerNames returns the names of all initializers, sorted.
func (g *Graph) InitializerNames() []string {
	names := make([]string, 0, len(g.initializers))
	for name := range g.initializers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SetInputs declares the graph inputs explicitly. Otherwise, Resolve infers them as the consumed arguments without
// producer that are not initializers.
func (g *Graph) SetInputs(inputs ...*NodeArg) {
	g.inputs = slices.Clone(inputs)
	g.inputsSet = true
	g.markModified()
}

// SetOutputs declares the graph outputs explicitly. Otherwise, Resolve infers them as the produced arguments without
// consumers.
func (g *Graph) SetOutputs(outputs ...*NodeArg) {
	g.outputs = slices.Clone(outputs)
	g.outputsSet = true
	g.markModified()
}

// Inputs of the graph: declared, or as inferred by the last Resolve.
func (g *Graph) Inputs() []*NodeArg { return g.inputs }

// Outputs of the graph: declared, or as inferred by the last Resolve.
func (g *Graph) Outputs() []*NodeArg { return g.outputs }

// IsInput returns whether name is a graph input.
func (g *Graph) IsInput(name string) bool {
	return slices.ContainsFunc(g.inputs, func(arg *NodeArg) bool { return arg.name == name })
}

// IsOutput returns whether name is a graph output.
func (g *Graph) IsOutput(name string) bool {
	return slices.ContainsFunc(g.outputs, func(arg *NodeArg) bool { return arg.name == name })
}

// Producer returns the index of the node producing the argument with the given name, or InvalidNodeIndex.
func (g *Graph) Producer(name string) NodeIndex {
	if name == "" {
		return InvalidNodeIndex
	}
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for _, arg := range node.outputs {
			if arg.name == name {
				return node.index
			}
		}
	}
	return InvalidNodeIndex
}

// Consumers returns the indices of the nodes consuming the argument with the given name, in index order.
func (g *Graph) Consumers(name string) []NodeIndex {
	var consumers []NodeIndex
	if name == "" {
		return nil
	}
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		if slices.ContainsFunc(node.inputs, func(arg *NodeArg) bool { return arg.name == name }) {
			consumers = append(consumers, node.index)
		}
	}
	return consumers
}

// TopologicalOrder returns the node indices in the topological order computed by Resolve.
// It panics if the graph is not resolved.
func (g *Graph) TopologicalOrder() []NodeIndex {
	if !g.resolved {
		exceptions.Panicf("Graph(%q).TopologicalOrder() requires a resolved graph", g.name)
	}
	return g.topoOrder
}

// Clone returns a deep structural copy of the graph: nodes (with the same indices), NodeArgs, edges, inputs, outputs
// and opsets. Initializer tensors and the schema registry are shared.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		name:         g.name,
		nodes:        make([]*Node, len(g.nodes)),
		numNodes:     g.numNodes,
		args:         make(map[string]*NodeArg, len(g.args)),
		initializers: make(map[string]*tensors.Tensor, len(g.initializers)),
		inputsSet:    g.inputsSet,
		outputsSet:   g.outputsSet,
		opsets:       make(map[string]int, len(g.opsets)),
		schemas:      g.schemas,
		resolved:     g.resolved,
		topoOrder:    slices.Clone(g.topoOrder),
	}
	for name, arg := range g.args {
		c.args[name] = &NodeArg{name: name, typ: TypeInfo{DType: arg.typ.DType, Dims: slices.Clone(arg.typ.Dims)}}
	}
	mapArgs := func(args []*NodeArg) []*NodeArg {
		mapped := make([]*NodeArg, len(args))
		for ii, arg := range args {
			if arg.Exists() {
				mapped[ii] = c.args[arg.name]
			} else {
				mapped[ii] = &NodeArg{}
			}
		}
		return mapped
	}
	for ii, node := range g.nodes {
		if node == nil {
			continue
		}
		c.nodes[ii] = &Node{
			graph:       c,
			index:       node.index,
			name:        node.name,
			opType:      node.opType,
			domain:      node.domain,
			description: node.description,
			provider:    node.provider,
			inputs:      mapArgs(node.inputs),
			outputs:     mapArgs(node.outputs),
			attributes:  node.attributes.Clone(),
			schema:      node.schema,
			inputEdges:  slices.Clone(node.inputEdges),
			outputEdges: slices.Clone(node.outputEdges),
		}
	}
	for name, value := range g.initializers {
		c.initializers[name] = value
	}
	c.inputs = mapArgs(g.inputs)
	c.outputs = mapArgs(g.outputs)
	for domain, version := range g.opsets {
		c.opsets[domain] = version
	}
	return c
}

// ReplaceWith swaps the contents of g with other, typically a modified Clone of g. other must not be used afterwards.
func (g *Graph) ReplaceWith(other *Graph) {
	*g = *other
	for _, node := range g.nodes {
		if node != nil {
			node.graph = g
		}
	}
	*other = Graph{}
}
