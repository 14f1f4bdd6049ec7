// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transform holds graph rewriting: the primitives used by rewrite passes (operator matching, constant input
// detection, subgraph extraction and edge detaching), the Transformer interface, a Manager applying passes
// atomically, and the built-in passes ConvActivationFusion and ConstantFolding.
package transform

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrt/graph"
)

// MatchesOperator returns whether node is opType at exactly the given since-version, in the given domain, and not
// deprecated. A node in the default domain matches any domain.
//
// The node must have been bound to a schema by graph.Graph.Resolve, otherwise it never matches.
func MatchesOperator(node *graph.Node, opType string, version int, domain string) bool {
	schema := node.Schema()
	if node.OpType() != opType || schema == nil || schema.Deprecated || schema.SinceVersion != version {
		return false
	}
	return node.Domain() == "" || node.Domain() == graph.NormalizeDomain(domain)
}

// MatchesAnyVersion returns whether MatchesOperator holds for any of the versions.
func MatchesAnyVersion(node *graph.Node, opType string, versions []int, domain string) bool {
	return slices.ContainsFunc(versions, func(version int) bool {
		return MatchesOperator(node, opType, version, domain)
	})
}

// HasOnlyConstantInputs returns whether node has no incoming edges and all its inputs are initializers.
// A missing optional input is not an initializer, so it makes the result false.
func HasOnlyConstantInputs(g *graph.Graph, node *graph.Node) bool {
	if node.InputEdgesCount() > 0 {
		return false
	}
	for _, arg := range node.Inputs() {
		if !g.IsInitializer(arg.Name()) {
			return false
		}
	}
	return true
}

// ExtractSubgraph builds a new resolved graph with copies of the given nodes. NodeArgs are recreated by name with
// the same types, and the initializers consumed by the nodes are copied (sharing the tensors).
//
// The nodes' arguments not produced within the subgraph become its inputs. A subgraph that fails to resolve is an
// internal invariant violation and panics.
func ExtractSubgraph(g *graph.Graph, nodeIndices []graph.NodeIndex) *graph.Graph {
	sub := graph.New(g.Name() + "_subgraph")
	sub.SetSchemaRegistry(g.Schemas())
	for domain, version := range g.Opsets() {
		sub.SetOpset(domain, version)
	}
	for _, nodeIdx := range nodeIndices {
		node := g.Node(nodeIdx)
		if node == nil {
			exceptions.Panicf("ExtractSubgraph(%q): node #%d doesn't exist", g.Name(), nodeIdx)
		}
		inputs := make([]*graph.NodeArg, len(node.Inputs()))
		for ii, arg := range node.Inputs() {
			inputs[ii] = sub.GetOrCreateNodeArg(arg.Name(), arg.Type())
			if value, found := g.Initializer(arg.Name()); found {
				sub.AddInitializer(arg.Name(), value)
			}
		}
		outputs := make([]*graph.NodeArg, len(node.Outputs()))
		for ii, arg := range node.Outputs() {
			outputs[ii] = sub.GetOrCreateNodeArg(arg.Name(), arg.Type())
		}
		newNode := sub.AddNode(node.Name(), node.OpType(), node.Domain(), inputs, outputs, node.Attributes())
		newNode.SetDescription(node.Description())
		newNode.SetExecutionProvider(node.ExecutionProvider())
	}
	if err := sub.Resolve(); err != nil {
		exceptions.Panicf("ExtractSubgraph(%q): failed to resolve subgraph of nodes %v: %+v", g.Name(), nodeIndices, err)
	}
	return sub
}

// DetachOutputs removes all outgoing edges of node, from both endpoints, and returns how many were removed.
// The node's output arguments are left untouched.
func DetachOutputs(g *graph.Graph, node *graph.Node) int {
	edges := slices.Clone(node.OutputEdges())
	for _, edge := range edges {
		if err := g.RemoveEdge(node.Index(), edge.Node, edge.SrcArgIndex, edge.DstArgIndex); err != nil {
			exceptions.Panicf("DetachOutputs(%s): %+v", node, err)
		}
	}
	return len(edges)
}
