// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EvaluateFn executes a resolved graph and returns the values of the given outputs.
type EvaluateFn func(g *graph.Graph, outputNames []string) ([]*tensors.Tensor, error)

// ConstantFolding evaluates nodes whose inputs are all initializers and replaces them with initializers holding
// their outputs. Initializers left without consumers are removed. Nodes producing graph outputs are kept. Folding proceeds in topological order, so chains of
// constant nodes collapse in one pass.
type ConstantFolding struct {
	evaluate EvaluateFn
}

var _ Transformer = (*ConstantFolding)(nil)

// NewConstantFolding creates the pass using evaluate to run each extracted node.
func NewConstantFolding(evaluate EvaluateFn) *ConstantFolding {
	return &ConstantFolding{evaluate: evaluate}
}

// Name implements Transformer.
func (*ConstantFolding) Name() string { return "ConstantFolding" }

// Description implements Transformer.
func (*ConstantFolding) Description() string {
	return "Evaluating nodes with only constant inputs into initializers"
}

// Apply implements Transformer.
func (cf *ConstantFolding) Apply(g *graph.Graph) (modified bool, err error) {
	for _, nodeIdx := range g.TopologicalOrder() {
		node := g.Node(nodeIdx)
		if node == nil || len(node.Inputs()) == 0 || !HasOnlyConstantInputs(g, node) || producesGraphOutput(g, node) {
			continue
		}
		sub := ExtractSubgraph(g, []graph.NodeIndex{nodeIdx})
		outputNames := make([]string, 0, len(node.Outputs()))
		for _, arg := range node.Outputs() {
			if arg.Exists() {
				outputNames = append(outputNames, arg.Name())
			}
		}
		values, err := cf.evaluate(sub, outputNames)
		if err != nil {
			return modified, errors.WithMessagef(err, "folding node %s", node)
		}
		DetachOutputs(g, node)
		if err = g.RemoveNode(nodeIdx); err != nil {
			return modified, err
		}
		for ii, name := range outputNames {
			g.AddInitializer(name, values[ii])
		}
		removeUnusedInitializers(g, node.Inputs())
		klog.V(2).Infof("ConstantFolding: node %s folded into initializers %v", node, outputNames)
		modified = true
	}
	return modified, nil
}

// removeUnusedInitializers drops the initializers among args that are no longer consumed by any node, and are not
// graph inputs or outputs.
func removeUnusedInitializers(g *graph.Graph, args []*graph.NodeArg) {
	for _, arg := range args {
		name := arg.Name()
		if !g.IsInitializer(name) || g.IsInput(name) || g.IsOutput(name) || len(g.Consumers(name)) > 0 {
			continue
		}
		g.RemoveInitializer(name)
		klog.V(2).Infof("ConstantFolding: initializer %q no longer used, removed", name)
	}
}

func producesGraphOutput(g *graph.Graph, node *graph.Node) bool {
	for _, arg := range node.Outputs() {
		if arg.Exists() && g.IsOutput(arg.Name()) {
			return true
		}
	}
	return false
}
