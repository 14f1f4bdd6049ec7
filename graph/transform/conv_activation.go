// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"github.com/gomlx/graphrt/graph"
	"github.com/pkg/errors"
)

// fusableActivations lists the activation operators, and their versions, that can be folded into a FusedConv.
var fusableActivations = map[string][]int{
	"Relu":      {6, 13, 14},
	"Sigmoid":   {6, 13},
	"Tanh":      {6, 13},
	"LeakyRelu": {6, 16},
}

var convVersions = []int{1, 11}

// ConvActivationFusion replaces a Conv followed by an activation with a single com.microsoft FusedConv node,
// carrying the activation in its "activation" attribute (and "activation_params" for LeakyRelu's alpha).
//
// The Conv output must feed only the activation, must not be a graph output, and both nodes must be assigned to
// the same execution provider.
type ConvActivationFusion struct{}

var _ Transformer = ConvActivationFusion{}

// Name implements Transformer.
func (ConvActivationFusion) Name() string { return "ConvActivationFusion" }

// Description implements Transformer.
func (ConvActivationFusion) Description() string { return "Fusing Activation into Conv" }

// Apply implements Transformer.
func (f ConvActivationFusion) Apply(g *graph.Graph) (modified bool, err error) {
	for _, nodeIdx := range g.TopologicalOrder() {
		conv := g.Node(nodeIdx)
		if conv == nil || !MatchesAnyVersion(conv, "Conv", convVersions, graph.OnnxDomain) {
			continue
		}
		if conv.OutputEdgesCount() != 1 || g.IsOutput(conv.Output(0).Name()) {
			continue
		}
		act := g.Node(conv.OutputEdges()[0].Node)
		versions, found := fusableActivations[act.OpType()]
		if !found || !MatchesAnyVersion(act, act.OpType(), versions, graph.OnnxDomain) {
			continue
		}
		if act.ExecutionProvider() != conv.ExecutionProvider() {
			continue
		}
		if err = fuseConvActivation(g, conv, act); err != nil {
			return modified, err
		}
		modified = true
	}
	return modified, nil
}

func fuseConvActivation(g *graph.Graph, conv, act *graph.Node) error {
	attrs := conv.Attributes().Clone()
	if attrs == nil {
		attrs = make(graph.Attributes)
	}
	attrs["activation"] = act.OpType()
	if act.OpType() == "LeakyRelu" {
		attrs["activation_params"] = []float32{act.Attributes().Float("alpha", 0.01)}
	}
	inputs, outputs := conv.Inputs(), act.Outputs()
	name := conv.Name() + "_" + act.OpType()
	provider := conv.ExecutionProvider()

	DetachOutputs(g, conv)
	DetachOutputs(g, act)
	if err := g.RemoveNode(conv.Index()); err != nil {
		return errors.WithMessage(err, "removing fused Conv")
	}
	if err := g.RemoveNode(act.Index()); err != nil {
		return errors.WithMessagef(err, "removing fused %s", act.OpType())
	}
	fused := g.AddNode(name, "FusedConv", graph.MicrosoftDomain, inputs, outputs, attrs)
	fused.SetExecutionProvider(provider)
	fused.SetDescription("fused Conv with " + act.OpType())
	return nil
}
