// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/graphrt/types/tensors"
)

// Evaluator returns a function that executes a graph once with the sequential executor and the simple plan,
// using the kernels in registry. The graph must not have inputs that require feeds.
//
// It is used to fold constants: the returned function can be given to transform.NewConstantFolding.
func Evaluator(registry *kernels.Registry) func(g *graph.Graph, outputNames []string) ([]*tensors.Tensor, error) {
	return func(g *graph.Graph, outputNames []string) ([]*tensors.Tensor, error) {
		state, err := NewSessionState(g, registry, SimplePlanner{})
		if err != nil {
			return nil, err
		}
		return NewSequentialExecutor(nil).Execute(state, nil, outputNames, &RunOptions{RunTag: "evaluate:" + g.Name()})
	}
}
