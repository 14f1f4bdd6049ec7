// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrt/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Transformer is a graph rewrite pass.
type Transformer interface {
	// Name identifies the pass in logs and errors.
	Name() string

	// Description is a one-line human-readable summary.
	Description() string

	// Apply rewrites g in place, returning whether anything changed. g is a resolved scratch copy: on error or panic
	// it is discarded.
	Apply(g *graph.Graph) (modified bool, err error)
}

// DefaultMaxSteps is the default number of rounds the Manager runs while passes keep changing the graph.
const DefaultMaxSteps = 5

// Manager applies an ordered list of transformers.
//
// Each pass runs on a scratch Clone of the graph, which is resolved and swapped in only if the pass succeeds:
// a failing pass leaves the graph as it was before that pass.
type Manager struct {
	transformers []Transformer
	maxSteps     int
}

// NewManager creates a Manager that runs up to maxSteps rounds of all transformers.
func NewManager(maxSteps int, transformers ...Transformer) *Manager {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Manager{transformers: transformers, maxSteps: maxSteps}
}

// Register appends a transformer.
func (m *Manager) Register(t Transformer) {
	m.transformers = append(m.transformers, t)
}

// Transformers returns the registered transformers, in order.
func (m *Manager) Transformers() []Transformer { return m.transformers }

// Apply runs the transformers over g until none modifies it, or maxSteps rounds. It returns whether g was modified.
func (m *Manager) Apply(g *graph.Graph) (modified bool, err error) {
	if !g.IsResolved() {
		if err = g.Resolve(); err != nil {
			return false, err
		}
	}
	for step := range m.maxSteps {
		stepModified := false
		for _, t := range m.transformers {
			var passModified bool
			passModified, err = applyAtomically(t, g)
			if err != nil {
				return modified, errors.WithMessagef(err, "graph transformer %q on graph %q", t.Name(), g.Name())
			}
			if passModified {
				klog.V(1).Infof("Graph transformer %q modified graph %q (step %d): %d nodes left",
					t.Name(), g.Name(), step, g.NumberOfNodes())
			}
			stepModified = stepModified || passModified
		}
		if !stepModified {
			break
		}
		modified = true
	}
	return modified, nil
}

func applyAtomically(t Transformer, g *graph.Graph) (modified bool, err error) {
	scratch := g.Clone()
	panicErr := exceptions.TryCatch[error](func() {
		modified, err = t.Apply(scratch)
	})
	if panicErr != nil {
		return false, panicErr
	}
	if err != nil || !modified {
		return false, err
	}
	if err = scratch.Resolve(); err != nil {
		return false, err
	}
	g.ReplaceWith(scratch)
	return true, nil
}
