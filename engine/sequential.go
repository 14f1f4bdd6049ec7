// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/gomlx/graphrt/types/tensors"
)

// SequentialExecutorName is the name of the sequential executor in the configuration.
const SequentialExecutorName = "sequential"

func init() {
	RegisterExecutor(SequentialExecutorName, func(cfg *Config) Executor { return NewSequentialExecutor(cfg) })
}

// SequentialExecutor runs the nodes one at a time, in the topological order computed by graph.Resolve.
type SequentialExecutor struct {
	memoryLimit uint64
}

var _ Executor = (*SequentialExecutor)(nil)

// NewSequentialExecutor creates a SequentialExecutor. Only cfg.MemoryLimit is used, cfg may be nil.
func NewSequentialExecutor(cfg *Config) *SequentialExecutor {
	e := &SequentialExecutor{}
	if cfg != nil {
		e.memoryLimit = cfg.MemoryLimit
	}
	return e
}

// Name implements Executor.
func (e *SequentialExecutor) Name() string { return SequentialExecutorName }

// Execute implements Executor.
func (e *SequentialExecutor) Execute(state *SessionState, feeds map[string]*tensors.Tensor, outputNames []string,
	opts *RunOptions) ([]*tensors.Tensor, error) {
	r, err := newRun(state, feeds, outputNames, opts, e.memoryLimit)
	if err != nil {
		return nil, err
	}
	for _, nodeIdx := range state.order {
		if !r.needed[nodeIdx] {
			continue
		}
		if !r.canDispatch() {
			break
		}
		err := r.runNode(nodeIdx)
		if err != nil {
			r.recordFailure(err)
		} else {
			r.frame.produced(nodeIdx)
		}
		r.frame.consumed(nodeIdx)
	}
	return r.finish()
}
