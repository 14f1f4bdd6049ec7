// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"

	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/types/tensors"
)

// ParallelExecutorName is the name of the parallel executor in the configuration.
const ParallelExecutorName = "parallel"

func init() {
	RegisterExecutor(ParallelExecutorName, func(cfg *Config) Executor { return NewParallelExecutor(cfg) })
}

// ParallelExecutor runs each node as soon as all the nodes it depends on finished, on a pool of workers.
//
// Each node starts with a pending count of distinct predecessors. When a node finishes, its successors' counts are
// decremented, and a successor is dispatched at the moment its count reaches zero: that transition happens exactly
// once per node, so it is the only place where nodes are scheduled.
//
// Once a node fails, or the run is terminated, no new node is dispatched, but the ones running are allowed to
// finish. The run ends when no node is outstanding.
type ParallelExecutor struct {
	memoryLimit uint64
	workers     *workersPool
}

var _ Executor = (*ParallelExecutor)(nil)

// NewParallelExecutor creates a ParallelExecutor using cfg.Workers and cfg.MemoryLimit. If cfg is nil it uses one
// worker per CPU.
func NewParallelExecutor(cfg *Config) *ParallelExecutor {
	if cfg == nil {
		cfg = NewConfig(ParallelExecutorName)
	}
	return &ParallelExecutor{
		memoryLimit: cfg.MemoryLimit,
		workers:     newWorkersPool(cfg.Workers),
	}
}

// Name implements Executor.
func (e *ParallelExecutor) Name() string { return ParallelExecutorName }

// Execute implements Executor.
func (e *ParallelExecutor) Execute(state *SessionState, feeds map[string]*tensors.Tensor, outputNames []string,
	opts *RunOptions) ([]*tensors.Tensor, error) {
	r, err := newRun(state, feeds, outputNames, opts, e.memoryLimit)
	if err != nil {
		return nil, err
	}
	if r.numNeeded == 0 {
		return r.finish()
	}

	var (
		// refMu protects pending.
		refMu   sync.Mutex
		pending = make([]int, len(r.needed))

		// completeMu protects outstanding: the number of nodes made ready and not yet finished (or skipped).
		completeMu  sync.Mutex
		outstanding int

		readyToExecute = make(chan graph.NodeIndex, r.numNeeded)
		allDone        = sync.OnceFunc(func() { close(readyToExecute) })
	)
	var seeds []graph.NodeIndex
	for _, nodeIdx := range state.order {
		if !r.needed[nodeIdx] {
			continue
		}
		pending[nodeIdx] = state.numPredecessors[nodeIdx]
		if pending[nodeIdx] == 0 {
			seeds = append(seeds, nodeIdx)
		}
	}
	outstanding = len(seeds)
	for _, nodeIdx := range seeds {
		readyToExecute <- nodeIdx
	}

	// completeFn accounts for a finished (or skipped) node, and dispatches the successors it made ready.
	// Cancellation is only checked when there are successors to dispatch, so a run whose last node finishes
	// after Terminate still returns its outputs.
	completeFn := func(nodeIdx graph.NodeIndex, succeeded bool) {
		var newlyReady []graph.NodeIndex
		if succeeded {
			refMu.Lock()
			for _, succ := range state.successors[nodeIdx] {
				if !r.needed[succ] {
					continue
				}
				pending[succ]--
				if pending[succ] == 0 {
					newlyReady = append(newlyReady, succ)
				}
			}
			refMu.Unlock()
			if len(newlyReady) > 0 && !r.canDispatch() {
				// Released successors are dropped: they are never dispatched.
				newlyReady = nil
			}
		}

		completeMu.Lock()
		outstanding += len(newlyReady) - 1
		done := outstanding == 0
		completeMu.Unlock()
		for _, succ := range newlyReady {
			readyToExecute <- succ
		}
		if done {
			allDone()
		}
	}

	for nodeIdx := range readyToExecute {
		if !r.canDispatch() {
			completeFn(nodeIdx, false)
			continue
		}
		e.workers.WaitToStart(func() {
			err := r.runNode(nodeIdx)
			if err != nil {
				r.recordFailure(err)
			} else {
				r.frame.produced(nodeIdx)
			}
			r.frame.consumed(nodeIdx)
			completeFn(nodeIdx, err == nil)
		})
	}
	return r.finish()
}
