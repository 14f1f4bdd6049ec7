// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"strings"

	"github.com/gomlx/graphrt/graph"
	"github.com/pkg/errors"
)

// Error kinds returned (wrapped) by the executors. Test with errors.Is.
var (
	// ErrKernelExecutionFailure is reported when a kernel returns an error or panics.
	ErrKernelExecutionFailure = errors.New("kernel execution failure")

	// ErrAllocationFailure is reported when an output buffer can't be allocated within the memory limit.
	ErrAllocationFailure = errors.New("allocation failure")

	// ErrCancelled is reported when a run is stopped with RunOptions.Terminate before all its nodes were executed.
	ErrCancelled = errors.New("run cancelled")

	// ErrMissingOutput is reported when a requested output was not produced.
	ErrMissingOutput = errors.New("missing output")
)

// NodeError is the failure of one node's kernel.
//
// It matches ErrKernelExecutionFailure with errors.Is, except when the kernel failed to allocate an output, in which
// case it matches ErrAllocationFailure.
type NodeError struct {
	Node *graph.Node
	Err  error
}

// Error implements error.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.Node, e.Err)
}

// Unwrap returns the kernel error.
func (e *NodeError) Unwrap() error { return e.Err }

// Is implements the errors.Is interface for the kind ErrKernelExecutionFailure.
func (e *NodeError) Is(target error) bool {
	return target == ErrKernelExecutionFailure && !errors.Is(e.Err, ErrAllocationFailure)
}

// RunError is returned by an executor when a run doesn't complete. Err is the first failure recorded (or the
// cancellation), and Missing lists the requested outputs that were not produced.
//
// errors.Is matches both the kind of Err and, if any output is missing, ErrMissingOutput.
type RunError struct {
	Err     error
	Missing []string
}

// Error implements error.
func (e *RunError) Error() string {
	if len(e.Missing) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v; outputs not produced: [%s]", e.Err, strings.Join(e.Missing, ", "))
}

// Unwrap returns the first failure and, if outputs are missing, the missing output error.
func (e *RunError) Unwrap() []error {
	errs := []error{e.Err}
	if len(e.Missing) > 0 {
		errs = append(errs, errors.Wrapf(ErrMissingOutput, "outputs %q were not produced", e.Missing))
	}
	return errs
}
