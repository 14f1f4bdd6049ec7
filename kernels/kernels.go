// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels defines the contract between the executors and the operator implementations (kernels), and the
// Registry used to find the kernel for a node.
//
// A kernel is created once per node, when a session is set up, and its Compute method is called once per run.
// Compute reads its inputs from the Context and allocates each of its outputs with Context.Output, which hands out
// buffers following the session's allocation plan. Kernels must not keep references to inputs or outputs beyond the
// call, and must only write into the outputs they allocated.
//
// Kernels are registered per execution provider, usually during initialization of the provider package.
// See package github.com/gomlx/graphrt/kernels/cpu.
package kernels

import (
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/pkg/errors"
)

// CPUExecutionProvider is the name of the default execution provider.
const CPUExecutionProvider = "CPUExecutionProvider"

// Kernel is the implementation of an operator for a node.
type Kernel interface {
	// Compute reads the inputs and produces all outputs through ctx.
	// It may be called concurrently for different nodes, but never concurrently for the same node.
	Compute(ctx *Context) error
}

// KernelFunc adapts a function to the Kernel interface.
type KernelFunc func(ctx *Context) error

// Compute implements Kernel.
func (fn KernelFunc) Compute(ctx *Context) error { return fn(ctx) }

// Info is given to a Factory to create the kernel of a node.
type Info struct {
	Node *graph.Node
	Def  *KernelDef
}

// Factory creates the kernel for a node. It is called once per node at session set up, and should validate the
// node's attributes.
type Factory func(info *Info) (Kernel, error)

// AllocateFn allocates the output with the given index and shape.
type AllocateFn func(outputIdx int, shape shapes.Shape) (*tensors.Tensor, error)

// Context is the view of the execution frame given to Kernel.Compute.
type Context struct {
	node     *graph.Node
	inputs   []*tensors.Tensor
	outputs  []*tensors.Tensor
	allocate AllocateFn
}

// NewContext creates the context for one execution of node. inputs are indexed like the node inputs, with nil for
// missing optional inputs.
func NewContext(node *graph.Node, inputs []*tensors.Tensor, allocate AllocateFn) *Context {
	return &Context{
		node:     node,
		inputs:   inputs,
		outputs:  make([]*tensors.Tensor, len(node.Outputs())),
		allocate: allocate,
	}
}

// Node being executed.
func (c *Context) Node() *graph.Node { return c.node }

// Attributes of the node being executed.
func (c *Context) Attributes() graph.Attributes { return c.node.Attributes() }

// InputCount returns the number of inputs of the node, including missing optional ones.
func (c *Context) InputCount() int { return len(c.inputs) }

// Input returns the i-th input, or nil if it is a missing optional input or out of range.
func (c *Context) Input(i int) *tensors.Tensor {
	if i < 0 || i >= len(c.inputs) {
		return nil
	}
	return c.inputs[i]
}

// OutputCount returns the number of outputs of the node.
func (c *Context) OutputCount() int { return len(c.outputs) }

// Output allocates the i-th output with the given shape and returns it, to be filled by the kernel.
// Each output can only be allocated once, and missing optional outputs can't be allocated.
func (c *Context) Output(i int, shape shapes.Shape) (*tensors.Tensor, error) {
	if i < 0 || i >= len(c.outputs) {
		return nil, errors.Errorf("node %s has no output #%d", c.node, i)
	}
	if c.outputs[i] != nil {
		return nil, errors.Errorf("node %s output #%d allocated twice", c.node, i)
	}
	if !c.node.Output(i).Exists() {
		return nil, errors.Errorf("node %s output #%d is a missing optional output", c.node, i)
	}
	t, err := c.allocate(i, shape)
	if err != nil {
		return nil, err
	}
	c.outputs[i] = t
	return t, nil
}

// Allocated returns the i-th output if it was allocated by the kernel, or nil.
func (c *Context) Allocated(i int) *tensors.Tensor {
	if i < 0 || i >= len(c.outputs) {
		return nil
	}
	return c.outputs[i]
}
