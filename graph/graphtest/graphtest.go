// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds graph builders used by tests of the graph, transform, engine and session packages.
package graphtest

import (
	"fmt"
	"math/rand"

	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
)

// Builder accumulates nodes for a graph, with NodeArgs referred to by name.
type Builder struct {
	g *graph.Graph
}

// NewBuilder creates a Builder for a new graph.
func NewBuilder(name string) *Builder {
	return &Builder{g: graph.New(name)}
}

// Graph returns the graph being built, not necessarily resolved.
func (b *Builder) Graph() *graph.Graph { return b.g }

// Arg returns the NodeArg with the given name, creating it with an unknown type.
// An empty name returns a missing optional argument.
func (b *Builder) Arg(name string) *graph.NodeArg {
	return b.g.GetOrCreateNodeArg(name, graph.TypeInfo{})
}

func (b *Builder) args(names []string) []*graph.NodeArg {
	args := make([]*graph.NodeArg, len(names))
	for ii, name := range names {
		args[ii] = b.Arg(name)
	}
	return args
}

// Input creates a typed NodeArg, to be used as a graph input.
func (b *Builder) Input(name string, dtype dtypes.DType, dims ...int) *graph.NodeArg {
	return b.g.GetOrCreateNodeArg(name, graph.TypeInfo{DType: dtype, Dims: dims})
}

// Initializer binds a constant to name.
func (b *Builder) Initializer(name string, value *tensors.Tensor) *graph.NodeArg {
	return b.g.AddInitializer(name, value)
}

// Op adds a node of the default domain, named after its first output.
func (b *Builder) Op(opType string, inputs []string, outputs []string, attrs graph.Attributes) *graph.Node {
	return b.OpInDomain(graph.OnnxDomain, opType, inputs, outputs, attrs)
}

// OpInDomain adds a node of the given domain, named after its first output.
func (b *Builder) OpInDomain(domain, opType string, inputs []string, outputs []string, attrs graph.Attributes) *graph.Node {
	name := opType
	if len(outputs) > 0 {
		name = fmt.Sprintf("%s_%s", opType, outputs[0])
	}
	return b.g.AddNode(name, opType, domain, b.args(inputs), b.args(outputs), attrs)
}

// Build resolves the graph and returns it. It panics if resolving fails.
func (b *Builder) Build() *graph.Graph {
	must.M(b.g.Resolve())
	return b.g
}

// Chain builds x -> op -> v0 -> op -> v1 ... -> v{length-1}, with x a float32 input of the given dims.
func Chain(opType string, length int, dims ...int) *graph.Graph {
	b := NewBuilder(fmt.Sprintf("chain_%s_%d", opType, length))
	b.Input("x", dtypes.Float32, dims...)
	prev := "x"
	for ii := range length {
		out := fmt.Sprintf("v%d", ii)
		b.Op(opType, []string{prev}, []string{out}, nil)
		prev = out
	}
	return b.Build()
}

// RandomDAGConfig configures RandomDAG.
type RandomDAGConfig struct {
	NumNodes, NumInputs, NumInitializers int
	Dims                                 []int
}

// DefaultRandomDAGConfig is a mid-sized graph over float32 [2, 3] values.
var DefaultRandomDAGConfig = RandomDAGConfig{NumNodes: 30, NumInputs: 2, NumInitializers: 3, Dims: []int{2, 3}}

var (
	randomUnaryOps  = []string{"Relu", "Sigmoid", "Tanh", "Identity", "Clip"}
	randomBinaryOps = []string{"Add", "Sub", "Mul"}
)

// RandomDAG builds a random resolved graph of elementwise float32 operations. Graph inputs are named "in<i>",
// initializers "const<i>" and node outputs "v<i>". Node inputs are drawn from inputs, initializers and earlier
// node outputs, so some nodes only consume constants.
func RandomDAG(rng *rand.Rand, config RandomDAGConfig) *graph.Graph {
	b := NewBuilder(fmt.Sprintf("random_dag_%d", config.NumNodes))
	var pool []string
	for ii := range config.NumInputs {
		name := fmt.Sprintf("in%d", ii)
		b.Input(name, dtypes.Float32, config.Dims...)
		pool = append(pool, name)
	}
	var inputs []*graph.NodeArg
	for _, name := range pool {
		inputs = append(inputs, b.Arg(name))
	}
	for ii := range config.NumInitializers {
		name := fmt.Sprintf("const%d", ii)
		b.Initializer(name, RandomTensor(rng, config.Dims...))
		pool = append(pool, name)
	}
	for ii := range config.NumNodes {
		out := fmt.Sprintf("v%d", ii)
		pick := func() string { return pool[rng.Intn(len(pool))] }
		if rng.Intn(2) == 0 {
			b.Op(randomUnaryOps[rng.Intn(len(randomUnaryOps))], []string{pick()}, []string{out}, nil)
		} else {
			b.Op(randomBinaryOps[rng.Intn(len(randomBinaryOps))], []string{pick(), pick()}, []string{out}, nil)
		}
		pool = append(pool, out)
	}
	b.g.SetInputs(inputs...)
	return b.Build()
}

// RandomTensor returns a float32 tensor with values uniformly distributed in [-2, 2).
func RandomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = rng.Float32()*4 - 2
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// RandomFeeds creates random values for all inputs of a graph with static float32 types.
func RandomFeeds(rng *rand.Rand, g *graph.Graph) map[string]*tensors.Tensor {
	feeds := make(map[string]*tensors.Tensor, len(g.Inputs()))
	for _, arg := range g.Inputs() {
		feeds[arg.Name()] = RandomTensor(rng, arg.Type().Dims...)
	}
	return feeds
}
