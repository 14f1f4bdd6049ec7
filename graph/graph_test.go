// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"math/rand"
	"testing"

	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/graph/graphtest"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestResolveChain(t *testing.T) {
	g := graphtest.Chain("Relu", 3, 2, 2)
	require.True(t, g.IsResolved())
	assert.Equal(t, []graph.NodeIndex{0, 1, 2}, g.TopologicalOrder())
	assert.Len(t, g.Inputs(), 1)
	assert.Equal(t, "x", g.Inputs()[0].Name())
	require.Len(t, g.Outputs(), 1)
	assert.Equal(t, "v2", g.Outputs()[0].Name())

	n1 := g.Node(1)
	assert.Equal(t, []graph.Edge{{Node: 0, SrcArgIndex: 0, DstArgIndex: 0}}, n1.InputEdges())
	assert.Equal(t, []graph.Edge{{Node: 2, SrcArgIndex: 0, DstArgIndex: 0}}, n1.OutputEdges())
	assert.Equal(t, 13, n1.SinceVersion())
	assert.Equal(t, graph.TypeInfo{DType: dtypes.Float32, Dims: []int{2, 2}}, g.NodeArg("v2").Type())

	assert.Equal(t, graph.NodeIndex(1), g.Producer("v1"))
	assert.Equal(t, graph.InvalidNodeIndex, g.Producer("x"))
	assert.Equal(t, []graph.NodeIndex{2}, g.Consumers("v1"))
}

func TestResolveTopologicalOrderOutOfInsertionOrder(t *testing.T) {
	b := graphtest.NewBuilder("reversed")
	b.Input("x", dtypes.Float32, 2)
	b.Op("Relu", []string{"b"}, []string{"c"}, nil)
	b.Op("Relu", []string{"a"}, []string{"b"}, nil)
	b.Op("Relu", []string{"x"}, []string{"a"}, nil)
	g := b.Build()
	assert.Equal(t, []graph.NodeIndex{2, 1, 0}, g.TopologicalOrder())
}

func TestResolveErrors(t *testing.T) {
	t.Run("duplicate producer", func(t *testing.T) {
		b := graphtest.NewBuilder("dup")
		b.Op("Relu", []string{"x"}, []string{"y"}, nil)
		b.Op("Sigmoid", []string{"x"}, []string{"y"}, nil)
		err := b.Graph().Resolve()
		require.Error(t, err)
		assert.True(t, errors.Is(err, graph.ErrGraphInvalid))
		assert.False(t, b.Graph().IsResolved())
	})
	t.Run("cycle", func(t *testing.T) {
		b := graphtest.NewBuilder("cycle")
		b.Op("Add", []string{"x", "b"}, []string{"a"}, nil)
		b.Op("Relu", []string{"a"}, []string{"b"}, nil)
		err := b.Graph().Resolve()
		require.ErrorIs(t, err, graph.ErrGraphInvalid)
		assert.Contains(t, err.Error(), "cycle")
	})
	t.Run("dangling input", func(t *testing.T) {
		b := graphtest.NewBuilder("dangling")
		x := b.Input("x", dtypes.Float32, 2)
		b.Op("Add", []string{"x", "missing"}, []string{"y"}, nil)
		b.Graph().SetInputs(x)
		require.ErrorIs(t, b.Graph().Resolve(), graph.ErrGraphInvalid)
	})
	t.Run("unknown operator", func(t *testing.T) {
		b := graphtest.NewBuilder("unknown")
		b.Op("NoSuchOp", []string{"x"}, []string{"y"}, nil)
		require.ErrorIs(t, b.Graph().Resolve(), graph.ErrGraphInvalid)
	})
	t.Run("domain not imported", func(t *testing.T) {
		b := graphtest.NewBuilder("domain")
		b.OpInDomain("com.example", "Relu", []string{"x"}, []string{"y"}, nil)
		require.ErrorIs(t, b.Graph().Resolve(), graph.ErrGraphInvalid)
	})
	t.Run("arity", func(t *testing.T) {
		b := graphtest.NewBuilder("arity")
		b.Op("Add", []string{"x"}, []string{"y"}, nil)
		require.ErrorIs(t, b.Graph().Resolve(), graph.ErrGraphInvalid)
	})
	t.Run("output also initializer", func(t *testing.T) {
		b := graphtest.NewBuilder("init")
		b.Initializer("y", tensors.FromScalar(float32(1)))
		b.Op("Relu", []string{"x"}, []string{"y"}, nil)
		require.ErrorIs(t, b.Graph().Resolve(), graph.ErrGraphInvalid)
	})
}

func TestOpsetSelectsSchemaVersion(t *testing.T) {
	b := graphtest.NewBuilder("opset")
	b.Op("Clip", []string{"x"}, []string{"y"}, graph.Attributes{"min": 0.0, "max": 1.0})
	b.Graph().SetOpset("", 10)
	g := b.Build()
	assert.Equal(t, 6, g.Node(0).SinceVersion())

	g.SetOpset("ai.onnx", 13)
	require.False(t, g.IsResolved())
	require.NoError(t, g.Resolve())
	assert.Equal(t, 13, g.Node(0).SinceVersion())

	b = graphtest.NewBuilder("deprecated")
	b.Op("Upsample", []string{"x", "scales"}, []string{"y"}, nil)
	g = b.Build()
	assert.True(t, g.Node(0).Schema().Deprecated)
}

func TestEdgesAndRemoveNode(t *testing.T) {
	b := graphtest.NewBuilder("fanout")
	b.Input("x", dtypes.Float32, 3)
	b.Op("Relu", []string{"x"}, []string{"a"}, nil)
	b.Op("Add", []string{"a", "a"}, []string{"b"}, nil)
	b.Op("Sigmoid", []string{"a"}, []string{"c"}, nil)
	g := b.Build()
	assert.Equal(t, 3, g.Node(0).OutputEdgesCount())
	assert.Equal(t, 2, g.Node(1).InputEdgesCount())

	require.NoError(t, g.RemoveEdge(0, 1, 0, 1))
	assert.Equal(t, 2, g.Node(0).OutputEdgesCount())
	assert.Equal(t, 1, g.Node(1).InputEdgesCount())
	assert.False(t, g.IsResolved())
	require.Error(t, g.RemoveEdge(0, 1, 0, 1))
	require.NoError(t, g.AddEdge(0, 1, 0, 1))
	require.Error(t, g.AddEdge(0, 2, 0, 1))

	require.NoError(t, g.RemoveNode(0))
	assert.Nil(t, g.Node(0))
	assert.Equal(t, 2, g.NumberOfNodes())
	assert.Equal(t, 0, g.Node(1).InputEdgesCount())
	assert.Equal(t, 0, g.Node(2).InputEdgesCount())
	require.Error(t, g.RemoveNode(0))

	// Without its producer, "a" becomes an inferred graph input.
	require.NoError(t, g.Resolve())
	assert.Equal(t, "a", g.Inputs()[0].Name())
}

func TestCloneAndReplaceWith(t *testing.T) {
	g := graphtest.RandomDAG(rand.New(rand.NewSource(1)), graphtest.DefaultRandomDAGConfig)
	c := g.Clone()
	require.True(t, c.IsResolved())
	assert.Equal(t, g.TopologicalOrder(), c.TopologicalOrder())
	assert.NotSame(t, g.Node(0), c.Node(0))
	assert.NotSame(t, g.NodeArg("v0"), c.NodeArg("v0"))
	assert.Equal(t, g.Node(5).InputEdges(), c.Node(5).InputEdges())

	c.Node(3).SetAttribute("alpha", 0.5)
	assert.False(t, c.IsResolved())
	assert.True(t, g.IsResolved(), "changes to the clone must not affect the original")
	assert.False(t, g.Node(3).Attributes().Has("alpha"))

	removed := g.Clone()
	require.NoError(t, removed.RemoveNode(0))
	assert.NotNil(t, g.Node(0))

	require.NoError(t, c.Resolve())
	g.ReplaceWith(c)
	require.True(t, g.IsResolved())
	assert.True(t, g.Node(3).Attributes().Has("alpha"))
	g.Node(1).SetAttribute("beta", 1.0)
	assert.False(t, g.IsResolved(), "nodes must point to the graph they were swapped into")
}

func TestAttributes(t *testing.T) {
	attrs := graph.Attributes{"i": 3, "f": 0.5, "s": "relu", "ints": []int{1, 2}, "floats": []float64{0.25}}
	assert.Equal(t, int64(3), attrs.Int("i", 0))
	assert.Equal(t, int64(7), attrs.Int("missing", 7))
	assert.Equal(t, float32(0.5), attrs.Float("f", 0))
	assert.Equal(t, float32(3), attrs.Float("i", 0))
	assert.Equal(t, "relu", attrs.String("s", ""))
	assert.Equal(t, []int64{1, 2}, attrs.Ints("ints"))
	assert.Equal(t, []float32{0.25}, attrs.Floats("floats"))
	assert.Nil(t, attrs.Ints("missing"))
	assert.True(t, attrs.Has("s"))
}

func TestSchemaRegistry(t *testing.T) {
	r := graph.DefaultSchemas()
	assert.Equal(t, 14, r.Lookup("Relu", "", 15).SinceVersion)
	assert.Equal(t, 13, r.Lookup("Relu", "ai.onnx", 13).SinceVersion)
	assert.Nil(t, r.Lookup("Relu", "", 5))
	assert.Equal(t, "com.microsoft.FusedConv-1", r.Lookup("FusedConv", graph.MicrosoftDomain, 1).String())

	custom := r.Clone()
	custom.Register(&graph.OpSchema{OpType: "Relu", SinceVersion: 20, MinInputs: 1, MaxInputs: 1, NumOutputs: 1})
	assert.Equal(t, 20, custom.Lookup("Relu", "", 21).SinceVersion)
	assert.Equal(t, 14, r.Lookup("Relu", "", 21).SinceVersion)

	assert.Equal(t, dtypes.Float16, graph.DTypeFromONNX(10))
	assert.Equal(t, int64(11), graph.ONNXFromDType(dtypes.Float64))
}

func TestTypeInference(t *testing.T) {
	b := graphtest.NewBuilder("types")
	b.Input("x", dtypes.Float32, 2, 3)
	b.Input("y", dtypes.Float32, 3)
	b.Op("Add", []string{"x", "y"}, []string{"sum"}, nil)
	b.Op("Cast", []string{"sum"}, []string{"half"}, graph.Attributes{"to": 10})
	b.Op("ArgMax", []string{"sum"}, []string{"idx"}, nil)
	g := b.Build()
	assert.Equal(t, []int{2, 3}, g.NodeArg("sum").Type().Dims)
	assert.Equal(t, dtypes.Float16, g.NodeArg("half").Type().DType)
	assert.Equal(t, dtypes.Int64, g.NodeArg("idx").Type().DType)
	assert.Equal(t, map[string]dtypes.DType{"T1": dtypes.Float32, "T2": dtypes.Float16},
		g.Node(1).Schema().TypeBindings(g.Node(1)))
}
