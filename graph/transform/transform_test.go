// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform_test

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/gomlx/graphrt/engine"
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/graph/graphtest"
	. "github.com/gomlx/graphrt/graph/transform"
	"github.com/gomlx/graphrt/kernels"
	_ "github.com/gomlx/graphrt/kernels/cpu"
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

// runGraph executes g with the sequential executor, returning the named values.
func runGraph(t *testing.T, g *graph.Graph, feeds map[string]*tensors.Tensor, names []string) []*tensors.Tensor {
	state, err := engine.NewSessionState(g, kernels.DefaultRegistry(), engine.SequentialPlanner{})
	require.NoError(t, err)
	values, err := engine.NewSequentialExecutor(nil).Execute(state, feeds, names, nil)
	require.NoError(t, err)
	return values
}

func outputNames(g *graph.Graph) []string {
	var names []string
	for _, arg := range g.Outputs() {
		names = append(names, arg.Name())
	}
	return names
}

func TestMatchesOperator(t *testing.T) {
	b := graphtest.NewBuilder("match")
	b.Input("x", dtypes.Float32, 3)
	b.Op("Relu", []string{"x"}, []string{"a"}, nil)
	b.OpInDomain(graph.MicrosoftDomain, "FusedConv", []string{"a", "a"}, []string{"b"}, nil)
	g := b.Build()
	relu, fused := g.Node(0), g.Node(1)

	assert.True(t, MatchesOperator(relu, "Relu", 13, graph.OnnxDomain))
	assert.True(t, MatchesOperator(relu, "Relu", 13, "ai.onnx"))
	assert.True(t, MatchesOperator(relu, "Relu", 13, graph.MicrosoftDomain), "default domain nodes match any domain")
	assert.False(t, MatchesOperator(relu, "Relu", 6, graph.OnnxDomain))
	assert.False(t, MatchesOperator(relu, "Sigmoid", 13, graph.OnnxDomain))
	assert.True(t, MatchesAnyVersion(relu, "Relu", []int{6, 13, 14}, graph.OnnxDomain))
	assert.False(t, MatchesAnyVersion(relu, "Relu", []int{6, 14}, graph.OnnxDomain))

	assert.True(t, MatchesOperator(fused, "FusedConv", 1, graph.MicrosoftDomain))
	assert.False(t, MatchesOperator(fused, "FusedConv", 1, graph.OnnxDomain))

	// Deprecated operators never match.
	b = graphtest.NewBuilder("deprecated")
	b.Op("Upsample", []string{"x", "scales"}, []string{"y"}, nil)
	g = b.Build()
	assert.False(t, MatchesOperator(g.Node(0), "Upsample", 10, graph.OnnxDomain))

	// Unresolved nodes have no schema.
	unresolved := graph.New("unresolved")
	node := unresolved.AddNode("relu", "Relu", graph.OnnxDomain,
		[]*graph.NodeArg{unresolved.GetOrCreateNodeArg("x", graph.TypeInfo{})},
		[]*graph.NodeArg{unresolved.GetOrCreateNodeArg("y", graph.TypeInfo{})}, nil)
	assert.False(t, MatchesOperator(node, "Relu", 13, graph.OnnxDomain))
}

func TestHasOnlyConstantInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	config := graphtest.DefaultRandomDAGConfig
	config.NumInitializers = 4
	for range 20 {
		g := graphtest.RandomDAG(rng, config)
		for _, node := range g.Nodes() {
			// A node has only constant inputs iff all of its inputs are initializers.
			want := !slices.ContainsFunc(node.Inputs(), func(arg *graph.NodeArg) bool {
				return !g.IsInitializer(arg.Name())
			})
			require.Equalf(t, want, HasOnlyConstantInputs(g, node), "node %s", node)
		}
	}

	// Removing edges doesn't make the inputs constant.
	g := graphtest.Chain("Relu", 2, 3)
	DetachOutputs(g, g.Node(0))
	assert.Equal(t, 0, g.Node(1).InputEdgesCount())
	assert.False(t, HasOnlyConstantInputs(g, g.Node(1)))

	// A missing optional input is not constant.
	b := graphtest.NewBuilder("clip")
	b.Initializer("x", tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2))
	b.Initializer("hi", tensors.FromScalar(float32(1)))
	b.Op("Clip", []string{"x", "", "hi"}, []string{"y"}, nil)
	g = b.Build()
	assert.False(t, HasOnlyConstantInputs(g, g.Node(0)))
}

func TestDetachOutputs(t *testing.T) {
	b := graphtest.NewBuilder("fanout")
	b.Input("x", dtypes.Float32, 3)
	b.Op("Relu", []string{"x"}, []string{"a"}, nil)
	b.Op("Sigmoid", []string{"a"}, []string{"b"}, nil)
	b.Op("Tanh", []string{"a"}, []string{"c"}, nil)
	b.Op("Add", []string{"a", "a"}, []string{"d"}, nil)
	g := b.Build()
	relu := g.Node(0)
	require.Equal(t, 4, relu.OutputEdgesCount())

	assert.Equal(t, 4, DetachOutputs(g, relu))
	assert.Equal(t, 0, relu.OutputEdgesCount())
	for _, nodeIdx := range []graph.NodeIndex{1, 2, 3} {
		assert.Equal(t, 0, g.Node(nodeIdx).InputEdgesCount())
	}
	assert.Equal(t, "x", relu.Input(0).Name())
	assert.Equal(t, "a", relu.Output(0).Name())

	// Idempotent.
	assert.Equal(t, 0, DetachOutputs(g, relu))

	// The edges come back when the graph is resolved again.
	require.NoError(t, g.Resolve())
	assert.Equal(t, 4, relu.OutputEdgesCount())
}

func TestExtractSubgraph(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for range 10 {
		g := graphtest.RandomDAG(rng, graphtest.DefaultRandomDAGConfig)
		feeds := graphtest.RandomFeeds(rng, g)

		// Values of the full graph, by name.
		var names []string
		for _, node := range g.Nodes() {
			names = append(names, node.Output(0).Name())
		}
		values := make(map[string]*tensors.Tensor)
		for ii, value := range runGraph(t, g, feeds, names) {
			values[names[ii]] = value
		}
		for name, value := range feeds {
			values[name] = value
		}

		// Random subset of nodes.
		var subset []graph.NodeIndex
		for _, nodeIdx := range g.TopologicalOrder() {
			if rng.Intn(2) == 0 {
				subset = append(subset, nodeIdx)
			}
		}
		if len(subset) == 0 {
			continue
		}
		sub := ExtractSubgraph(g, subset)
		require.True(t, sub.IsResolved())
		require.Equal(t, len(subset), sub.NumberOfNodes())
		for ii, node := range sub.Nodes() {
			original := g.Node(subset[ii])
			require.Equal(t, original.Name(), node.Name())
			require.Equal(t, original.OpType(), node.OpType())
			require.Equal(t, original.SinceVersion(), node.SinceVersion())
		}

		// Running the subgraph fed with the values of its inputs reproduces the values of the full graph.
		subFeeds := make(map[string]*tensors.Tensor)
		for _, arg := range sub.Inputs() {
			require.Falsef(t, g.IsInitializer(arg.Name()), "initializer %q became an input", arg.Name())
			subFeeds[arg.Name()] = values[arg.Name()]
		}
		var subNames []string
		for _, node := range sub.Nodes() {
			subNames = append(subNames, node.Output(0).Name())
		}
		for ii, value := range runGraph(t, sub, subFeeds, subNames) {
			require.Truef(t, values[subNames[ii]].Equal(value), "value %q differs in the subgraph", subNames[ii])
		}
	}

	g := graphtest.Chain("Relu", 2, 3)
	require.NoError(t, g.RemoveNode(0))
	assert.Panics(t, func() { ExtractSubgraph(g, []graph.NodeIndex{0}) })
	assert.Panics(t, func() { ExtractSubgraph(g, []graph.NodeIndex{7}) })
}

// failingPass removes a node and then fails, or panics.
type failingPass struct {
	panics bool
}

func (failingPass) Name() string        { return "FailingPass" }
func (failingPass) Description() string { return "removes the first node and fails" }
func (p failingPass) Apply(g *graph.Graph) (bool, error) {
	DetachOutputs(g, g.Node(0))
	if err := g.RemoveNode(0); err != nil {
		return false, err
	}
	if p.panics {
		panic(errors.New("pass exploded"))
	}
	return true, errors.New("pass failed")
}

// breakingPass makes the graph invalid: Relu consuming its own output.
type breakingPass struct{}

func (breakingPass) Name() string        { return "BreakingPass" }
func (breakingPass) Description() string { return "creates a cycle" }
func (breakingPass) Apply(g *graph.Graph) (bool, error) {
	node := g.Node(0)
	node.ReplaceInput(0, node.Output(0))
	return true, nil
}

// countingPass claims to modify the graph every time it runs.
type countingPass struct {
	count *int
}

func (countingPass) Name() string        { return "CountingPass" }
func (countingPass) Description() string { return "counts" }
func (p countingPass) Apply(*graph.Graph) (bool, error) {
	*p.count++
	return true, nil
}

func TestManager(t *testing.T) {
	for _, pass := range []Transformer{failingPass{}, failingPass{panics: true}, breakingPass{}} {
		t.Run(pass.Name(), func(t *testing.T) {
			g := graphtest.Chain("Relu", 3, 2)
			numNodes := g.NumberOfNodes()
			modified, err := NewManager(0, pass).Apply(g)
			require.Error(t, err)
			assert.False(t, modified)
			assert.Contains(t, err.Error(), pass.Name())
			assert.True(t, g.IsResolved())
			assert.Equal(t, numNodes, g.NumberOfNodes())
			assert.NotNil(t, g.Node(0))
			assert.Equal(t, "x", g.Node(0).Input(0).Name())
		})
	}

	var count int
	m := NewManager(3, countingPass{&count})
	assert.Len(t, m.Transformers(), 1)
	modified, err := m.Apply(graphtest.Chain("Relu", 3, 2))
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, 3, count)
}

func convGraph(activation string, attrs graph.Attributes) *graphtest.Builder {
	rng := rand.New(rand.NewSource(1))
	b := graphtest.NewBuilder("conv_" + activation)
	b.Input("x", dtypes.Float32, 1, 2, 5, 5)
	b.Initializer("w", graphtest.RandomTensor(rng, 3, 2, 3, 3))
	b.Initializer("bias", graphtest.RandomTensor(rng, 3))
	b.Op("Conv", []string{"x", "w", "bias"}, []string{"c"}, graph.Attributes{"pads": []int64{1, 1, 1, 1}})
	b.Op(activation, []string{"c"}, []string{"y"}, attrs)
	return b
}

func TestConvActivationFusion(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, activation := range []string{"Relu", "Sigmoid", "Tanh", "LeakyRelu"} {
		t.Run(activation, func(t *testing.T) {
			var attrs graph.Attributes
			if activation == "LeakyRelu" {
				attrs = graph.Attributes{"alpha": float32(0.3)}
			}
			g := convGraph(activation, attrs).Build()
			feeds := graphtest.RandomFeeds(rng, g)
			want := runGraph(t, g, feeds, []string{"y"})

			modified, err := NewManager(0, ConvActivationFusion{}).Apply(g)
			require.NoError(t, err)
			require.True(t, modified)
			require.Equal(t, 1, g.NumberOfNodes())
			fused := g.Nodes()[0]
			assert.True(t, MatchesOperator(fused, "FusedConv", 1, graph.MicrosoftDomain))
			assert.Equal(t, activation, fused.Attributes().String("activation", ""))
			assert.Equal(t, []int64{1, 1, 1, 1}, fused.Attributes().Ints("pads"))
			assert.Equal(t, "y", fused.Output(0).Name())
			assert.Equal(t, []string{"y"}, outputNames(g))
			if activation == "LeakyRelu" {
				assert.Equal(t, []float32{0.3}, fused.Attributes().Floats("activation_params"))
			}

			got := runGraph(t, g, feeds, []string{"y"})
			assert.InDeltaSlice(t, tensors.Flat[float32](want[0]), tensors.Flat[float32](got[0]), 1e-6)
		})
	}

	t.Run("not fusable", func(t *testing.T) {
		// Conv output is also a graph output.
		b := convGraph("Relu", nil)
		b.Graph().SetOutputs(b.Arg("c"), b.Arg("y"))
		g := b.Build()
		modified, err := NewManager(0, ConvActivationFusion{}).Apply(g)
		require.NoError(t, err)
		assert.False(t, modified)

		// Conv output has a second consumer.
		b = convGraph("Relu", nil)
		b.Op("Tanh", []string{"c"}, []string{"z"}, nil)
		g = b.Build()
		modified, err = NewManager(0, ConvActivationFusion{}).Apply(g)
		require.NoError(t, err)
		assert.False(t, modified)

		// Different execution providers.
		g = convGraph("Relu", nil).Build()
		g.Node(1).SetExecutionProvider("CUDAExecutionProvider")
		modified, err = NewManager(0, ConvActivationFusion{}).Apply(g)
		require.NoError(t, err)
		assert.False(t, modified)

		// Not an activation.
		g = convGraph("Identity", nil).Build()
		modified, err = NewManager(0, ConvActivationFusion{}).Apply(g)
		require.NoError(t, err)
		assert.False(t, modified)
	})
}

func TestConstantFolding(t *testing.T) {
	folding := NewConstantFolding(engine.Evaluator(kernels.DefaultRegistry()))
	b := graphtest.NewBuilder("folding")
	b.Input("x", dtypes.Float32, 3)
	b.Initializer("c0", tensors.FromFlatDataAndDimensions([]float32{-1, 2, -3}, 3))
	b.Initializer("c1", tensors.FromFlatDataAndDimensions([]float32{0.5, 0.5, 0.5}, 3))
	b.Op("Add", []string{"c0", "c1"}, []string{"sum"}, nil)
	b.Op("Relu", []string{"sum"}, []string{"relu"}, nil)
	b.Op("Mul", []string{"x", "relu"}, []string{"out"}, nil)
	// Produces a graph output: kept.
	b.Op("Sub", []string{"c0", "c1"}, []string{"diff"}, nil)
	g := b.Build()
	feeds := map[string]*tensors.Tensor{"x": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)}
	want := runGraph(t, g, feeds, nil)

	modified, err := NewManager(0, folding).Apply(g)
	require.NoError(t, err)
	require.True(t, modified)
	assert.Equal(t, 2, g.NumberOfNodes())
	var opTypes []string
	for _, node := range g.Nodes() {
		opTypes = append(opTypes, node.OpType())
	}
	assert.ElementsMatch(t, []string{"Mul", "Sub"}, opTypes)
	relu, found := g.Initializer("relu")
	require.True(t, found)
	assert.Equal(t, []float32{0, 2.5, 0}, tensors.Flat[float32](relu))
	// "sum" was only consumed by the folded Relu, while c0 and c1 are still used by Sub.
	assert.False(t, g.IsInitializer("sum"))
	assert.True(t, g.IsInitializer("c0"))
	assert.True(t, g.IsInitializer("c1"))
	assert.Equal(t, []string{"out", "diff"}, outputNames(g))

	got := runGraph(t, g, feeds, nil)
	for ii := range want {
		assert.True(t, want[ii].Equal(got[ii]))
	}

	// Nothing else left to fold.
	for _, node := range g.Nodes() {
		if node.OpType() == "Mul" {
			assert.False(t, HasOnlyConstantInputs(g, node))
		}
	}
	modified, err = NewManager(0, folding).Apply(g)
	require.NoError(t, err)
	assert.False(t, modified)
}

func TestConstantFoldingFailure(t *testing.T) {
	failing := NewConstantFolding(func(*graph.Graph, []string) ([]*tensors.Tensor, error) {
		return nil, errors.New("no kernels")
	})
	b := graphtest.NewBuilder("folding")
	b.Input("x", dtypes.Float32, 3)
	b.Initializer("c", tensors.FromFlatDataAndDimensions([]float32{-1, 2, -3}, 3))
	b.Op("Relu", []string{"c"}, []string{"relu"}, nil)
	b.Op("Mul", []string{"x", "relu"}, []string{"out"}, nil)
	g := b.Build()
	_, err := NewManager(0, failing).Apply(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no kernels")
	assert.Equal(t, 2, g.NumberOfNodes())
	_, found := g.Initializer("relu")
	assert.False(t, found)
}
