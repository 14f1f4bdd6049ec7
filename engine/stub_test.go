// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/gomlx/graphrt/engine"
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/graph/graphtest"
	"github.com/gomlx/graphrt/kernels"
	_ "github.com/gomlx/graphrt/kernels/cpu"
	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

var flagRandomRuns = flag.Int("random_runs", 10, "Number of random graphs tried by the differential tests.")

// stubDomain holds the Stub operator: a node with any number of scalar float32 inputs, whose output is 1 plus the
// sum of its inputs. Its kernel records each execution.
const stubDomain = "graphrt.test"

var stubSchemas = func() *graph.SchemaRegistry {
	r := graph.DefaultSchemas().Clone()
	r.Register(&graph.OpSchema{
		OpType: "Stub", Domain: stubDomain, SinceVersion: 1, MinInputs: 0, MaxInputs: -1, NumOutputs: 1,
		InferType: func(*graph.Node, []graph.TypeInfo) []graph.TypeInfo {
			return []graph.TypeInfo{{DType: dtypes.Float32, Dims: []int{}}}
		},
	})
	return r
}()

// stubNode is a Stub node named after its output.
type stubNode struct {
	name   string
	inputs []string
}

func stubGraph(nodes ...stubNode) *graph.Graph {
	b := graphtest.NewBuilder("stubs")
	b.Graph().SetSchemaRegistry(stubSchemas)
	b.Graph().SetOpset(stubDomain, 1)
	for _, n := range nodes {
		b.OpInDomain(stubDomain, "Stub", n.inputs, []string{n.name}, nil)
	}
	return b.Build()
}

// randomStubGraph builds a DAG of numNodes Stub nodes, each depending on up to 3 random earlier nodes.
func randomStubGraph(rng *rand.Rand, numNodes int) *graph.Graph {
	nodes := make([]stubNode, numNodes)
	for ii := range nodes {
		nodes[ii].name = fmt.Sprintf("n%d", ii)
		if ii == 0 {
			continue
		}
		for range rng.Intn(4) {
			nodes[ii].inputs = append(nodes[ii].inputs, nodes[rng.Intn(ii)].name)
		}
	}
	return stubGraph(nodes...)
}

// stubRecorder is the kernel factory of Stub nodes. It counts and orders executions, and calls hook (if set)
// before computing each node: if the hook returns an error the node fails.
type stubRecorder struct {
	mu     sync.Mutex
	order  []string
	counts map[string]int
	hook   func(name string) error
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{counts: make(map[string]int)}
}

func (rec *stubRecorder) reset() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.order = nil
	rec.counts = make(map[string]int)
}

func (rec *stubRecorder) registry() *kernels.Registry {
	registry := kernels.NewRegistry()
	must.M(registry.Register(kernels.NewKernelDef("Stub").Domain(stubDomain).Build(), rec.newKernel))
	return registry
}

func (rec *stubRecorder) newKernel(*kernels.Info) (kernels.Kernel, error) {
	return kernels.KernelFunc(func(ctx *kernels.Context) error {
		name := ctx.Node().Output(0).Name()
		rec.mu.Lock()
		rec.order = append(rec.order, name)
		rec.counts[name]++
		hook := rec.hook
		rec.mu.Unlock()
		if hook != nil {
			if err := hook(name); err != nil {
				return err
			}
		}
		var sum float32 = 1
		for ii := range ctx.InputCount() {
			sum += tensors.ToScalar[float32](ctx.Input(ii))
		}
		out, err := ctx.Output(0, shapes.Make(dtypes.Float32))
		if err != nil {
			return err
		}
		tensors.Flat[float32](out)[0] = sum
		return nil
	}), nil
}

func (rec *stubRecorder) Order() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.order...)
}

func (rec *stubRecorder) Count(name string) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.counts[name]
}

// testExecutors returns the executor configurations exercised by the tests.
func testExecutors() map[string]engine.Executor {
	return map[string]engine.Executor{
		"sequential":          engine.NewSequentialExecutor(nil),
		"parallel":            engine.NewParallelExecutor(&engine.Config{Workers: 4}),
		"parallel-inline":     engine.NewParallelExecutor(&engine.Config{Workers: 0}),
		"parallel-unlimited":  engine.NewParallelExecutor(&engine.Config{Workers: -1}),
		"parallel-one-worker": engine.NewParallelExecutor(&engine.Config{Workers: 1}),
	}
}

func newState(t *testing.T, g *graph.Graph, registry *kernels.Registry, planner engine.Planner) *engine.SessionState {
	state, err := engine.NewSessionState(g, registry, planner)
	require.NoError(t, err)
	return state
}

var errStub = errors.New("stub failure")
