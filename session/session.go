// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package session is the entry point to run a graph: it prepares a graph once (optimizations, kernel creation and
// allocation plan) and then runs it any number of times, concurrently if desired.
//
// Example:
//
//	import (
//		"github.com/gomlx/graphrt/session"
//		_ "github.com/gomlx/graphrt/kernels/cpu"
//	)
//
//	s, err := session.New(g, "parallel:workers=4")
//	if err != nil { ... }
//	outputs, err := s.Run(map[string]*tensors.Tensor{"x": x}, "y")
package session

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/graphrt/engine"
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/graphrt/graph/transform"
	"github.com/gomlx/graphrt/kernels"
	"github.com/gomlx/graphrt/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options configure a Session. Zero values select the defaults.
type Options struct {
	// Config selects the executor, the allocation planner and the optimizations.
	// If nil, it is parsed from the GRAPHRT_CONFIG environment variable, or engine.DefaultConfig.
	Config *engine.Config

	// Registry provides the kernels. If nil, kernels.DefaultRegistry is used.
	Registry *kernels.Registry

	// Transformers to run when Config.Optimize is set. If nil, DefaultTransformers is used.
	Transformers []transform.Transformer
}

// DefaultTransformers returns the graph optimizations applied by default: constant folding (evaluated with the
// kernels of registry) and Conv+activation fusion.
func DefaultTransformers(registry *kernels.Registry) []transform.Transformer {
	return []transform.Transformer{
		transform.NewConstantFolding(engine.Evaluator(registry)),
		transform.ConvActivationFusion{},
	}
}

// Session holds a prepared graph. It is safe for concurrent use.
type Session struct {
	graph    *graph.Graph
	config   *engine.Config
	state    *engine.SessionState
	executor engine.Executor

	mu      sync.Mutex
	running map[*atomic.Bool]struct{}
}

// New creates a Session for g with a configuration string, see engine.ParseConfig for its format.
// An empty config uses the GRAPHRT_CONFIG environment variable, or engine.DefaultConfig.
//
// The caller's graph is not modified: the session works on a copy.
func New(g *graph.Graph, config string) (*Session, error) {
	cfg, err := engine.ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(g, Options{Config: cfg})
}

// NewWithOptions creates a Session for g.
//
// The graph is copied and resolved, optimized if configured, and its nodes without an execution provider are
// assigned to the CPUExecutionProvider. Then the kernel of every node is created, failing with
// kernels.ErrKernelNotFound if any is missing, and the allocation plan is computed.
func NewWithOptions(g *graph.Graph, opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = engine.ParseConfig(""); err != nil {
			return nil, err
		}
	}
	registry := opts.Registry
	if registry == nil {
		registry = kernels.DefaultRegistry()
	}
	s := &Session{
		graph:   g.Clone(),
		config:  cfg,
		running: make(map[*atomic.Bool]struct{}),
	}
	if !s.graph.IsResolved() {
		if err := s.graph.Resolve(); err != nil {
			return nil, err
		}
	}

	if cfg.Optimize {
		transformers := opts.Transformers
		if transformers == nil {
			transformers = DefaultTransformers(registry)
		}
		modified, err := transform.NewManager(cfg.MaxSteps, transformers...).Apply(s.graph)
		if err != nil {
			return nil, errors.WithMessagef(err, "optimizing graph %q", g.Name())
		}
		if modified {
			klog.V(1).Infof("Session: graph %q optimized from %d to %d nodes", g.Name(), g.NumberOfNodes(),
				s.graph.NumberOfNodes())
		}
	}

	for _, node := range s.graph.Nodes() {
		if node.ExecutionProvider() == "" {
			node.SetExecutionProvider(kernels.CPUExecutionProvider)
		}
	}

	planner, err := engine.PlannerByName(cfg.Planner)
	if err != nil {
		return nil, err
	}
	if s.state, err = engine.NewSessionState(s.graph, registry, planner); err != nil {
		return nil, err
	}
	if s.executor, err = engine.NewExecutor(cfg); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Session: graph %q ready with configuration %q", g.Name(), cfg)
	return s, nil
}

// Graph returns the session's copy of the graph, after optimizations. It must not be modified.
func (s *Session) Graph() *graph.Graph { return s.graph }

// Config returns the configuration of the session.
func (s *Session) Config() *engine.Config { return s.config }

// State returns the prepared state: slots, kernels and allocation plan.
func (s *Session) State() *engine.SessionState { return s.state }

// InputNames returns the names of the graph inputs that can be fed.
func (s *Session) InputNames() []string { return argNames(s.graph.Inputs()) }

// OutputNames returns the names of the graph outputs.
func (s *Session) OutputNames() []string { return argNames(s.graph.Outputs()) }

func argNames(args []*graph.NodeArg) []string {
	names := make([]string, len(args))
	for ii, arg := range args {
		names[ii] = arg.Name()
	}
	return names
}

// Run executes the graph with the given feeds, and returns the values of outputNames, or of all graph outputs if
// none is given.
func (s *Session) Run(feeds map[string]*tensors.Tensor, outputNames ...string) ([]*tensors.Tensor, error) {
	return s.RunWithOptions(nil, feeds, outputNames...)
}

// RunWithOptions is like Run, with options for this run. opts may be nil.
func (s *Session) RunWithOptions(opts *engine.RunOptions, feeds map[string]*tensors.Tensor,
	outputNames ...string) ([]*tensors.Tensor, error) {
	var runOpts engine.RunOptions
	if opts != nil {
		runOpts = *opts
	}
	if runOpts.Terminate == nil {
		runOpts.Terminate = &atomic.Bool{}
	}
	s.mu.Lock()
	s.running[runOpts.Terminate] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, runOpts.Terminate)
		s.mu.Unlock()
	}()
	return s.executor.Execute(s.state, feeds, outputNames, &runOpts)
}

// Terminate cancels all runs in progress: no new node is started, and they return an error matching
// engine.ErrCancelled once their running nodes finish. Runs started afterwards are not affected.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for terminate := range s.running {
		terminate.Store(true)
	}
	klog.V(1).Infof("Session: graph %q terminated %d runs", s.graph.Name(), len(s.running))
}
