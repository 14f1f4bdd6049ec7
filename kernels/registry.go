// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrt/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrKernelNotFound is the error kind returned (wrapped) when no kernel matches a node. It is fatal at session set
// up.
var ErrKernelNotFound = errors.New("kernel not found")

// KernelDef describes which nodes a kernel implementation serves.
type KernelDef struct {
	OpType   string
	Domain   string
	Provider string

	// SinceVersion and EndVersion (inclusive) bound the operator since-versions served.
	SinceVersion, EndVersion int

	// TypeConstraints maps type parameter names of the operator schema to the dtypes supported.
	// Parameters not listed accept any dtype.
	TypeConstraints map[string][]dtypes.DType
}

// String implements fmt.Stringer.
func (d *KernelDef) String() string {
	var sb strings.Builder
	domain := d.Domain
	if domain == "" {
		domain = "ai.onnx"
	}
	fmt.Fprintf(&sb, "%s.%s", domain, d.OpType)
	if d.EndVersion == math.MaxInt {
		fmt.Fprintf(&sb, "[%d+]", d.SinceVersion)
	} else {
		fmt.Fprintf(&sb, "[%d-%d]", d.SinceVersion, d.EndVersion)
	}
	fmt.Fprintf(&sb, "@%s", d.Provider)
	return sb.String()
}

// Matches returns whether the definition serves the given operator version, provider and type bindings.
// Bindings to dtypes.InvalidDType (unknown types) are not checked.
func (d *KernelDef) Matches(opType, domain string, version int, provider string, bindings map[string]dtypes.DType) bool {
	if d.OpType != opType || d.Domain != graph.NormalizeDomain(domain) || d.Provider != provider {
		return false
	}
	if version < d.SinceVersion || version > d.EndVersion {
		return false
	}
	for name, allowed := range d.TypeConstraints {
		dtype, found := bindings[name]
		if found && dtype != dtypes.InvalidDType && !slices.Contains(allowed, dtype) {
			return false
		}
	}
	return true
}

// KernelDefBuilder builds a KernelDef. By default, it serves the CPUExecutionProvider, the default domain and all
// versions from 1.
type KernelDefBuilder struct {
	def KernelDef
}

// NewKernelDef starts the definition of a kernel for opType.
func NewKernelDef(opType string) *KernelDefBuilder {
	return &KernelDefBuilder{def: KernelDef{
		OpType:          opType,
		Provider:        CPUExecutionProvider,
		SinceVersion:    1,
		EndVersion:      math.MaxInt,
		TypeConstraints: make(map[string][]dtypes.DType),
	}}
}

// Domain sets the operator domain.
func (b *KernelDefBuilder) Domain(domain string) *KernelDefBuilder {
	b.def.Domain = graph.NormalizeDomain(domain)
	return b
}

// SinceVersion sets the first version served, with no upper bound.
func (b *KernelDefBuilder) SinceVersion(version int) *KernelDefBuilder {
	b.def.SinceVersion = version
	b.def.EndVersion = math.MaxInt
	return b
}

// VersionRange sets the versions served, both ends inclusive.
func (b *KernelDefBuilder) VersionRange(since, end int) *KernelDefBuilder {
	b.def.SinceVersion = since
	b.def.EndVersion = end
	return b
}

// Provider sets the execution provider.
func (b *KernelDefBuilder) Provider(provider string) *KernelDefBuilder {
	b.def.Provider = provider
	return b
}

// TypeConstraint restricts the dtypes accepted for a type parameter.
func (b *KernelDefBuilder) TypeConstraint(name string, allowed ...dtypes.DType) *KernelDefBuilder {
	b.def.TypeConstraints[name] = allowed
	return b
}

// Build returns the definition.
func (b *KernelDefBuilder) Build() *KernelDef {
	def := b.def
	def.TypeConstraints = make(map[string][]dtypes.DType, len(b.def.TypeConstraints))
	for name, allowed := range b.def.TypeConstraints {
		def.TypeConstraints[name] = slices.Clone(allowed)
	}
	return &def
}

type registration struct {
	def     *KernelDef
	factory Factory
}

// Registry maps operators to kernel implementations. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]registration // Keyed by op type.
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string][]registration)}
}

// Register adds a kernel. It fails if a registered definition for the same operator, domain and provider has an
// overlapping version range and overlapping type constraints.
func (r *Registry) Register(def *KernelDef, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries[def.OpType] {
		if conflicts(existing.def, def) {
			return errors.Errorf("kernel %s conflicts with registered kernel %s", def, existing.def)
		}
	}
	r.entries[def.OpType] = append(r.entries[def.OpType], registration{def: def, factory: factory})
	return nil
}

func conflicts(a, b *KernelDef) bool {
	if a.Domain != b.Domain || a.Provider != b.Provider {
		return false
	}
	if a.EndVersion < b.SinceVersion || b.EndVersion < a.SinceVersion {
		return false
	}
	for name, allowedA := range a.TypeConstraints {
		allowedB, found := b.TypeConstraints[name]
		if found && !slices.ContainsFunc(allowedA, func(dtype dtypes.DType) bool { return slices.Contains(allowedB, dtype) }) {
			return false
		}
	}
	return true
}

// Lookup finds the kernel for an operator version on a provider, given the dtypes bound to the type parameters.
// If none matches, it returns a wrapped ErrKernelNotFound.
func (r *Registry) Lookup(opType, domain string, version int, provider string,
	bindings map[string]dtypes.DType) (*KernelDef, Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.entries[opType] {
		if entry.def.Matches(opType, domain, version, provider, bindings) {
			return entry.def, entry.factory, nil
		}
	}
	return nil, nil, errors.Wrapf(ErrKernelNotFound, "no kernel for %s version %d on %s with types %v",
		opType, version, provider, bindings)
}

// LookupForNode finds the kernel for a node of a resolved graph. Nodes not assigned to an execution provider
// default to CPUExecutionProvider.
func (r *Registry) LookupForNode(node *graph.Node) (*KernelDef, Factory, error) {
	schema := node.Schema()
	if schema == nil {
		return nil, nil, errors.Errorf("node %s is not bound to an operator schema, was the graph resolved?", node)
	}
	provider := node.ExecutionProvider()
	if provider == "" {
		provider = CPUExecutionProvider
	}
	def, factory, err := r.Lookup(node.OpType(), node.Domain(), schema.SinceVersion, provider, schema.TypeBindings(node))
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "node %s", node)
	}
	return def, factory, nil
}

// CreateKernel looks up and instantiates the kernel for node.
func (r *Registry) CreateKernel(node *graph.Node) (Kernel, *KernelDef, error) {
	def, factory, err := r.LookupForNode(node)
	if err != nil {
		return nil, nil, err
	}
	kernel, err := factory(&Info{Node: node, Def: def})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "creating kernel %s for node %s", def, node)
	}
	return kernel, def, nil
}

// Definitions returns all registered definitions, sorted by their string representation.
func (r *Registry) Definitions() []*KernelDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []*KernelDef
	for _, entries := range r.entries {
		for _, entry := range entries {
			defs = append(defs, entry.def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].String() < defs[j].String() })
	return defs
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the registry populated by the kernel provider packages.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds a kernel to the DefaultRegistry. It panics on conflicts, and it should be called during
// initialization of a provider package.
func Register(def *KernelDef, factory Factory) {
	if err := defaultRegistry.Register(def, factory); err != nil {
		exceptions.Panicf("kernels.Register: %+v", err)
	}
}
