// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// ArgRef points to an input or an output of a node.
type ArgRef struct {
	Output bool
	Index  int
}

// InferTypeFn returns the output types of a node given its input types. Unknown dtypes are dtypes.InvalidDType and
// unknown dims are nil.
type InferTypeFn func(node *Node, inputs []TypeInfo) []TypeInfo

// OpSchema defines one version of an operator: a (op type, domain, since-version) triplet.
type OpSchema struct {
	OpType       string
	Domain       string
	SinceVersion int
	Deprecated   bool

	// MinInputs, MaxInputs bound the number of inputs, including missing optional ones. MaxInputs < 0 means unbounded.
	MinInputs, MaxInputs int
	NumOutputs           int

	// TypeParams maps type constraint names (e.g. "T") to the argument whose dtype binds it.
	TypeParams map[string]ArgRef

	// AliasOutputs maps output indices to the input index whose buffer they may share.
	AliasOutputs map[int]int

	// InferType computes output types. If nil, outputs take the type of the first input.
	InferType InferTypeFn
}

// String implements fmt.Stringer.
func (s *OpSchema) String() string {
	domain := s.Domain
	if domain == "" {
		domain = "ai.onnx"
	}
	return fmt.Sprintf("%s.%s-%d", domain, s.OpType, s.SinceVersion)
}

// TypeBindings returns the dtype bound to each type parameter for the given node.
// Parameters whose argument is missing or of unknown type are bound to dtypes.InvalidDType.
func (s *OpSchema) TypeBindings(node *Node) map[string]dtypes.DType {
	bindings := make(map[string]dtypes.DType, len(s.TypeParams))
	for name, ref := range s.TypeParams {
		var arg *NodeArg
		if ref.Output {
			arg = node.Output(ref.Index)
		} else {
			arg = node.Input(ref.Index)
		}
		if arg.Exists() {
			bindings[name] = arg.Type().DType
		} else {
			bindings[name] = dtypes.InvalidDType
		}
	}
	return bindings
}

type schemaKey struct {
	opType, domain string
}

// SchemaRegistry holds operator schemas. It is safe for concurrent use.
type SchemaRegistry struct {
	mu       sync.RWMutex
	versions map[schemaKey][]*OpSchema // Sorted by SinceVersion.
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{versions: make(map[schemaKey][]*OpSchema)}
}

// Register adds a schema. Registering the same (op type, domain, since-version) again replaces it.
func (r *SchemaRegistry) Register(schema *OpSchema) {
	schema.Domain = NormalizeDomain(schema.Domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	key := schemaKey{schema.OpType, schema.Domain}
	list := r.versions[key]
	idx, found := slices.BinarySearchFunc(list, schema.SinceVersion, func(s *OpSchema, v int) int { return s.SinceVersion - v })
	if found {
		list[idx] = schema
	} else {
		list = slices.Insert(list, idx, schema)
	}
	r.versions[key] = list
}

// Lookup returns the schema with the largest since-version not greater than opsetVersion, or nil.
func (r *SchemaRegistry) Lookup(opType, domain string, opsetVersion int) *OpSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.versions[schemaKey{opType, NormalizeDomain(domain)}]
	for ii := len(list) - 1; ii >= 0; ii-- {
		if list[ii].SinceVersion <= opsetVersion {
			return list[ii]
		}
	}
	return nil
}

// Clone returns an independent copy of the registry, sharing the schemas.
func (r *SchemaRegistry) Clone() *SchemaRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := NewSchemaRegistry()
	for key, list := range r.versions {
		c.versions[key] = slices.Clone(list)
	}
	return c
}

var (
	defaultSchemas     *SchemaRegistry
	defaultSchemasOnce sync.Once
)

// DefaultSchemas returns the registry with the built-in operator schemas.
func DefaultSchemas() *SchemaRegistry {
	defaultSchemasOnce.Do(func() {
		defaultSchemas = NewSchemaRegistry()
		registerBuiltinSchemas(defaultSchemas)
	})
	return defaultSchemas
}

var sameAsInput = ArgRef{Index: 0}

// registerVersions registers one schema per since-version, all cloned from template.
func registerVersions(r *SchemaRegistry, template OpSchema, versions ...int) {
	for _, version := range versions {
		schema := template
		schema.SinceVersion = version
		r.Register(&schema)
	}
}

func registerBuiltinSchemas(r *SchemaRegistry) {
	unary := OpSchema{MinInputs: 1, MaxInputs: 1, NumOutputs: 1, TypeParams: map[string]ArgRef{"T": sameAsInput}}
	binary := OpSchema{MinInputs: 2, MaxInputs: 2, NumOutputs: 1, TypeParams: map[string]ArgRef{"T": sameAsInput},
		InferType: inferBroadcast}

	for _, op := range []string{"Add", "Sub", "Mul", "Div"} {
		schema := binary
		schema.OpType = op
		registerVersions(r, schema, 7, 13, 14)
	}

	for op, versions := range map[string][]int{
		"Relu":      {6, 13, 14},
		"LeakyRelu": {6, 16},
		"Sigmoid":   {6, 13},
		"Tanh":      {6, 13},
	} {
		schema := unary
		schema.OpType = op
		registerVersions(r, schema, versions...)
	}

	clip := unary
	clip.OpType = "Clip"
	registerVersions(r, clip, 6)
	clip.MaxInputs = 3
	registerVersions(r, clip, 11, 12, 13)

	identity := unary
	identity.OpType = "Identity"
	identity.AliasOutputs = map[int]int{0: 0}
	registerVersions(r, identity, 1, 13, 14, 16, 19)

	registerVersions(r, OpSchema{OpType: "Cast", MinInputs: 1, MaxInputs: 1, NumOutputs: 1,
		TypeParams: map[string]ArgRef{"T1": sameAsInput, "T2": {Output: true, Index: 0}},
		InferType:  inferCast}, 6, 9, 13, 19)

	registerVersions(r, OpSchema{OpType: "MatMul", MinInputs: 2, MaxInputs: 2, NumOutputs: 1,
		TypeParams: map[string]ArgRef{"T": sameAsInput}, InferType: inferMatMul}, 1, 9, 13)

	conv := OpSchema{OpType: "Conv", MinInputs: 2, MaxInputs: 3, NumOutputs: 1,
		TypeParams: map[string]ArgRef{"T": sameAsInput}, InferType: inferDTypeOnly}
	registerVersions(r, conv, 1, 11)
	fusedConv := conv
	fusedConv.OpType = "FusedConv"
	fusedConv.Domain = MicrosoftDomain
	registerVersions(r, fusedConv, 1)

	reduce := OpSchema{MinInputs: 1, MaxInputs: 1, NumOutputs: 1,
		TypeParams: map[string]ArgRef{"T": sameAsInput}, InferType: inferDTypeOnly}
	for _, op := range []string{"ReduceL1", "ReduceL2", "ReduceLogSum", "ReduceLogSumExp", "ReduceMax",
		"ReduceMean", "ReduceMin", "ReduceProd", "ReduceSumSquare"} {
		schema := reduce
		schema.OpType = op
		registerVersions(r, schema, 1, 11, 13)
		// From version 18 the axes are given as an optional input.
		schema.MaxInputs = 2
		registerVersions(r, schema, 18)
	}
	reduceSum := reduce
	reduceSum.OpType = "ReduceSum"
	registerVersions(r, reduceSum, 1, 11)
	reduceSum.MaxInputs = 2
	registerVersions(r, reduceSum, 13)

	for _, op := range []string{"ArgMax", "ArgMin"} {
		registerVersions(r, OpSchema{OpType: op, MinInputs: 1, MaxInputs: 1, NumOutputs: 1,
			TypeParams: map[string]ArgRef{"T": sameAsInput}, InferType: inferInt64}, 1, 11, 12, 13)
	}

	upsample := OpSchema{OpType: "Upsample", MinInputs: 1, MaxInputs: 1, NumOutputs: 1,
		TypeParams: map[string]ArgRef{"T": sameAsInput}, InferType: inferDTypeOnly}
	registerVersions(r, upsample, 7)
	upsample.MaxInputs = 2
	registerVersions(r, upsample, 9)
	upsample.Deprecated = true
	registerVersions(r, upsample, 10)
}

// InferSameAsInput is the default type inference: every output takes the type of the first input.
func InferSameAsInput(node *Node, inputs []TypeInfo) []TypeInfo {
	outputs := make([]TypeInfo, len(node.Outputs()))
	if len(inputs) > 0 {
		for ii := range outputs {
			outputs[ii] = TypeInfo{DType: inputs[0].DType, Dims: slices.Clone(inputs[0].Dims)}
		}
	}
	return outputs
}

func inferDTypeOnly(node *Node, inputs []TypeInfo) []TypeInfo {
	outputs := make([]TypeInfo, len(node.Outputs()))
	if len(inputs) > 0 {
		for ii := range outputs {
			outputs[ii].DType = inputs[0].DType
		}
	}
	return outputs
}

func inferInt64(node *Node, _ []TypeInfo) []TypeInfo {
	outputs := make([]TypeInfo, len(node.Outputs()))
	for ii := range outputs {
		outputs[ii].DType = dtypes.Int64
	}
	return outputs
}

func inferCast(node *Node, inputs []TypeInfo) []TypeInfo {
	outputs := InferSameAsInput(node, inputs)
	if len(outputs) > 0 {
		outputs[0].DType = DTypeFromONNX(node.Attributes().Int("to", 0))
	}
	return outputs
}

// inferBroadcast computes the broadcast dims when all input dims are static.
func inferBroadcast(node *Node, inputs []TypeInfo) []TypeInfo {
	outputs := inferDTypeOnly(node, inputs)
	if len(outputs) == 0 {
		return outputs
	}
	operands := make([]shapes.Shape, 0, len(inputs))
	for _, input := range inputs {
		if input.StaticSize() < 0 {
			return outputs
		}
		operands = append(operands, shapes.Shape{DType: input.DType, Dimensions: input.Dims})
	}
	dims, err := shapes.BroadcastDimensions(operands...)
	if err == nil {
		outputs[0].Dims = dims
	}
	return outputs
}

func inferMatMul(node *Node, inputs []TypeInfo) []TypeInfo {
	outputs := inferDTypeOnly(node, inputs)
	if len(outputs) == 0 || len(inputs) != 2 {
		return outputs
	}
	a, b := inputs[0].Dims, inputs[1].Dims
	if len(a) == 2 && len(b) == 2 {
		outputs[0].Dims = []int{a[0], b[1]}
	}
	return outputs
}
