package validation

import (
	"encoding/json"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/pkg/schema"
)

// InputSchemaParam is the Start node param holding a JSON Schema for trigger params.
const InputSchemaParam = "input_schema"

// RunnerLookup reports whether a runner is registered for a node kind and version.
type RunnerLookup interface {
	Resolve(kind schema.NodeKind, version string) (execution.Runner, error)
}

// FlowValidator runs the three-stage pipeline:
// 1. Structural (JSON Schema)
// 2. Graph (boundaries, End rule, cycles, node config)
// 3. Runners (every node but Start has a registered runner)
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	runners    RunnerLookup
}

var _ Validator = (*FlowValidator)(nil)

// NewFlowValidator creates a FlowValidator. lookup may be nil to skip runner checks.
func NewFlowValidator(lookup RunnerLookup) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{jsonSchema: jsv, runners: lookup}, nil
}

// Validate returns every issue found. Structural errors skip the later stages.
func (fv *FlowValidator) Validate(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "flow definition is nil")
		return result
	}

	if err := fv.jsonSchema.ValidateDefinition(def); err != nil {
		addFlowError(result, err)
		return result
	}

	result.Merge(graph.Validate(def))
	if err := checkInputSchema(def); err != nil {
		addFlowError(result, err)
	}
	if !result.Valid() || fv.runners == nil {
		return result
	}

	for _, n := range def.Nodes {
		if n.Kind == schema.NodeKindStart {
			continue
		}
		version := n.Version
		if version == "" {
			version = schema.DefaultNodeVersion
		}
		if _, err := fv.runners.Resolve(n.Kind, version); err != nil {
			result.AddErrorf(schema.NodePath(n.ID), schema.ErrCodeNotFound,
				"no runner registered for %s@%s", n.Kind, version)
		}
	}
	return result
}

// ValidateDefinition satisfies Validator.
func (fv *FlowValidator) ValidateDefinition(def *schema.FlowDefinition) error {
	return fv.Validate(def).ToError()
}

// ValidateInput delegates to the JSON Schema validator.
func (fv *FlowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return fv.jsonSchema.ValidateInput(input, inputSchema)
}

// ValidateTrigger checks trigger params against the Start node's input_schema, if any.
func (fv *FlowValidator) ValidateTrigger(g *graph.Graph, trigger *schema.Trigger) error {
	raw, err := startInputSchema(g.Definition())
	if err != nil || raw == nil {
		return err
	}
	var params map[string]any
	if trigger != nil {
		params = trigger.Params
	}
	return fv.jsonSchema.ValidateInput(params, raw)
}

// Schema exposes the underlying JSON Schema validator.
func (fv *FlowValidator) Schema() *JSONSchemaValidator { return fv.jsonSchema }

func checkInputSchema(def *schema.FlowDefinition) error {
	_, err := startInputSchema(def)
	return err
}

func startInputSchema(def *schema.FlowDefinition) ([]byte, error) {
	for _, n := range def.Nodes {
		if n.Kind != schema.NodeKindStart || n.ParentID != "" {
			continue
		}
		v, ok := n.Params[InputSchemaParam]
		if !ok || v == nil {
			return nil, nil
		}
		if _, isObj := v.(map[string]any); !isObj {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s must be an object", schema.NodePath(n.ID), InputSchemaParam).WithNode(n.ID)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "input_schema is not serializable").WithCause(err).WithNode(n.ID)
		}
		return b, nil
	}
	return nil, nil
}

func addFlowError(result *schema.ValidationResult, err error) {
	fe := schema.AsFlowError(err)
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", fe.Code, v)
		}
		return
	}
	path := "/"
	if fe.NodeID != "" {
		path = schema.NodePath(fe.NodeID)
	}
	result.AddError(path, fe.Code, fe.Message)
}
