package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/pkg/schema"
)

func linearFlow() *schema.FlowDefinition {
	return &schema.FlowDefinition{
		ID: "greet",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Kind: schema.NodeKindStart, Children: map[string][]string{"next": {"end"}}},
			{ID: "end", Kind: schema.NodeKindEnd},
		},
	}
}

func newValidator(t *testing.T, lookup RunnerLookup) *FlowValidator {
	t.Helper()
	v, err := NewFlowValidator(lookup)
	require.NoError(t, err)
	return v
}

func registryWith(t *testing.T, kinds ...schema.NodeKind) *execution.Registry {
	t.Helper()
	reg := execution.NewRegistry()
	noop := execution.RunnerFunc(func(_ context.Context, _ *execution.VertexResult, _ *execution.Context, _ []*execution.VertexResult) error {
		return nil
	})
	for _, k := range kinds {
		require.NoError(t, reg.Register(k, schema.DefaultNodeVersion, noop))
	}
	return reg
}

func TestValidate_ValidFlow(t *testing.T) {
	v := newValidator(t, registryWith(t, schema.NodeKindEnd))
	res := v.Validate(linearFlow())
	assert.True(t, res.Valid(), "%+v", res.Errors)
	assert.NoError(t, v.ValidateDefinition(linearFlow()))
}

func TestValidate_Nil(t *testing.T) {
	v := newValidator(t, nil)
	assert.False(t, v.Validate(nil).Valid())
}

func TestValidate_StructuralErrors(t *testing.T) {
	v := newValidator(t, nil)

	def := linearFlow()
	def.ID = ""
	def.Nodes[1].Kind = "teleport"
	res := v.Validate(def)
	require.False(t, res.Valid())
	assert.GreaterOrEqual(t, len(res.Errors), 2)
	for _, e := range res.Errors {
		assert.Equal(t, schema.ErrCodeValidation, e.Code)
	}

	def = linearFlow()
	def.Nodes[0].ID = "has space"
	assert.False(t, v.Validate(def).Valid())

	def = linearFlow()
	def.Kind = "weird"
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(v.ValidateDefinition(def)))
}

func TestValidate_GraphErrors(t *testing.T) {
	v := newValidator(t, nil)
	def := linearFlow()
	def.Nodes[0].Children = map[string][]string{"next": {"ghost"}}
	res := v.Validate(def)
	require.False(t, res.Valid())
	assert.Equal(t, schema.ErrCodeValidation, res.Errors[0].Code)
}

func TestValidate_MissingRunner(t *testing.T) {
	v := newValidator(t, registryWith(t))
	res := v.Validate(linearFlow())
	require.False(t, res.Valid())
	assert.Equal(t, schema.ErrCodeNotFound, res.Errors[0].Code)
	assert.Equal(t, schema.NodePath("end"), res.Errors[0].Path)
}

func TestValidate_InputSchemaMustBeObject(t *testing.T) {
	v := newValidator(t, registryWith(t, schema.NodeKindEnd))
	def := linearFlow()
	def.Nodes[0].Params = map[string]any{InputSchemaParam: "nope"}
	res := v.Validate(def)
	require.False(t, res.Valid())
	assert.Equal(t, schema.NodePath("start"), res.Errors[0].Path)
}

func TestValidateTrigger(t *testing.T) {
	v := newValidator(t, nil)
	def := linearFlow()
	def.Nodes[0].Params = map[string]any{InputSchemaParam: map[string]any{
		"type":     "object",
		"required": []any{"city"},
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
			"days": map[string]any{"type": "integer", "minimum": 1},
		},
	}}
	g := graph.MustParse(def)

	assert.NoError(t, v.ValidateTrigger(g, &schema.Trigger{Params: map[string]any{"city": "Lima", "days": 3}}))

	err := v.ValidateTrigger(g, &schema.Trigger{Params: map[string]any{"days": 0}})
	require.Error(t, err)
	fe := schema.AsFlowError(err)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	violations, ok := fe.Details["violations"].([]string)
	require.True(t, ok)
	assert.Len(t, violations, 2)

	assert.Error(t, v.ValidateTrigger(g, nil))
	assert.NoError(t, v.ValidateTrigger(graph.MustParse(linearFlow()), nil))
}

func TestValidateInput_CachesSchemas(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	s := []byte(`{"type":"object","properties":{"n":{"type":"number"}}}`)

	require.NoError(t, jsv.ValidateInput(map[string]any{"n": 1.5}, s))
	assert.Error(t, jsv.ValidateInput(map[string]any{"n": "x"}, s))
	assert.Len(t, jsv.cache, 1)

	assert.NoError(t, jsv.ValidateInput(map[string]any{"anything": true}, nil))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(jsv.ValidateInput(nil, []byte(`{`))))
}
