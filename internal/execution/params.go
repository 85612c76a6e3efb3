package execution

import (
	"github.com/mitchellh/mapstructure"

	"github.com/rendis/flowengine/pkg/schema"
)

// DecodeParams decodes a node's params into out, a pointer to a config
// struct tagged with `json` names. Scalars are converted loosely so that
// YAML and JSON definitions decode alike ("5" into an int, 1 into a bool).
func DecodeParams(node *schema.NodeDefinition, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "params decoder: %s", err.Error()).WithCause(err)
	}
	if err := dec.Decode(node.Params); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid params for %s node: %s", node.Kind, err.Error()).
			WithNode(node.ID).
			WithCause(err)
	}
	return nil
}

// Required returns a VALIDATION_ERROR for a missing or empty field of node.
func Required(node *schema.NodeDefinition, field string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s is required", field).
		WithNode(node.ID).
		WithDetails(map[string]any{"field": field})
}
