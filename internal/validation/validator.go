package validation

import "github.com/rendis/flowengine/pkg/schema"

// Validator checks flow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for the document shape and trigger inputs.
type Validator interface {
	ValidateDefinition(def *schema.FlowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
