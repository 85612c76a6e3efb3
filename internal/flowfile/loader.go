// Package flowfile loads flow definitions from YAML or JSON files.
package flowfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/pkg/schema"
)

// DefinitionValidator checks a definition before it is parsed into a graph.
// Satisfied by *validation.FlowValidator.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.FlowDefinition) error
}

// Loader reads flow definitions from files or raw bytes.
type Loader struct {
	validator DefinitionValidator
}

// NewLoader creates a Loader. validator may be nil to rely on graph checks only.
func NewLoader(validator DefinitionValidator) *Loader {
	return &Loader{validator: validator}
}

// LoadFile reads a file and decodes it based on its extension (.yaml, .yml, .json).
func (l *Loader) LoadFile(path string) (*schema.FlowDefinition, error) {
	format := DetectFormat(path)
	if format == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported flow file extension: %s", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow file %s not found", path).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read flow file %s", path).WithCause(err)
	}
	return l.LoadBytes(data, format)
}

// LoadBytes decodes raw bytes in the given format ("yaml" or "json").
func (l *Loader) LoadBytes(data []byte, format string) (*schema.FlowDefinition, error) {
	var def schema.FlowDefinition

	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, schema.NewError(schema.ErrCodeParse, "parse YAML flow").WithCause(err)
		}
	case "json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, schema.NewError(schema.ErrCodeParse, "parse JSON flow").WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported format %q, use \"yaml\" or \"json\"", format)
	}

	return &def, nil
}

// LoadGraph reads, validates and parses a flow file.
func (l *Loader) LoadGraph(path string) (*graph.Graph, error) {
	def, err := l.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return l.Parse(def)
}

// Parse validates def when a validator is configured and builds its graph.
func (l *Loader) Parse(def *schema.FlowDefinition) (*graph.Graph, error) {
	if l.validator != nil {
		if err := l.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	return graph.Parse(def)
}

// DetectFormat returns "yaml" or "json" based on file extension, or "" if unknown.
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}
