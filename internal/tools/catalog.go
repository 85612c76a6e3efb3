// Package tools is the catalog of callable tools an LLM node can bind. Each
// tool pairs an MCP-style input schema with a handler that receives the run's
// execution context explicitly.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/pkg/schema"
)

// Handler executes a tool. Side effects it performs (for example sending a
// chat message) are not part of any vertex result and are never rolled back.
type Handler func(ctx context.Context, ec *execution.Context, params map[string]any) (any, error)

// Tool is a registered tool: its code, input schema and handler.
type Tool struct {
	Code    string
	Schema  mcp.Tool
	Handler Handler
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// Catalog is a thread-safe tool registry. It is populated at start-up and
// read concurrently by runs afterwards.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]Tool)}
}

// Register adds a tool. Returns error on duplicate code.
func (c *Catalog) Register(t Tool) error {
	if t.Code == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool code is empty")
	}
	if t.Handler == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %q has no handler", t.Code)
	}
	if t.Schema.Name == "" {
		t.Schema.Name = t.Code
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tools[t.Code]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", t.Code)
	}
	c.tools[t.Code] = t
	return nil
}

// Get retrieves a tool by code.
func (c *Catalog) Get(code string) (Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tools[code]
	if !ok {
		return Tool{}, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", code)
	}
	return t, nil
}

// List returns all registered tools sorted by code.
func (c *Catalog) List() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]Info, 0, len(c.tools))
	for _, t := range c.tools {
		infos = append(infos, Info{Code: t.Code, Description: t.Schema.Description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Code < infos[j].Code
	})
	return infos
}

// Definitions returns model-facing definitions for the given codes, in order.
func (c *Catalog) Definitions(codes []string) ([]llm.ToolDefinition, error) {
	defs := make([]llm.ToolDefinition, 0, len(codes))
	for _, code := range codes {
		t, err := c.Get(code)
		if err != nil {
			return nil, err
		}
		params, err := inputSchemaMap(t.Schema)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "tool %q: invalid input schema: %s", code, err.Error())
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Code,
			Description: t.Schema.Description,
			Parameters:  params,
		})
	}
	return defs, nil
}

// Invoke runs the tool identified by code. Params are checked for the
// presence of required fields only. Handler failures are reported as
// UPSTREAM_ERROR unless they already carry a code.
func (c *Catalog) Invoke(ctx context.Context, code string, ec *execution.Context, params map[string]any) (any, error) {
	t, err := c.Get(code)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	for _, field := range t.Schema.InputSchema.Required {
		if v, ok := params[field]; !ok || v == nil || v == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "tool %q: missing required param %q", code, field)
		}
	}

	out, err := t.Handler(ctx, ec, params)
	if err != nil {
		return nil, schema.Upstream("tool "+code, err)
	}
	return out, nil
}

// inputSchemaMap renders a tool's input schema as a plain JSON object.
func inputSchemaMap(t mcp.Tool) (map[string]any, error) {
	var raw []byte
	var err error
	if len(t.RawInputSchema) > 0 {
		raw = t.RawInputSchema
	} else if raw, err = json.Marshal(t.InputSchema); err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out, nil
}
