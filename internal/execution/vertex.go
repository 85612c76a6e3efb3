package execution

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
)

// Log levels for vertex debug entries.
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// LogEntry is one structured debug line captured while a node ran.
type LogEntry struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// VertexResult is the record of a single node visit. Runners fill it through
// its setters; once the driver calls Finish it is sealed and further writes
// are ignored.
type VertexResult struct {
	node      *schema.NodeDefinition
	namespace string
	iteration int

	input          map[string]any
	output         map[string]any
	children       []string
	childrenChosen bool
	logs           []LogEntry

	success   bool
	errMsg    string
	errCode   string
	startedAt time.Time
	duration  time.Duration
	sealed    bool
}

// VertexRecord is the exported, serializable form of a VertexResult.
type VertexRecord struct {
	NodeID         string         `json:"node_id"`
	Kind           string         `json:"kind"`
	Version        string         `json:"version"`
	ParentID       string         `json:"parent_id,omitempty"`
	Namespace      string         `json:"namespace,omitempty"`
	Iteration      int            `json:"iteration,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	ChildrenIDs    []string       `json:"children_ids"`
	ChildrenChosen bool           `json:"children_chosen"`
	Logs           []LogEntry     `json:"logs,omitempty"`
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	DurationMs     int64          `json:"duration_ms"`
}

// NewVertexResult starts the record of a visit to node.
func NewVertexResult(node *schema.NodeDefinition, namespace string, iteration int) *VertexResult {
	return &VertexResult{
		node:      node,
		namespace: namespace,
		iteration: iteration,
		startedAt: time.Now(),
	}
}

// Node returns the definition of the visited node.
func (v *VertexResult) Node() *schema.NodeDefinition { return v.node }

// NodeID returns the visited node's ID.
func (v *VertexResult) NodeID() string { return v.node.ID }

// Kind returns the visited node's kind.
func (v *VertexResult) Kind() schema.NodeKind { return v.node.Kind }

// Iteration returns the loop iteration the visit belongs to (0 outside loops).
func (v *VertexResult) Iteration() int { return v.iteration }

// SetInput records the resolved input of the node.
func (v *VertexResult) SetInput(input map[string]any) {
	if v.sealed {
		return
	}
	v.input = input
}

// SetOutput replaces the node's output.
func (v *VertexResult) SetOutput(output map[string]any) {
	if v.sealed {
		return
	}
	v.output = output
}

// SetOutputField sets a single output field.
func (v *VertexResult) SetOutputField(key string, value any) {
	if v.sealed {
		return
	}
	if v.output == nil {
		v.output = make(map[string]any)
	}
	v.output[key] = value
}

// SetChildren chooses the next frontier. An empty list is a deliberate
// choice that dead-ends the branch, unlike never calling SetChildren.
func (v *VertexResult) SetChildren(ids []string) {
	if v.sealed {
		return
	}
	v.children = append([]string{}, ids...)
	v.childrenChosen = true
}

// Children returns the chosen next node IDs.
func (v *VertexResult) Children() []string {
	return append([]string(nil), v.children...)
}

// ChildrenChosen reports whether the runner chose children explicitly.
func (v *VertexResult) ChildrenChosen() bool { return v.childrenChosen }

// Input returns the resolved input.
func (v *VertexResult) Input() map[string]any { return v.input }

// Output returns the produced output.
func (v *VertexResult) Output() map[string]any { return v.output }

// Log appends a structured debug entry.
func (v *VertexResult) Log(level, msg string, fields map[string]any) {
	if v.sealed {
		return
	}
	v.logs = append(v.logs, LogEntry{Level: level, Message: msg, Fields: fields, At: time.Now()})
}

// Logf appends an info entry with a formatted message.
func (v *VertexResult) Logf(format string, args ...any) {
	v.Log(LogInfo, fmt.Sprintf(format, args...), nil)
}

// Logs returns the debug entries.
func (v *VertexResult) Logs() []LogEntry { return append([]LogEntry(nil), v.logs...) }

// Success reports whether the runner returned without error.
func (v *VertexResult) Success() bool { return v.success }

// Err returns the recorded error message, or "".
func (v *VertexResult) Err() string { return v.errMsg }

// Duration returns how long the node ran.
func (v *VertexResult) Duration() time.Duration { return v.duration }

// Sealed reports whether Finish has been called.
func (v *VertexResult) Sealed() bool { return v.sealed }

// Finish records the runner's outcome and seals the result.
func (v *VertexResult) Finish(err error) {
	if v.sealed {
		return
	}
	v.duration = time.Since(v.startedAt)
	v.success = err == nil
	if err != nil {
		v.errMsg = err.Error()
		v.errCode = schema.CodeOf(err)
	}
	v.sealed = true
}

// Record returns the serializable form.
func (v *VertexResult) Record() VertexRecord {
	children := v.children
	if children == nil {
		children = []string{}
	}
	return VertexRecord{
		NodeID:         v.node.ID,
		Kind:           string(v.node.Kind),
		Version:        v.node.Version,
		ParentID:       v.node.ParentID,
		Namespace:      v.namespace,
		Iteration:      v.iteration,
		Input:          v.input,
		Output:         v.output,
		ChildrenIDs:    children,
		ChildrenChosen: v.childrenChosen,
		Logs:           v.logs,
		Success:        v.success,
		Error:          v.errMsg,
		ErrorCode:      v.errCode,
		StartedAt:      v.startedAt,
		DurationMs:     v.duration.Milliseconds(),
	}
}

// MarshalJSON encodes the result as its VertexRecord.
func (v *VertexResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Record())
}
