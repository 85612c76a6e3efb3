package schema

// FlowKind classifies a flow by how it is invoked.
type FlowKind string

const (
	FlowKindRegular FlowKind = "regular"
	FlowKindSub     FlowKind = "sub"
	FlowKindTools   FlowKind = "tools"
)

// NodeKind is the type of a node in a flow graph.
type NodeKind string

const (
	NodeKindStart             NodeKind = "start"
	NodeKindEnd               NodeKind = "end"
	NodeKindLLM               NodeKind = "llm"
	NodeKindIntentRecognition NodeKind = "intent_recognition"
	NodeKindIf                NodeKind = "if"
	NodeKindCode              NodeKind = "code"
	NodeKindHttp              NodeKind = "http"
	NodeKindSub               NodeKind = "sub"
	NodeKindLoopMain          NodeKind = "loop_main"
	NodeKindLoopBody          NodeKind = "loop_body"
	NodeKindLoopStop          NodeKind = "loop_stop"
	NodeKindTool              NodeKind = "tool"
	NodeKindKnowledgeSearch   NodeKind = "knowledge_search"
	NodeKindMemory            NodeKind = "memory"
	NodeKindHistory           NodeKind = "history"
	NodeKindVariable          NodeKind = "variable"
	NodeKindReply             NodeKind = "reply"
)

// KnownNodeKinds is the closed set of node kinds the engine recognizes.
var KnownNodeKinds = map[NodeKind]bool{
	NodeKindStart:             true,
	NodeKindEnd:               true,
	NodeKindLLM:               true,
	NodeKindIntentRecognition: true,
	NodeKindIf:                true,
	NodeKindCode:              true,
	NodeKindHttp:              true,
	NodeKindSub:               true,
	NodeKindLoopMain:          true,
	NodeKindLoopBody:          true,
	NodeKindLoopStop:          true,
	NodeKindTool:              true,
	NodeKindKnowledgeSearch:   true,
	NodeKindMemory:            true,
	NodeKindHistory:           true,
	NodeKindVariable:          true,
	NodeKindReply:             true,
}

// Branch labels used in a node's children map.
const (
	BranchNext  = "next"
	BranchTrue  = "true"
	BranchFalse = "false"
	BranchElse  = "else"
	BranchBody  = "body"
)

// DefaultNodeVersion is assigned to nodes that omit a version.
const DefaultNodeVersion = "1"

// FlowDefinition is the materialized description of a flow graph.
type FlowDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Kind        FlowKind         `json:"kind,omitempty" yaml:"kind,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []NodeDefinition `json:"nodes" yaml:"nodes"`
	Metadata    map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeDefinition is a single node of a flow.
type NodeDefinition struct {
	ID       string              `json:"id" yaml:"id"`
	Kind     NodeKind            `json:"kind" yaml:"kind"`
	Version  string              `json:"version,omitempty" yaml:"version,omitempty"`
	Name     string              `json:"name,omitempty" yaml:"name,omitempty"`
	ParentID string              `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Params   map[string]any      `json:"params,omitempty" yaml:"params,omitempty"`
	Children map[string][]string `json:"children,omitempty" yaml:"children,omitempty"`
}

// IsContainer reports whether nodes of this kind own a nested scope.
func (k NodeKind) IsContainer() bool {
	return k == NodeKindLoopMain || k == NodeKindSub
}
