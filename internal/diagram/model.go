package diagram

import "github.com/rendis/flowengine/pkg/schema"

// Flow is what the renderers draw: a flow's top-level nodes, their
// labeled branches and a rank per longest path from the start node.
type Flow struct {
	Title string
	Nodes []*Node
	Edges []Edge
	Ranks [][]string
}

// Node is one flow node. Loop and inline sub-flow bodies hang off Scopes.
type Node struct {
	ID     string
	Label  string
	Kind   schema.NodeKind
	Status *NodeStatus
	Scopes []*Scope
}

// Scope is the body of a container node.
type Scope struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// NodeStatus is a node's state replayed from a recorded run.
type NodeStatus struct {
	Status     string
	Visits     int
	DurationMs int64
	Error      string
}

// Edge connects two nodes. Label is the branch taken ("true", an intent
// title, "loop"); plain "next" edges have none.
type Edge struct {
	From  string
	To    string
	Label string
}
