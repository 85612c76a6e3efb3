package graph

import (
	"sort"

	"github.com/rendis/flowengine/pkg/schema"
)

// Graph is the immutable, validated in-memory form of a flow definition.
// A Graph is safe to share across concurrent runs.
type Graph struct {
	def    *schema.FlowDefinition
	nodes  map[string]*schema.NodeDefinition
	order  []string            // definition order
	scopes map[string][]string // parent ID ("" for top level) -> member node IDs
	start  string
}

// Parse validates a flow definition and builds its Graph.
func Parse(def *schema.FlowDefinition) (*Graph, error) {
	g, res := build(def)
	if err := res.ToError(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate runs every structural check and returns all issues found,
// including warnings that Parse does not report.
func Validate(def *schema.FlowDefinition) *schema.ValidationResult {
	_, res := build(def)
	return res
}

// MustParse is like Parse but panics on error. Intended for tests and static flows.
func MustParse(def *schema.FlowDefinition) *Graph {
	g, err := Parse(def)
	if err != nil {
		panic(err)
	}
	return g
}

func build(def *schema.FlowDefinition) (*Graph, *schema.ValidationResult) {
	res := &schema.ValidationResult{}
	if def == nil {
		res.AddError("/", schema.ErrCodeValidation, "flow definition is nil")
		return nil, res
	}
	if len(def.Nodes) == 0 {
		res.AddError("/nodes", schema.ErrCodeValidation, "flow has no nodes")
		return nil, res
	}

	g := &Graph{
		def:    def,
		nodes:  make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		order:  make([]string, 0, len(def.Nodes)),
		scopes: make(map[string][]string),
	}

	// First pass: register nodes, check identity and kind.
	var starts []string
	for i := range def.Nodes {
		n := cloneNode(&def.Nodes[i])
		if n.ID == "" {
			res.AddErrorf("/nodes", schema.ErrCodeValidation, "node at index %d has empty id", i)
			continue
		}
		if _, dup := g.nodes[n.ID]; dup {
			res.AddErrorf(schema.NodePath(n.ID), schema.ErrCodeValidation, "duplicate node id: %s", n.ID)
			continue
		}
		if !schema.KnownNodeKinds[n.Kind] {
			res.AddErrorf(schema.NodePath(n.ID), schema.ErrCodeValidation, "node %s has unknown kind: %q", n.ID, n.Kind)
		}
		if n.Version == "" {
			n.Version = schema.DefaultNodeVersion
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
		g.scopes[n.ParentID] = append(g.scopes[n.ParentID], n.ID)
		if n.Kind == schema.NodeKindStart {
			starts = append(starts, n.ID)
		}
	}
	if !res.Valid() {
		return nil, res
	}

	// Second pass: parents must exist and be containers.
	for _, id := range g.order {
		n := g.nodes[id]
		if n.ParentID == "" {
			continue
		}
		parent, ok := g.nodes[n.ParentID]
		if !ok {
			res.AddErrorf(schema.NodePath(id), schema.ErrCodeValidation, "node %s has non-existent parent: %s", id, n.ParentID)
			continue
		}
		if !parent.Kind.IsContainer() {
			res.AddErrorf(schema.NodePath(id), schema.ErrCodeBoundary,
				"node %s has parent %s of kind %s, which cannot contain nodes", id, parent.ID, parent.Kind)
		}
	}

	switch len(starts) {
	case 0:
		res.AddError("/nodes", schema.ErrCodeValidation, "flow has no start node")
	case 1:
		g.start = starts[0]
		if g.nodes[g.start].ParentID != "" {
			res.AddErrorf(schema.NodePath(g.start), schema.ErrCodeBoundary, "start node %s must be top level", g.start)
		}
	default:
		res.AddErrorf("/nodes", schema.ErrCodeValidation, "flow has %d start nodes, expected exactly one", len(starts))
	}
	if !res.Valid() {
		return nil, res
	}

	// Third pass: edges, boundaries and kind-specific configuration.
	for _, id := range g.order {
		g.checkEdges(g.nodes[id], res)
		checkConfig(g, g.nodes[id], res)
	}
	if !res.Valid() {
		return nil, res
	}

	// Fourth pass: every scope is acyclic once loop back-edges are removed.
	for scope := range g.scopes {
		if cyc := g.cyclicNodes(scope); len(cyc) > 0 {
			res.AddErrorf(scopePath(scope), schema.ErrCodeCycleDetected,
				"scope %q contains a cycle through nodes: %v", scopeName(scope), cyc)
		}
	}
	if !res.Valid() {
		return nil, res
	}

	// Fifth pass: End rules for sub-flows, tool flows and inline Sub scopes.
	if def.Kind == schema.FlowKindSub || def.Kind == schema.FlowKindTools {
		g.checkSingleEnd("", g.DefaultChildren(g.start), res)
	}
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Kind == schema.NodeKindSub && len(n.Children[schema.BranchBody]) > 0 {
			g.checkSingleEnd(n.ID, n.Children[schema.BranchBody], res)
		}
	}

	g.warnUnreachable(res)
	return g, res
}

// checkEdges validates the targets of every branch of n against scope boundaries.
func (g *Graph) checkEdges(n *schema.NodeDefinition, res *schema.ValidationResult) {
	for label, targets := range n.Children {
		for _, t := range targets {
			target, ok := g.nodes[t]
			if !ok {
				res.AddErrorf(schema.NodePath(n.ID), schema.ErrCodeValidation,
					"node %s branch %q points to non-existent node: %s", n.ID, label, t)
				continue
			}
			if t == n.ID {
				res.AddErrorf(schema.NodePath(n.ID), schema.ErrCodeCycleDetected, "node %s points to itself", n.ID)
				continue
			}
			if target.Kind == schema.NodeKindStart {
				res.AddErrorf(schema.NodePath(n.ID), schema.ErrCodeValidation, "node %s points to start node %s", n.ID, t)
				continue
			}

			switch {
			case n.Kind.IsContainer() && label == schema.BranchBody:
				if target.ParentID != n.ID {
					res.AddErrorf(schema.NodePath(n.ID), schema.ErrCodeBoundary,
						"body of %s must enter its own scope, but %s has parent %q", n.ID, t, target.ParentID)
				}
			case target.ParentID == n.ParentID:
				// Same scope.
			case g.isBackEdge(n, t):
				// Loop body returning to its header.
			default:
				res.AddErrorf(schema.NodePath(n.ID), schema.ErrCodeBoundary,
					"edge %s -> %s crosses a scope boundary (%q -> %q)", n.ID, t, scopeName(n.ParentID), scopeName(target.ParentID))
			}
		}
	}
}

// isBackEdge reports whether the edge from n to target returns to n's enclosing LoopMain.
func (g *Graph) isBackEdge(n *schema.NodeDefinition, target string) bool {
	if n.ParentID == "" || n.ParentID != target {
		return false
	}
	parent := g.nodes[target]
	return parent != nil && parent.Kind == schema.NodeKindLoopMain
}

// cyclicNodes runs Kahn's algorithm over one scope, ignoring back-edges,
// and returns the nodes left with a positive in-degree.
func (g *Graph) cyclicNodes(scope string) []string {
	members := g.scopes[scope]
	inDegree := make(map[string]int, len(members))
	for _, id := range members {
		inDegree[id] = 0
	}
	for _, id := range members {
		for _, t := range g.scopeEdges(id) {
			inDegree[t]++
		}
	}

	queue := make([]string, 0, len(members))
	for _, id := range members {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, t := range g.scopeEdges(id) {
			inDegree[t]--
			if inDegree[t] == 0 {
				queue = append(queue, t)
			}
		}
	}
	if visited == len(members) {
		return nil
	}

	var cyc []string
	for id, deg := range inDegree {
		if deg > 0 {
			cyc = append(cyc, id)
		}
	}
	sort.Strings(cyc)
	return cyc
}

// scopeEdges returns the distinct targets of id that live in the same scope.
func (g *Graph) scopeEdges(id string) []string {
	n := g.nodes[id]
	seen := make(map[string]bool)
	var out []string
	for _, label := range sortedLabels(n.Children) {
		if n.Kind.IsContainer() && label == schema.BranchBody {
			continue
		}
		for _, t := range n.Children[label] {
			target := g.nodes[t]
			if target == nil || target.ParentID != n.ParentID || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// checkSingleEnd requires exactly one End node of scope reachable from entry.
func (g *Graph) checkSingleEnd(scope string, entry []string, res *schema.ValidationResult) {
	ends := 0
	for id := range g.reachable(scope, entry) {
		if g.nodes[id].Kind == schema.NodeKindEnd {
			ends++
		}
	}
	if ends != 1 {
		res.AddErrorf(scopePath(scope), schema.ErrCodeValidation,
			"scope %q must contain exactly one reachable end node, found %d", scopeName(scope), ends)
	}
}

// reachable returns the nodes of scope reachable from entry without leaving the scope.
func (g *Graph) reachable(scope string, entry []string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), entry...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := g.nodes[id]
		if n == nil || n.ParentID != scope || seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.scopeEdges(id)...)
	}
	return seen
}

// warnUnreachable flags top-level nodes that no path from Start reaches.
func (g *Graph) warnUnreachable(res *schema.ValidationResult) {
	seen := g.reachable("", []string{g.start})
	for _, id := range g.scopes[""] {
		if !seen[id] {
			res.AddWarning(schema.NodePath(id), schema.ErrCodeValidation, "node "+id+" is unreachable from start")
		}
	}
}

// --- accessors ---

// ID returns the flow ID.
func (g *Graph) ID() string { return g.def.ID }

// Name returns the flow name, falling back to its ID.
func (g *Graph) Name() string {
	if g.def.Name != "" {
		return g.def.Name
	}
	return g.def.ID
}

// Kind returns the flow kind. An empty kind is regular.
func (g *Graph) Kind() schema.FlowKind {
	if g.def.Kind == "" {
		return schema.FlowKindRegular
	}
	return g.def.Kind
}

// Definition returns the definition the graph was parsed from.
func (g *Graph) Definition() *schema.FlowDefinition { return g.def }

// Start returns the Start node ID.
func (g *Graph) Start() string { return g.start }

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*schema.NodeDefinition, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in definition order.
func (g *Graph) Nodes() []*schema.NodeDefinition {
	out := make([]*schema.NodeDefinition, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Children returns a copy of the targets of one branch of a node.
func (g *Graph) Children(id, label string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	targets := n.Children[label]
	if len(targets) == 0 {
		return nil
	}
	return append([]string(nil), targets...)
}

// DefaultChildren returns the "next" branch of a node.
func (g *Graph) DefaultChildren(id string) []string {
	return g.Children(id, schema.BranchNext)
}

// Labels returns the branch labels of a node, sorted.
func (g *Graph) Labels(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return sortedLabels(n.Children)
}

// Scope returns the IDs of the nodes whose parent is parentID, in definition order.
func (g *Graph) Scope(parentID string) []string {
	return append([]string(nil), g.scopes[parentID]...)
}

// Size returns the number of nodes.
func (g *Graph) Size() int { return len(g.order) }

func cloneNode(n *schema.NodeDefinition) *schema.NodeDefinition {
	cp := *n
	if n.Children != nil {
		cp.Children = make(map[string][]string, len(n.Children))
		for k, v := range n.Children {
			cp.Children[k] = append([]string(nil), v...)
		}
	}
	return &cp
}

func sortedLabels(m map[string][]string) []string {
	labels := make([]string, 0, len(m))
	for k := range m {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

func scopeName(scope string) string {
	if scope == "" {
		return "<root>"
	}
	return scope
}

func scopePath(scope string) string {
	if scope == "" {
		return "/nodes"
	}
	return schema.NodePath(scope)
}
