package diagram

import (
	"fmt"

	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// Build constructs a Flow from a parsed flow. replay may be nil;
// when set, each node carries the status recovered from the run's events.
func Build(g *graph.Graph, replay *store.RunReplay) *Flow {
	states := indexStates(replay)

	top := g.Scope("")
	return &Flow{
		Title: g.Name(),
		Nodes: buildNodes(g, top, states),
		Edges: buildEdges(g, top),
		Ranks: buildRanks(g, top),
	}
}

// Mermaid parses def and renders it as a Mermaid flowchart.
func Mermaid(def *schema.FlowDefinition) (string, error) {
	g, err := graph.Parse(def)
	if err != nil {
		return "", err
	}
	return RenderMermaid(Build(g, nil)), nil
}

// indexStates keys replayed node states by node id. Nodes visited in
// several namespaces are folded together.
func indexStates(replay *store.RunReplay) map[string]*NodeStatus {
	out := make(map[string]*NodeStatus)
	if replay == nil {
		return out
	}
	for _, ns := range replay.Nodes {
		so, ok := out[ns.NodeID]
		if !ok {
			so = &NodeStatus{}
			out[ns.NodeID] = so
		}
		so.Visits += ns.Visits
		so.DurationMs += ns.DurationMs
		if so.Status != "failed" {
			so.Status = ns.Status
			so.Error = ns.LastError
		}
	}
	return out
}

func buildNodes(g *graph.Graph, ids []string, states map[string]*NodeStatus) []*Node {
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		def, _ := g.Node(id)
		n := &Node{ID: id, Label: nodeLabel(def), Kind: def.Kind, Status: states[id]}
		if def.Kind.IsContainer() {
			if scope := g.Scope(id); len(scope) > 0 {
				n.Scopes = append(n.Scopes, &Scope{
					Label: scopeLabel(def),
					Nodes: buildNodes(g, scope, states),
					Edges: buildEdges(g, scope),
				})
			}
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// buildEdges lists every branch leaving ids. Body edges and loop back-edges
// are kept so a container's entry and re-entry stay visible.
func buildEdges(g *graph.Graph, ids []string) []Edge {
	var edges []Edge
	for _, id := range ids {
		for _, label := range g.Labels(id) {
			for _, to := range g.Children(id, label) {
				shown := label
				switch {
				case isBackEdge(g, id, to):
					shown = "loop"
				case label == schema.BranchNext:
					shown = ""
				}
				edges = append(edges, Edge{From: id, To: to, Label: shown})
			}
		}
	}
	return edges
}

// buildRanks assigns each node of a scope the length of its longest path
// from a scope root. Edges leaving the scope are ignored.
func buildRanks(g *graph.Graph, ids []string) [][]string {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		for _, label := range g.Labels(id) {
			if label == schema.BranchBody {
				continue
			}
			for _, to := range g.Children(id, label) {
				if in[to] {
					indeg[to]++
				}
			}
		}
	}

	level := make(map[string]int, len(ids))
	var queue []string
	for _, id := range ids {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	maxLevel := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, label := range g.Labels(id) {
			if label == schema.BranchBody {
				continue
			}
			for _, to := range g.Children(id, label) {
				if !in[to] {
					continue
				}
				if level[id]+1 > level[to] {
					level[to] = level[id] + 1
				}
				if level[to] > maxLevel {
					maxLevel = level[to]
				}
				indeg[to]--
				if indeg[to] == 0 {
					queue = append(queue, to)
				}
			}
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range ids {
		levels[level[id]] = append(levels[level[id]], id)
	}
	return levels
}

func isBackEdge(g *graph.Graph, from, to string) bool {
	def, ok := g.Node(from)
	return ok && def.ParentID != "" && def.ParentID == to
}

func nodeLabel(def *schema.NodeDefinition) string {
	if def.Name != "" && def.Name != def.ID {
		return fmt.Sprintf("%s\n(%s)", def.Name, def.Kind)
	}
	return fmt.Sprintf("%s\n(%s)", def.ID, def.Kind)
}

func scopeLabel(def *schema.NodeDefinition) string {
	if def.Kind == schema.NodeKindLoopMain {
		return "loop"
	}
	return "sub-flow"
}
