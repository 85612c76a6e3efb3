package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/flowengine/pkg/schema"
)

// RenderMermaid renders a Flow as a Mermaid flowchart string.
func RenderMermaid(model *Flow) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	writeNodes(&b, model.Nodes, "    ")
	writeEdges(&b, model.Edges, "    ")

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef aborted fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	writeClasses(&b, model.Nodes)
	return b.String()
}

func writeNodes(b *strings.Builder, nodes []*Node, indent string) {
	for _, node := range nodes {
		fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(node))
		for _, sg := range node.Scopes {
			fmt.Fprintf(b, "%ssubgraph %s[\"%s: %s\"]\n", indent, mermaidSafeID(node.ID+"_scope"), node.ID, sg.Label)
			writeNodes(b, sg.Nodes, indent+"    ")
			writeEdges(b, sg.Edges, indent+"    ")
			fmt.Fprintf(b, "%send\n", indent)
		}
	}
}

func writeEdges(b *strings.Builder, edges []Edge, indent string) {
	for _, edge := range edges {
		arrow := "-->"
		if edge.Label == "loop" {
			arrow = "-.->"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(b, "%s%s %s%s %s\n", indent, mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}
}

func writeClasses(b *strings.Builder, nodes []*Node) {
	for _, node := range nodes {
		if node.Status != nil {
			if cls := mermaidStatusClass(node.Status.Status); cls != "" {
				fmt.Fprintf(b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
			}
		}
		for _, sg := range node.Scopes {
			writeClasses(b, sg.Nodes)
		}
	}
}

// mermaidNodeDef returns a Mermaid node definition shaped by kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(strings.ReplaceAll(node.Label, "\n", " "))

	switch node.Kind {
	case schema.NodeKindStart, schema.NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", id, label)
	case schema.NodeKindIf, schema.NodeKindIntentRecognition:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case schema.NodeKindLLM:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	case schema.NodeKindLoopMain, schema.NodeKindSub:
		return fmt.Sprintf("%s[[\"%s\"]]", id, label)
	case schema.NodeKindLoopStop:
		return fmt.Sprintf("%s{{\"%s\"}}", id, label)
	case schema.NodeKindKnowledgeSearch, schema.NodeKindMemory, schema.NodeKindHistory:
		return fmt.Sprintf("%s[(\"%s\")]", id, label)
	case schema.NodeKindTool, schema.NodeKindHttp, schema.NodeKindCode:
		return fmt.Sprintf("%s[/\"%s\"/]", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid rejects in identifiers.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_")
	return r.Replace(id)
}

func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "aborted":
		return status
	default:
		return ""
	}
}
