package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var statusTags = map[string]string{
	"completed": "[OK]",
	"failed":    "[FAIL]",
	"aborted":   "[ABORT]",
}

// RenderASCII draws a Flow for terminals: one row of boxes per rank, the
// branches leaving that rank under it, then every loop or sub-flow body.
func RenderASCII(f *Flow) string {
	var b strings.Builder
	if f.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", f.Title)
	}

	byID := make(map[string]*Node, len(f.Nodes))
	for _, n := range f.Nodes {
		byID[n.ID] = n
	}
	outgoing := make(map[string][]Edge)
	for _, e := range f.Edges {
		outgoing[e.From] = append(outgoing[e.From], e)
	}

	for i, rank := range f.Ranks {
		var row []box
		for _, id := range rank {
			if n, ok := byID[id]; ok {
				row = append(row, newBox(n))
			}
		}
		writeRow(&b, row)

		if i == len(f.Ranks)-1 {
			continue
		}
		for _, id := range rank {
			for _, e := range outgoing[id] {
				fmt.Fprintf(&b, "  %s\n", edgeText(e))
			}
		}
		b.WriteByte('\n')
	}

	for _, n := range f.Nodes {
		for _, s := range n.Scopes {
			fmt.Fprintf(&b, "\n--- %s scope ---\n", n.ID)
			writeScope(&b, s, 1)
		}
	}
	return b.String()
}

// edgeText renders "from ─→ to", with the branch label appended when set.
func edgeText(e Edge) string {
	if e.Label == "" {
		return e.From + " ─→ " + e.To
	}
	return fmt.Sprintf("%s ─→ %s [%s]", e.From, e.To, e.Label)
}

func writeScope(b *strings.Builder, s *Scope, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s[%s]\n", indent, s.Label)
	for _, n := range s.Nodes {
		name, _, _ := strings.Cut(n.Label, "\n")
		if n.Status != nil && statusTags[n.Status.Status] != "" {
			name += " " + statusTags[n.Status.Status]
		}
		fmt.Fprintf(b, "%s  %s\n", indent, name)
	}
	for _, e := range s.Edges {
		fmt.Fprintf(b, "%s  %s\n", indent, edgeText(e))
	}
	for _, n := range s.Nodes {
		for _, inner := range n.Scopes {
			writeScope(b, inner, depth+1)
		}
	}
}

type box struct {
	lines []string
	width int
}

// newBox frames a node's label lines plus any replayed status.
func newBox(n *Node) box {
	content := strings.Split(n.Label, "\n")
	if st := n.Status; st != nil {
		if tag := statusTags[st.Status]; tag != "" {
			content = append(content, tag)
		}
		if st.Visits > 1 {
			content = append(content, fmt.Sprintf("x%d", st.Visits))
		}
		if st.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", st.DurationMs))
		}
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, utf8.RuneCountInString(line))
	}
	rule := strings.Repeat("─", inner+2)

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+rule+"┐")
	for _, line := range content {
		pad := strings.Repeat(" ", inner-utf8.RuneCountInString(line))
		lines = append(lines, "│ "+line+pad+" │")
	}
	lines = append(lines, "└"+rule+"┘")
	return box{lines: lines, width: inner + 4}
}

// writeRow prints boxes side by side, padding shorter ones at the bottom.
func writeRow(b *strings.Builder, row []box) {
	height := 0
	for _, bx := range row {
		height = max(height, len(bx.lines))
	}
	for r := range height {
		for i, bx := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if r < len(bx.lines) {
				b.WriteString(bx.lines[r])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteByte('\n')
	}
}
