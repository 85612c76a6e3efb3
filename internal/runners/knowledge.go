package runners

import (
	"context"
	"strings"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/knowledge"
)

// DefaultKnowledgeLimit is the number of fragments returned when a
// KnowledgeSearch node sets no limit.
const DefaultKnowledgeLimit = 5

// KnowledgeParams configure a KnowledgeSearch node.
type KnowledgeParams struct {
	Query     string   `json:"query"`
	Datasets  []string `json:"datasets"`
	Limit     int      `json:"limit"`
	Threshold float64  `json:"threshold"`
}

// KnowledgeRunner retrieves fragments relevant to a query.
type KnowledgeRunner struct {
	*base
}

func (r *KnowledgeRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	if r.deps.Knowledge == nil {
		return missing(node, "knowledge retrieval")
	}

	var p KnowledgeParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}
	if p.Limit <= 0 {
		p.Limit = DefaultKnowledgeLimit
	}

	query := ec.Trigger().Content
	if p.Query != "" {
		var err error
		if query, err = r.renderString(node, p.Query, ec); err != nil {
			return err
		}
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return execution.Required(node, "query")
	}
	vr.SetInput(map[string]any{"query": query, "datasets": p.Datasets, "limit": p.Limit, "threshold": p.Threshold})

	frags, err := r.deps.Knowledge.Search(ctx, p.Datasets, query, p.Limit, p.Threshold)
	if err != nil {
		return withNode(err, node.ID)
	}

	items := make([]any, len(frags))
	for i, f := range frags {
		items[i] = map[string]any{
			"id":      f.ID,
			"dataset": f.Dataset,
			"content": f.Content,
			"score":   f.Score,
		}
	}
	vr.SetOutput(map[string]any{
		"fragments": items,
		"text":      knowledge.Join(frags),
		"count":     len(frags),
	})
	return nil
}
