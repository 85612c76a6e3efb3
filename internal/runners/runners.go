// Package runners implements the built-in node runners. Each runner reads its
// node's params, renders ${{ }} templates against the run's scratch store,
// performs its work and records output and chosen children on the vertex
// result.
package runners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/internal/knowledge"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/internal/memory"
	"github.com/rendis/flowengine/internal/multimodal"
	"github.com/rendis/flowengine/internal/tools"
	"github.com/rendis/flowengine/internal/transport"
	"github.com/rendis/flowengine/pkg/schema"
)

// Version is the handler version every built-in runner registers under.
const Version = schema.DefaultNodeVersion

// FlowResolver loads a flow referenced by a Sub node's flow_id.
type FlowResolver interface {
	Resolve(ctx context.Context, flowID string) (*graph.Graph, error)
}

// Deps are the capabilities shared by the built-in runners. Nil capabilities
// are allowed; a node that needs a missing one fails with NOT_FOUND.
type Deps struct {
	Model      llm.Model
	Memory     *memory.Manager
	MultiModal *multimodal.Builder
	Tools      *tools.Catalog
	Knowledge  *knowledge.Searcher
	Transport  transport.Transport
	Flows      FlowResolver
	// Sandboxes run Code nodes, keyed by language. The "expr" sandbox is
	// always available.
	Sandboxes  map[string]Sandbox
	HTTPClient *http.Client
	// MaxLoopIterations caps every loop. Zero means DefaultMaxLoopIterations.
	MaxLoopIterations int
	Logger            *slog.Logger
}

// RegisterBuiltins registers a runner for every non-Start node kind.
func RegisterBuiltins(reg *execution.Registry, deps Deps) error {
	b, err := newBase(deps)
	if err != nil {
		return err
	}

	runners := map[schema.NodeKind]execution.Runner{
		schema.NodeKindLLM:               &LLMRunner{base: b},
		schema.NodeKindIntentRecognition: &IntentRunner{base: b},
		schema.NodeKindIf:                &IfRunner{base: b},
		schema.NodeKindLoopMain:          &LoopMainRunner{base: b},
		schema.NodeKindLoopBody:          &LoopBodyRunner{base: b},
		schema.NodeKindLoopStop:          &LoopStopRunner{base: b},
		schema.NodeKindSub:               &SubRunner{base: b},
		schema.NodeKindTool:              &ToolRunner{base: b},
		schema.NodeKindMemory:            &MemoryRunner{base: b},
		schema.NodeKindHistory:           &HistoryRunner{base: b},
		schema.NodeKindKnowledgeSearch:   &KnowledgeRunner{base: b},
		schema.NodeKindVariable:          &VariableRunner{base: b},
		schema.NodeKindReply:             &ReplyRunner{base: b},
		schema.NodeKindCode:              &CodeRunner{base: b},
		schema.NodeKindHttp:              &HTTPRunner{base: b},
		schema.NodeKindEnd:               &EndRunner{base: b},
	}
	for kind, r := range runners {
		if err := reg.Register(kind, Version, r); err != nil {
			return fmt.Errorf("register %s runner: %w", kind, err)
		}
	}
	return nil
}

// base carries the dependencies and helpers every runner shares.
type base struct {
	deps    Deps
	engines *expressions.Engines
	jq      *expressions.GoJQEngine
	interp  *expressions.Interpolator
	logger  *slog.Logger
}

func newBase(deps Deps) (*base, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.MaxLoopIterations <= 0 {
		deps.MaxLoopIterations = DefaultMaxLoopIterations
	}
	sandboxes := map[string]Sandbox{LanguageExpr: NewExprSandbox()}
	for lang, sb := range deps.Sandboxes {
		sandboxes[lang] = sb
	}
	deps.Sandboxes = sandboxes

	return &base{
		deps:    deps,
		engines: engines,
		jq:      engines.JQ,
		interp:  expressions.NewInterpolator(),
		logger:  deps.Logger,
	}, nil
}

// renderString renders a template field of node against the run's data.
func (b *base) renderString(node *schema.NodeDefinition, tmpl string, ec *execution.Context) (string, error) {
	s, err := b.interp.RenderString(tmpl, ec.Data())
	if err != nil {
		return "", withNode(err, node.ID)
	}
	return s, nil
}

// renderMap renders every template value of m.
func (b *base) renderMap(node *schema.NodeDefinition, m map[string]any, ec *execution.Context) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	out, err := b.interp.RenderMap(m, ec.Data())
	if err != nil {
		return nil, withNode(err, node.ID)
	}
	return out, nil
}

// children returns the node's children for label in the graph ec walks.
func children(ec *execution.Context, node *schema.NodeDefinition, label string) []string {
	return ec.Graph().Children(node.ID, label)
}

// missing reports a capability the node needs but the engine was built without.
func missing(node *schema.NodeDefinition, capability string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s node requires a %s capability", node.Kind, capability).
		WithNode(node.ID)
}

// withNode tags a FlowError with the node ID, leaving other errors unchanged.
func withNode(err error, nodeID string) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		fe.WithNode(nodeID)
	}
	return err
}

// upstreamOutput returns the output of the first upstream result, or nil.
func upstreamOutput(upstream []*execution.VertexResult) map[string]any {
	for _, u := range upstream {
		if u != nil && u.Success() {
			return u.Output()
		}
	}
	return nil
}
