package execution

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/pkg/schema"
)

// Runner executes one node kind. It reads its configuration from
// vr.Node().Params and the scratch store, sets the output and, when it
// decides the branch, the chosen children.
//
// A runner returns a VALIDATION_ERROR to abort only the current branch; any
// other error fails the whole run.
type Runner interface {
	Run(ctx context.Context, vr *VertexResult, ec *Context, upstream []*VertexResult) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, vr *VertexResult, ec *Context, upstream []*VertexResult) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, vr *VertexResult, ec *Context, upstream []*VertexResult) error {
	return f(ctx, vr, ec, upstream)
}

type runnerKey struct {
	kind    schema.NodeKind
	version string
}

// RunnerInfo describes a registered runner.
type RunnerInfo struct {
	Kind    schema.NodeKind `json:"kind"`
	Version string          `json:"version"`
}

// Registry maps (kind, version) to runners. It is populated at start-up and
// read concurrently by runs.
type Registry struct {
	mu      sync.RWMutex
	runners map[runnerKey]Runner
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[runnerKey]Runner)}
}

// Register adds a runner. Returns CONFLICT if (kind, version) is taken.
func (r *Registry) Register(kind schema.NodeKind, version string, runner Runner) error {
	if runner == nil {
		return schema.NewError(schema.ErrCodeValidation, "runner is nil")
	}
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "runner kind is empty")
	}
	if version == "" {
		version = schema.DefaultNodeVersion
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := runnerKey{kind, version}
	if _, exists := r.runners[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "runner for %s@%s already registered", kind, version)
	}
	r.runners[key] = runner
	return nil
}

// Resolve returns the runner for (kind, version). A missing entry is a
// configuration error reported as NOT_FOUND.
func (r *Registry) Resolve(kind schema.NodeKind, version string) (Runner, error) {
	if version == "" {
		version = schema.DefaultNodeVersion
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[runnerKey{kind, version}]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no runner registered for %s@%s", kind, version).
			WithDetails(map[string]any{"kind": string(kind), "version": version})
	}
	return runner, nil
}

// List returns all registered (kind, version) pairs, sorted.
func (r *Registry) List() []RunnerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RunnerInfo, 0, len(r.runners))
	for k := range r.runners {
		infos = append(infos, RunnerInfo{Kind: k.kind, Version: k.version})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Kind != infos[j].Kind {
			return infos[i].Kind < infos[j].Kind
		}
		return infos[i].Version < infos[j].Version
	})
	return infos
}

// CheckGraph verifies that every node of g except Start has a runner.
func (r *Registry) CheckGraph(g *graph.Graph) error {
	res := &schema.ValidationResult{}
	for _, n := range g.Nodes() {
		if n.Kind == schema.NodeKindStart {
			continue
		}
		if _, err := r.Resolve(n.Kind, n.Version); err != nil {
			res.AddError(schema.NodePath(n.ID), schema.ErrCodeNotFound, err.Error())
		}
	}
	return res.ToError()
}

// --- scope walking ---

// ScopeExit tells how a walk over a scope ended.
type ScopeExit int

const (
	// ExitDrained means the frontier emptied.
	ExitDrained ScopeExit = iota
	// ExitEnd means an End node returned control to the caller.
	ExitEnd
	// ExitStop means a LoopStop node broke out of the enclosing loop.
	ExitStop
)

// Bounds describe the scope a walk is confined to.
type Bounds struct {
	// Container is the ID of the Sub or LoopMain node owning the scope.
	Container string
	// LoopHeader, when set, is the LoopMain whose back-edge ends an iteration.
	LoopHeader string
	// ReturnOnEnd makes an End node stop the walk.
	ReturnOnEnd bool
	// Iteration is recorded on the vertex results produced by the walk.
	Iteration int
}

// ScopeOutcome is the result of walking a scope.
type ScopeOutcome struct {
	Exit       ScopeExit
	Output     map[string]any
	LoopedBack bool
	Visited    int
}

// Walker walks nested scopes on behalf of container runners. The driver
// implements it and binds itself to each run's Context.
type Walker interface {
	// WalkScope visits entry and everything it leads to within bounds.
	WalkScope(ctx context.Context, entry []string, ec *Context, b Bounds) (*ScopeOutcome, error)
	// RunFlow walks a whole sub-flow whose Start receives inputs.
	RunFlow(ctx context.Context, ec *Context, inputs map[string]any) (*ScopeOutcome, error)
}
