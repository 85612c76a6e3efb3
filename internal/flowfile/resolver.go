package flowfile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/internal/tools"
	"github.com/rendis/flowengine/pkg/schema"
)

type cachedFlow struct {
	path    string
	modTime time.Time
	graph   *graph.Graph
}

// DirResolver resolves flow ids against the flow files of one directory.
// A flow's id is the id field of its definition. Files are re-read when
// their modification time changes.
type DirResolver struct {
	dir    string
	loader *Loader
	logger *slog.Logger

	mu    sync.Mutex
	flows map[string]*cachedFlow
}

// NewDirResolver creates a resolver over dir and performs an initial scan.
func NewDirResolver(dir string, loader *Loader, logger *slog.Logger) (*DirResolver, error) {
	if loader == nil {
		loader = NewLoader(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &DirResolver{dir: dir, loader: loader, logger: logger, flows: make(map[string]*cachedFlow)}
	if err := r.Rescan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Rescan reloads every flow file in the directory. Invalid files are
// logged and skipped.
func (r *DirResolver) Rescan() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "flow directory %s", r.dir).WithCause(err)
	}

	flows := make(map[string]*cachedFlow)
	for _, e := range entries {
		if e.IsDir() || DetectFormat(e.Name()) == "" {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		cf, err := r.load(path)
		if err != nil {
			r.logger.Warn("skip flow file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if prev, dup := flows[cf.graph.ID()]; dup {
			r.logger.Warn("duplicate flow id",
				slog.String("flow_id", cf.graph.ID()), slog.String("path", path), slog.String("previous", prev.path))
			continue
		}
		flows[cf.graph.ID()] = cf
	}

	r.mu.Lock()
	r.flows = flows
	r.mu.Unlock()
	return nil
}

func (r *DirResolver) load(path string) (*cachedFlow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	g, err := r.loader.LoadGraph(path)
	if err != nil {
		return nil, err
	}
	return &cachedFlow{path: path, modTime: info.ModTime(), graph: g}, nil
}

// Resolve returns the graph of flowID, reloading its file if it changed on disk.
func (r *DirResolver) Resolve(_ context.Context, flowID string) (*graph.Graph, error) {
	r.mu.Lock()
	cf, ok := r.flows[flowID]
	r.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q not found in %s", flowID, r.dir)
	}

	info, err := os.Stat(cf.path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q file is gone", flowID).WithCause(err)
	}
	if info.ModTime().Equal(cf.modTime) {
		return cf.graph, nil
	}

	fresh, err := r.load(cf.path)
	if err != nil {
		return nil, err
	}
	if fresh.graph.ID() != flowID {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "flow file %s now declares id %q", cf.path, fresh.graph.ID())
	}
	r.mu.Lock()
	r.flows[flowID] = fresh
	r.mu.Unlock()
	return fresh.graph, nil
}

// List returns the known flow ids, sorted.
func (r *DirResolver) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.flows))
	for id := range r.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegisterTools exposes every flow of kind "tools" in the catalog under its
// flow id. It returns the registered codes.
func (r *DirResolver) RegisterTools(catalog *tools.Catalog, walker execution.Walker) ([]string, error) {
	var codes []string
	for _, id := range r.List() {
		r.mu.Lock()
		g := r.flows[id].graph
		r.mu.Unlock()
		if g.Kind() != schema.FlowKindTools {
			continue
		}
		if err := catalog.RegisterFlow(id, g.Definition().Description, g, walker); err != nil {
			return codes, err
		}
		codes = append(codes, id)
	}
	return codes, nil
}
