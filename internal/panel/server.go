// Package panel serves the debug HTTP surface: health, metrics, recorded
// runs and live run events.
package panel

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/internal/metrics"
	"github.com/rendis/flowengine/internal/scheduler"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/internal/streaming"
)

// FlowCatalog lists and resolves flows by id. Satisfied by *flowfile.DirResolver.
type FlowCatalog interface {
	List() []string
	Resolve(ctx context.Context, flowID string) (*graph.Graph, error)
}

// PanelDeps holds the dependencies for the panel server. Only Store and Hub
// are required; routes whose dependency is nil answer 404.
type PanelDeps struct {
	Store      store.Store
	EventLog   *store.EventLog
	Hub        streaming.EventHub
	Metrics    *metrics.Collector
	Flows      FlowCatalog
	Dispatcher *engine.Dispatcher
	Scheduler  *scheduler.Scheduler
	Logger     *slog.Logger
}

// PanelServer serves the debug panel.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/flows", func(r chi.Router) {
		r.Get("/", s.handleFlows)
		r.Get("/{id}/diagram", s.handleFlowDiagram)
		r.Post("/{id}/runs", s.handleStartRun)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleRuns)
		r.Get("/{id}", s.handleRun)
		r.Get("/{id}/vertices", s.handleRunVertices)
		r.Get("/{id}/events", s.handleRunEvents)
		r.Get("/{id}/replay", s.handleRunReplay)
	})

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/", s.handleTriggers)
		r.Post("/", s.handleCreateTrigger)
		r.Put("/{id}", s.handleUpdateTrigger)
		r.Delete("/{id}", s.handleDeleteTrigger)
	})

	r.Get("/sse/runs", s.handleSSEGlobal)
	r.Get("/sse/runs/{id}", s.handleSSERun)

	return r
}
