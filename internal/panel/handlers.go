package panel

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/flowengine/internal/diagram"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

func (s *PanelServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *PanelServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.deps.Metrics.Handler().ServeHTTP(w, r)
}

// --- Flows ---

func (s *PanelServer) handleFlows(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Flows == nil {
		writeJSON(w, http.StatusOK, map[string]any{"flows": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": s.deps.Flows.List()})
}

// handleFlowDiagram renders a flow as Mermaid. With ?run=<id> the nodes
// carry the status replayed from that run's events.
func (s *PanelServer) handleFlowDiagram(w http.ResponseWriter, r *http.Request) {
	if s.deps.Flows == nil {
		writeError(w, http.StatusNotFound, "no flow catalog configured")
		return
	}
	g, err := s.deps.Flows.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}

	var replay *store.RunReplay
	if runID := r.URL.Query().Get("run"); runID != "" && s.deps.EventLog != nil {
		replay, err = s.deps.EventLog.Replay(r.Context(), runID)
		if err != nil {
			writeFlowError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(diagram.RenderMermaid(diagram.Build(g, replay))))
}

// --- Runs ---

func (s *PanelServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		FlowID:  q.Get("flow_id"),
		AgentID: q.Get("agent_id"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	if st := q.Get("status"); st != "" {
		status := schema.RunStatus(st)
		filter.Status = &status
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "limit": filter.Limit, "offset": filter.Offset})
}

func (s *PanelServer) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *PanelServer) handleRunVertices(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetRun(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	vertices, err := s.deps.Store.ListVertexResults(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "vertices": vertices})
}

func (s *PanelServer) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.deps.Store.GetEvents(r.Context(), id, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "events": events})
}

func (s *PanelServer) handleRunReplay(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventLog == nil {
		writeError(w, http.StatusNotFound, "event log disabled")
		return
	}
	replay, err := s.deps.EventLog.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replay)
}
