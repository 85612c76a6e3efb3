package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// handleStartRun runs a flow synchronously with the posted trigger.
func (s *PanelServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Flows == nil || s.deps.Dispatcher == nil {
		writeError(w, http.StatusNotFound, "runs cannot be started from this panel")
		return
	}

	var trigger schema.Trigger
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if trigger.Source == "" {
		trigger.Source = schema.TriggerSourceAPI
	}

	g, err := s.deps.Flows.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}

	res, err := s.deps.Dispatcher.Run(r.Context(), g, &trigger)
	if res == nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Scheduled triggers ---

func (s *PanelServer) handleTriggers(w http.ResponseWriter, r *http.Request) {
	filter := store.ScheduledTriggerFilter{FlowID: r.URL.Query().Get("flow_id")}
	triggers, err := s.deps.Store.ListScheduledTriggers(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if triggers == nil {
		triggers = []*store.ScheduledTrigger{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
}

func (s *PanelServer) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler disabled")
		return
	}

	var body struct {
		FlowID         string          `json:"flow_id"`
		CronExpression string          `json:"cron_expression"`
		Content        string          `json:"content"`
		Params         json.RawMessage `json:"params"`
		AgentID        string          `json:"agent_id"`
		UserID         string          `json:"user_id"`
		Enabled        *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.FlowID == "" || body.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "flow_id and cron_expression are required")
		return
	}
	if s.deps.Flows != nil {
		if _, err := s.deps.Flows.Resolve(r.Context(), body.FlowID); err != nil {
			writeFlowError(w, err)
			return
		}
	}

	st := &store.ScheduledTrigger{
		ID:             uuid.New().String(),
		FlowID:         body.FlowID,
		CronExpression: body.CronExpression,
		Content:        body.Content,
		Params:         body.Params,
		AgentID:        body.AgentID,
		UserID:         body.UserID,
		Enabled:        body.Enabled == nil || *body.Enabled,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.deps.Scheduler.Register(r.Context(), st); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *PanelServer) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Enabled        *bool  `json:"enabled"`
		CronExpression string `json:"cron_expression"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	update := store.ScheduledTriggerUpdate{Enabled: body.Enabled, CronExpression: body.CronExpression}
	if body.CronExpression != "" && s.deps.Scheduler != nil {
		next, err := s.deps.Scheduler.CalculateNextRun(body.CronExpression, time.Now().UTC())
		if err != nil {
			writeFlowError(w, err)
			return
		}
		update.NextRunAt = &next
	}
	if err := s.deps.Store.UpdateScheduledTrigger(r.Context(), id, update); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}

func (s *PanelServer) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteScheduledTrigger(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}
