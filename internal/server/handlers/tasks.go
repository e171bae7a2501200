package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/freqops/freqops/internal/errors"
	"github.com/freqops/freqops/pkg/task"
)

// Submitter is the dispatcher surface the task handlers need.
type Submitter interface {
	Submit(ctx context.Context, kind task.Kind, payload task.Payload) (task.Task, error)
	Stop(ctx context.Context, id string) error
}

// TaskHandler serves task submission, lookup and stop.
type TaskHandler struct {
	submitter Submitter
	store     task.Store
}

// NewTaskHandler wires the handler.
func NewTaskHandler(submitter Submitter, store task.Store) *TaskHandler {
	return &TaskHandler{submitter: submitter, store: store}
}

type submitRequest struct {
	Kind        string          `json:"kind"`
	Strategy    string          `json:"strategy"`
	Config      json.RawMessage `json:"config,omitempty"`
	Timerange   string          `json:"timerange,omitempty"`
	FreqAIModel string          `json:"freqai_model,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// SubmitBacktest handles POST /backtest, the shorthand for the most
// common task kind.
func (h *TaskHandler) SubmitBacktest(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, task.KindBacktest)
}

// SubmitTask handles POST /tasks with an explicit kind.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, "")
}

func (h *TaskHandler) submit(w http.ResponseWriter, r *http.Request, kind task.Kind) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteEnvelope(w, r, http.StatusBadRequest,
			apperrors.NewErrorEnvelope(apperrors.CodeValidation, "malformed request body: "+err.Error()))
		return
	}
	if kind == "" {
		kind = task.Kind(req.Kind)
	}

	created, err := h.submitter.Submit(r.Context(), kind, task.Payload{
		Strategy:    req.Strategy,
		Config:      req.Config,
		Timerange:   req.Timerange,
		FreqAIModel: req.FreqAIModel,
	})
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{TaskID: created.ID, Status: string(created.Status)})
}

// GetTask handles GET /task/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTasks handles GET /tasks with optional status and kind filters.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	var filter task.Filter

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := task.Status(raw)
		if !validStatus(status) {
			apperrors.WriteEnvelope(w, r, http.StatusBadRequest,
				apperrors.NewErrorEnvelope(apperrors.CodeValidation, "unknown status "+raw))
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind := task.Kind(raw)
		if !kind.Valid() {
			apperrors.WriteEnvelope(w, r, http.StatusBadRequest,
				apperrors.NewErrorEnvelope(apperrors.CodeValidation, "unknown kind "+raw))
			return
		}
		filter.Kind = kind
	}

	tasks, err := h.store.List(r.Context(), filter)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// StopTask handles POST /task/{id}/stop.
func (h *TaskHandler) StopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.submitter.Stop(r.Context(), id); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{TaskID: t.ID, Status: string(t.Status)})
}

func validStatus(s task.Status) bool {
	switch s {
	case task.StatusPending, task.StatusRunning, task.StatusCompleted, task.StatusFailed, task.StatusStopped:
		return true
	}
	return false
}
