package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/casework/internal/api/shared"
	"github.com/phrazzld/casework/internal/permission"
	"github.com/phrazzld/casework/internal/task"
)

// TaskService is the scheduler surface used by the task routes. The
// scheduler evaluates capabilities itself.
type TaskService interface {
	Submit(ctx context.Context, p permission.Principal, req task.SubmitRequest) (task.Handle, error)
	Status(ctx context.Context, p permission.Principal, id uuid.UUID) (task.Task, error)
	Cancel(ctx context.Context, p permission.Principal, id uuid.UUID) (task.Task, error)
	List(ctx context.Context, p permission.Principal, caseID string) ([]task.Task, error)
}

// SubmitTaskRequest is the body of POST /api/cases/{caseID}/tasks.
type SubmitTaskRequest struct {
	Category    string          `json:"category"               validate:"required"`
	Priority    string          `json:"priority,omitempty"`
	Description string          `json:"description,omitempty"  validate:"max=1024"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty" validate:"gte=0,lte=100"`
}

// TaskListResponse wraps a case's tasks.
type TaskListResponse struct {
	CaseID string      `json:"case_id"`
	Tasks  []task.Task `json:"tasks"`
}

// TaskHandler serves the task routes.
type TaskHandler struct {
	tasks TaskService
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// Submit handles POST /api/cases/{caseID}/tasks. Accepted tasks are answered
// with 202 and a Location header pointing at their status.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req SubmitTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	handle, err := h.tasks.Submit(r.Context(), p, task.SubmitRequest{
		CaseID:      chi.URLParam(r, "caseID"),
		Category:    req.Category,
		Priority:    req.Priority,
		Description: req.Description,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/tasks/"+handle.ID.String())
	shared.RespondWithJSON(w, r, http.StatusAccepted, handle)
}

// Status handles GET /api/tasks/{id}.
func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := h.tasks.Status(r.Context(), p, id)
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// Cancel handles DELETE /api/tasks/{id}. A running task is answered with its
// current view; it becomes cancelled once its process exits.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := h.tasks.Cancel(r.Context(), p, id)
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if !t.State.Terminal() {
		status = http.StatusAccepted
	}
	shared.RespondWithJSON(w, r, status, t)
}

// List handles GET /api/cases/{caseID}/tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	caseID := chi.URLParam(r, "caseID")
	tasks, err := h.tasks.List(r.Context(), p, caseID)
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, TaskListResponse{CaseID: caseID, Tasks: tasks})
}

func principal(w http.ResponseWriter, r *http.Request) (permission.Principal, bool) {
	p, ok := permission.PrincipalFromContext(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Credentials required")
	}
	return p, ok
}

func taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID format")
		return uuid.Nil, false
	}
	return id, true
}
