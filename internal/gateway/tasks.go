package gateway

import (
	"net/http"
	"strings"

	"github.com/basket/todo-chat/internal/persistence"
	"github.com/basket/todo-chat/internal/shared"
	"github.com/basket/todo-chat/internal/tools"
)

type createTaskRequest struct {
	Title       string  `json:"title" validate:"notblank,max=1000"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
}

type updateTaskRequest struct {
	Title       *string `json:"title" validate:"omitempty,notblank,max=1000"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
	Completed   *bool   `json:"completed"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := persistence.TaskFilter(r.URL.Query().Get("status"))
	if filter == "" {
		filter = persistence.TaskFilterAll
	}
	if !filter.Valid() {
		s.writeError(w, r, http.StatusBadRequest, "status must be one of: all, pending, completed")
		return
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), shared.Owner(r.Context()), filter)
	if err != nil {
		s.storeError(w, r, "tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := tools.ValidateStruct(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.cfg.Store.CreateTask(r.Context(), shared.Owner(r.Context()), strings.TrimSpace(req.Title), req.Description)
	if err != nil {
		s.storeError(w, r, "task", err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "task_id")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), shared.Owner(r.Context()), id)
	if err != nil {
		s.storeError(w, r, "task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "task_id")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req updateTaskRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := tools.ValidateStruct(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title == nil && req.Description == nil && req.Completed == nil {
		s.writeError(w, r, http.StatusBadRequest, "nothing to update: set title, description or completed")
		return
	}
	upd := persistence.TaskUpdate{Description: req.Description, Completed: req.Completed}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		upd.Title = &title
	}
	task, err := s.cfg.Store.UpdateTask(r.Context(), shared.Owner(r.Context()), id, upd)
	if err != nil {
		s.storeError(w, r, "task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "task_id")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.cfg.Store.DeleteTask(r.Context(), shared.Owner(r.Context()), id); err != nil {
		s.storeError(w, r, "task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "task_id")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.cfg.Store.CompleteTask(r.Context(), shared.Owner(r.Context()), id)
	if err != nil {
		s.storeError(w, r, "task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
