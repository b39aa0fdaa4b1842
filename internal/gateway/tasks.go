package gateway

import (
	"net/http"
	"strings"

	"github.com/basket/clawcontrol/internal/persistence"
	"github.com/basket/clawcontrol/internal/workflow"
)

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodGet:
		filter := persistence.TaskFilter{
			Status:     persistence.TaskStatus(r.URL.Query().Get("status")),
			AssigneeID: r.URL.Query().Get("assignee_id"),
		}
		tasks, err := s.cfg.Workflow.List(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"tasks": tasks, "total": len(tasks)})
	case http.MethodPost:
		var req struct {
			Title       string   `json:"title"`
			Description string   `json:"description"`
			Priority    string   `json:"priority"`
			Tags        []string `json:"tags"`
			AssigneeID  string   `json:"assignee_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		task, err := s.cfg.Workflow.Create(r.Context(), workflow.CreateInput{
			Title:       req.Title,
			Description: req.Description,
			Priority:    req.Priority,
			Tags:        req.Tags,
			AssigneeID:  req.AssigneeID,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSONStatus(w, http.StatusCreated, task)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// taskPatchRequest mirrors workflow.UpdatePatch with json field names.
type taskPatchRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Status      *string   `json:"status"`
	Priority    *string   `json:"priority"`
	Tags        *[]string `json:"tags"`
	AssigneeID  *string   `json:"assignee_id"`
	Reviewer    *string   `json:"reviewer"`
}

func (r taskPatchRequest) patch() workflow.UpdatePatch {
	p := workflow.UpdatePatch{
		Title:       r.Title,
		Description: r.Description,
		Priority:    r.Priority,
		Tags:        r.Tags,
		AssigneeID:  r.AssigneeID,
		Reviewer:    r.Reviewer,
	}
	if r.Status != nil {
		st := persistence.TaskStatus(*r.Status)
		p.Status = &st
	}
	return p
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, sub, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	switch sub {
	case "":
		s.handleTask(w, r, taskID)
	case "activity":
		s.handleTaskActivity(w, r, taskID)
	case "review":
		s.handleTaskReview(w, r, taskID)
	case "comments":
		s.handleTaskComments(w, r, taskID)
	case "complete":
		s.handleTaskComplete(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "unknown task resource "+sub)
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		task, err := s.cfg.Workflow.Get(r.Context(), taskID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, task)
	case http.MethodPatch, http.MethodPut:
		var req taskPatchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		task, err := s.cfg.Workflow.Update(r.Context(), taskID, req.patch())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, task)
	case http.MethodDelete:
		if err := s.cfg.Workflow.Delete(r.Context(), taskID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTaskActivity(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		entries, err := s.cfg.Workflow.Activity(r.Context(), taskID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"activity": entries})
	case http.MethodPost:
		var req struct {
			AgentID string `json:"agent_id"`
			Message string `json:"message"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		entry, task, err := s.cfg.Workflow.RecordActivity(r.Context(), taskID, req.AgentID, req.Message)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"id":     entry.ID,
			"status": task.Status,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTaskReview(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Action   string `json:"action"`
		Reviewer string `json:"reviewer"`
		Feedback string `json:"feedback"`
		AgentID  string `json:"agent_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		task *persistence.Task
		err  error
	)
	switch req.Action {
	case "send_to_review":
		task, err = s.cfg.Workflow.SendToReview(r.Context(), taskID, req.Reviewer, req.AgentID)
	case "approve":
		task, err = s.cfg.Workflow.Approve(r.Context(), taskID, req.AgentID)
	case "reject":
		task, err = s.cfg.Workflow.Reject(r.Context(), taskID, req.Feedback, req.AgentID)
	default:
		writeError(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "status": task.Status})
}

func (s *Server) handleTaskComments(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		comments, err := s.cfg.Workflow.Comments(r.Context(), taskID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"comments": comments})
	case http.MethodPost:
		var req struct {
			AgentID string `json:"agent_id"`
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		comment, err := s.cfg.Workflow.AddComment(r.Context(), taskID, req.AgentID, req.Content)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, comment)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, err := s.cfg.Workflow.Complete(r.Context(), taskID, "")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "status": task.Status, "reviewer": task.Reviewer})
}
