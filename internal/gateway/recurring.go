package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/basket/clawcontrol/internal/persistence"
	"github.com/basket/clawcontrol/internal/recurring"
)

// recurringView decorates a template with its human-readable schedule.
type recurringView struct {
	persistence.RecurringTask
	ScheduleHuman string `json:"schedule_human"`
}

func (s *Server) recurringView(rec persistence.RecurringTask) recurringView {
	return recurringView{RecurringTask: rec, ScheduleHuman: s.cfg.Recurring.Describe(rec)}
}

func (s *Server) handleRecurring(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodGet:
		recs, err := s.cfg.Recurring.List(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]recurringView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, s.recurringView(rec))
		}
		writeJSON(w, map[string]any{"recurring": views, "total": len(views)})
	case http.MethodPost:
		var req struct {
			Title         string   `json:"title"`
			Description   string   `json:"description"`
			Priority      string   `json:"priority"`
			Tags          []string `json:"tags"`
			AssigneeID    string   `json:"assignee_id"`
			ScheduleType  string   `json:"schedule_type"`
			ScheduleValue string   `json:"schedule_value"`
			ScheduleTime  string   `json:"schedule_time"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		rec, err := s.cfg.Recurring.Create(r.Context(), recurring.CreateInput{
			Title:         req.Title,
			Description:   req.Description,
			Priority:      req.Priority,
			Tags:          req.Tags,
			AssigneeID:    req.AssigneeID,
			ScheduleType:  req.ScheduleType,
			ScheduleValue: req.ScheduleValue,
			ScheduleTime:  req.ScheduleTime,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSONStatus(w, http.StatusCreated, s.recurringView(*rec))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRecurringByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/recurring/")
	recurringID, sub, _ := strings.Cut(rest, "/")
	if recurringID == "" {
		writeError(w, http.StatusBadRequest, "recurring id required")
		return
	}

	switch sub {
	case "":
		s.handleRecurringTemplate(w, r, recurringID)
	case "runs":
		s.handleRecurringRuns(w, r, recurringID)
	case "trigger":
		s.handleRecurringTrigger(w, r, recurringID)
	default:
		writeError(w, http.StatusNotFound, "unknown recurring resource "+sub)
	}
}

func (s *Server) handleRecurringTemplate(w http.ResponseWriter, r *http.Request, recurringID string) {
	switch r.Method {
	case http.MethodGet:
		rec, err := s.cfg.Recurring.Get(r.Context(), recurringID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, s.recurringView(*rec))
	case http.MethodPatch, http.MethodPut:
		var req struct {
			Title         *string   `json:"title"`
			Description   *string   `json:"description"`
			Priority      *string   `json:"priority"`
			Tags          *[]string `json:"tags"`
			AssigneeID    *string   `json:"assignee_id"`
			ScheduleType  *string   `json:"schedule_type"`
			ScheduleValue *string   `json:"schedule_value"`
			ScheduleTime  *string   `json:"schedule_time"`
			IsActive      *bool     `json:"is_active"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		rec, retracted, err := s.cfg.Recurring.Update(r.Context(), recurringID, recurring.UpdatePatch{
			Title:         req.Title,
			Description:   req.Description,
			Priority:      req.Priority,
			Tags:          req.Tags,
			AssigneeID:    req.AssigneeID,
			ScheduleType:  req.ScheduleType,
			ScheduleValue: req.ScheduleValue,
			ScheduleTime:  req.ScheduleTime,
			IsActive:      req.IsActive,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"recurring":     s.recurringView(*rec),
			"deleted_tasks": retracted,
		})
	case http.MethodDelete:
		if err := s.cfg.Recurring.Delete(r.Context(), recurringID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRecurringRuns(w http.ResponseWriter, r *http.Request, recurringID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runs, err := s.cfg.Recurring.Runs(r.Context(), recurringID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"runs": runs, "total": len(runs)})
}

func (s *Server) handleRecurringTrigger(w http.ResponseWriter, r *http.Request, recurringID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, err := s.cfg.Recurring.Trigger(r.Context(), recurringID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, task)
}

// remoteCronView flattens a pulled remote job for board consumption.
type remoteCronView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Enabled      bool       `json:"enabled"`
	ScheduleKind string     `json:"schedule_kind"`
	ScheduleExpr string     `json:"schedule_expr"`
	ScheduleTZ   string     `json:"schedule_tz,omitempty"`
	Message      string     `json:"message"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	AgentID      string     `json:"agent_id"`
	AgentName    string     `json:"agent_name"`
	Source       string     `json:"source"`
}

func (s *Server) handleRemoteCrons(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobs := s.cfg.Mirror.FetchRemoteJobs(r.Context())
	views := make([]remoteCronView, 0, len(jobs))
	for _, rj := range jobs {
		next, last := rj.Job.RunState()
		views = append(views, remoteCronView{
			ID:           rj.Job.ID,
			Name:         rj.Job.Name,
			Enabled:      rj.Job.Enabled,
			ScheduleKind: rj.Job.Schedule.Kind,
			ScheduleExpr: rj.Job.Schedule.Expr,
			ScheduleTZ:   rj.Job.Schedule.TZ,
			Message:      rj.Job.Payload.Message,
			NextRunAt:    next,
			LastRunAt:    last,
			AgentID:      rj.RemoteID,
			AgentName:    rj.RemoteName,
			Source:       "openclaw",
		})
	}
	writeJSON(w, views)
}

func (s *Server) handleCronSync(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	outcomes := s.cfg.Mirror.SyncFromRemotes(r.Context())
	// Push back in the background so the sync response returns quickly.
	s.cfg.Mirror.Dispatch(nil)
	writeJSON(w, map[string]any{"synced": outcomes, "total": len(outcomes)})
}
