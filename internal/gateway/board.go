package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/clawcontrol/internal/bus"
	"github.com/basket/clawcontrol/internal/notify"
	"github.com/basket/clawcontrol/internal/persistence"
)

func queryLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents, err := s.cfg.Registry.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, agents)
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	agentID, sub, _ := strings.Cut(rest, "/")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent id required")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		a, err := s.cfg.Registry.Get(r.Context(), agentID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, a)
	case sub == "status" && r.Method == http.MethodPatch:
		var req struct {
			Status string `json:"status"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.cfg.Registry.SetStatus(r.Context(), agentID, req.Status); err != nil {
			writeServiceError(w, err)
			return
		}
		s.cfg.Bus.Publish(bus.TopicAgentStatus, bus.AgentStatusEvent{AgentID: agentID, Status: req.Status})
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodGet:
		messages, err := s.cfg.Store.ListChatMessages(r.Context(), queryLimit(r, 50))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, messages)
	case http.MethodPost:
		var req struct {
			AgentID string `json:"agent_id"`
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}
		msg := persistence.ChatMessage{AgentID: req.AgentID, Content: req.Content}
		if err := s.cfg.Store.InsertChatMessage(r.Context(), &msg); err != nil {
			writeServiceError(w, err)
			return
		}
		s.cfg.Bus.Publish(bus.TopicChatMessage, bus.ChatMessageEvent{
			MessageID: msg.ID, AgentID: msg.AgentID, Content: msg.Content,
		})
		writeJSONStatus(w, http.StatusCreated, map[string]any{"id": msg.ID})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSendToAgent(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "agent_id and message are required")
		return
	}
	response, err := s.cfg.Notifier.SendToAgent(r.Context(), req.AgentID, req.Message)
	if err != nil {
		if errors.Is(err, notify.ErrNoCredential) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, map[string]any{"ok": true, "response": response})
}

func (s *Server) handleActivityLog(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entries, err := s.cfg.Store.ListActivityLog(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, stats)
}
