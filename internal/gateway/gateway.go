// Package gateway exposes the task board over HTTP: a REST API for
// tasks, recurring templates, agents, chat and the cron mirror, plus a
// /ws endpoint that fans bus events out to connected observers.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawcontrol/internal/agent"
	"github.com/basket/clawcontrol/internal/bus"
	"github.com/basket/clawcontrol/internal/mirror"
	"github.com/basket/clawcontrol/internal/notify"
	clawotel "github.com/basket/clawcontrol/internal/otel"
	"github.com/basket/clawcontrol/internal/persistence"
	"github.com/basket/clawcontrol/internal/recurring"
	"github.com/basket/clawcontrol/internal/workflow"
)

type Config struct {
	Store     *persistence.Store
	Workflow  *workflow.Service
	Recurring *recurring.Engine
	Mirror    *mirror.Service
	Registry  *agent.Registry
	Notifier  *notify.Notifier
	Bus       *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means "same-origin only".
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *clawotel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *clawotel.Metrics
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("clawcontrol")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = clawotel.NopMetrics()
	}
	return &Server{cfg: cfg, logger: logger, tracer: tracer, metrics: metrics}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/recurring", s.handleRecurring)
	mux.HandleFunc("/api/recurring/", s.handleRecurringByID)
	mux.HandleFunc("/api/openclaw/crons", s.handleRemoteCrons)
	mux.HandleFunc("/api/openclaw/crons/sync", s.handleCronSync)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentByID)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/chat/send-to-agent", s.handleSendToAgent)
	mux.HandleFunc("/api/activity", s.handleActivityLog)
	mux.HandleFunc("/api/stats", s.handleStats)

	return s.traceMiddleware(mux)
}

// traceMiddleware opens a server span per request and records its
// duration.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := clawotel.StartServerSpan(r.Context(), s.tracer, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("http.method", r.Method)))
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.Stats(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"config_hash": s.cfg.ConfigFingerprint,
	}
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, payload)
}

// wsFrame is the envelope fanned out to websocket observers.
type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsEventTypes maps bus topics to the frame names observers expect.
var wsEventTypes = map[string]string{
	bus.TopicTaskCreated:      "task_created",
	bus.TopicTaskUpdated:      "task_updated",
	bus.TopicTaskDeleted:      "task_deleted",
	bus.TopicTaskActivity:     "task_activity_added",
	bus.TopicTaskReviewed:     "task_reviewed",
	bus.TopicStatusChanged:    "task_status_changed",
	bus.TopicRecurringCreated: "recurring_created",
	bus.TopicRecurringUpdated: "recurring_updated",
	bus.TopicRecurringDeleted: "recurring_deleted",
	bus.TopicRecurringRun:     "recurring_run",
	bus.TopicActivityLog:      "activity_logged",
	bus.TopicChatMessage:      "chat_message",
	bus.TopicAgentStatus:      "agent_status",
}

func eventType(topic string) string {
	if t, ok := wsEventTypes[topic]; ok {
		return t
	}
	return strings.ReplaceAll(topic, ".", "_")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; cross-origin needs an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("ws: observer connected")
	defer func() {
		s.logger.Info("ws: observer disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	// The connection is write-only; CloseRead watches for the peer
	// going away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, wsFrame{Type: eventType(ev.Topic), Data: ev.Payload}); err != nil {
				s.logger.Warn("ws: write failed, dropping observer", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

// writeServiceError maps workflow/recurring sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrAlreadyDone),
		errors.Is(err, workflow.ErrAlreadyInReview),
		errors.Is(err, workflow.ErrUnknownStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
