package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/caravel/pkg/kernel"
	"github.com/harun/caravel/pkg/session"
	"github.com/harun/caravel/pkg/telemetry"
)

// executeRequest is the POST /v1/execute body
type executeRequest struct {
	Tool      string                 `json:"tool"`
	Params    map[string]interface{} `json:"params,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Force     bool                   `json:"force,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	requestID, _ := gonanoid.New()
	start := time.Now()

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observe("/v1/execute", http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tool == "" {
		s.observe("/v1/execute", http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	result := s.kernel.Execute(r.Context(), kernel.Request{
		Tool:      req.Tool,
		Params:    req.Params,
		SessionID: req.SessionID,
		Force:     req.Force,
		Metadata:  map[string]interface{}{"request_id": requestID},
	})

	s.logger.Info().
		Str("request_id", requestID).
		Str("tool", req.Tool).
		Bool("success", result.Success).
		Str("code", string(result.Code)).
		Dur("duration", time.Since(start)).
		Msg("Execute request handled")

	s.broadcaster.Publish("execution", map[string]interface{}{
		"request_id": requestID,
		"tool":       req.Tool,
		"success":    result.Success,
		"code":       result.Code,
	})

	status := statusForCode(result)
	s.observe("/v1/execute", status)

	w.Header().Set("X-Request-Id", requestID)
	writeJSON(w, status, result)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.observe("/v1/tools", http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.kernel.ListTools()})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.kernel.GetPlan(r.Context(), r.PathValue("tool"), r.URL.Query().Get("session_id"))
	if err != nil {
		status := http.StatusNotFound
		s.observe("/v1/plan", status)
		writeError(w, status, err.Error())
		return
	}

	s.observe("/v1/plan", http.StatusOK)
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleCanExecute(w http.ResponseWriter, r *http.Request) {
	readiness, err := s.kernel.CanExecute(r.Context(), r.PathValue("tool"), r.URL.Query().Get("session_id"))
	if err != nil {
		status := http.StatusNotFound
		s.observe("/v1/can-execute", status)
		writeError(w, status, err.Error())
		return
	}

	s.observe("/v1/can-execute", http.StatusOK)
	writeJSON(w, http.StatusOK, readiness)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.kernel.CreateSession(r.Context())
	if err != nil {
		s.observe("/v1/sessions", http.StatusInternalServerError)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.observe("/v1/sessions", http.StatusCreated)
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.kernel.ListSessions(r.Context())
	if err != nil {
		s.observe("/v1/sessions", http.StatusInternalServerError)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.observe("/v1/sessions", http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": ids})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.kernel.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.observe("/v1/sessions/{id}", status)
		writeError(w, status, err.Error())
		return
	}

	s.observe("/v1/sessions/{id}", http.StatusOK)
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.kernel.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.observe("/v1/sessions/{id}", http.StatusInternalServerError)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.observe("/v1/sessions/{id}", http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("events"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}

	s.observe("/v1/telemetry", http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"aggregates": s.kernel.GetTelemetry(),
		"events":     s.kernel.RecentEvents(n),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.kernel.GetHealth()

	status := http.StatusOK
	if health.Status == telemetry.StatusCritical {
		status = http.StatusServiceUnavailable
	}

	s.observe("/v1/health", status)
	writeJSON(w, status, health)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade event stream connection")
		return
	}

	id, _ := gonanoid.New()
	s.broadcaster.Add(id, conn)

	// Read until the client goes away; inbound frames are ignored.
	go func() {
		defer func() {
			s.broadcaster.Remove(id)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) observe(endpoint string, status int) {
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
}

func statusForCode(result kernel.Result) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.Code {
	case kernel.CodeNotFound:
		return http.StatusNotFound
	case kernel.CodeValidation:
		return http.StatusBadRequest
	case kernel.CodePolicyBlocked:
		return http.StatusForbidden
	case kernel.CodeCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
