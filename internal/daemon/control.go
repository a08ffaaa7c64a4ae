package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/internal/process"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// Control API error codes.
const (
	CodeSessionNotFound  = "session_not_found"
	CodeInvalidAction    = "invalid_action"
	CodeNotRunning       = "not_running"
	CodeBadRequest       = "bad_request"
	CodeAgentUnavailable = "agent_unavailable"
)

const defaultLogLines = 100

// controlRouter serves the loopback API used by the CLI:
//
//	GET  /status
//	POST /stop
//	POST /reset
//	GET  /sessions
//	POST /sessions/{sessionId}/actions
//	GET  /logs?n=100&follow=true
func (s *Supervisor) controlRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Post("/stop", s.handleStop)
	r.Post("/reset", s.handleReset)
	r.Get("/sessions", s.handleSessions)
	r.Post("/sessions/{sessionId}/actions", s.handleAction)
	r.Get("/logs", s.handleLogs)
	return r
}

func (s *Supervisor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.Report())
}

// handleStop answers first: stopping shuts this server down, which waits
// for the handler to return.
func (s *Supervisor) handleStop(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusAccepted, map[string]string{"status": string(models.DaemonStopping)})
	go func() {
		if err := s.Stop(context.Background()); err != nil {
			log.Error().Err(err).Msg("Stop requested over control API failed")
		}
	}()
}

func (s *Supervisor) handleReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.Reset(); err != nil {
		respondError(w, http.StatusConflict, CodeNotRunning, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.Report())
}

func (s *Supervisor) handleSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Supervisor) handleAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    models.ActionKind `json:"kind"`
		Payload json.RawMessage   `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}

	action := models.Action{
		SessionID: chi.URLParam(r, "sessionId"),
		Kind:      req.Kind,
		Payload:   req.Payload,
	}
	ack, err := s.router.Route(r.Context(), action)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, ack)
	case errors.Is(err, ErrSessionNotFound):
		respondError(w, http.StatusNotFound, CodeSessionNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidAction):
		respondError(w, http.StatusBadRequest, CodeInvalidAction, err.Error())
	default:
		respondError(w, http.StatusServiceUnavailable, CodeAgentUnavailable, err.Error())
	}
}

// handleLogs returns recent log lines. With follow=true it streams them as
// newline-delimited JSON until the client leaves or the daemon stops.
func (s *Supervisor) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, CodeBadRequest, "n must be an integer")
			return
		}
		n = parsed
	}
	follow, _ := strconv.ParseBool(r.URL.Query().Get("follow"))

	if !follow {
		respondJSON(w, http.StatusOK, s.logs.Recent(n))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, CodeBadRequest, "streaming unsupported")
		return
	}

	// subscribe first: a line written meanwhile may repeat but is never lost
	ch := s.logs.Subscribe()
	defer s.logs.Unsubscribe(ch)

	s.mu.Lock()
	stopping := s.runCtx.Done()
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, e := range s.logs.Recent(n) {
		enc.Encode(e)
	}
	flusher.Flush()

	for {
		select {
		case e := <-ch:
			if err := enc.Encode(e); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-stopping:
			return
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, models.ErrorResponse{Error: code, Message: message})
}

// LogEntry is one line served by GET /logs.
type LogEntry = process.LogEntry
