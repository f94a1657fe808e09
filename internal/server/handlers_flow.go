package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bitflow/flowproxy/internal/config"
	"github.com/bitflow/flowproxy/internal/flow"
	"github.com/bitflow/flowproxy/internal/logging"
	"github.com/bitflow/flowproxy/internal/prompt"
)

// FlowRequest is the body of PUT /sessions/{sessionID}/flows.
type FlowRequest struct {
	UserPrompt string `json:"user_prompt"`
	// Streaming defaults to true.
	Streaming *bool `json:"streaming,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
}

const maxRequestBody = 1 << 20

// health handles GET /health.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Service:   ServiceName,
	})
}

// putFlow handles PUT /sessions/{sessionID}/flows.
func (s *Server) putFlow(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, flow.ErrEmptySessionID.Error())
		return
	}

	var req FlowRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.UserPrompt) == "" {
		writeErrorWithDetails(w, http.StatusBadRequest, ErrCodeInvalidRequest, flow.ErrEmptyPrompt.Error(),
			map[string]any{"field": "user_prompt"})
		return
	}

	if req.Streaming != nil && !*req.Streaming {
		s.generateFlow(w, r, sessionID, req.UserPrompt)
		return
	}
	s.streamFlow(w, r, sessionID, req.UserPrompt)
}

// streamFlow writes one JSON event per line, flushing after each.
func (s *Server) streamFlow(w http.ResponseWriter, r *http.Request, sessionID, userPrompt string) {
	events, err := s.flows.StartTurn(r.Context(), sessionID, userPrompt)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			logging.Debug().Err(err).Str("sessionID", sessionID).Msg("client went away")
			continue
		}
		if err := rc.Flush(); err != nil {
			logging.Debug().Err(err).Msg("flush failed")
		}
	}
}

func (s *Server) generateFlow(w http.ResponseWriter, r *http.Request, sessionID, userPrompt string) {
	res, err := s.flows.Generate(r.Context(), sessionID, userPrompt)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flow.ErrEmptySessionID), errors.Is(err, flow.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, prompt.ErrTemplateNotLoaded):
		writeError(w, http.StatusInternalServerError, ErrCodeConfigError, err.Error())
	case errors.Is(err, flow.ErrNonStreamingDisabled):
		notImplemented(w, err.Error())
	default:
		writeError(w, http.StatusBadGateway, ErrCodeUpstreamError, err.Error())
	}
}

// getSession handles GET /sessions/{sessionID}.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	snap, ok := s.flows.Store().Snapshot(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// listFlows handles GET /sessions/{sessionID}/flows.
func (s *Server) listFlows(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "history is disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	reqs, err := s.history.List(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// getConfig handles GET /config. Secrets are redacted.
func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	if s.appConfig == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, config.Redacted(s.appConfig))
}
