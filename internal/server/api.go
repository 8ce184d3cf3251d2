// ABOUTME: HTTP API handlers for session lifecycle, chat, and channel inspection.
// ABOUTME: init-session honors Idempotency-Key headers by replaying the stored outcome.

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sightglass-dev/sightglass/internal/bridge"
	"github.com/sightglass-dev/sightglass/internal/catalog"
	"github.com/sightglass-dev/sightglass/internal/pool"
)

// InitSessionRequest is the JSON request body for POST /api/sessions.
// Either a catalog agent name or an inline launch config must be given.
type InitSessionRequest struct {
	Agent  string             `json:"agent,omitempty"`
	Config *pool.LaunchConfig `json:"config,omitempty"`
	Env    map[string]string  `json:"env,omitempty"`
}

// InitSessionResponse is the JSON response for POST /api/sessions.
type InitSessionResponse struct {
	SessionID string `json:"session_id"`
	Replayed  bool   `json:"replayed,omitempty"`
}

// ChatRequest is the JSON request body for POST /api/chat.
type ChatRequest struct {
	Messages  []pool.ChatMessage `json:"messages"`
	Agent     string             `json:"agent,omitempty"`
	Config    *pool.LaunchConfig `json:"config,omitempty"`
	Env       map[string]string  `json:"env,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
}

// ChannelInfo is one entry of the GET /api/channels response.
type ChannelInfo struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	GroupKey  string `json:"group_key,omitempty"`
}

// resolveLaunchConfig turns a request's agent name or inline config into a
// launch config with env overrides applied.
func (s *Server) resolveLaunchConfig(agent string, inline *pool.LaunchConfig, env map[string]string) (pool.LaunchConfig, error) {
	var cfg pool.LaunchConfig
	switch {
	case agent != "":
		resolved, err := s.catalog.Resolve(agent)
		if err != nil {
			return pool.LaunchConfig{}, err
		}
		cfg = resolved
	case inline != nil && inline.Command != "":
		cfg = *inline
	default:
		return pool.LaunchConfig{}, errors.New("either agent or config.command is required")
	}

	if len(env) > 0 {
		merged := make(map[string]string, len(cfg.Env)+len(env))
		for k, v := range cfg.Env {
			merged[k] = v
		}
		for k, v := range env {
			merged[k] = v
		}
		cfg.Env = merged
	}
	return cfg, nil
}

// handleInitSession creates or reuses a pooled agent session.
func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "reading request body")
		return
	}

	var req InitSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Retried requests replay the original outcome instead of spawning again.
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if sessionID, ok := s.idempotency.Get(idemKey); ok {
			s.logger.Debug("replaying idempotent init-session", "session_id", sessionID)
			s.sendJSON(w, http.StatusOK, InitSessionResponse{SessionID: sessionID, Replayed: true})
			return
		}
	}

	cfg, err := s.resolveLaunchConfig(req.Agent, req.Config, req.Env)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, catalog.ErrUnknownAgent) {
			status = http.StatusNotFound
		}
		s.sendJSONError(w, status, err.Error())
		return
	}

	sessionID, err := s.pool.GetOrCreateSession(r.Context(), cfg)
	if err != nil {
		var spawnErr *pool.SpawnError
		if errors.As(err, &spawnErr) {
			s.sendJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if idemKey != "" {
		s.idempotency.Put(idemKey, sessionID)
	}

	s.sendJSON(w, http.StatusOK, InitSessionResponse{SessionID: sessionID})
}

// handleCleanupSession releases one pooled session. Idempotent by design, so
// it always reports success for well-formed requests.
func (s *Server) handleCleanupSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "session id is required")
		return
	}

	s.pool.ReleaseSession(sessionID)
	s.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleChat streams one chat completion as server-sent events.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "reading request body")
		return
	}

	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		s.sendJSONError(w, http.StatusBadRequest, "messages is required")
		return
	}

	var cfg pool.LaunchConfig
	if req.SessionID == "" || req.Agent != "" || req.Config != nil {
		cfg, err = s.resolveLaunchConfig(req.Agent, req.Config, req.Env)
		if err != nil && req.SessionID == "" {
			status := http.StatusBadRequest
			if errors.Is(err, catalog.ErrUnknownAgent) {
				status = http.StatusNotFound
			}
			s.sendJSONError(w, status, err.Error())
			return
		}
	}

	s.bridge.ServeSSE(w, r, bridge.Request{
		Messages:  req.Messages,
		Config:    cfg,
		SessionID: req.SessionID,
	})
}

// handleListChannels reports the live channels, for debugging bindings.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.registry.List()
	infos := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		infos = append(infos, ChannelInfo{
			SessionID: ch.SessionID,
			Role:      string(ch.Role),
			GroupKey:  ch.GroupKey,
		})
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"channels": infos})
}

// handleListAgents reports the catalog's agent names.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{"agents": s.catalog.Names()})
}

// sendJSON writes a JSON response.
func (s *Server) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
