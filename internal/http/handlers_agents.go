package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mistakeknot/conclave/internal/auth"
	"github.com/mistakeknot/conclave/internal/core"
)

type registerAgentRequest struct {
	AgentID    string `json:"agent_id"`
	Role       string `json:"role"`
	SkillLevel string `json:"skill_level"`
	Connection string `json:"connection"`
}

func (s *Service) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.registerAgent(w, r)
	case http.MethodGet:
		s.listAgents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	role := core.Role(req.Role)
	level := core.SkillLevel(req.SkillLevel)
	if !role.Valid() || !level.Valid() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	// Keyed callers may only register themselves.
	info, _ := auth.FromContext(r.Context())
	if info.Mode == auth.ModeAPIKey && info.AgentID != req.AgentID {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	conn := core.ConnectionKind(req.Connection)
	if req.Connection == "" {
		conn = core.ConnectionClient
	}
	agent, err := s.store.RegisterAgent(r.Context(), core.Agent{
		ID:         req.AgentID,
		Role:       role,
		SkillLevel: level,
		Connection: conn,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Service) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if agents == nil {
		agents = []core.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Service) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	switch {
	case strings.HasSuffix(path, "/heartbeat"):
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := strings.Trim(strings.TrimSuffix(path, "/heartbeat"), "/")
		if id == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		agent, err := s.store.Heartbeat(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"agent_id": agent.ID})
	default:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := strings.Trim(path, "/")
		if id == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		agent, err := s.store.GetAgent(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	}
}

// resolveActor returns the registered agent acting in this request. Keyed
// callers must act as themselves.
func (s *Service) resolveActor(r *http.Request, agentID string) (core.Agent, int) {
	info, _ := auth.FromContext(r.Context())
	if info.Mode == auth.ModeAPIKey && info.AgentID != agentID {
		return core.Agent{}, http.StatusForbidden
	}
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		return core.Agent{}, http.StatusBadRequest
	}
	return agent, 0
}
