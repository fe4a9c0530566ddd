package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/pkg/engine"
	"github.com/harun/mnemosync/pkg/identity"
	"github.com/harun/mnemosync/pkg/registry"
)

type registerAgentRequest struct {
	AgentID   string `json:"agent_id"`
	PublicKey string `json:"public_key"`
	// Supersede appends a new version to an existing lineage instead of
	// creating the agent.
	Supersede bool `json:"supersede,omitempty"`
}

type registerInstanceRequest struct {
	InstanceID string `json:"instance_id"`
	AgentID    string `json:"agent_id"`
	PublicKey  string `json:"public_key"`
	Endpoint   string `json:"endpoint,omitempty"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

type agentSummary struct {
	AgentID string                   `json:"agent_id"`
	Head    identity.AgentIdentity   `json:"head"`
	History []identity.AgentIdentity `json:"history"`
	Stats   *engine.Stats            `json:"stats,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]engine.Stats)
	for _, st := range s.engine.AgentStats() {
		stats[st.AgentID] = st
	}

	out := make([]agentSummary, 0)
	for _, id := range s.lineage.Agents() {
		head, _ := s.lineage.Head(id)
		summary := agentSummary{AgentID: id, Head: head, History: s.lineage.History(id)}
		if st, ok := stats[id]; ok {
			summary.Stats = &st
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": out})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeBody(w, r, s.cfg.MaxBodyBytes, &req) {
		return
	}

	var (
		id     identity.AgentIdentity
		err    error
		action = "agent_registered"
	)
	if req.Supersede {
		action = "agent_superseded"
		id, err = s.lineage.Supersede(req.AgentID, req.PublicKey)
	} else {
		id, err = s.lineage.Register(req.AgentID, req.PublicKey)
	}
	switch {
	case errors.Is(err, identity.ErrAgentExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, identity.ErrAgentUnknown):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	observability.RecordAgentAudit(r.Context(), action, id.AgentID, map[string]interface{}{
		"version":     id.Version,
		"fingerprint": id.Fingerprint,
	})
	s.logger.Info().
		Str("agent_id", id.AgentID).
		Uint64("version", id.Version).
		Str("fingerprint", id.Fingerprint).
		Msg("Agent lineage updated")
	writeJSON(w, http.StatusCreated, id)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{AgentID: r.URL.Query().Get("agent_id")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, status := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, registry.Status(strings.TrimSpace(status)))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": s.registry.List(filter)})
}

func (s *Server) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	var req registerInstanceRequest
	if !decodeBody(w, r, s.cfg.MaxBodyBytes, &req) {
		return
	}
	if _, ok := s.lineage.Head(req.AgentID); !ok {
		writeError(w, http.StatusBadRequest, "agent "+req.AgentID+" has no registered lineage")
		return
	}

	in, err := s.registry.Register(registry.Instance{
		ID:        req.InstanceID,
		AgentID:   req.AgentID,
		PublicKey: req.PublicKey,
		Endpoint:  req.Endpoint,
	})
	switch {
	case errors.Is(err, registry.ErrInstanceExists), errors.Is(err, registry.ErrRevoked):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, registry.ErrRejected):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) handleRevokeInstance(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if r.ContentLength != 0 && !decodeBody(w, r, s.cfg.MaxBodyBytes, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "revoked by operator"
	}

	in, err := s.registry.Revoke(r.PathValue("id"), req.Reason)
	if errors.Is(err, registry.ErrInstanceNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleRunCheckIn(w http.ResponseWriter, r *http.Request) {
	if s.checkIn == nil {
		writeError(w, http.StatusNotFound, "check-in driver is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.checkIn.Run(r.Context()))
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
