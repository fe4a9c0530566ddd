package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/mnemosync/pkg/engine"
	"github.com/harun/mnemosync/pkg/memory"
)

type canonicalResponse struct {
	AgentID string                  `json:"agent_id"`
	Since   *time.Time              `json:"since,omitempty"`
	Count   int                     `json:"count"`
	Entries []memory.CanonicalEntry `json:"entries"`
}

type contestedResponse struct {
	AgentID string                  `json:"agent_id"`
	Rounds  []engine.ContestedRound `json:"rounds"`
}

type searchResponse struct {
	AgentID string                `json:"agent_id"`
	Query   string                `json:"query"`
	Results []engine.SearchResult `json:"results"`
}

func (s *Server) handleCanonicalMemory(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.agentParam(w, r)
	if !ok {
		return
	}
	var since time.Time
	resp := canonicalResponse{AgentID: agentID}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = t
		resp.Since = &t
	}

	entries, err := s.engine.CanonicalMemory(agentID, since)
	if err != nil && !s.knownAgent(err, agentID) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if entries == nil {
		entries = []memory.CanonicalEntry{}
	}
	resp.Entries = entries
	resp.Count = len(entries)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContested(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.agentParam(w, r)
	if !ok {
		return
	}
	rounds, err := s.engine.Contested(agentID)
	if err != nil && !s.knownAgent(err, agentID) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if rounds == nil {
		rounds = []engine.ContestedRound{}
	}
	writeJSON(w, http.StatusOK, contestedResponse{AgentID: agentID, Rounds: rounds})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.agentParam(w, r)
	if !ok {
		return
	}
	query := r.URL.Query().Get("q")
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	results, err := s.engine.Search(r.Context(), agentID, query, limit)
	if err != nil {
		if !s.knownAgent(err, agentID) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		results = []engine.SearchResult{}
	}
	writeJSON(w, http.StatusOK, searchResponse{AgentID: agentID, Query: query, Results: results})
}

func (s *Server) agentParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return "", false
	}
	return agentID, true
}

// knownAgent reports whether err only means the agent has no canonical
// state yet although its lineage is registered.
func (s *Server) knownAgent(err error, agentID string) bool {
	if !errors.Is(err, engine.ErrUnknownAgent) {
		return false
	}
	_, ok := s.lineage.Head(agentID)
	return ok
}
