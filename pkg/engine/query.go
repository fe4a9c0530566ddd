package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/mnemosync/internal/tracing"
	"github.com/harun/mnemosync/pkg/consensus"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/harun/mnemosync/pkg/store"
	"go.opentelemetry.io/otel/attribute"
)

// ContestedRound is an unresolved round with its variants, for operators.
type ContestedRound struct {
	consensus.Round
	Variants []consensus.Variant `json:"variants"`
	Required int                 `json:"required"`
}

// SearchResult is one canonical entry matched by Search.
type SearchResult struct {
	Entry  memory.CanonicalEntry `json:"entry"`
	Score  float64               `json:"score"`
	Method string                `json:"method"`
}

// CanonicalMemory returns the agent's entries reinforced at or after since.
// A zero since returns every entry.
func (e *Engine) CanonicalMemory(agentID string, since time.Time) ([]memory.CanonicalEntry, error) {
	st, ok := e.state(agentID, false)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	entries := st.canon.Since(since)
	if entries == nil {
		entries = []memory.CanonicalEntry{}
	}
	return entries, nil
}

// Contested returns the agent's open and expired rounds.
func (e *Engine) Contested(agentID string) ([]ContestedRound, error) {
	st, ok := e.state(agentID, false)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	rounds := st.aggregator.Rounds()
	out := make([]ContestedRound, 0, len(rounds))
	for i := range rounds {
		r := rounds[i]
		out = append(out, ContestedRound{
			Round:    r,
			Variants: r.Variants(),
			Required: r.Threshold.Required(len(r.Claims)),
		})
	}
	return out, nil
}

// Search returns the agent's entries closest to query. With an embedding
// provider and a store that indexes vectors it runs a nearest neighbour
// query; otherwise entries are ranked by lexical similarity.
func (e *Engine) Search(ctx context.Context, agentID, query string, limit int) ([]SearchResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.search",
		attribute.String("agent_id", agentID),
		attribute.Int("limit", limit),
	)
	defer span.End()

	st, ok := e.state(agentID, false)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	if results, err := e.vectorSearch(ctx, st, query, limit); err == nil {
		span.SetAttributes(attribute.String("method", memory.MethodVector))
		return results, nil
	} else if !errors.Is(err, store.ErrUnsupported) {
		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Warn().Err(err).Msg("Vector search failed, using lexical ranking")
	}

	span.SetAttributes(attribute.String("method", memory.MethodLexical))
	return e.lexicalSearch(st, query, limit), nil
}

func (e *Engine) vectorSearch(ctx context.Context, st *agentState, query string, limit int) ([]SearchResult, error) {
	vs, ok := e.store.(store.VectorSearcher)
	if e.embedder == nil || !ok {
		return nil, store.ErrUnsupported
	}
	vecs, err := e.embedder.GenerateEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want 1", len(vecs))
	}
	matches, err := vs.SearchSimilar(ctx, st.id, vecs[0], limit)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		entry, ok := st.canon.Entry(m.EntryID)
		if !ok {
			continue
		}
		results = append(results, SearchResult{Entry: entry, Score: m.Score, Method: memory.MethodVector})
	}
	return results, nil
}

func (e *Engine) lexicalSearch(st *agentState, query string, limit int) []SearchResult {
	probe := memory.Item{Content: query}
	scorer := memory.LexicalScorer{}

	st.mu.RLock()
	entries := st.canon.Entries()
	st.mu.RUnlock()

	results := make([]SearchResult, 0)
	for _, entry := range entries {
		score := scorer.Score(probe, memory.Item{Content: entry.RepresentativeContent})
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{Entry: entry, Score: score, Method: memory.MethodLexical})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Stats summarizes one agent.
type Stats struct {
	AgentID    string `json:"agent_id"`
	Entries    int    `json:"entries"`
	Contested  int    `json:"contested_rounds"`
	Backlog    int    `json:"backlog"`
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
	Dirty      bool   `json:"dirty"`
}

// AgentStats returns statistics for every agent with canonical state.
func (e *Engine) AgentStats() []Stats {
	var out []Stats
	for _, id := range e.Agents() {
		st, ok := e.state(id, false)
		if !ok {
			continue
		}
		st.mu.RLock()
		entries := st.canon.Len()
		st.mu.RUnlock()
		halted, reason := e.queue.Halted(id)
		out = append(out, Stats{
			AgentID:    id,
			Entries:    entries,
			Contested:  st.aggregator.Len(),
			Backlog:    e.queue.QueueSize(id),
			Halted:     halted,
			HaltReason: reason,
			Dirty:      st.dirty(),
		})
	}
	return out
}
