package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/harun/mnemosync/pkg/registry"
	"github.com/harun/mnemosync/pkg/store"
)

// Snapshot returns a copy of the agent's persisted state.
func (e *Engine) Snapshot(agentID string) (*store.Snapshot, error) {
	st, ok := e.state(agentID, false)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	snap, _ := e.snapshotOf(st)
	return snap, nil
}

func (e *Engine) snapshotOf(st *agentState) (*store.Snapshot, uint64) {
	st.mu.RLock()
	snap := &store.Snapshot{
		AgentID: st.id,
		Entries: st.canon.Entries(),
		Items:   st.canon.Items(),
		Rounds:  st.aggregator.Rounds(),
	}
	gen := st.generation
	st.mu.RUnlock()

	snap.Instances = e.registry.List(registry.Filter{AgentID: st.id})
	snap.Lineage = e.lineage.History(st.id)
	snap.SavedAt = e.clock()
	return snap, gen
}

// persist saves the agent if it changed since its last save, retrying
// transient failures. On failure the agent stays dirty for the flusher.
func (e *Engine) persist(ctx context.Context, agentID string) error {
	if e.store == nil {
		return nil
	}
	st, ok := e.state(agentID, false)
	if !ok {
		return nil
	}

	st.saveMu.Lock()
	defer st.saveMu.Unlock()

	snap, gen := e.snapshotOf(st)
	st.mu.RLock()
	saved := st.savedGen
	st.mu.RUnlock()
	if gen == saved {
		return nil
	}

	err := store.Retry(ctx, e.config().Retry, "save", func(ctx context.Context) error {
		return e.store.Save(ctx, snap)
	})
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", agentID, err)
	}

	st.mu.Lock()
	st.savedGen = gen
	st.mu.Unlock()
	return nil
}

// FlushAll saves every dirty agent and returns the first error.
func (e *Engine) FlushAll(ctx context.Context) error {
	var first error
	for _, agentID := range e.Agents() {
		st, _ := e.state(agentID, false)
		if st == nil || !st.dirty() {
			continue
		}
		if err := e.persist(ctx, agentID); err != nil {
			e.logger.Error().Err(err).Str("agent_id", agentID).Msg("Flush failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (e *Engine) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config().FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			_ = e.FlushAll(e.ctx)
		}
	}
}

// Load restores every agent held by the store. Instance sequence numbers
// are restored into the registry so replay protection resumes where it
// stopped. An agent whose snapshot is inconsistent is halted; the others
// load normally.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	var agents []string
	err := store.Retry(ctx, e.config().Retry, "list", func(ctx context.Context) error {
		var err error
		agents, err = e.store.ListAgents(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list stored agents: %w", err)
	}

	for _, agentID := range agents {
		var snap *store.Snapshot
		err := store.Retry(ctx, e.config().Retry, "load", func(ctx context.Context) error {
			var err error
			snap, err = e.store.Load(ctx, agentID)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load agent %s: %w", agentID, err)
		}
		e.restore(ctx, snap)
	}

	e.logger.Info().Int("agents", len(agents)).Msg("Canonical state loaded")
	return nil
}

func (e *Engine) restore(ctx context.Context, snap *store.Snapshot) {
	logger := e.logger.With().Str("agent_id", snap.AgentID).Logger()

	if err := e.lineage.Import(snap.Lineage); err != nil {
		logger.Warn().Err(err).Msg("Stored lineage not imported")
	}
	e.registry.Restore(snap.Instances)

	canon, err := memory.RestoreAgent(snap.AgentID, snap.Entries, snap.Items)
	if err == nil {
		err = memory.CheckInvariants(canon)
	}
	if err != nil {
		e.mu.Lock()
		e.agents[snap.AgentID] = e.newState(snap.AgentID, memory.NewAgentCanon(snap.AgentID))
		e.mu.Unlock()
		e.halt(ctx, snap.AgentID, fmt.Errorf("stored snapshot is inconsistent: %w", err))
		return
	}

	st := e.newState(snap.AgentID, canon)
	st.aggregator.Restore(snap.Rounds)

	e.mu.Lock()
	e.agents[snap.AgentID] = st
	e.mu.Unlock()

	observability.SetCanonicalEntries(snap.AgentID, canon.Len())
	observability.SetContestedRounds(snap.AgentID, st.aggregator.Len())
	logger.Info().
		Int("entries", canon.Len()).
		Int("rounds", st.aggregator.Len()).
		Int("instances", len(snap.Instances)).
		Msg("Agent restored")
}
