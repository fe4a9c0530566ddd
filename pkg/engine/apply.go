package engine

import (
	"context"
	"time"

	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/internal/tracing"
	"github.com/harun/mnemosync/pkg/consensus"
	"github.com/harun/mnemosync/pkg/ingest"
	"github.com/harun/mnemosync/pkg/memory"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SyncResult summarizes what applying one report changed.
type SyncResult struct {
	ReportID           string              `json:"report_id"`
	InstanceID         string              `json:"instance_id"`
	AgentID            string              `json:"agent_id"`
	SequenceNumber     uint64              `json:"sequence_number"`
	SyncTimestamp      time.Time           `json:"sync_timestamp"`
	ItemsReceived      int                 `json:"items_received"`
	MemoriesAdded      int                 `json:"memories_added"`
	MemoriesReinforced int                 `json:"memories_reinforced"`
	Duplicates         int                 `json:"duplicates"`
	ConflictsDetected  int                 `json:"conflicts_detected"`
	ConflictsResolved  int                 `json:"conflicts_resolved"`
	ConflictsQueued    int                 `json:"conflicts_queued"`
	BacklogSize        int                 `json:"backlog_size"`
	Outcomes           []consensus.Outcome `json:"outcomes,omitempty"`
	Ledger             *memory.Ledger      `json:"ledger,omitempty"`
}

// apply runs on the agent's lane.
func (e *Engine) apply(ctx context.Context, agentID string, report *ingest.Report) (*SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.apply",
		attribute.String("agent_id", agentID),
		attribute.String("report_id", report.ReportID),
		attribute.Int("items", len(report.Items)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)
	start := time.Now()

	// Reports are signed; embeddings are added to a copy.
	items := make([]memory.Item, len(report.Items))
	copy(items, report.Items)
	if e.embedder != nil && e.scorer.Method() == memory.MethodVector {
		if err := memory.Embed(ctx, e.embedder, items); err != nil {
			span.AddEvent("embedding_failed")
		}
	}

	st, _ := e.state(agentID, true)
	merger := e.merger()

	st.mu.Lock()
	ledger := merger.Apply(st.canon, items)
	result := &SyncResult{
		ReportID:           report.ReportID,
		InstanceID:         report.InstanceID,
		AgentID:            agentID,
		SequenceNumber:     report.SequenceNumber,
		SyncTimestamp:      e.clock(),
		ItemsReceived:      len(items),
		MemoriesAdded:      ledger.Count(memory.ActionCreated),
		MemoriesReinforced: ledger.Count(memory.ActionReinforced),
		Duplicates:         ledger.Count(memory.ActionDuplicate),
		Ledger:             ledger,
	}
	for _, factKey := range ledger.FactKeys() {
		out := e.resolveFact(ctx, st, factKey)
		result.Outcomes = append(result.Outcomes, out)
		if len(out.Variants) > 1 {
			result.ConflictsDetected++
		}
		if out.Folded {
			result.ConflictsResolved++
		}
		if out.Resolution == consensus.Contested {
			result.ConflictsQueued++
		}
	}
	invErr := memory.CheckInvariants(st.canon)
	if invErr == nil {
		st.generation++
	}
	entries := st.canon.Len()
	rounds := st.aggregator.Len()
	st.mu.Unlock()

	if invErr != nil {
		span.RecordError(invErr)
		span.SetStatus(codes.Error, invErr.Error())
		e.halt(ctx, agentID, invErr)
		return nil, invErr
	}

	observability.RecordMerge(time.Since(start), result.MemoriesAdded, result.MemoriesReinforced,
		result.Duplicates, ledger.Count(memory.ActionClaimed))
	observability.SetCanonicalEntries(agentID, entries)
	observability.SetContestedRounds(agentID, rounds)

	if err := e.persist(ctx, agentID); err != nil {
		logger.Error().Err(err).Msg("Snapshot not saved, will retry on next flush")
	}

	result.BacklogSize = e.queue.QueueSize(agentID)

	logger.Info().
		Int("items", result.ItemsReceived).
		Int("added", result.MemoriesAdded).
		Int("reinforced", result.MemoriesReinforced).
		Int("duplicates", result.Duplicates).
		Int("conflicts_queued", result.ConflictsQueued).
		Dur("duration", time.Since(start)).
		Msg("Report applied")
	return result, nil
}

// resolveFact feeds the current claims for factKey to the aggregator and
// folds the outcome into the fact entry. Caller holds st.mu.
func (e *Engine) resolveFact(ctx context.Context, st *agentState, factKey string) consensus.Outcome {
	_, span := tracing.StartSpan(ctx, tracerName, "engine.resolve", attribute.String("fact_key", factKey))
	defer span.End()

	items := st.canon.Claims(factKey)
	claims := make([]consensus.Claim, 0, len(items))
	for _, it := range items {
		claims = append(claims, consensus.ClaimFromItem(it))
	}

	out := st.aggregator.Observe(factKey, claims)
	if err := st.canon.SetFactValue(factKey, out.Value, out.Resolution == consensus.Contested); err != nil {
		span.RecordError(err)
	}

	if out.RoundOpened {
		observability.RecordConsensus("opened")
	}
	switch {
	case out.Folded:
		observability.RecordConsensus("resolved")
	case out.Resolution == consensus.Contested:
		observability.RecordConsensus("contested")
	}
	span.SetAttributes(
		attribute.String("resolution", string(out.Resolution)),
		attribute.Int("voters", out.Voters),
		attribute.Int("required", out.Required),
	)
	return out
}

// halt stops the agent's lane after its canonical state failed an invariant
// check. Other agents keep running.
func (e *Engine) halt(ctx context.Context, agentID string, cause error) {
	e.queue.Halt(agentID, cause.Error())
	observability.GetAuditLogger().Record(ctx, observability.AuditEvent{
		Type:   "engine",
		Action: "lane_halted",
		Status: "failure",
		Metadata: map[string]interface{}{
			"agent_id": agentID,
			"error":    cause.Error(),
		},
	})
	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Error().
		Err(cause).
		Str("agent_id", agentID).
		Msg("Canonical state inconsistent, agent halted")
}

// expire closes rounds past their deadline. It runs on the agent's lane.
func (e *Engine) expire(ctx context.Context, agentID string) ([]consensus.Round, error) {
	st, ok := e.state(agentID, false)
	if !ok {
		return nil, nil
	}
	st.mu.Lock()
	closed := st.aggregator.Expire(e.clock())
	if len(closed) > 0 {
		st.generation++
	}
	st.mu.Unlock()

	for range closed {
		observability.RecordConsensus("expired")
	}
	if len(closed) > 0 {
		if err := e.persist(ctx, agentID); err != nil {
			e.logger.Error().Err(err).Str("agent_id", agentID).Msg("Snapshot not saved after expiry")
		}
	}
	return closed, nil
}

// ExpireRounds closes overdue rounds of every agent and returns how many
// were closed.
func (e *Engine) ExpireRounds(ctx context.Context) int {
	total := 0
	for _, agentID := range e.Agents() {
		value, err := e.queue.Do(ctx, agentID, func(ctx context.Context) (interface{}, error) {
			return e.expire(ctx, agentID)
		})
		if err != nil {
			e.logger.Debug().Err(err).Str("agent_id", agentID).Msg("Round expiry skipped")
			continue
		}
		if closed, ok := value.([]consensus.Round); ok {
			total += len(closed)
		}
	}
	return total
}

func (e *Engine) expiryLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config().ExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.ExpireRounds(e.ctx)
		}
	}
}
