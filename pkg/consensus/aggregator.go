package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/mnemosync/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds aggregator tuning.
type Config struct {
	Threshold            Threshold
	ReconciliationWindow time.Duration
	Scorer               memory.Scorer
	SimilarityThreshold  float64
}

// Aggregator owns the consensus rounds of one logical agent. Mutating calls
// are made only from the agent's lane; reads may come from any goroutine.
type Aggregator struct {
	mu     sync.RWMutex
	cfg    Config
	rounds map[string]*Round
	now    func() time.Time
	logger zerolog.Logger
}

// NewAggregator creates an aggregator for the agent.
func NewAggregator(agentID string, cfg Config) *Aggregator {
	if cfg.Threshold.Den == 0 {
		cfg.Threshold = TwoThirds
	}
	if cfg.Scorer == nil {
		cfg.Scorer = memory.LexicalScorer{}
	}
	return &Aggregator{
		cfg:    cfg,
		rounds: make(map[string]*Round),
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.With().Str("component", "consensus").Str("agent_id", agentID).Logger(),
	}
}

// SetClock replaces the time source, for tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// Configure updates tuning for subsequent observations. Open rounds keep the
// threshold they were opened with.
func (a *Aggregator) Configure(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg.Threshold.Den == 0 {
		cfg.Threshold = a.cfg.Threshold
	}
	if cfg.Scorer == nil {
		cfg.Scorer = a.cfg.Scorer
	}
	a.cfg = cfg
}

// Observe folds the current claims for a fact into consensus. Claims that all
// agree resolve without a round. Disagreement opens a round lazily, or
// updates the open one; a round reaching supermajority is discarded.
func (a *Aggregator) Observe(factKey string, claims []Claim) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	r, exists := a.rounds[factKey]
	if !exists {
		probe := NewRound(factKey, a.cfg.Threshold)
		for _, c := range claims {
			probe.Vote(c)
		}
		if len(probe.Variants()) <= 1 {
			return Resolve(probe, a.cfg.Scorer, a.cfg.SimilarityThreshold)
		}
		r = probe
		r.OpenedAt = now
		r.Deadline = now.Add(a.cfg.ReconciliationWindow)
		a.rounds[factKey] = r
		a.logger.Info().
			Str("fact_key", factKey).
			Int("claims", len(r.Claims)).
			Time("deadline", r.Deadline).
			Msg("Consensus round opened")
	} else {
		for _, c := range claims {
			r.Vote(c)
		}
		if r.Closed {
			r.Closed = false
			r.Deadline = now.Add(a.cfg.ReconciliationWindow)
			a.logger.Info().Str("fact_key", factKey).Msg("Consensus round reopened")
		}
	}

	out := Resolve(r, a.cfg.Scorer, a.cfg.SimilarityThreshold)
	out.RoundOpened = !exists
	if out.Resolution == Resolved {
		delete(a.rounds, factKey)
		out.Folded = true
		a.logger.Info().
			Str("fact_key", factKey).
			Str("value", out.Value).
			Int("voters", out.Voters).
			Int("required", out.Required).
			Msg("Consensus reached")
		return out
	}

	r.Resolution = Contested
	r.ResolvedValue = ""
	a.logger.Debug().
		Str("fact_key", factKey).
		Int("voters", out.Voters).
		Int("required", out.Required).
		Int("variants", len(out.Variants)).
		Msg("Fact contested")
	return out
}

// Expire closes open rounds whose reconciliation window has elapsed and
// returns them. Closed rounds remain contested and listed.
func (a *Aggregator) Expire(now time.Time) []Round {
	a.mu.Lock()
	defer a.mu.Unlock()

	var closed []Round
	for key, r := range a.rounds {
		if r.Closed || now.Before(r.Deadline) {
			continue
		}
		r.Closed = true
		closed = append(closed, r.Clone())
		a.logger.Warn().
			Str("fact_key", key).
			Int("claims", len(r.Claims)).
			Msg("Reconciliation window elapsed without supermajority")
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].FactKey < closed[j].FactKey })
	return closed
}

// Round returns a copy of the open round for a fact key.
func (a *Aggregator) Round(factKey string) (Round, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.rounds[factKey]
	if !ok {
		return Round{}, false
	}
	return r.Clone(), true
}

// Rounds returns copies of every unresolved round, ordered by fact key.
func (a *Aggregator) Rounds() []Round {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Round, 0, len(a.rounds))
	for _, r := range a.rounds {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FactKey < out[j].FactKey })
	return out
}

// Len returns the number of unresolved rounds.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.rounds)
}

// Restore loads persisted rounds, replacing current state.
func (a *Aggregator) Restore(rounds []Round) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rounds = make(map[string]*Round, len(rounds))
	for i := range rounds {
		r := rounds[i].Clone()
		if r.Threshold.Den == 0 {
			r.Threshold = a.cfg.Threshold
		}
		a.rounds[r.FactKey] = &r
	}
}
