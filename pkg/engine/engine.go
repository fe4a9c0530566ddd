// Package engine owns the canonical memory of every logical agent. Reports
// are applied on the agent's lane of the work queue, so merge and consensus
// for one agent never run concurrently; readers work on snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/mnemosync/pkg/consensus"
	"github.com/harun/mnemosync/pkg/identity"
	"github.com/harun/mnemosync/pkg/ingest"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/harun/mnemosync/pkg/registry"
	"github.com/harun/mnemosync/pkg/store"
	"github.com/harun/mnemosync/pkg/workqueue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const tracerName = "mnemosync.engine"

var ErrUnknownAgent = errors.New("unknown agent")

// Config holds the merge and consensus tuning of the engine.
type Config struct {
	SimilarityMethod     string
	SimilarityThreshold  float64
	ConsensusThreshold   float64
	ReconciliationWindow time.Duration

	// FlushInterval is how often dirty agents are saved again after a
	// failed save. ExpiryInterval is how often open rounds are checked
	// against their deadline.
	FlushInterval  time.Duration
	ExpiryInterval time.Duration
	Retry          store.RetryPolicy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityMethod:     memory.MethodLexical,
		SimilarityThreshold:  0.85,
		ConsensusThreshold:   0.67,
		ReconciliationWindow: 10 * time.Minute,
		FlushInterval:        10 * time.Second,
		ExpiryInterval:       30 * time.Second,
		Retry:                store.DefaultRetryPolicy(),
	}
}

// Options wires the engine to its collaborators. Store and Embedder are
// optional.
type Options struct {
	Config   Config
	Registry *registry.Registry
	Lineage  *identity.Lineage
	Queue    *workqueue.Queue
	Store    store.Store
	Embedder memory.EmbeddingProvider
}

// Engine applies authenticated reports to canonical state.
type Engine struct {
	registry *registry.Registry
	lineage  *identity.Lineage
	queue    *workqueue.Queue
	store    store.Store
	embedder memory.EmbeddingProvider
	logger   zerolog.Logger

	cfgMu     sync.RWMutex
	cfg       Config
	scorer    memory.Scorer
	threshold consensus.Threshold

	mu     sync.RWMutex
	agents map[string]*agentState

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// agentState is the canonical state of one agent. mu is held for writing
// only by the agent's lane.
type agentState struct {
	id         string
	mu         sync.RWMutex
	canon      *memory.Canon
	aggregator *consensus.Aggregator

	// generation counts mutations; savedGen is the generation last
	// persisted. saveMu orders concurrent saves of the agent.
	generation uint64
	savedGen   uint64
	saveMu     sync.Mutex
}

func (st *agentState) dirty() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.generation != st.savedGen
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil || opts.Lineage == nil || opts.Queue == nil {
		return nil, fmt.Errorf("engine needs a registry, a lineage and a queue")
	}
	cfg := opts.Config
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = DefaultConfig().ExpiryInterval
	}
	if cfg.ConsensusThreshold == 0 {
		cfg.ConsensusThreshold = DefaultConfig().ConsensusThreshold
	}
	scorer, err := memory.NewScorer(cfg.SimilarityMethod)
	if err != nil {
		return nil, err
	}
	threshold, err := consensus.ParseThreshold(cfg.ConsensusThreshold)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry:  opts.Registry,
		lineage:   opts.Lineage,
		queue:     opts.Queue,
		store:     opts.Store,
		embedder:  opts.Embedder,
		logger:    log.With().Str("component", "engine").Logger(),
		cfg:       cfg,
		scorer:    scorer,
		threshold: threshold,
		agents:    make(map[string]*agentState),
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SetClock replaces the time source used for round expiry, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.now = now
}

func (e *Engine) clock() time.Time {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.now()
}

// Start launches the flush and expiry loops.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.flushLoop()
	go e.expiryLoop()

	e.logger.Info().
		Dur("flush_interval", e.config().FlushInterval).
		Dur("expiry_interval", e.config().ExpiryInterval).
		Msg("Engine started")
}

// Close stops the background loops and saves every dirty agent. The queue
// should be drained or closed first.
func (e *Engine) Close(ctx context.Context) error {
	e.cancel()
	e.wg.Wait()
	err := e.FlushAll(ctx)
	e.logger.Info().Msg("Engine stopped")
	return err
}

// Configure applies new tunables. Rounds already open keep their threshold.
func (e *Engine) Configure(similarityThreshold, consensusFraction float64, window time.Duration) error {
	threshold, err := consensus.ParseThreshold(consensusFraction)
	if err != nil {
		return err
	}

	e.cfgMu.Lock()
	e.cfg.SimilarityThreshold = similarityThreshold
	e.cfg.ConsensusThreshold = consensusFraction
	e.cfg.ReconciliationWindow = window
	e.threshold = threshold
	e.cfgMu.Unlock()

	e.mu.RLock()
	for _, st := range e.agents {
		st.aggregator.Configure(e.aggregatorConfig())
	}
	e.mu.RUnlock()

	e.logger.Info().
		Float64("similarity_threshold", similarityThreshold).
		Str("consensus_threshold", threshold.String()).
		Dur("reconciliation_window", window).
		Msg("Engine reconfigured")
	return nil
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

func (e *Engine) aggregatorConfig() consensus.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return consensus.Config{
		Threshold:            e.threshold,
		ReconciliationWindow: e.cfg.ReconciliationWindow,
		Scorer:               e.scorer,
		SimilarityThreshold:  e.cfg.SimilarityThreshold,
	}
}

func (e *Engine) merger() *memory.Merger {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return memory.NewMerger(e.scorer, e.cfg.SimilarityThreshold)
}

// state returns the agent's state, creating it empty when create is set.
func (e *Engine) state(agentID string, create bool) (*agentState, bool) {
	e.mu.RLock()
	st, ok := e.agents[agentID]
	e.mu.RUnlock()
	if ok || !create {
		return st, ok
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.agents[agentID]; ok {
		return st, true
	}
	st = e.newState(agentID, memory.NewAgentCanon(agentID))
	e.agents[agentID] = st
	return st, true
}

func (e *Engine) newState(agentID string, canon *memory.Canon) *agentState {
	agg := consensus.NewAggregator(agentID, e.aggregatorConfig())
	agg.SetClock(e.clock)
	return &agentState{id: agentID, canon: canon, aggregator: agg}
}

// Agents returns the ids of agents with canonical state.
func (e *Engine) Agents() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.agents))
	for id := range e.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dispatch queues report on its agent's lane. It implements
// ingest.Dispatcher.
func (e *Engine) Dispatch(ctx context.Context, agentID string, report *ingest.Report) (*workqueue.Ticket, error) {
	return e.queue.Submit(ctx, agentID, func(ctx context.Context) (interface{}, error) {
		return e.apply(ctx, agentID, report)
	})
}

// Halted reports whether the agent's lane was stopped by an invariant
// violation.
func (e *Engine) Halted(agentID string) (bool, string) {
	return e.queue.Halted(agentID)
}

var _ ingest.Dispatcher = (*Engine)(nil)
