package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/mnemosync/pkg/consensus"
	"github.com/harun/mnemosync/pkg/identity"
	"github.com/harun/mnemosync/pkg/ingest"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/harun/mnemosync/pkg/registry"
	"github.com/harun/mnemosync/pkg/store"
	"github.com/harun/mnemosync/pkg/workqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wall = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	engine   *Engine
	registry *registry.Registry
	lineage  *identity.Lineage
	queue    *workqueue.Queue
	store    store.Store
	now      *time.Time
}

func newHarness(t *testing.T, s store.Store) *harness {
	t.Helper()
	now := wall
	reg := registry.NewRegistry(nil)
	lin := identity.NewLineage(nil)
	q := workqueue.New(64)
	t.Cleanup(func() { q.Close() })

	cfg := DefaultConfig()
	cfg.ReconciliationWindow = time.Minute
	cfg.Retry = store.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	e, err := New(Options{Config: cfg, Registry: reg, Lineage: lin, Queue: q, Store: s})
	require.NoError(t, err)
	e.SetClock(func() time.Time { return now })

	return &harness{engine: e, registry: reg, lineage: lin, queue: q, store: s, now: &now}
}

func (h *harness) apply(t *testing.T, agentID, instanceID string, seq uint64, items ...memory.Item) *SyncResult {
	t.Helper()
	r := &ingest.Report{ReportID: fmt.Sprintf("%s-%d", instanceID, seq), InstanceID: instanceID, SequenceNumber: seq, Items: items}
	ticket, err := h.engine.Dispatch(context.Background(), agentID, r)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := ticket.Wait(ctx)
	require.NoError(t, err)
	return value.(*SyncResult)
}

func mem(id, instance, content string) memory.Item {
	return memory.Item{
		ID:                 id,
		Type:               memory.TypeSemantic,
		Content:            content,
		OriginInstanceID:   instance,
		OriginLogicalClock: 1,
		WallTime:           wall,
		Tags:               []string{"preferences"},
		Confidence:         0.8,
	}
}

func fact(id, instance, key, value string) memory.Item {
	it := mem(id, instance, value)
	it.FactKey = key
	return it
}

func TestEngine_IdenticalItemsMergeIntoOneEntry(t *testing.T) {
	h := newHarness(t, nil)

	first := h.apply(t, "assistant", "inst-a", 1, mem("a1", "inst-a", "User prefers dark mode"))
	assert.Equal(t, 1, first.MemoriesAdded)

	for i, inst := range []string{"inst-b", "inst-c"} {
		res := h.apply(t, "assistant", inst, 1, mem(fmt.Sprintf("x%d", i), inst, "user prefers dark mode"))
		assert.Equal(t, 1, res.MemoriesReinforced)
		assert.Zero(t, res.MemoriesAdded)
	}

	entries, err := h.engine.CanonicalMemory("assistant", time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].ContributingInstanceCount)
	assert.Len(t, entries[0].ContributingItemIDs, 3)
}

func TestEngine_ReappliedItemsAreDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(t, "assistant", "inst-a", 1, mem("a1", "inst-a", "likes tea"))
	res := h.apply(t, "assistant", "inst-a", 2, mem("a1", "inst-a", "likes tea"))
	assert.Equal(t, 1, res.Duplicates)

	entries, _ := h.engine.CanonicalMemory("assistant", time.Time{})
	assert.Len(t, entries, 1)
}

func TestEngine_ItemIDsReusedAcrossInstances(t *testing.T) {
	h := newHarness(t, nil)

	h.apply(t, "assistant", "inst-a", 1, fact("c1", "inst-a", "user.city", "Paris"))
	res := h.apply(t, "assistant", "inst-b", 1, fact("c1", "inst-b", "user.city", "Berlin"))
	assert.Zero(t, res.Duplicates)
	require.Len(t, res.Outcomes, 1)
	assert.Len(t, res.Outcomes[0].Variants, 2, "both votes are counted")

	h.apply(t, "assistant", "inst-a", 2, mem("m1", "inst-a", "user prefers dark mode"))
	res = h.apply(t, "assistant", "inst-b", 2, mem("m1", "inst-b", "user lives in berlin"))
	assert.Zero(t, res.Duplicates)
	assert.Equal(t, 1, res.MemoriesAdded)

	entries, err := h.engine.CanonicalMemory("assistant", time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		if e.FactKey == "user.city" {
			assert.Equal(t, 2, e.ContributingInstanceCount)
			assert.ElementsMatch(t, []string{"inst-a", "inst-b"}, e.ContributingInstanceIDs)
		}
	}
}

func TestEngine_SharedFactKeyAcrossAgentsPersists(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mnemosync.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	h := newHarness(t, s)

	for i, agent := range []string{"alpha", "beta"} {
		it := fact("c1", "inst-a", "user.city", "Paris")
		it.Embedding = []float32{1, float32(i), 0}
		h.apply(t, agent, "inst-a", 1, it)
	}

	alpha, _ := h.engine.CanonicalMemory("alpha", time.Time{})
	beta, _ := h.engine.CanonicalMemory("beta", time.Time{})
	require.Len(t, alpha, 1)
	require.Len(t, beta, 1)
	assert.NotEqual(t, alpha[0].EntryID, beta[0].EntryID)

	for _, agent := range []string{"alpha", "beta"} {
		snap, err := s.Load(context.Background(), agent)
		require.NoError(t, err, agent)
		assert.Len(t, snap.Entries, 1)
	}
	for _, st := range h.engine.AgentStats() {
		assert.False(t, st.Dirty, st.AgentID)
	}
}

func TestEngine_SupermajorityResolves(t *testing.T) {
	h := newHarness(t, nil)

	h.apply(t, "assistant", "inst-a", 1, fact("a1", "inst-a", "user.city", "Paris"))
	h.apply(t, "assistant", "inst-b", 1, fact("b1", "inst-b", "user.city", "Paris"))
	res := h.apply(t, "assistant", "inst-c", 1, fact("c1", "inst-c", "user.city", "Lyon"))

	require.Len(t, res.Outcomes, 1)
	out := res.Outcomes[0]
	assert.Equal(t, consensus.Resolved, out.Resolution)
	assert.Equal(t, "Paris", out.Value)
	assert.Equal(t, 1, res.ConflictsDetected)
	assert.Equal(t, 1, res.ConflictsResolved)
	assert.Zero(t, res.ConflictsQueued)

	rounds, err := h.engine.Contested("assistant")
	require.NoError(t, err)
	assert.Empty(t, rounds)

	entries, _ := h.engine.CanonicalMemory("assistant", time.Time{})
	require.Len(t, entries, 1)
	assert.Equal(t, "Paris", entries[0].RepresentativeContent)
	assert.False(t, entries[0].Contested)
}

func TestEngine_SplitVoteStaysContested(t *testing.T) {
	h := newHarness(t, nil)

	h.apply(t, "assistant", "inst-a", 1, fact("a1", "inst-a", "user.city", "Paris"))
	res := h.apply(t, "assistant", "inst-b", 1, fact("b1", "inst-b", "user.city", "Berlin"))
	assert.Equal(t, 1, res.ConflictsQueued)

	rounds, err := h.engine.Contested("assistant")
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, "user.city", rounds[0].FactKey)
	assert.Equal(t, 2, rounds[0].Required)

	values := []string{rounds[0].Variants[0].Value, rounds[0].Variants[1].Value}
	assert.ElementsMatch(t, []string{"Paris", "Berlin"}, values)

	entries, _ := h.engine.CanonicalMemory("assistant", time.Time{})
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Contested)
	assert.Len(t, entries[0].ContributingItemIDs, 2, "no variant is dropped")
}

func TestEngine_RoundExpiry(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(t, "assistant", "inst-a", 1, fact("a1", "inst-a", "user.city", "Paris"))
	h.apply(t, "assistant", "inst-b", 1, fact("b1", "inst-b", "user.city", "Berlin"))

	assert.Zero(t, h.engine.ExpireRounds(context.Background()))

	*h.now = h.now.Add(2 * time.Minute)
	assert.Equal(t, 1, h.engine.ExpireRounds(context.Background()))

	rounds, _ := h.engine.Contested("assistant")
	require.Len(t, rounds, 1)
	assert.True(t, rounds[0].Closed, "expired rounds stay listed")

	t.Run("a later claim can still resolve it", func(t *testing.T) {
		res := h.apply(t, "assistant", "inst-c", 1, fact("c1", "inst-c", "user.city", "Berlin"))
		require.Len(t, res.Outcomes, 1)
		assert.Equal(t, consensus.Resolved, res.Outcomes[0].Resolution)
		rounds, _ := h.engine.Contested("assistant")
		assert.Empty(t, rounds)
	})
}

func TestEngine_AgentsAreIsolated(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(t, "alpha", "inst-a", 1, mem("a1", "inst-a", "alpha knows this"))
	h.apply(t, "beta", "inst-b", 1, mem("b1", "inst-b", "alpha knows this"))

	alpha, _ := h.engine.CanonicalMemory("alpha", time.Time{})
	beta, _ := h.engine.CanonicalMemory("beta", time.Time{})
	assert.Len(t, alpha, 1)
	assert.Len(t, beta, 1)
	assert.NotEqual(t, alpha[0].ContributingItemIDs, beta[0].ContributingItemIDs)

	_, err := h.engine.CanonicalMemory("gamma", time.Time{})
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestEngine_ConcurrentAgents(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for a := 0; a < 4; a++ {
		agent := fmt.Sprintf("agent-%d", a)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var tickets []*workqueue.Ticket
			for seq := 1; seq <= 10; seq++ {
				item := mem(fmt.Sprintf("%s-%d", agent, seq), "inst", fmt.Sprintf("fact number %d about %s", seq, agent))
				ticket, err := h.engine.Dispatch(context.Background(), agent, &ingest.Report{ReportID: item.ID, InstanceID: "inst", SequenceNumber: uint64(seq), Items: []memory.Item{item}})
				if assert.NoError(t, err) {
					tickets = append(tickets, ticket)
				}
			}
			for _, ticket := range tickets {
				_, err := ticket.Wait(context.Background())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for a := 0; a < 4; a++ {
		entries, err := h.engine.CanonicalMemory(fmt.Sprintf("agent-%d", a), time.Time{})
		require.NoError(t, err)
		total := 0
		for _, e := range entries {
			total += len(e.ContributingItemIDs)
		}
		assert.Equal(t, 10, total)
	}
}

func TestEngine_SearchLexical(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(t, "assistant", "inst-a", 1,
		mem("a1", "inst-a", "user prefers dark mode"),
		mem("a2", "inst-a", "user drinks green tea every morning"),
	)

	results, err := h.engine.Search(context.Background(), "assistant", "green tea", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, memory.ItemKey("inst-a", "a2"), results[0].Entry.RepresentativeItemID)
	assert.Equal(t, memory.MethodLexical, results[0].Method)
}

func TestEngine_PersistAndLoad(t *testing.T) {
	s := store.NewMemoryStore()
	h := newHarness(t, s)

	key, err := identity.GenerateSigner()
	require.NoError(t, err)
	_, err = h.lineage.Register("assistant", identity.EncodeKey(key.PublicKey()))
	require.NoError(t, err)
	_, err = h.registry.Register(registry.Instance{ID: "inst-a", AgentID: "assistant", PublicKey: identity.EncodeKey(key.PublicKey())})
	require.NoError(t, err)
	_, err = h.registry.Accept("inst-a", 4, 1)
	require.NoError(t, err)

	h.apply(t, "assistant", "inst-a", 4, mem("a1", "inst-a", "remember the milk"))
	h.apply(t, "assistant", "inst-a", 5, fact("a2", "inst-a", "user.city", "Paris"))

	// A fresh process against the same store.
	restarted := newHarness(t, s)
	require.NoError(t, restarted.engine.Load(context.Background()))

	entries, err := restarted.engine.CanonicalMemory("assistant", time.Time{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	in, err := restarted.registry.Get("inst-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), in.LastSequence)
	_, err = restarted.registry.Accept("inst-a", 4, 0)
	assert.ErrorIs(t, err, registry.ErrReplay)

	_, ok := restarted.lineage.Head("assistant")
	assert.True(t, ok)
}

type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
	saves    int
}

func (f *flakyStore) Save(ctx context.Context, snap *store.Snapshot) error {
	f.mu.Lock()
	f.saves++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return &store.TransientError{Op: "save", Err: errors.New("database is locked")}
	}
	f.mu.Unlock()
	return f.MemoryStore.Save(ctx, snap)
}

func TestEngine_SaveRetriesTransientFailures(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 2}
	h := newHarness(t, fs)

	h.apply(t, "assistant", "inst-a", 1, mem("a1", "inst-a", "retry me"))
	assert.Equal(t, 3, fs.saves)

	snap, err := fs.Load(context.Background(), "assistant")
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)
}

func TestEngine_FailedSaveIsFlushedLater(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 3}
	h := newHarness(t, fs)

	res := h.apply(t, "assistant", "inst-a", 1, mem("a1", "inst-a", "keep me"))
	assert.Equal(t, 1, res.MemoriesAdded, "merge results survive a failed write")

	_, err := fs.Load(context.Background(), "assistant")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, h.engine.AgentStats()[0].Dirty)

	require.NoError(t, h.engine.FlushAll(context.Background()))
	_, err = fs.Load(context.Background(), "assistant")
	assert.NoError(t, err)
	assert.False(t, h.engine.AgentStats()[0].Dirty)
}

func TestEngine_CorruptSnapshotHaltsOnlyThatAgent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	shared := []string{"i1"}
	require.NoError(t, s.Save(ctx, &store.Snapshot{
		AgentID: "broken",
		Entries: []memory.CanonicalEntry{
			{EntryID: "e1", Type: memory.TypeSemantic, RepresentativeContent: "x", ContributingItemIDs: shared, ContributingInstanceCount: 1},
			{EntryID: "e2", Type: memory.TypeSemantic, RepresentativeContent: "y", ContributingItemIDs: shared, ContributingInstanceCount: 1},
		},
	}))

	h := newHarness(t, s)
	require.NoError(t, h.engine.Load(ctx))

	halted, _ := h.engine.Halted("broken")
	assert.True(t, halted)

	_, err := h.engine.Dispatch(ctx, "broken", &ingest.Report{ReportID: "r", InstanceID: "i", SequenceNumber: 1})
	assert.ErrorIs(t, err, workqueue.ErrLaneHalted)

	res := h.apply(t, "healthy", "inst-a", 1, mem("a1", "inst-a", "still working"))
	assert.Equal(t, 1, res.MemoriesAdded)
}

func TestEngine_Configure(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.Configure(0.5, 0.75, time.Hour))
	assert.Equal(t, 0.5, h.engine.config().SimilarityThreshold)
	assert.Equal(t, consensus.Threshold{Num: 3, Den: 4}, h.engine.aggregatorConfig().Threshold)

	assert.Error(t, h.engine.Configure(0.5, 1.5, time.Hour))
}
