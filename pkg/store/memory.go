package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// MemoryStore keeps snapshots in process memory. Entry embeddings are indexed
// in an embedded chromem-go database, one collection per agent.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte

	vectors     *chromem.DB
	collections map[string]*chromem.Collection
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:   make(map[string][]byte),
		vectors:     chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

// Load returns a deep copy of the stored snapshot.
func (m *MemoryStore) Load(ctx context.Context, agentID string) (*Snapshot, error) {
	m.mu.RLock()
	data, ok := m.snapshots[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	stamp(snap)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.AgentID] = data
	return m.indexLocked(ctx, snap)
}

// indexLocked rebuilds the agent's collection from the representative
// embedding of each entry.
func (m *MemoryStore) indexLocked(ctx context.Context, snap *Snapshot) error {
	embeddings := make(map[string][]float32, len(snap.Items))
	for _, it := range snap.Items {
		if len(it.Embedding) > 0 {
			embeddings[it.Key()] = it.Embedding
		}
	}

	var docs []chromem.Document
	for _, e := range snap.Entries {
		vec, ok := embeddings[e.RepresentativeItemID]
		if !ok || strings.TrimSpace(e.RepresentativeContent) == "" {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        e.EntryID,
			Content:   e.RepresentativeContent,
			Embedding: append([]float32(nil), vec...),
			Metadata:  map[string]string{"type": string(e.Type)},
		})
	}

	name := "agent_" + snap.AgentID
	if _, ok := m.collections[snap.AgentID]; ok {
		if err := m.vectors.DeleteCollection(name); err != nil {
			return fmt.Errorf("reset collection: %w", err)
		}
		delete(m.collections, snap.AgentID)
	}
	if len(docs) == 0 {
		return nil
	}

	// Embeddings are supplied with every document, so no embedding func.
	col, err := m.vectors.CreateCollection(name, nil, nil)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	for _, doc := range docs {
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document: %w", err)
		}
	}
	m.collections[snap.AgentID] = col
	return nil
}

// SearchSimilar queries the agent's collection by embedding.
func (m *MemoryStore) SearchSimilar(ctx context.Context, agentID string, vector []float32, limit int) ([]Match, error) {
	if len(vector) == 0 {
		return nil, errors.New("query vector is empty")
	}
	m.mu.RLock()
	col, ok := m.collections[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	// chromem-go requires nResults <= collection size.
	if n := col.Count(); limit > n {
		limit = n
	}
	if limit == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{EntryID: r.ID, Score: float64(r.Similarity)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

func (m *MemoryStore) ListAgents(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]string, 0, len(m.snapshots))
	for id := range m.snapshots {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return agents, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ VectorSearcher = (*MemoryStore)(nil)
