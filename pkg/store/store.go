// Package store persists per-agent canonical state: entries, items, instance
// records, identity lineage and open consensus rounds.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/internal/tracing"
	"github.com/harun/mnemosync/pkg/consensus"
	"github.com/harun/mnemosync/pkg/identity"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/harun/mnemosync/pkg/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "mnemosync.store"

const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverMemory = "memory"
)

// SnapshotVersion is written into every snapshot.
const SnapshotVersion = "1"

var (
	ErrNotFound    = errors.New("snapshot not found")
	ErrUnsupported = errors.New("operation not supported by store")
)

// Snapshot is the persisted state of one logical agent.
type Snapshot struct {
	Version   string                   `json:"version"`
	AgentID   string                   `json:"agent_id"`
	Entries   []memory.CanonicalEntry  `json:"entries"`
	Items     []memory.Item            `json:"items"`
	Instances []registry.Instance      `json:"instances"`
	Lineage   []identity.AgentIdentity `json:"lineage"`
	Rounds    []consensus.Round        `json:"rounds"`
	SavedAt   time.Time                `json:"saved_at"`
}

// Match is one vector search hit.
type Match struct {
	EntryID string  `json:"entry_id"`
	Score   float64 `json:"score"`
}

// Store loads and saves agent snapshots. Save replaces the agent's previous
// snapshot atomically.
type Store interface {
	Load(ctx context.Context, agentID string) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	ListAgents(ctx context.Context) ([]string, error)
	Close() error
}

// VectorSearcher is implemented by stores that index entry embeddings.
type VectorSearcher interface {
	SearchSimilar(ctx context.Context, agentID string, vector []float32, limit int) ([]Match, error)
}

// TransientError wraps a failure worth retrying, such as a locked database.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Options selects and configures a backend.
type Options struct {
	Driver string
	Path   string

	// Dimension enables the sqlite vector index when positive.
	Dimension int
}

// Open creates the configured store wrapped with metrics and tracing.
func Open(opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch opts.Driver {
	case DriverSQLite:
		s, err = NewSQLiteStore(opts.Path, opts.Dimension)
	case DriverFile:
		s, err = NewFileStore(opts.Path)
	case "", DriverMemory:
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store driver: %s", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(s), nil
}

// Instrument wraps s so every call records metrics and a span.
func Instrument(s Store) Store {
	if _, ok := s.(*instrumented); ok {
		return s
	}
	return &instrumented{inner: s}
}

type instrumented struct {
	inner Store
}

func (s *instrumented) Load(ctx context.Context, agentID string) (*Snapshot, error) {
	var snap *Snapshot
	err := observe(ctx, "load", agentID, func(ctx context.Context) error {
		var err error
		snap, err = s.inner.Load(ctx, agentID)
		return err
	})
	return snap, err
}

func (s *instrumented) Save(ctx context.Context, snap *Snapshot) error {
	return observe(ctx, "save", snap.AgentID, func(ctx context.Context) error {
		return s.inner.Save(ctx, snap)
	})
}

func (s *instrumented) ListAgents(ctx context.Context) ([]string, error) {
	var agents []string
	err := observe(ctx, "list", "", func(ctx context.Context) error {
		var err error
		agents, err = s.inner.ListAgents(ctx)
		return err
	})
	return agents, err
}

func (s *instrumented) SearchSimilar(ctx context.Context, agentID string, vector []float32, limit int) ([]Match, error) {
	vs, ok := s.inner.(VectorSearcher)
	if !ok {
		return nil, ErrUnsupported
	}
	var matches []Match
	err := observe(ctx, "search", agentID, func(ctx context.Context) error {
		var err error
		matches, err = vs.SearchSimilar(ctx, agentID, vector, limit)
		return err
	})
	return matches, err
}

func (s *instrumented) Close() error {
	return s.inner.Close()
}

func observe(ctx context.Context, op, agentID string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "store."+op, attribute.String("agent_id", agentID))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	// A missing snapshot is an answer, not a failed operation.
	observability.RecordStoreOp(op, time.Since(start), err == nil || errors.Is(err, ErrNotFound))
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func validateSnapshot(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if snap.AgentID == "" {
		return fmt.Errorf("snapshot agent id is required")
	}
	return nil
}

func stamp(snap *Snapshot) {
	snap.Version = SnapshotVersion
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
}
