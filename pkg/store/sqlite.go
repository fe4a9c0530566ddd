package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	sqlite_vec.Auto()
}

// SQLiteStore keeps one JSON snapshot row per agent in a WAL-mode database.
// With a positive dimension it also indexes the representative embedding of
// every entry in a vec0 table. Entry ids are only unique within an agent, so
// the index is keyed by (agent_id, entry_id).
type SQLiteStore struct {
	db        *sql.DB
	path      string
	dimension int
	logger    zerolog.Logger
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string, dimension int) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		path:      path,
		dimension: dimension,
		logger:    log.With().Str("component", "store").Str("driver", DriverSQLite).Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", path).Int("dimension", dimension).Msg("SQLite store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			agent_id TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			data BLOB NOT NULL,
			entries INTEGER NOT NULL,
			saved_at INTEGER NOT NULL
		);

		DROP TABLE IF EXISTS entry_agents;

		CREATE TABLE IF NOT EXISTS agent_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			UNIQUE(agent_id, entry_id)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if s.dimension > 0 {
		// Vector rows use the rowid of their agent_entries row. The index is
		// derived from snapshots and rebuilt on the next save of each agent.
		vectorSchema := fmt.Sprintf(`
			DROP TABLE IF EXISTS entry_vectors;
			CREATE VIRTUAL TABLE IF NOT EXISTS agent_entry_vectors USING vec0(
				embedding float[%d] distance_metric=cosine
			);
		`, s.dimension)
		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, agentID string) (*Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM snapshots WHERE agent_id = ?", agentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, classify("load", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot for %s: %w", agentID, err)
	}
	return &snap, nil
}

// Save replaces the agent snapshot and its vector rows in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	stamp(snap)

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("save", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (agent_id, version, data, entries, saved_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			entries = excluded.entries,
			saved_at = excluded.saved_at
	`, snap.AgentID, snap.Version, data, len(snap.Entries), snap.SavedAt.Unix())
	if err != nil {
		return classify("save", err)
	}

	if err := s.indexVectors(ctx, tx, snap); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("save", err)
	}

	s.logger.Debug().
		Str("agent_id", snap.AgentID).
		Int("entries", len(snap.Entries)).
		Int("bytes", len(data)).
		Msg("Snapshot saved")
	return nil
}

// indexVectors rewrites the agent's vector rows from the representative
// item of each entry. Entries without a usable embedding are left out of the
// index.
func (s *SQLiteStore) indexVectors(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	if s.dimension <= 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM agent_entry_vectors WHERE rowid IN (SELECT id FROM agent_entries WHERE agent_id = ?)",
		snap.AgentID); err != nil {
		return classify("save", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM agent_entries WHERE agent_id = ?", snap.AgentID); err != nil {
		return classify("save", err)
	}

	embeddings := make(map[string][]float32, len(snap.Items))
	for _, it := range snap.Items {
		if len(it.Embedding) == s.dimension {
			embeddings[it.Key()] = it.Embedding
		}
	}

	indexed := 0
	for _, e := range snap.Entries {
		vec, ok := embeddings[e.RepresentativeItemID]
		if !ok {
			continue
		}
		vecJSON, err := json.Marshal(vec)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO agent_entries (agent_id, entry_id) VALUES (?, ?)",
			snap.AgentID, e.EntryID)
		if err != nil {
			return classify("save", err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return classify("save", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO agent_entry_vectors (rowid, embedding) VALUES (?, ?)",
			rowID, string(vecJSON)); err != nil {
			return fmt.Errorf("failed to store embedding in vector table: %w", classify("save", err))
		}
		indexed++
	}

	s.logger.Debug().Str("agent_id", snap.AgentID).Int("vectors", indexed).Msg("Entry vectors indexed")
	return nil
}

// SearchSimilar returns the agent's entries nearest to vector by cosine
// similarity, best first.
func (s *SQLiteStore) SearchSimilar(ctx context.Context, agentID string, vector []float32, limit int) ([]Match, error) {
	if s.dimension <= 0 {
		return nil, ErrUnsupported
	}
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("query vector has dimension %d, index has %d", len(vector), s.dimension)
	}
	if limit <= 0 {
		limit = 10
	}

	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			a.entry_id,
			vec_distance_cosine(v.embedding, ?) AS distance
		FROM agent_entry_vectors v
		JOIN agent_entries a ON a.id = v.rowid
		WHERE a.agent_id = ?
		ORDER BY distance ASC
		LIMIT ?
	`, string(vecJSON), agentID, limit)
	if err != nil {
		return nil, classify("search", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var distance float64
		if err := rows.Scan(&m.EntryID, &distance); err != nil {
			return nil, err
		}
		m.Score = 1.0 - distance
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT agent_id FROM snapshots ORDER BY agent_id")
	if err != nil {
		return nil, classify("list", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classify marks busy and locked database errors as transient.
func classify(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &TransientError{Op: op, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Err: err}
	}
	return err
}

var _ VectorSearcher = (*SQLiteStore)(nil)

