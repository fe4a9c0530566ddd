package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// FileStore keeps one JSON snapshot file per agent in a directory. Writes go
// to a temporary file that is renamed over the previous snapshot.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates the snapshot directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(agentID string) string {
	return filepath.Join(fs.dir, url.PathEscape(agentID)+".json")
}

func (fs *FileStore) Load(ctx context.Context, agentID string) (*Snapshot, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.path(agentID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot file: %w", err)
	}

	log.Debug().
		Str("agent_id", agentID).
		Int("entries", len(snap.Entries)).
		Msg("Snapshot loaded from file")
	return &snap, nil
}

func (fs *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	stamp(snap)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	target := fs.path(snap.AgentID)
	tempPath := target + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return &TransientError{Op: "save", Err: fmt.Errorf("failed to write temporary file: %w", err)}
	}
	if err := os.Rename(tempPath, target); err != nil {
		return &TransientError{Op: "save", Err: fmt.Errorf("failed to rename temporary file: %w", err)}
	}

	log.Debug().
		Str("path", target).
		Int("entries", len(snap.Entries)).
		Msg("Snapshot saved to file")
	return nil
}

func (fs *FileStore) ListAgents(ctx context.Context) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}
	var agents []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return agents, nil
}

func (fs *FileStore) Close() error { return nil }
