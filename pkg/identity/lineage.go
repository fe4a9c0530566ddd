package identity

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

var (
	ErrAgentExists  = errors.New("agent already registered")
	ErrAgentUnknown = errors.New("agent not registered")
)

// AgentIdentity is one immutable version of an agent's identity. A new
// version references the fingerprint of the one it supersedes.
type AgentIdentity struct {
	AgentID     string    `json:"agent_id" yaml:"agent_id"`
	Version     uint64    `json:"version" yaml:"version"`
	PublicKey   string    `json:"public_key" yaml:"public_key"`
	Predecessor string    `json:"predecessor,omitempty" yaml:"predecessor,omitempty"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

func fingerprintOf(fp Fingerprinter, id AgentIdentity) string {
	return fp.Fingerprint(id.AgentID, strconv.FormatUint(id.Version, 10), id.PublicKey, id.Predecessor)
}

// Lineage is the append-only version history of every known agent.
type Lineage struct {
	mu            sync.RWMutex
	fp            Fingerprinter
	versions      map[string][]AgentIdentity
	byFingerprint map[string]AgentIdentity
}

// NewLineage creates an empty lineage store.
func NewLineage(fp Fingerprinter) *Lineage {
	if fp == nil {
		fp = Ed25519{}
	}
	return &Lineage{
		fp:            fp,
		versions:      make(map[string][]AgentIdentity),
		byFingerprint: make(map[string]AgentIdentity),
	}
}

// Register creates the first version of an agent identity.
func (l *Lineage) Register(agentID, publicKey string) (AgentIdentity, error) {
	if agentID == "" {
		return AgentIdentity{}, fmt.Errorf("agent id is required")
	}
	if _, err := DecodeKey(publicKey); err != nil {
		return AgentIdentity{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.versions[agentID]; ok {
		return AgentIdentity{}, fmt.Errorf("%w: %s", ErrAgentExists, agentID)
	}
	id := AgentIdentity{
		AgentID:   agentID,
		Version:   1,
		PublicKey: publicKey,
		CreatedAt: time.Now().UTC(),
	}
	id.Fingerprint = fingerprintOf(l.fp, id)
	l.appendLocked(id)
	return id, nil
}

// Supersede appends a new version pointing back at the current head.
func (l *Lineage) Supersede(agentID, publicKey string) (AgentIdentity, error) {
	if _, err := DecodeKey(publicKey); err != nil {
		return AgentIdentity{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	history, ok := l.versions[agentID]
	if !ok {
		return AgentIdentity{}, fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}
	head := history[len(history)-1]
	id := AgentIdentity{
		AgentID:     agentID,
		Version:     head.Version + 1,
		PublicKey:   publicKey,
		Predecessor: head.Fingerprint,
		CreatedAt:   time.Now().UTC(),
	}
	id.Fingerprint = fingerprintOf(l.fp, id)
	l.appendLocked(id)
	return id, nil
}

func (l *Lineage) appendLocked(id AgentIdentity) {
	l.versions[id.AgentID] = append(l.versions[id.AgentID], id)
	l.byFingerprint[id.Fingerprint] = id
}

// Resolve finds the identity version with the given fingerprint. Every
// version of a lineage stays resolvable.
func (l *Lineage) Resolve(fingerprint string) (AgentIdentity, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byFingerprint[fingerprint]
	return id, ok
}

// Head returns the latest version of an agent.
func (l *Lineage) Head(agentID string) (AgentIdentity, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	history, ok := l.versions[agentID]
	if !ok {
		return AgentIdentity{}, false
	}
	return history[len(history)-1], true
}

// History returns every version of an agent, oldest first.
func (l *Lineage) History(agentID string) []AgentIdentity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]AgentIdentity(nil), l.versions[agentID]...)
}

// Agents returns the registered agent ids in sorted order.
func (l *Lineage) Agents() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.versions))
	for id := range l.versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Import loads a persisted history for one agent after checking that it
// forms an unbroken chain. Importing the history already held is a no-op.
func (l *Lineage) Import(history []AgentIdentity) error {
	if len(history) == 0 {
		return nil
	}
	agentID := history[0].AgentID
	var prev *AgentIdentity
	for i := range history {
		id := history[i]
		if id.AgentID != agentID {
			return fmt.Errorf("lineage mixes agents %s and %s", agentID, id.AgentID)
		}
		if want := fingerprintOf(l.fp, id); want != id.Fingerprint {
			return fmt.Errorf("agent %s version %d: fingerprint mismatch", agentID, id.Version)
		}
		if prev == nil {
			if id.Version != 1 || id.Predecessor != "" {
				return fmt.Errorf("agent %s: lineage must start at version 1", agentID)
			}
		} else if id.Version != prev.Version+1 || id.Predecessor != prev.Fingerprint {
			return fmt.Errorf("agent %s version %d: broken predecessor link", agentID, id.Version)
		}
		prev = &history[i]
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	existing := l.versions[agentID]
	if len(existing) > len(history) {
		return fmt.Errorf("agent %s: imported lineage is older than the one held", agentID)
	}
	for i := range existing {
		if existing[i].Fingerprint != history[i].Fingerprint {
			return fmt.Errorf("agent %s: imported lineage diverges at version %d", agentID, existing[i].Version)
		}
	}
	for _, id := range history[len(existing):] {
		l.appendLocked(id)
	}
	return nil
}
