package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/pkg/identity"
	"github.com/rs/zerolog/log"
)

// Registry tracks known instances, their keys and liveness.
type Registry struct {
	instances     map[string]*Instance
	mu            sync.RWMutex
	policy        Policy
	now           func() time.Time
	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// NewRegistry creates a registry that admits instances through policy.
func NewRegistry(policy Policy) *Registry {
	if policy == nil {
		policy = OpenPolicy{}
	}
	return &Registry{
		instances:     make(map[string]*Instance),
		policy:        policy,
		now:           func() time.Time { return time.Now().UTC() },
		eventHandlers: make(map[string][]EventHandler),
	}
}

// SetClock replaces the time source, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register adds an instance in the registered state. Registering the same
// id with the same key again is a no-op.
func (r *Registry) Register(in Instance) (Instance, error) {
	if in.ID == "" {
		return Instance{}, fmt.Errorf("instance ID is required")
	}
	if strings.Contains(in.ID, "/") {
		return Instance{}, fmt.Errorf("instance ID %q must not contain '/'", in.ID)
	}
	if in.AgentID == "" {
		return Instance{}, fmt.Errorf("instance agent ID is required")
	}
	if _, err := identity.DecodeKey(in.PublicKey); err != nil {
		return Instance{}, fmt.Errorf("instance %s: %w", in.ID, err)
	}

	r.mu.Lock()
	if existing, ok := r.instances[in.ID]; ok {
		defer r.mu.Unlock()
		if existing.Status == StatusRevoked {
			return Instance{}, fmt.Errorf("%w: %s", ErrRevoked, in.ID)
		}
		if existing.PublicKey == in.PublicKey && existing.AgentID == in.AgentID {
			if in.Endpoint != "" {
				existing.Endpoint = in.Endpoint
			}
			return *existing, nil
		}
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceExists, in.ID)
	}

	peers := r.listLocked(Filter{AgentID: in.AgentID})
	if err := r.policy.Admit(in, peers); err != nil {
		r.mu.Unlock()
		return Instance{}, err
	}

	now := r.now()
	stored := &Instance{
		ID:           in.ID,
		AgentID:      in.AgentID,
		PublicKey:    in.PublicKey,
		Endpoint:     in.Endpoint,
		Status:       StatusRegistered,
		RegisteredAt: now,
	}
	r.instances[in.ID] = stored
	out := *stored
	counts := r.countsLocked()
	r.mu.Unlock()

	observability.SetInstancesByStatus(counts)
	r.emit(Event{Type: EventRegistered, InstanceID: in.ID, AgentID: in.AgentID, To: StatusRegistered, Timestamp: now})

	log.Info().
		Str("instance_id", in.ID).
		Str("agent_id", in.AgentID).
		Msg("Instance registered")

	return out, nil
}

// Get returns a copy of an instance.
func (r *Registry) Get(id string) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return *in, nil
}

// List returns copies of the instances matching filter, ordered by id.
func (r *Registry) List(filter Filter) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(filter)
}

func (r *Registry) listLocked(filter Filter) []Instance {
	out := make([]Instance, 0)
	for _, in := range r.instances {
		if filter.match(in) {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agents returns the distinct agent ids that have instances.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, in := range r.instances {
		if _, ok := seen[in.AgentID]; !ok {
			seen[in.AgentID] = struct{}{}
			out = append(out, in.AgentID)
		}
	}
	sort.Strings(out)
	return out
}

// Accept records an accepted report. The sequence number must be strictly
// greater than the last accepted one; the check and update are atomic. A
// registered or stale instance becomes active.
func (r *Registry) Accept(id string, sequence uint64, items int) (Instance, error) {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if in.Status == StatusRevoked {
		r.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %s", ErrRevoked, id)
	}
	if sequence <= in.LastSequence {
		last := in.LastSequence
		r.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: instance %s sent %d, last accepted %d", ErrReplay, id, sequence, last)
	}

	now := r.now()
	from := in.Status
	in.LastSequence = sequence
	in.LastSeen = now
	in.MissedCheckIns = 0
	in.Status = StatusActive
	in.Stats.ReportsAccepted++
	in.Stats.ItemsContributed += uint64(items)
	out := *in
	var counts map[string]int
	if from != StatusActive {
		counts = r.countsLocked()
	}
	r.mu.Unlock()

	if from != StatusActive {
		observability.SetInstancesByStatus(counts)
		r.emit(Event{Type: EventActive, InstanceID: id, AgentID: out.AgentID, From: from, To: StatusActive, Timestamp: now})
		log.Info().
			Str("instance_id", id).
			Str("from", string(from)).
			Msg("Instance active")
	}
	return out, nil
}

// RecordRejection notes a rejected report against a known instance.
func (r *Registry) RecordRejection(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.instances[id]; ok {
		in.Stats.Rejections++
		in.Stats.LastRejection = reason
		in.Stats.LastRejectionAt = r.now()
	}
}

// MissCheckIn increments the consecutive missed check-in counter and marks
// an active instance stale once maxMissed is reached.
func (r *Registry) MissCheckIn(id string, maxMissed int) (int, error) {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	in.MissedCheckIns++
	missed := in.MissedCheckIns
	r.mu.Unlock()

	if maxMissed > 0 && missed >= maxMissed {
		if err := r.markStale(id, "missed check-ins", map[string]interface{}{"missed_checkins": missed}); err != nil {
			return missed, err
		}
	}
	return missed, nil
}

// AnswerCheckIn clears the missed check-in counter of an instance that
// responded to a poll. It does not touch last_seen; only accepted reports do.
func (r *Registry) AnswerCheckIn(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	in.MissedCheckIns = 0
	return nil
}

// CheckStaleness marks active instances silent for longer than window as
// stale and returns their ids.
func (r *Registry) CheckStaleness(window time.Duration) []string {
	if window <= 0 {
		return nil
	}
	r.mu.RLock()
	now := r.now()
	var silent []string
	for _, in := range r.instances {
		if in.Status == StatusActive && now.Sub(in.LastSeen) > window {
			silent = append(silent, in.ID)
		}
	}
	r.mu.RUnlock()

	sort.Strings(silent)
	var marked []string
	for _, id := range silent {
		if err := r.markStale(id, "silence window exceeded", map[string]interface{}{"window": window.String()}); err == nil {
			marked = append(marked, id)
		}
	}
	return marked
}

func (r *Registry) markStale(id, reason string, data map[string]interface{}) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if in.Status != StatusActive {
		r.mu.Unlock()
		return fmt.Errorf("instance %s is %s, not active", id, in.Status)
	}
	in.Status = StatusStale
	agentID := in.AgentID
	now := r.now()
	counts := r.countsLocked()
	r.mu.Unlock()

	observability.SetInstancesByStatus(counts)
	if data == nil {
		data = map[string]interface{}{}
	}
	data["reason"] = reason
	r.emit(Event{Type: EventStale, InstanceID: id, AgentID: agentID, From: StatusActive, To: StatusStale, Timestamp: now, Data: data})

	log.Warn().
		Str("instance_id", id).
		Str("reason", reason).
		Msg("Instance marked stale")
	return nil
}

// Revoke permanently disables an instance. Revocation is terminal.
func (r *Registry) Revoke(id, reason string) (Instance, error) {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if in.Status == StatusRevoked {
		out := *in
		r.mu.Unlock()
		return out, nil
	}
	from := in.Status
	in.Status = StatusRevoked
	out := *in
	now := r.now()
	counts := r.countsLocked()
	r.mu.Unlock()

	observability.SetInstancesByStatus(counts)
	r.emit(Event{Type: EventRevoked, InstanceID: id, AgentID: out.AgentID, From: from, To: StatusRevoked, Timestamp: now,
		Data: map[string]interface{}{"reason": reason}})

	log.Warn().
		Str("instance_id", id).
		Str("agent_id", out.AgentID).
		Str("reason", reason).
		Msg("Instance revoked")
	return out, nil
}

// Restore loads persisted instances. For instances already known the higher
// sequence number and the more final status win, so replay protection never
// moves backwards.
func (r *Registry) Restore(instances []Instance) {
	r.mu.Lock()
	for i := range instances {
		in := instances[i]
		existing, ok := r.instances[in.ID]
		if !ok {
			r.instances[in.ID] = &in
			continue
		}
		if in.LastSequence > existing.LastSequence {
			existing.LastSequence = in.LastSequence
			existing.LastSeen = in.LastSeen
			existing.Stats = in.Stats
		}
		if in.Status == StatusRevoked {
			existing.Status = StatusRevoked
		}
	}
	counts := r.countsLocked()
	r.mu.Unlock()
	observability.SetInstancesByStatus(counts)
}

// Counts returns the number of instances per status.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countsLocked()
}

func (r *Registry) countsLocked() map[string]int {
	counts := map[string]int{
		string(StatusRegistered): 0,
		string(StatusActive):     0,
		string(StatusStale):      0,
		string(StatusRevoked):    0,
	}
	for _, in := range r.instances {
		counts[string(in.Status)]++
	}
	return counts
}

// On registers an event handler
func (r *Registry) On(eventType string, handler EventHandler) {
	r.eventMu.Lock()
	defer r.eventMu.Unlock()
	r.eventHandlers[eventType] = append(r.eventHandlers[eventType], handler)
}

// Off removes all event handlers for a specific event type
func (r *Registry) Off(eventType string) {
	r.eventMu.Lock()
	defer r.eventMu.Unlock()
	delete(r.eventHandlers, eventType)
}

func (r *Registry) emit(event Event) {
	r.eventMu.RLock()
	handlers := r.eventHandlers[event.Type]
	r.eventMu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}
