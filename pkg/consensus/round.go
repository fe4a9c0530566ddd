package consensus

import (
	"sort"
	"time"

	"github.com/harun/mnemosync/pkg/memory"
)

// Resolution is the state of a consensus round.
type Resolution string

const (
	Resolved  Resolution = "resolved"
	Contested Resolution = "contested"
)

// Claim is one instance's asserted value for a fact.
type Claim struct {
	InstanceID   string    `json:"instance_id"`
	ItemID       string    `json:"item_id"`
	Value        string    `json:"value"`
	Confidence   float64   `json:"confidence"`
	LogicalClock uint64    `json:"logical_clock"`
	SubmittedAt  time.Time `json:"submitted_at"`
	Embedding    []float32 `json:"-"`
}

// ClaimFromItem converts a fact-carrying memory item into a claim.
func ClaimFromItem(it memory.Item) Claim {
	return Claim{
		InstanceID:   it.OriginInstanceID,
		ItemID:       it.ID,
		Value:        it.Content,
		Confidence:   it.Confidence,
		LogicalClock: it.OriginLogicalClock,
		SubmittedAt:  it.WallTime,
		Embedding:    it.Embedding,
	}
}

func (c Claim) item() memory.Item {
	return memory.Item{Content: c.Value, Embedding: c.Embedding}
}

// Round tracks the competing claims for one fact key. Claims are keyed by
// instance so a second vote from an instance replaces its first.
type Round struct {
	FactKey       string           `json:"fact_key"`
	Claims        map[string]Claim `json:"claims"`
	Threshold     Threshold        `json:"threshold"`
	Resolution    Resolution       `json:"resolution"`
	ResolvedValue string           `json:"resolved_value,omitempty"`
	OpenedAt      time.Time        `json:"opened_at"`
	Deadline      time.Time        `json:"deadline"`

	// Closed is set when the reconciliation window elapsed without a
	// supermajority. Closed rounds stay visible to operators.
	Closed bool `json:"closed,omitempty"`
}

// NewRound creates an empty round.
func NewRound(factKey string, threshold Threshold) *Round {
	return &Round{
		FactKey:    factKey,
		Claims:     make(map[string]Claim),
		Threshold:  threshold,
		Resolution: Contested,
	}
}

// Vote records a claim, replacing any earlier claim of the same instance.
// It reports whether the instance had already voted.
func (r *Round) Vote(c Claim) (replaced bool) {
	if r.Claims == nil {
		r.Claims = make(map[string]Claim)
	}
	_, replaced = r.Claims[c.InstanceID]
	r.Claims[c.InstanceID] = c
	return replaced
}

// Clone returns a deep copy of the round.
func (r *Round) Clone() Round {
	out := *r
	out.Claims = make(map[string]Claim, len(r.Claims))
	for k, v := range r.Claims {
		out.Claims[k] = v
	}
	return out
}

// Variant groups the claims asserting one distinct value.
type Variant struct {
	Value     string    `json:"value"`
	Instances []string  `json:"instances"`
	Support   int       `json:"support"`
	FirstSeen time.Time `json:"first_seen"`
}

// Variants returns every distinct value with the instances that asserted it
// verbatim. Support counts all instances agreeing with the value, including
// near matches, and is filled in by Resolve.
func (r *Round) Variants() []Variant {
	byValue := make(map[string]*Variant)
	var order []string
	for _, id := range r.instanceIDs() {
		c := r.Claims[id]
		v, ok := byValue[c.Value]
		if !ok {
			v = &Variant{Value: c.Value, FirstSeen: c.SubmittedAt}
			byValue[c.Value] = v
			order = append(order, c.Value)
		}
		v.Instances = append(v.Instances, id)
		if c.SubmittedAt.Before(v.FirstSeen) {
			v.FirstSeen = c.SubmittedAt
		}
	}
	out := make([]Variant, 0, len(order))
	for _, value := range order {
		v := *byValue[value]
		v.Support = len(v.Instances)
		out = append(out, v)
	}
	return out
}

func (r *Round) instanceIDs() []string {
	ids := make([]string, 0, len(r.Claims))
	for id := range r.Claims {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
