package memory

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies a memory item.
type Type string

const (
	TypeEpisodic Type = "episodic"
	TypeSemantic Type = "semantic"
)

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool {
	return t == TypeEpisodic || t == TypeSemantic
}

// Item is a single memory contributed by one instance. Items are immutable
// once reported.
type Item struct {
	ID                 string    `json:"id"`
	Type               Type      `json:"type"`
	Content            string    `json:"content"`
	OriginInstanceID   string    `json:"origin_instance_id"`
	OriginLogicalClock uint64    `json:"origin_logical_clock"`
	WallTime           time.Time `json:"wall_time"`
	Tags               []string  `json:"tags,omitempty"`
	Confidence         float64   `json:"confidence"`

	// FactKey marks the item as a claim about a named fact. Claims are
	// grouped per key and resolved by vote instead of similarity.
	FactKey string `json:"fact_key,omitempty"`

	// Priority is a hint for streaming reporters; it has no effect on merge.
	Priority float64 `json:"priority,omitempty"`

	// Embedding is optional; the vector scorer falls back to lexical
	// scoring when it is absent.
	Embedding []float32 `json:"embedding,omitempty"`
}

// ItemKey identifies an item within an agent. Item ids are chosen by the
// reporting instance and are unique only within it.
func ItemKey(instanceID, itemID string) string {
	return instanceID + "/" + itemID
}

// Key returns the item's origin-scoped key.
func (i Item) Key() string { return ItemKey(i.OriginInstanceID, i.ID) }

// Validate checks the fields every reported item must carry.
func (i Item) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("item id is required")
	}
	if !i.Type.Valid() {
		return fmt.Errorf("item %s: invalid type %q", i.ID, i.Type)
	}
	if strings.TrimSpace(i.OriginInstanceID) == "" {
		return fmt.Errorf("item %s: origin instance is required", i.ID)
	}
	if strings.Contains(i.OriginInstanceID, "/") {
		return fmt.Errorf("item %s: origin instance %q must not contain '/'", i.ID, i.OriginInstanceID)
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return fmt.Errorf("item %s: confidence %.3f out of range [0,1]", i.ID, i.Confidence)
	}
	if i.FactKey != "" && strings.TrimSpace(i.Content) == "" {
		return fmt.Errorf("item %s: fact claim %q has empty value", i.ID, i.FactKey)
	}
	return nil
}

// CanonicalEntry is one deduplicated memory of the agent. It references every
// item that contributed to it by item key (see ItemKey).
type CanonicalEntry struct {
	EntryID                   string    `json:"entry_id"`
	Type                      Type      `json:"type"`
	Tags                      []string  `json:"tags,omitempty"`
	FactKey                   string    `json:"fact_key,omitempty"`
	RepresentativeContent     string    `json:"representative_content"`
	RepresentativeItemID      string    `json:"representative_item_id"`
	RepresentativeConfidence  float64   `json:"representative_confidence"`
	RepresentativeTime        time.Time `json:"representative_time"`
	ContributingItemIDs       []string  `json:"contributing_item_ids"`
	ContributingInstanceIDs   []string  `json:"contributing_instance_ids"`
	FirstSeen                 time.Time `json:"first_seen"`
	LastReinforced            time.Time `json:"last_reinforced"`
	ContributingInstanceCount int       `json:"contributing_instance_count"`

	// Contested is set on fact entries while no value holds a supermajority.
	Contested bool `json:"contested,omitempty"`
}

// Contains reports whether the item with key already contributes to the entry.
func (e *CanonicalEntry) Contains(key string) bool {
	for _, id := range e.ContributingItemIDs {
		if id == key {
			return true
		}
	}
	return false
}

func (e CanonicalEntry) clone() CanonicalEntry {
	out := e
	out.Tags = append([]string(nil), e.Tags...)
	out.ContributingItemIDs = append([]string(nil), e.ContributingItemIDs...)
	out.ContributingInstanceIDs = append([]string(nil), e.ContributingInstanceIDs...)
	return out
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		n := normalizeTag(tag)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
