package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// entryNamespace seeds deterministic entry ids so that replaying the same
// input on the same state yields the same entries.
var entryNamespace = uuid.MustParse("6f1c2a3e-9d4b-5e8f-a1c7-3b2d4e5f6a70")

// Canon is the canonical memory of one logical agent. It is not safe for
// concurrent use; the owning agent lane is its only writer. Items are keyed
// by ItemKey.
type Canon struct {
	agentID   string
	entries   map[string]*CanonicalEntry
	order     []string
	items     map[string]Item
	owner     map[string]string
	facts     map[string]string
	instances map[string]map[string]struct{}
	index     *Index
}

// NewCanon creates an empty canonical set not bound to an agent.
func NewCanon() *Canon {
	return NewAgentCanon("")
}

// NewAgentCanon creates an empty canonical set for agentID. Entry ids it
// mints are derived from the agent id, so agents never share an entry id.
func NewAgentCanon(agentID string) *Canon {
	c := &Canon{
		agentID:   agentID,
		entries:   make(map[string]*CanonicalEntry),
		items:     make(map[string]Item),
		owner:     make(map[string]string),
		facts:     make(map[string]string),
		instances: make(map[string]map[string]struct{}),
	}
	c.index = NewIndex(func(id string) *CanonicalEntry { return c.entries[id] })
	return c
}

// Restore rebuilds a canonical set from persisted entries and items. Items
// may be partial; entries stay authoritative for membership.
func Restore(entries []CanonicalEntry, items []Item) (*Canon, error) {
	return RestoreAgent("", entries, items)
}

// RestoreAgent is Restore for the canonical set of agentID.
func RestoreAgent(agentID string, entries []CanonicalEntry, items []Item) (*Canon, error) {
	c := NewAgentCanon(agentID)
	for _, it := range items {
		c.items[it.Key()] = it
	}
	for _, e := range entries {
		entry := e.clone()
		if _, dup := c.entries[entry.EntryID]; dup {
			return nil, fmt.Errorf("duplicate entry %s", entry.EntryID)
		}
		for _, id := range entry.ContributingItemIDs {
			if prev, owned := c.owner[id]; owned {
				return nil, fmt.Errorf("item %s belongs to entries %s and %s", id, prev, entry.EntryID)
			}
			c.owner[id] = entry.EntryID
		}
		instances := make(map[string]struct{}, len(entry.ContributingInstanceIDs))
		for _, id := range entry.ContributingInstanceIDs {
			instances[id] = struct{}{}
		}
		c.instances[entry.EntryID] = instances
		c.entries[entry.EntryID] = &entry
		c.order = append(c.order, entry.EntryID)
		if entry.FactKey != "" {
			c.facts[entry.FactKey] = entry.EntryID
			continue
		}
		c.index.Insert(&entry)
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		return c.entries[c.order[i]].FirstSeen.Before(c.entries[c.order[j]].FirstSeen)
	})
	return c, nil
}

// Len returns the number of canonical entries.
func (c *Canon) Len() int { return len(c.entries) }

// Entries returns a copy of every entry in creation order.
func (c *Canon) Entries() []CanonicalEntry {
	out := make([]CanonicalEntry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id].clone())
	}
	return out
}

// Items returns a copy of every known item.
func (c *Canon) Items() []Item {
	out := make([]Item, 0, len(c.items))
	for _, id := range c.order {
		for _, itemID := range c.entries[id].ContributingItemIDs {
			if it, ok := c.items[itemID]; ok {
				out = append(out, it)
			}
		}
	}
	return out
}

// Entry returns a copy of the entry with the given id.
func (c *Canon) Entry(id string) (CanonicalEntry, bool) {
	e, ok := c.entries[id]
	if !ok {
		return CanonicalEntry{}, false
	}
	return e.clone(), true
}

// Owner returns the id of the entry the item with key belongs to.
func (c *Canon) Owner(key string) (string, bool) {
	id, ok := c.owner[key]
	return id, ok
}

// FactEntry returns the entry holding claims for a fact key.
func (c *Canon) FactEntry(factKey string) (CanonicalEntry, bool) {
	id, ok := c.facts[factKey]
	if !ok {
		return CanonicalEntry{}, false
	}
	return c.entries[id].clone(), true
}

// Claims returns the latest claim of each instance for a fact key, ordered
// by instance id. Later logical clock wins, then later wall time.
func (c *Canon) Claims(factKey string) []Item {
	id, ok := c.facts[factKey]
	if !ok {
		return nil
	}
	latest := make(map[string]Item)
	for _, itemID := range c.entries[id].ContributingItemIDs {
		it, ok := c.items[itemID]
		if !ok {
			continue
		}
		prev, seen := latest[it.OriginInstanceID]
		if !seen || newerClaim(it, prev) {
			latest[it.OriginInstanceID] = it
		}
	}
	out := make([]Item, 0, len(latest))
	for _, it := range latest {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginInstanceID < out[j].OriginInstanceID })
	return out
}

func newerClaim(a, b Item) bool {
	if a.OriginLogicalClock != b.OriginLogicalClock {
		return a.OriginLogicalClock > b.OriginLogicalClock
	}
	return a.WallTime.After(b.WallTime)
}

// SetFactValue folds a vote outcome into the fact entry. When contested is
// true the representative content is kept and only the flag changes.
func (c *Canon) SetFactValue(factKey, value string, contested bool) error {
	id, ok := c.facts[factKey]
	if !ok {
		return fmt.Errorf("no entry for fact %q", factKey)
	}
	e := c.entries[id]
	e.Contested = contested
	if contested || value == "" {
		return nil
	}
	e.RepresentativeContent = value
	for _, claim := range c.Claims(factKey) {
		if claim.Content == value {
			e.RepresentativeItemID = claim.Key()
			e.RepresentativeConfidence = claim.Confidence
			e.RepresentativeTime = claim.WallTime
			break
		}
	}
	return nil
}

// representative returns an item standing in for the entry's current
// content, used as the comparison target during merge.
func (c *Canon) representative(e *CanonicalEntry) Item {
	if it, ok := c.items[e.RepresentativeItemID]; ok && it.Content == e.RepresentativeContent {
		return it
	}
	return Item{
		ID:         e.RepresentativeItemID,
		Type:       e.Type,
		Content:    e.RepresentativeContent,
		Tags:       e.Tags,
		Confidence: e.RepresentativeConfidence,
		WallTime:   e.RepresentativeTime,
	}
}

func (c *Canon) newEntry(item Item) *CanonicalEntry {
	seed := "item:" + item.Key()
	if item.FactKey != "" {
		seed = "fact:" + item.FactKey
	}
	if c.agentID != "" {
		seed = c.agentID + "\x00" + seed
	}
	e := &CanonicalEntry{
		EntryID:                  uuid.NewSHA1(entryNamespace, []byte(seed)).String(),
		Type:                     item.Type,
		Tags:                     normalizeTags(item.Tags),
		FactKey:                  item.FactKey,
		RepresentativeContent:    item.Content,
		RepresentativeItemID:     item.Key(),
		RepresentativeConfidence: item.Confidence,
		RepresentativeTime:       item.WallTime,
		FirstSeen:                item.WallTime,
		LastReinforced:           item.WallTime,
	}
	c.entries[e.EntryID] = e
	c.order = append(c.order, e.EntryID)
	if item.FactKey != "" {
		c.facts[item.FactKey] = e.EntryID
	} else {
		c.index.Insert(e)
	}
	c.attach(e, item)
	return e
}

func (c *Canon) attach(e *CanonicalEntry, item Item) {
	key := item.Key()
	c.items[key] = item
	c.owner[key] = e.EntryID
	e.ContributingItemIDs = append(e.ContributingItemIDs, key)

	set, ok := c.instances[e.EntryID]
	if !ok {
		set = make(map[string]struct{})
		c.instances[e.EntryID] = set
	}
	if _, seen := set[item.OriginInstanceID]; !seen {
		set[item.OriginInstanceID] = struct{}{}
		e.ContributingInstanceIDs = append(e.ContributingInstanceIDs, item.OriginInstanceID)
	}
	e.ContributingInstanceCount = len(set)

	if item.WallTime.Before(e.FirstSeen) || e.FirstSeen.IsZero() {
		e.FirstSeen = item.WallTime
	}
	if item.WallTime.After(e.LastReinforced) {
		e.LastReinforced = item.WallTime
	}

	var added []string
	have := make(map[string]struct{}, len(e.Tags))
	for _, t := range e.Tags {
		have[t] = struct{}{}
	}
	for _, t := range normalizeTags(item.Tags) {
		if _, ok := have[t]; !ok {
			added = append(added, t)
			e.Tags = append(e.Tags, t)
		}
	}
	if e.FactKey == "" {
		c.index.AddTags(e, added)
	}
}

// Since returns entries reinforced at or after t.
func (c *Canon) Since(t time.Time) []CanonicalEntry {
	var out []CanonicalEntry
	for _, id := range c.order {
		e := c.entries[id]
		if t.IsZero() || !e.LastReinforced.Before(t) {
			out = append(out, e.clone())
		}
	}
	return out
}
