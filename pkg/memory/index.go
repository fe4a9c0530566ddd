package memory

import (
	"sort"
)

type entrySet map[string]struct{}

// Index buckets canonical entries by tag and by type so that merge only
// compares an item against entries it could plausibly match.
//
// A tagged item is compared against entries sharing one of its tags plus
// untagged entries of its type. An untagged item cannot be pruned by tag and
// is compared against every entry of its type.
type Index struct {
	lookup   func(id string) *CanonicalEntry
	byTag    map[string]entrySet
	byType   map[Type]entrySet
	untagged map[Type]entrySet
}

// NewIndex creates an index resolving entry ids through lookup.
func NewIndex(lookup func(id string) *CanonicalEntry) *Index {
	return &Index{
		lookup:   lookup,
		byTag:    make(map[string]entrySet),
		byType:   make(map[Type]entrySet),
		untagged: make(map[Type]entrySet),
	}
}

// Insert adds a new entry to its type bucket and tag buckets.
func (x *Index) Insert(e *CanonicalEntry) {
	bucket(x.byType, e.Type)[e.EntryID] = struct{}{}
	if len(e.Tags) == 0 {
		bucket(x.untagged, e.Type)[e.EntryID] = struct{}{}
		return
	}
	for _, tag := range e.Tags {
		bucket(x.byTag, tag)[e.EntryID] = struct{}{}
	}
}

// AddTags records tags newly attached to an existing entry. Each tag costs
// one bucket insertion regardless of index size.
func (x *Index) AddTags(e *CanonicalEntry, tags []string) {
	if len(tags) == 0 {
		return
	}
	if set, ok := x.untagged[e.Type]; ok {
		delete(set, e.EntryID)
	}
	for _, tag := range tags {
		bucket(x.byTag, tag)[e.EntryID] = struct{}{}
	}
}

// Candidates returns the entries an item must be scored against, ordered by
// first sighting so ties resolve to the oldest entry.
func (x *Index) Candidates(item Item) []*CanonicalEntry {
	ids := make(entrySet)
	tags := normalizeTags(item.Tags)
	if len(tags) == 0 {
		for id := range x.byType[item.Type] {
			ids[id] = struct{}{}
		}
	} else {
		for _, tag := range tags {
			for id := range x.byTag[tag] {
				ids[id] = struct{}{}
			}
		}
		for id := range x.untagged[item.Type] {
			ids[id] = struct{}{}
		}
	}

	out := make([]*CanonicalEntry, 0, len(ids))
	for id := range ids {
		if e := x.lookup(id); e != nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].EntryID < out[j].EntryID
	})
	return out
}

// Has reports whether the entry is present in its type bucket.
func (x *Index) Has(e *CanonicalEntry) bool {
	_, ok := x.byType[e.Type][e.EntryID]
	return ok
}

// HasTag reports whether the entry is present in the bucket for tag.
func (x *Index) HasTag(entryID, tag string) bool {
	_, ok := x.byTag[tag][entryID]
	return ok
}

func bucket[K comparable](m map[K]entrySet, key K) entrySet {
	set, ok := m[key]
	if !ok {
		set = make(entrySet)
		m[key] = set
	}
	return set
}
