package memory

import "fmt"

// InvariantError reports canonical state that can no longer be trusted.
type InvariantError struct {
	EntryID string
	Reason  string
}

func (e *InvariantError) Error() string {
	if e.EntryID == "" {
		return "canonical invariant violated: " + e.Reason
	}
	return fmt.Sprintf("canonical invariant violated for entry %s: %s", e.EntryID, e.Reason)
}

// CheckInvariants verifies that the entries, item ownership, instance
// provenance and index of canon agree with each other.
func CheckInvariants(c *Canon) error {
	seen := make(map[string]string, len(c.owner))
	for _, id := range c.order {
		e, ok := c.entries[id]
		if !ok {
			return &InvariantError{EntryID: id, Reason: "entry listed in order but missing"}
		}
		if len(e.ContributingItemIDs) == 0 {
			return &InvariantError{EntryID: id, Reason: "entry has no contributing items"}
		}

		instances := make(map[string]struct{})
		for _, itemID := range e.ContributingItemIDs {
			if prev, dup := seen[itemID]; dup {
				return &InvariantError{EntryID: id, Reason: fmt.Sprintf("item %s also belongs to entry %s", itemID, prev)}
			}
			seen[itemID] = id
			if c.owner[itemID] != id {
				return &InvariantError{EntryID: id, Reason: fmt.Sprintf("owner of item %s is %q", itemID, c.owner[itemID])}
			}
			if it, ok := c.items[itemID]; ok {
				instances[it.OriginInstanceID] = struct{}{}
				if _, listed := c.instances[id][it.OriginInstanceID]; !listed {
					return &InvariantError{EntryID: id, Reason: fmt.Sprintf("origin instance %s of item %s not recorded", it.OriginInstanceID, itemID)}
				}
			}
		}

		if e.ContributingInstanceCount != len(e.ContributingInstanceIDs) || e.ContributingInstanceCount != len(c.instances[id]) {
			return &InvariantError{EntryID: id, Reason: fmt.Sprintf("contributing instance count %d does not match %d recorded instances",
				e.ContributingInstanceCount, len(e.ContributingInstanceIDs))}
		}
		if len(instances) > len(c.instances[id]) {
			return &InvariantError{EntryID: id, Reason: "items reference unrecorded instances"}
		}

		if e.FactKey != "" {
			if c.facts[e.FactKey] != id {
				return &InvariantError{EntryID: id, Reason: fmt.Sprintf("fact %q not mapped to its entry", e.FactKey)}
			}
			continue
		}
		if !c.index.Has(e) {
			return &InvariantError{EntryID: id, Reason: "entry missing from type index"}
		}
		for _, tag := range e.Tags {
			if !c.index.HasTag(id, tag) {
				return &InvariantError{EntryID: id, Reason: fmt.Sprintf("entry missing from tag bucket %q", tag)}
			}
		}
	}

	if len(seen) != len(c.owner) {
		return &InvariantError{Reason: fmt.Sprintf("%d owned items but %d contributing references", len(c.owner), len(seen))}
	}
	return nil
}
