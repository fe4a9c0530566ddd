package memory

import "time"

// Action describes what merge did with one incoming item.
type Action string

const (
	ActionCreated    Action = "created"
	ActionReinforced Action = "reinforced"
	ActionDuplicate  Action = "duplicate"
	ActionClaimed    Action = "claimed"
)

// LedgerRecord is the provenance of one merge decision.
type LedgerRecord struct {
	ItemID                string    `json:"item_id"`
	EntryID               string    `json:"entry_id"`
	InstanceID            string    `json:"instance_id"`
	FactKey               string    `json:"fact_key,omitempty"`
	Action                Action    `json:"action"`
	Score                 float64   `json:"score,omitempty"`
	RepresentativeChanged bool      `json:"representative_changed,omitempty"`
	At                    time.Time `json:"at"`
}

// Ledger collects the records produced by one merge call.
type Ledger struct {
	Records []LedgerRecord `json:"records"`
}

func (l *Ledger) add(r LedgerRecord) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	l.Records = append(l.Records, r)
}

// Count returns the number of records with the given action.
func (l *Ledger) Count(action Action) int {
	n := 0
	for _, r := range l.Records {
		if r.Action == action {
			n++
		}
	}
	return n
}

// FactKeys returns the fact keys that received new claims, in first-touch order.
func (l *Ledger) FactKeys() []string {
	var keys []string
	seen := make(map[string]struct{})
	for _, r := range l.Records {
		if r.Action != ActionClaimed || r.FactKey == "" {
			continue
		}
		if _, ok := seen[r.FactKey]; ok {
			continue
		}
		seen[r.FactKey] = struct{}{}
		keys = append(keys, r.FactKey)
	}
	return keys
}
