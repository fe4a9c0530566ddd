package memory

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Merger folds incoming items into a canonical set.
type Merger struct {
	scorer    Scorer
	threshold float64
	logger    zerolog.Logger
}

// NewMerger creates a merger using scorer and an inclusive similarity
// threshold.
func NewMerger(scorer Scorer, threshold float64) *Merger {
	if scorer == nil {
		scorer = LexicalScorer{}
	}
	return &Merger{
		scorer:    scorer,
		threshold: threshold,
		logger:    log.With().Str("component", "merger").Str("method", scorer.Method()).Logger(),
	}
}

// Scorer returns the similarity strategy used by the merger.
func (m *Merger) Scorer() Scorer { return m.scorer }

// Threshold returns the similarity threshold used by the merger.
func (m *Merger) Threshold() float64 { return m.threshold }

// Merge is the stateless form of Apply: it restores existing entries, merges
// incoming items and returns the updated entries with their provenance.
func Merge(existing []CanonicalEntry, incoming []Item, scorer Scorer, threshold float64) ([]CanonicalEntry, *Ledger, error) {
	canon, err := Restore(existing, nil)
	if err != nil {
		return nil, nil, err
	}
	ledger := NewMerger(scorer, threshold).Apply(canon, incoming)
	return canon.Entries(), ledger, nil
}

// Apply merges items into canon in order. An item whose origin instance
// already contributed the same id is recorded as a duplicate and otherwise
// ignored; the same id from another instance is a distinct item.
func (m *Merger) Apply(canon *Canon, items []Item) *Ledger {
	ledger := &Ledger{}
	now := time.Now().UTC()

	for _, item := range items {
		if entryID, ok := canon.Owner(item.Key()); ok {
			ledger.add(LedgerRecord{
				ItemID:     item.ID,
				EntryID:    entryID,
				InstanceID: item.OriginInstanceID,
				FactKey:    item.FactKey,
				Action:     ActionDuplicate,
				At:         now,
			})
			continue
		}

		if item.FactKey != "" {
			m.applyClaim(canon, item, ledger, now)
			continue
		}

		best, score := m.bestMatch(canon, item)
		if best == nil {
			e := canon.newEntry(item)
			ledger.add(LedgerRecord{
				ItemID:     item.ID,
				EntryID:    e.EntryID,
				InstanceID: item.OriginInstanceID,
				Action:     ActionCreated,
				Score:      score,
				At:         now,
			})
			continue
		}

		canon.attach(best, item)
		changed := promote(best, item)
		ledger.add(LedgerRecord{
			ItemID:                item.ID,
			EntryID:               best.EntryID,
			InstanceID:            item.OriginInstanceID,
			Action:                ActionReinforced,
			Score:                 score,
			RepresentativeChanged: changed,
			At:                    now,
		})
	}

	m.logger.Debug().
		Int("items", len(items)).
		Int("created", ledger.Count(ActionCreated)).
		Int("reinforced", ledger.Count(ActionReinforced)).
		Int("duplicates", ledger.Count(ActionDuplicate)).
		Int("claims", ledger.Count(ActionClaimed)).
		Msg("Merged items")

	return ledger
}

func (m *Merger) applyClaim(canon *Canon, item Item, ledger *Ledger, now time.Time) {
	var entryID string
	if id, ok := canon.facts[item.FactKey]; ok {
		canon.attach(canon.entries[id], item)
		entryID = id
	} else {
		entryID = canon.newEntry(item).EntryID
	}
	ledger.add(LedgerRecord{
		ItemID:     item.ID,
		EntryID:    entryID,
		InstanceID: item.OriginInstanceID,
		FactKey:    item.FactKey,
		Action:     ActionClaimed,
		At:         now,
	})
}

// bestMatch returns the highest scoring candidate at or above the threshold.
// Blank content never matches.
func (m *Merger) bestMatch(canon *Canon, item Item) (*CanonicalEntry, float64) {
	if strings.TrimSpace(item.Content) == "" {
		return nil, 0
	}

	var best *CanonicalEntry
	bestScore := 0.0
	for _, candidate := range canon.index.Candidates(item) {
		score := m.scorer.Score(item, canon.representative(candidate))
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if best == nil || bestScore <= 0 || bestScore < m.threshold {
		return nil, bestScore
	}
	return best, bestScore
}

// promote makes item the representative when it is more confident, or
// equally confident and seen earlier.
func promote(e *CanonicalEntry, item Item) bool {
	better := item.Confidence > e.RepresentativeConfidence ||
		(item.Confidence == e.RepresentativeConfidence && item.WallTime.Before(e.RepresentativeTime))
	if !better {
		return false
	}
	e.RepresentativeContent = item.Content
	e.RepresentativeItemID = item.Key()
	e.RepresentativeConfidence = item.Confidence
	e.RepresentativeTime = item.WallTime
	return true
}
