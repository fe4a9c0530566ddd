package consensus

import (
	"sort"

	"github.com/harun/mnemosync/pkg/memory"
)

// Outcome is the result of resolving a round.
type Outcome struct {
	FactKey    string     `json:"fact_key"`
	Resolution Resolution `json:"resolution"`
	Value      string     `json:"value,omitempty"`
	Variants   []Variant  `json:"variants"`
	Voters     int        `json:"voters"`
	Required   int        `json:"required"`

	// RoundOpened is set when this observation created a round.
	RoundOpened bool `json:"round_opened,omitempty"`
	// Folded is set when a round reached supermajority and was discarded.
	Folded bool `json:"folded,omitempty"`
}

// Resolve applies threshold voting to a round. A value resolves when at
// least Required(N) of the N voting instances assert it verbatim or within
// simThreshold similarity. If two unrelated values both qualify, or none
// does, the round is contested and every variant is kept.
func Resolve(r *Round, scorer memory.Scorer, simThreshold float64) Outcome {
	out := Outcome{
		FactKey:    r.FactKey,
		Resolution: Contested,
		Voters:     len(r.Claims),
		Required:   r.Threshold.Required(len(r.Claims)),
	}
	variants := r.Variants()
	if len(variants) == 0 {
		return out
	}

	ids := r.instanceIDs()
	for i := range variants {
		support := len(variants[i].Instances)
		probe := claimFor(r, variants[i])
		for _, id := range ids {
			c := r.Claims[id]
			if c.Value == variants[i].Value {
				continue
			}
			if agrees(scorer, probe, c, simThreshold) {
				support++
			}
		}
		variants[i].Support = support
	}

	sort.SliceStable(variants, func(i, j int) bool {
		a, b := variants[i], variants[j]
		if a.Support != b.Support {
			return a.Support > b.Support
		}
		if len(a.Instances) != len(b.Instances) {
			return len(a.Instances) > len(b.Instances)
		}
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		return a.Value < b.Value
	})
	out.Variants = variants

	best := variants[0]
	if best.Support < out.Required {
		return out
	}
	for _, other := range variants[1:] {
		if other.Support < out.Required {
			break
		}
		if !agrees(scorer, claimFor(r, best), claimFor(r, other), simThreshold) {
			return out
		}
	}

	out.Resolution = Resolved
	out.Value = best.Value
	return out
}

func claimFor(r *Round, v Variant) Claim {
	return r.Claims[v.Instances[0]]
}

func agrees(scorer memory.Scorer, a, b Claim, simThreshold float64) bool {
	if a.Value == b.Value {
		return true
	}
	if scorer == nil {
		return false
	}
	score := scorer.Score(a.item(), b.item())
	return score > 0 && score >= simThreshold
}
