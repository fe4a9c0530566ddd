// Package memory consolidates memory items reported by many instances of one
// logical agent into a deduplicated canonical set.
//
// Invariants:
// - Every item belongs to exactly one canonical entry; items are never deleted.
// - An entry's contributing instance count equals the distinct origin instances of its items.
// - Merging an already merged item is a no-op.
// - Fact entries (items carrying a fact key) are never similarity-merged with other entries.
//
// Usage:
//
//	canon := memory.NewCanon()
//	merger := memory.NewMerger(memory.LexicalScorer{}, 0.85)
//	ledger := merger.Apply(canon, items)
//	_ = ledger.Count(memory.ActionCreated)
//	_ = memory.CheckInvariants(canon)
package memory
