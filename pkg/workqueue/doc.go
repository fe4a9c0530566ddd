// Package workqueue runs tasks in named lanes, one task at a time per lane.
//
// The engine gives every agent its own lane, so all mutations of one
// agent's canonical memory are applied by a single writer in submission
// order while different agents progress in parallel.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, never concurrently.
// - Tasks in different lanes may execute concurrently.
// - A lane holds at most its capacity of queued tasks; Submit fails fast
//   with ErrLaneFull instead of blocking.
// - A halted lane rejects queued and future tasks with ErrLaneHalted.
//   Other lanes are unaffected.
//
// Usage:
//
//	q := workqueue.New(256)
//	defer q.Close()
//	ticket, err := q.Submit(ctx, "agent:assistant", func(ctx context.Context) (interface{}, error) {
//		return apply(ctx)
//	})
//	if err != nil {
//		return err
//	}
//	result, err := ticket.Wait(ctx)
package workqueue
