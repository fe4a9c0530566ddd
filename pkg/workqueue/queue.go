package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "mnemosync.workqueue"

var (
	ErrLaneFull   = errors.New("lane is full")
	ErrLaneHalted = errors.New("lane is halted")
	ErrClosed     = errors.New("queue is closed")
)

// Task is one unit of lane work.
type Task func(ctx context.Context) (interface{}, error)

type taskResult struct {
	value interface{}
	err   error
}

// Ticket is the handle of a submitted task.
type Ticket struct {
	ID     string
	Lane   string
	result chan taskResult
}

// Wait blocks until the task finishes or ctx is done. Abandoning the wait
// does not cancel the task.
func (t *Ticket) Wait(ctx context.Context) (interface{}, error) {
	select {
	case r := <-t.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type laneState struct {
	mu         sync.Mutex
	queue      []*taskRecord
	running    bool
	halted     bool
	haltReason string
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event types emitted by the queue.
const (
	EventEnqueued  = "enqueued"
	EventCompleted = "completed"
	EventHalted    = "halted"
)

// Event represents a queue event
type Event struct {
	Type   string
	Lane   string
	TaskID string
	Data   map[string]interface{}
}

// Queue serializes tasks per lane.
type Queue struct {
	capacity  int
	lanes     map[string]*laneState
	taskIDSeq uint64
	closed    bool
	draining  atomic.Bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a queue whose lanes hold at most capacity pending tasks.
func New(capacity int) *Queue {
	observability.EnsureRegistered()

	if capacity <= 0 {
		capacity = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		capacity:      capacity,
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
}

func (q *Queue) lane(name string) (*laneState, error) {
	q.mu.RLock()
	ls, ok := q.lanes[name]
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return ls, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if ls, ok = q.lanes[name]; !ok {
		ls = &laneState{}
		q.lanes[name] = ls
		log.Debug().Str("lane", name).Msg("Lane initialized")
	}
	return ls, nil
}

// Submit queues task on lane and returns without waiting for it to run.
// The task context carries the tracing ids of ctx but not its cancellation.
func (q *Queue) Submit(ctx context.Context, lane string, task Task) (*Ticket, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ls, err := q.lane(lane)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, q.taskIDSeq)
	q.mu.Unlock()

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        tracing.DetachForLane(ctx),
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	if q.draining.Load() {
		ls.mu.Unlock()
		return nil, ErrClosed
	}
	if ls.halted {
		reason := ls.haltReason
		ls.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %s", ErrLaneHalted, lane, reason)
	}
	if len(ls.queue) >= q.capacity {
		ls.mu.Unlock()
		return nil, fmt.Errorf("%w: %s holds %d tasks", ErrLaneFull, lane, q.capacity)
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)
	q.emit(Event{
		Type:   EventEnqueued,
		Lane:   lane,
		TaskID: taskID,
		Data:   map[string]interface{}{"queue_size": queueSize},
	})

	q.processLane(lane, ls)

	return &Ticket{ID: taskID, Lane: lane, result: record.result}, nil
}

// Do submits task and waits for its result.
func (q *Queue) Do(ctx context.Context, lane string, task Task) (interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "workqueue.do", attribute.String("lane", lane))
	defer span.End()

	ticket, err := q.Submit(ctx, lane, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	value, err := ticket.Wait(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err
}

// processLane starts the lane worker if it is idle.
func (q *Queue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.running || ls.halted || len(ls.queue) == 0 {
		return
	}
	ls.running = true
	q.wg.Add(1)
	go q.runLane(lane, ls)
}

// runLane drains the lane one task at a time.
func (q *Queue) runLane(lane string, ls *laneState) {
	defer q.wg.Done()
	for {
		ls.mu.Lock()
		if ls.halted || len(ls.queue) == 0 {
			ls.running = false
			ls.mu.Unlock()
			return
		}
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.mu.Unlock()

		q.executeTask(lane, ls, record)
	}
}

func (q *Queue) executeTask(lane string, ls *laneState, record *taskRecord) {
	taskCtx, span := tracing.StartSpan(
		record.ctx,
		tracerName,
		"workqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := q.run(runCtx, record.task)
	duration := time.Since(start)

	ls.mu.Lock()
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Dur("waited", start.Sub(record.enqueuedAt)).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
	q.emit(Event{
		Type:   EventCompleted,
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"success":     err == nil,
		},
	})
}

// run converts a task panic into an error so one bad task cannot kill the
// lane worker.
func (q *Queue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Halt stops a lane. Queued tasks fail with ErrLaneHalted and later
// submissions are refused. A running task finishes normally.
func (q *Queue) Halt(lane, reason string) {
	ls, err := q.lane(lane)
	if err != nil {
		return
	}

	ls.mu.Lock()
	if ls.halted {
		ls.mu.Unlock()
		return
	}
	ls.halted = true
	ls.haltReason = reason
	pending := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	haltErr := fmt.Errorf("%w: %s: %s", ErrLaneHalted, lane, reason)
	for _, record := range pending {
		record.result <- taskResult{err: haltErr}
	}

	log.Error().
		Str("lane", lane).
		Str("reason", reason).
		Int("rejected", len(pending)).
		Msg("Lane halted")

	observability.SetQueueSize(lane, 0)
	observability.RecordLaneHalted()
	q.emit(Event{
		Type: EventHalted,
		Lane: lane,
		Data: map[string]interface{}{"reason": reason, "rejected": len(pending)},
	})
}

// Halted reports whether lane is halted and why.
func (q *Queue) Halted(lane string) (bool, string) {
	q.mu.RLock()
	ls, ok := q.lanes[lane]
	q.mu.RUnlock()
	if !ok {
		return false, ""
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.halted, ls.haltReason
}

// QueueSize returns the number of pending tasks in lane.
func (q *Queue) QueueSize(lane string) int {
	q.mu.RLock()
	ls, ok := q.lanes[lane]
	q.mu.RUnlock()
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// LaneStats describes one lane.
type LaneStats struct {
	Queued  int    `json:"queued"`
	Running bool   `json:"running"`
	Halted  bool   `json:"halted"`
	Reason  string `json:"halt_reason,omitempty"`
}

// Stats returns statistics for all lanes
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := make(map[string]LaneStats, len(q.lanes))
	for name, ls := range q.lanes {
		ls.mu.Lock()
		stats[name] = LaneStats{
			Queued:  len(ls.queue),
			Running: ls.running,
			Halted:  ls.halted,
			Reason:  ls.haltReason,
		}
		ls.mu.Unlock()
	}
	return stats
}

// WaitIdle waits until no lane has queued or running work.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		for _, s := range q.Stats() {
			if s.Running || s.Queued > 0 {
				idle = false
				break
			}
		}
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for lanes to drain")
			return false
		}
		<-ticker.C
	}
}

// Close refuses new work, cancels running tasks and waits for the lane
// workers to exit. Tasks still queued fail with ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.draining.Store(true)
	lanes := make([]*laneState, 0, len(q.lanes))
	for _, ls := range q.lanes {
		lanes = append(lanes, ls)
	}
	q.mu.Unlock()

	q.cancel()
	for _, ls := range lanes {
		ls.mu.Lock()
		pending := ls.queue
		ls.queue = nil
		ls.mu.Unlock()
		for _, record := range pending {
			record.result <- taskResult{err: ErrClosed}
		}
	}
	q.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (q *Queue) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	delete(q.eventHandlers, eventType)
}

// emit calls handlers synchronously
func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
