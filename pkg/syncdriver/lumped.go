package syncdriver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/pkg/ingest"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned when items are added after Close.
var ErrClosed = errors.New("batcher closed")

// Flush triggers, used as metric labels.
const (
	TriggerSize   = "size"
	TriggerTimer  = "timer"
	TriggerManual = "manual"
	TriggerClose  = "close"
)

// BatcherConfig bounds a batch by item count and age.
type BatcherConfig struct {
	MaxBatchSize     int
	MaxBatchInterval time.Duration
}

// FlushFunc receives one batch. A batch whose flush fails with anything
// other than a report rejection is put back and retried on the next flush.
type FlushFunc func(ctx context.Context, items []memory.Item) error

// Batcher accumulates items and hands them to a FlushFunc once the batch is
// full or its oldest item has waited MaxBatchInterval.
type Batcher struct {
	cfg   BatcherConfig
	flush FlushFunc

	mu      sync.Mutex
	pending []memory.Item
	timer   *time.Timer
	closed  bool

	// flushMu orders flushes so batches leave in the order items arrived.
	flushMu sync.Mutex
}

// NewBatcher creates a batcher. Zero limits fall back to 100 items and one
// second.
func NewBatcher(cfg BatcherConfig, flush FlushFunc) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxBatchInterval <= 0 {
		cfg.MaxBatchInterval = time.Second
	}
	return &Batcher{cfg: cfg, flush: flush}
}

// Add queues an item. When the batch reaches MaxBatchSize it is flushed
// before Add returns.
func (b *Batcher) Add(ctx context.Context, item memory.Item) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.pending = append(b.pending, item)
	full := len(b.pending) >= b.cfg.MaxBatchSize
	if !full && b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.MaxBatchInterval, b.onTimer)
	}
	b.mu.Unlock()

	if full {
		return b.run(ctx, TriggerSize)
	}
	return nil
}

// Pending returns the number of items waiting for a flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush sends whatever is pending now.
func (b *Batcher) Flush(ctx context.Context) error {
	return b.run(ctx, TriggerManual)
}

// Close flushes the remaining items and refuses further ones.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.run(ctx, TriggerClose)
}

func (b *Batcher) onTimer() {
	if err := b.run(context.Background(), TriggerTimer); err != nil {
		log.Warn().Err(err).Msg("Timed batch flush failed")
	}
}

func (b *Batcher) run(ctx context.Context, trigger string) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	observability.RecordBatchFlush(trigger)
	err := b.flush(ctx, batch)
	if err == nil {
		return nil
	}
	if ingest.ReasonOf(err) != "" {
		log.Warn().Err(err).Int("items", len(batch)).Msg("Batch rejected, dropping items")
		return err
	}

	b.mu.Lock()
	b.pending = append(batch, b.pending...)
	if !b.closed && b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.MaxBatchInterval, b.onTimer)
	}
	b.mu.Unlock()
	return err
}

// Lumped is the instance side of the lumped driver: items are recorded
// locally and submitted as one report per batch.
type Lumped struct {
	reporter *Reporter
	batcher  *Batcher
}

// NewLumped creates a lumped driver delivering through sender.
func NewLumped(reporter *Reporter, sender Sender, cfg BatcherConfig) *Lumped {
	l := &Lumped{reporter: reporter}
	l.batcher = NewBatcher(cfg, func(ctx context.Context, items []memory.Item) error {
		receipt, err := reporter.Send(ctx, sender, items)
		if err != nil {
			return err
		}
		log.Debug().
			Str("instance_id", reporter.InstanceID()).
			Str("report_id", receipt.ReportID).
			Int("items", len(items)).
			Msg("Batch delivered")
		return nil
	})
	return l
}

// Record stamps item and adds it to the current batch.
func (l *Lumped) Record(ctx context.Context, item memory.Item) error {
	return l.batcher.Add(ctx, l.reporter.Stamp(item))
}

func (l *Lumped) Pending() int { return l.batcher.Pending() }

func (l *Lumped) Flush(ctx context.Context) error { return l.batcher.Flush(ctx) }

func (l *Lumped) Close(ctx context.Context) error { return l.batcher.Close(ctx) }
