// Package syncdriver moves experience reports from instances to the
// ingestor. Streaming pushes one report per change over a websocket, lumped
// batches items on a size or time trigger, and check-in polls instances on a
// cron schedule. The instance side of each driver is built on Reporter.
package syncdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/mnemosync/pkg/identity"
	"github.com/harun/mnemosync/pkg/ingest"
	"github.com/harun/mnemosync/pkg/memory"
)

// Sender delivers a signed report and returns the engine's receipt.
// *ingest.Ingestor satisfies it for in-process use.
type Sender interface {
	Submit(ctx context.Context, report *ingest.Report) (*ingest.Receipt, error)
}

// Reporter stamps and signs reports for one instance. It owns the instance's
// sequence number and logical clock.
type Reporter struct {
	instanceID  string
	fingerprint string
	signer      identity.Signer

	mu       sync.Mutex
	sequence uint64
	clock    uint64
	now      func() time.Time

	// sendMu keeps build and delivery in sequence order across drivers
	// sharing this reporter.
	sendMu sync.Mutex
}

// NewReporter creates a reporter for instanceID signing on behalf of the
// agent version identified by fingerprint.
func NewReporter(instanceID, fingerprint string, signer identity.Signer) *Reporter {
	return &Reporter{
		instanceID:  instanceID,
		fingerprint: fingerprint,
		signer:      signer,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// InstanceID returns the instance this reporter signs for.
func (r *Reporter) InstanceID() string {
	return r.instanceID
}

// Resume continues numbering after a previously used sequence number, for
// instances that restart.
func (r *Reporter) Resume(lastSequence, lastClock uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lastSequence > r.sequence {
		r.sequence = lastSequence
	}
	if lastClock > r.clock {
		r.clock = lastClock
	}
}

// Sequence returns the last sequence number handed out.
func (r *Reporter) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sequence
}

// Stamp fills the origin fields of an item: a fresh id when missing, this
// instance as origin, the next logical clock value and the wall time.
func (r *Reporter) Stamp(item memory.Item) memory.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock++
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Type == "" {
		item.Type = memory.TypeEpisodic
	}
	item.OriginInstanceID = r.instanceID
	item.OriginLogicalClock = r.clock
	if item.WallTime.IsZero() {
		item.WallTime = r.now()
	}
	return item
}

// Build wraps already stamped items into a signed report with the next
// sequence number.
func (r *Reporter) Build(items []memory.Item) (*ingest.Report, error) {
	r.mu.Lock()
	r.sequence++
	seq := r.sequence
	r.mu.Unlock()

	if items == nil {
		items = []memory.Item{}
	}
	report := &ingest.Report{
		ReportID:         uuid.New().String(),
		InstanceID:       r.instanceID,
		AgentFingerprint: r.fingerprint,
		SequenceNumber:   seq,
		ProtocolVersion:  ingest.DefaultProtocolVersion,
		Items:            items,
	}
	if err := report.Sign(r.signer); err != nil {
		return nil, fmt.Errorf("report %d: %w", seq, err)
	}
	return report, nil
}

// Send builds a report from items and delivers it through sender. Calls are
// serialized so reports leave in sequence order.
func (r *Reporter) Send(ctx context.Context, sender Sender, items []memory.Item) (*ingest.Receipt, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	report, err := r.Build(items)
	if err != nil {
		return nil, err
	}
	return sender.Submit(ctx, report)
}
