package syncdriver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/mnemosync/pkg/identity"
	"github.com/harun/mnemosync/pkg/ingest"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/harun/mnemosync/pkg/registry"
	"github.com/harun/mnemosync/pkg/workqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	reports []*ingest.Report
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, agentID string, report *ingest.Report) (*workqueue.Ticket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reports = append(d.reports, report)
	return nil, nil
}

func (d *recordingDispatcher) all() []*ingest.Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*ingest.Report(nil), d.reports...)
}

type fixture struct {
	ingestor   *ingest.Ingestor
	registry   *registry.Registry
	dispatcher *recordingDispatcher
	reporter   *Reporter
	instKey    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	agentKey, err := identity.GenerateSigner()
	require.NoError(t, err)
	instKey, err := identity.GenerateSigner()
	require.NoError(t, err)

	lineage := identity.NewLineage(nil)
	agent, err := lineage.Register("assistant", identity.EncodeKey(agentKey.PublicKey()))
	require.NoError(t, err)

	reg := registry.NewRegistry(nil)
	_, err = reg.Register(registry.Instance{ID: "inst-a", AgentID: "assistant", PublicKey: identity.EncodeKey(instKey.PublicKey())})
	require.NoError(t, err)

	d := &recordingDispatcher{}
	ing, err := ingest.NewIngestor(ingest.Options{Registry: reg, Lineage: lineage, Dispatcher: d})
	require.NoError(t, err)

	return &fixture{
		ingestor:   ing,
		registry:   reg,
		dispatcher: d,
		reporter:   NewReporter("inst-a", agent.Fingerprint, instKey),
		instKey:    identity.EncodeKey(instKey.PublicKey()),
	}
}

func note(content string, priority float64) memory.Item {
	return memory.Item{Type: memory.TypeSemantic, Content: content, Confidence: 0.9, Priority: priority}
}

func TestReporter(t *testing.T) {
	f := newFixture(t)

	a := f.reporter.Stamp(note("the user prefers tea", 0))
	b := f.reporter.Stamp(memory.Item{Content: "asked about trains", Confidence: 0.5})
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "inst-a", a.OriginInstanceID)
	assert.Equal(t, uint64(1), a.OriginLogicalClock)
	assert.Equal(t, uint64(2), b.OriginLogicalClock)
	assert.Equal(t, memory.TypeEpisodic, b.Type)
	assert.False(t, a.WallTime.IsZero())

	receipt, err := f.reporter.Send(context.Background(), f.ingestor, []memory.Item{a, b})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Sequence)
	assert.Equal(t, 2, receipt.Items)

	t.Run("resume continues numbering", func(t *testing.T) {
		f.reporter.Resume(41, 100)
		report, err := f.reporter.Build(nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), report.SequenceNumber)
		assert.Equal(t, uint64(101), f.reporter.Stamp(note("x", 0)).OriginLogicalClock)

		f.reporter.Resume(3, 3)
		assert.Equal(t, uint64(42), f.reporter.Sequence())
	})
}

func TestAck(t *testing.T) {
	rejection := &ingest.RejectionError{Reason: ingest.ReasonReplay, InstanceID: "inst-a", Err: errors.New("sequence 3 is not above last accepted 5")}
	ack := AckOf(nil, rejection)
	assert.False(t, ack.Accepted)
	assert.Equal(t, ingest.ReasonReplay, ack.Reason)

	_, err := ack.Result("inst-a")
	assert.ErrorIs(t, err, ingest.ErrReplay)
	assert.Equal(t, ingest.ReasonReplay, ingest.ReasonOf(err))

	_, err = AckOf(nil, errors.New("lane halted")).Result("inst-a")
	require.Error(t, err)
	assert.Equal(t, ingest.Reason(""), ingest.ReasonOf(err))

	receipt, err := AckOf(&ingest.Receipt{Accepted: true, ReportID: "r-1", Sequence: 7}, nil).Result("inst-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), receipt.Sequence)
}

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]memory.Item
	err     error
}

func (r *batchRecorder) flush(ctx context.Context, items []memory.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, items)
	return nil
}

func (r *batchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestBatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("size trigger", func(t *testing.T) {
		rec := &batchRecorder{}
		b := NewBatcher(BatcherConfig{MaxBatchSize: 3, MaxBatchInterval: time.Hour}, rec.flush)
		for i := 0; i < 3; i++ {
			require.NoError(t, b.Add(ctx, note("n", 0)))
		}
		require.Equal(t, 1, rec.count())
		assert.Len(t, rec.batches[0], 3)
		assert.Equal(t, 0, b.Pending())
	})

	t.Run("timer trigger", func(t *testing.T) {
		rec := &batchRecorder{}
		b := NewBatcher(BatcherConfig{MaxBatchSize: 100, MaxBatchInterval: 20 * time.Millisecond}, rec.flush)
		require.NoError(t, b.Add(ctx, note("n", 0)))
		assert.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("close flushes and refuses", func(t *testing.T) {
		rec := &batchRecorder{}
		b := NewBatcher(BatcherConfig{MaxBatchSize: 100, MaxBatchInterval: time.Hour}, rec.flush)
		require.NoError(t, b.Add(ctx, note("a", 0)))
		require.NoError(t, b.Add(ctx, note("b", 0)))
		require.NoError(t, b.Close(ctx))
		require.Equal(t, 1, rec.count())
		assert.Len(t, rec.batches[0], 2)
		assert.ErrorIs(t, b.Add(ctx, note("c", 0)), ErrClosed)
	})

	t.Run("delivery failure keeps items", func(t *testing.T) {
		rec := &batchRecorder{err: errors.New("connection refused")}
		b := NewBatcher(BatcherConfig{MaxBatchSize: 100, MaxBatchInterval: time.Hour}, rec.flush)
		require.NoError(t, b.Add(ctx, note("a", 0)))
		assert.Error(t, b.Flush(ctx))
		assert.Equal(t, 1, b.Pending())

		rec.mu.Lock()
		rec.err = nil
		rec.mu.Unlock()
		require.NoError(t, b.Flush(ctx))
		assert.Equal(t, 0, b.Pending())
		assert.Equal(t, 1, rec.count())
	})

	t.Run("rejected batch is dropped", func(t *testing.T) {
		rec := &batchRecorder{err: &ingest.RejectionError{Reason: ingest.ReasonMalformed, Err: errors.New("bad item")}}
		b := NewBatcher(BatcherConfig{MaxBatchSize: 100, MaxBatchInterval: time.Hour}, rec.flush)
		require.NoError(t, b.Add(ctx, note("a", 0)))
		assert.ErrorIs(t, b.Flush(ctx), ingest.ErrMalformed)
		assert.Equal(t, 0, b.Pending())
	})
}

func TestLumped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := NewLumped(f.reporter, f.ingestor, BatcherConfig{MaxBatchSize: 2, MaxBatchInterval: time.Hour})

	require.NoError(t, l.Record(ctx, note("first", 0)))
	assert.Empty(t, f.dispatcher.all())
	require.NoError(t, l.Record(ctx, note("second", 0)))

	reports := f.dispatcher.all()
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].Items, 2)

	require.NoError(t, l.Record(ctx, note("third", 0)))
	require.NoError(t, l.Close(ctx))
	require.Len(t, f.dispatcher.all(), 2)

	in, err := f.registry.Get("inst-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), in.LastSequence)
	assert.Equal(t, uint64(3), in.Stats.ItemsContributed)
}

func TestStreaming_Priority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := NewStreaming(f.reporter, f.ingestor, 0.8, BatcherConfig{MaxBatchSize: 10, MaxBatchInterval: time.Hour})

	require.NoError(t, s.Record(ctx, note("urgent correction", 0.95)))
	require.Len(t, f.dispatcher.all(), 1)

	require.NoError(t, s.Record(ctx, note("small talk", 0.1)))
	assert.Len(t, f.dispatcher.all(), 1)
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.Close(ctx))
	reports := f.dispatcher.all()
	require.Len(t, reports, 2)
	assert.Equal(t, "small talk", reports[1].Items[0].Content)
}

func TestStreamServer(t *testing.T) {
	f := newFixture(t)
	server := NewStreamServer(f.ingestor, StreamConfig{WriteTimeout: time.Second})
	mux := http.NewServeMux()
	mux.Handle("/v1/stream", server)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer server.Close()

	ctx := context.Background()

	t.Run("reports are acknowledged in order", func(t *testing.T) {
		sender, err := DialStream(ctx, srv.URL, "inst-a", time.Second)
		require.NoError(t, err)
		defer sender.Close()
		assert.Eventually(t, func() bool { return server.Connected("inst-a") }, time.Second, 5*time.Millisecond)

		item := f.reporter.Stamp(note("streamed fact", 1))
		receipt, err := f.reporter.Send(ctx, sender, []memory.Item{item})
		require.NoError(t, err)
		assert.True(t, receipt.Accepted)
		assert.Equal(t, "assistant", receipt.AgentID)

		report, err := f.reporter.Build(nil)
		require.NoError(t, err)
		_, err = sender.Submit(ctx, report)
		require.NoError(t, err)
		_, err = sender.Submit(ctx, report)
		assert.ErrorIs(t, err, ingest.ErrReplay)

		assert.Len(t, f.dispatcher.all(), 2)
	})

	t.Run("report from another instance is refused", func(t *testing.T) {
		sender, err := DialStream(ctx, srv.URL, "inst-b", time.Second)
		require.NoError(t, err)
		defer sender.Close()

		report, err := f.reporter.Build(nil)
		require.NoError(t, err)
		_, err = sender.Submit(ctx, report)
		assert.ErrorIs(t, err, ingest.ErrMalformed)
	})

	t.Run("instance id is required", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/stream")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

type blockingPuller struct{}

func (blockingPuller) Pull(ctx context.Context, in registry.Instance, requestID string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCheckIn(t *testing.T) {
	ctx := context.Background()

	t.Run("pulls buffered items", func(t *testing.T) {
		f := newFixture(t)
		responder := NewResponder(f.reporter)
		srv := httptest.NewServer(responder)
		defer srv.Close()

		_, err := f.registry.Register(registry.Instance{ID: "inst-a", AgentID: "assistant", PublicKey: f.instKey, Endpoint: srv.URL})
		require.NoError(t, err)

		c, err := NewCheckIn(f.registry, f.ingestor, nil, CheckInConfig{Schedule: "@every 1h", Timeout: time.Second, MaxMissed: 2})
		require.NoError(t, err)

		responder.Record(note("learned during the day", 0))
		responder.Record(note("another thing", 0))
		summary := c.Run(ctx)
		assert.Equal(t, CheckInSummary{Polled: 1, Answered: 1}, summary)
		require.Len(t, f.dispatcher.all(), 1)
		assert.Len(t, f.dispatcher.all()[0].Items, 2)
		assert.Equal(t, 0, responder.Pending())

		summary = c.Run(ctx)
		assert.Equal(t, CheckInSummary{Polled: 1, Answered: 1}, summary)
		assert.Len(t, f.dispatcher.all(), 1)
	})

	t.Run("silent instance goes stale", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.registry.Register(registry.Instance{ID: "inst-a", AgentID: "assistant", PublicKey: f.instKey, Endpoint: "http://unreachable.invalid"})
		require.NoError(t, err)
		_, err = f.registry.Accept("inst-a", 1, 0)
		require.NoError(t, err)

		c, err := NewCheckIn(f.registry, f.ingestor, blockingPuller{}, CheckInConfig{Schedule: "@every 1h", Timeout: 20 * time.Millisecond, MaxMissed: 2})
		require.NoError(t, err)

		assert.Equal(t, CheckInSummary{Polled: 1, Missed: 1}, c.Run(ctx))
		in, _ := f.registry.Get("inst-a")
		assert.Equal(t, registry.StatusActive, in.Status)

		assert.Equal(t, CheckInSummary{Polled: 1, Missed: 1}, c.Run(ctx))
		in, _ = f.registry.Get("inst-a")
		assert.Equal(t, registry.StatusStale, in.Status)

		assert.Equal(t, 0, c.Run(ctx).Polled)
	})

	t.Run("instances without endpoint are skipped", func(t *testing.T) {
		f := newFixture(t)
		c, err := NewCheckIn(f.registry, f.ingestor, blockingPuller{}, CheckInConfig{Schedule: "@every 1h"})
		require.NoError(t, err)
		assert.Equal(t, CheckInSummary{}, c.Run(ctx))
	})

	t.Run("invalid schedule", func(t *testing.T) {
		f := newFixture(t)
		_, err := NewCheckIn(f.registry, f.ingestor, nil, CheckInConfig{Schedule: "every tuesday"})
		assert.Error(t, err)
	})
}

type countingPuller struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	onPull   func()
}

func (p *countingPuller) Pull(ctx context.Context, in registry.Instance, requestID string) ([]byte, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.onPull != nil {
		p.onPull()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	time.Sleep(10 * time.Millisecond)
	return nil, nil
}

func TestCheckIn_Concurrency(t *testing.T) {
	register := func(t *testing.T, f *fixture, n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			_, err := f.registry.Register(registry.Instance{
				ID:        fmt.Sprintf("inst-%d", i),
				AgentID:   "assistant",
				PublicKey: f.instKey,
				Endpoint:  fmt.Sprintf("http://inst-%d.invalid", i),
			})
			require.NoError(t, err)
		}
	}

	t.Run("polls at most MaxConcurrency instances at once", func(t *testing.T) {
		f := newFixture(t)
		register(t, f, 6)
		puller := &countingPuller{}
		c, err := NewCheckIn(f.registry, f.ingestor, puller, CheckInConfig{Schedule: "@every 1h", Timeout: time.Second, MaxConcurrency: 2})
		require.NoError(t, err)

		summary := c.Run(context.Background())
		assert.Equal(t, CheckInSummary{Polled: 6, Answered: 6}, summary)
		assert.LessOrEqual(t, puller.peak.Load(), int32(2))
		assert.Equal(t, int32(0), puller.inFlight.Load())
	})

	t.Run("cancelled pass stops handing out slots", func(t *testing.T) {
		f := newFixture(t)
		register(t, f, 4)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		puller := &countingPuller{onPull: cancel}
		c, err := NewCheckIn(f.registry, f.ingestor, puller, CheckInConfig{Schedule: "@every 1h", Timeout: time.Second, MaxConcurrency: 1})
		require.NoError(t, err)

		summary := c.Run(ctx)
		assert.Equal(t, CheckInSummary{Polled: 1, Missed: 1}, summary)
		assert.Equal(t, int32(1), puller.peak.Load())
	})
}
