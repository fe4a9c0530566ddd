package syncdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/internal/tracing"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/harun/mnemosync/pkg/registry"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

const tracerName = "mnemosync.syncdriver"

// RequestIDHeader carries the check-in request id to the instance.
const RequestIDHeader = "X-Mnemosync-Request-Id"

// Puller asks one instance for its pending report. A nil result with a nil
// error means the instance answered with nothing to report.
type Puller interface {
	Pull(ctx context.Context, in registry.Instance, requestID string) ([]byte, error)
}

// HTTPPuller fetches reports from GET {endpoint}/v1/checkin.
type HTTPPuller struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPPuller creates a puller. Timeouts come from the request context.
func NewHTTPPuller(client *http.Client, maxBytes int64) *HTTPPuller {
	if client == nil {
		client = &http.Client{}
	}
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	return &HTTPPuller{client: client, maxBytes: maxBytes}
}

func (p *HTTPPuller) Pull(ctx context.Context, in registry.Instance, requestID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(in.Endpoint, "/")+"/v1/checkin", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(RequestIDHeader, requestID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read check-in body: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("check-in answered %s", resp.Status)
	}
}

// CheckInConfig tunes the check-in driver.
type CheckInConfig struct {
	Schedule       string // standard cron expression or descriptor such as @every 1m
	Timeout        time.Duration
	MaxMissed      int
	MaxConcurrency int
}

// CheckInSummary counts the outcomes of one polling pass.
type CheckInSummary struct {
	Polled   int `json:"polled"`
	Answered int `json:"answered"`
	Rejected int `json:"rejected"`
	Missed   int `json:"missed"`
}

// CheckIn polls registered and active instances for reports on a cron
// schedule. An instance that misses MaxMissed consecutive polls is marked
// stale by the registry.
type CheckIn struct {
	registry  *registry.Registry
	submitter RawSubmitter
	puller    Puller
	cfg       CheckInConfig
	schedule  cron.Schedule
	logger    zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCheckIn creates a check-in driver.
func NewCheckIn(reg *registry.Registry, submitter RawSubmitter, puller Puller, cfg CheckInConfig) (*CheckIn, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid check-in schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if puller == nil {
		puller = NewHTTPPuller(nil, 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CheckIn{
		registry:  reg,
		submitter: submitter,
		puller:    puller,
		cfg:       cfg,
		schedule:  schedule,
		logger:    log.With().Str("component", "checkin").Logger(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start runs polling passes on the schedule until Stop.
func (c *CheckIn) Start() {
	c.wg.Add(1)
	go c.loop()

	c.logger.Info().
		Str("schedule", c.cfg.Schedule).
		Dur("timeout", c.cfg.Timeout).
		Int("max_missed", c.cfg.MaxMissed).
		Msg("Check-in driver started")
}

// Stop cancels in-flight polls and waits for the loop to exit.
func (c *CheckIn) Stop() {
	c.cancel()
	c.wg.Wait()
	c.logger.Info().Msg("Check-in driver stopped")
}

func (c *CheckIn) loop() {
	defer c.wg.Done()
	for {
		now := c.now()
		next := c.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			summary := c.Run(c.ctx)
			c.logger.Debug().
				Int("polled", summary.Polled).
				Int("answered", summary.Answered).
				Int("missed", summary.Missed).
				Msg("Check-in pass complete")
		}
	}
}

// Run polls every eligible instance once. Instances are polled concurrently
// up to MaxConcurrency; a slow instance only holds its own slot.
func (c *CheckIn) Run(ctx context.Context) CheckInSummary {
	targets := c.registry.List(registry.Filter{Statuses: []registry.Status{registry.StatusRegistered, registry.StatusActive}})

	var (
		mu      sync.Mutex
		summary CheckInSummary
		wg      sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(c.cfg.MaxConcurrency))
	for _, in := range targets {
		if in.Endpoint == "" {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		summary.Polled++

		wg.Add(1)
		go func(in registry.Instance) {
			defer wg.Done()
			defer sem.Release(1)
			outcome := c.poll(ctx, in)
			mu.Lock()
			switch outcome {
			case outcomeAnswered:
				summary.Answered++
			case outcomeRejected:
				summary.Answered++
				summary.Rejected++
			default:
				summary.Missed++
			}
			mu.Unlock()
		}(in)
	}
	wg.Wait()
	return summary
}

type outcome int

const (
	outcomeAnswered outcome = iota
	outcomeRejected
	outcomeMissed
)

func (c *CheckIn) poll(ctx context.Context, in registry.Instance) outcome {
	requestID, err := gonanoid.New()
	if err != nil {
		requestID = fmt.Sprintf("ci-%d", c.now().UnixNano())
	}

	ctx = tracing.NewReportContext(ctx, in.AgentID, in.ID, "")
	ctx, span := tracing.StartSpan(ctx, tracerName, "checkin.poll",
		attribute.String("instance_id", in.ID),
		attribute.String("request_id", requestID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger).With().Str("request_id", requestID).Logger()

	pullCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	data, err := c.puller.Pull(pullCtx, in, requestID)
	cancel()

	if err != nil {
		if c.ctx.Err() != nil {
			// Shutting down; not the instance's fault.
			return outcomeMissed
		}
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(pullCtx.Err(), context.DeadlineExceeded) {
			result = "timeout"
		}
		observability.RecordCheckIn(result)
		span.RecordError(err)
		missed, mErr := c.registry.MissCheckIn(in.ID, c.cfg.MaxMissed)
		if mErr != nil {
			logger.Warn().Err(mErr).Msg("Failed to record missed check-in")
		}
		logger.Warn().Err(err).Str("result", result).Int("missed", missed).Msg("Check-in not answered")
		return outcomeMissed
	}

	if err := c.registry.AnswerCheckIn(in.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to record check-in answer")
	}
	if len(data) == 0 {
		observability.RecordCheckIn("answered")
		return outcomeAnswered
	}

	receipt, err := c.submitter.SubmitRaw(ctx, data)
	if err != nil {
		observability.RecordCheckIn("rejected")
		logger.Warn().Err(err).Msg("Check-in report not accepted")
		return outcomeRejected
	}
	observability.RecordCheckIn("answered")
	logger.Debug().
		Str("report_id", receipt.ReportID).
		Int("items", receipt.Items).
		Msg("Check-in report accepted")
	return outcomeAnswered
}

// Responder is the instance side of the check-in driver. It buffers items
// and serves them as one signed report per check-in request.
type Responder struct {
	reporter *Reporter

	mu      sync.Mutex
	pending []memory.Item
}

// NewResponder creates a responder signing with reporter.
func NewResponder(reporter *Reporter) *Responder {
	return &Responder{reporter: reporter}
}

// Record stamps item and keeps it until the next check-in.
func (r *Responder) Record(item memory.Item) {
	stamped := r.reporter.Stamp(item)
	r.mu.Lock()
	r.pending = append(r.pending, stamped)
	r.mu.Unlock()
}

// Pending returns the number of buffered items.
func (r *Responder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ServeHTTP answers GET /v1/checkin with the buffered items as a signed
// report, or 204 when there is nothing to report.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.mu.Lock()
	items := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	report, err := r.reporter.Build(items)
	if err != nil {
		r.requeue(items)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log.Debug().
		Str("request_id", req.Header.Get(RequestIDHeader)).
		Str("report_id", report.ReportID).
		Int("items", len(items)).
		Msg("Answering check-in")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		r.requeue(items)
	}
}

func (r *Responder) requeue(items []memory.Item) {
	r.mu.Lock()
	r.pending = append(items, r.pending...)
	r.mu.Unlock()
}
