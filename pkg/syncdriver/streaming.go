package syncdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/internal/tracing"
	"github.com/harun/mnemosync/pkg/ingest"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RawSubmitter ingests an encoded report. *ingest.Ingestor satisfies it.
type RawSubmitter interface {
	SubmitRaw(ctx context.Context, data []byte) (*ingest.Receipt, error)
}

// StreamConfig tunes the streaming endpoint.
type StreamConfig struct {
	WriteTimeout  time.Duration
	MaxFrameBytes int64
}

// StreamServer accepts one websocket per instance. Every text frame is a
// report and is answered with an Ack frame in the same order.
type StreamServer struct {
	submitter RawSubmitter
	cfg       StreamConfig
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*websocket.Conn
	closed bool
}

// NewStreamServer creates the server side of the streaming driver.
func NewStreamServer(submitter RawSubmitter, cfg StreamConfig) *StreamServer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 4 << 20
	}
	return &StreamServer{
		submitter: submitter,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			// Reports are authenticated by signature, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.With().Str("component", "stream").Logger(),
		conns:  make(map[string]*websocket.Conn),
	}
}

// ServeHTTP upgrades GET /v1/stream?instance_id=... and runs the read loop.
func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance_id")
	if instanceID == "" {
		http.Error(w, "instance_id is required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "stream server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	s.attach(instanceID, conn)
	observability.AddStreamConnections(1)
	s.logger.Info().Str("instance_id", instanceID).Msg("Stream connected")

	defer func() {
		s.detach(instanceID, conn)
		conn.Close()
		observability.AddStreamConnections(-1)
		s.logger.Info().Str("instance_id", instanceID).Msg("Stream disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("Stream read failed")
			}
			return
		}

		ack := s.handleFrame(r.Context(), instanceID, data)
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return
		}
		if err := conn.WriteJSON(ack); err != nil {
			s.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("Failed to write ack")
			return
		}
	}
}

func (s *StreamServer) handleFrame(ctx context.Context, instanceID string, data []byte) Ack {
	var head struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.Unmarshal(data, &head); err == nil && head.InstanceID != "" && head.InstanceID != instanceID {
		return Ack{
			Reason: ingest.ReasonMalformed,
			Error:  fmt.Sprintf("report from %s sent on the stream of %s", head.InstanceID, instanceID),
		}
	}
	receipt, err := s.submitter.SubmitRaw(tracing.NewRequestContext(ctx), data)
	return AckOf(receipt, err)
}

// attach registers conn as the delivery channel of an instance, replacing
// and closing any previous one.
func (s *StreamServer) attach(instanceID string, conn *websocket.Conn) {
	s.mu.Lock()
	previous := s.conns[instanceID]
	s.conns[instanceID] = conn
	s.mu.Unlock()
	if previous != nil {
		s.logger.Info().Str("instance_id", instanceID).Msg("Replacing existing stream")
		previous.Close()
	}
}

func (s *StreamServer) detach(instanceID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[instanceID] == conn {
		delete(s.conns, instanceID)
	}
}

// Connected reports whether instanceID has an open stream.
func (s *StreamServer) Connected(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[instanceID]
	return ok
}

// Connections returns the number of open streams.
func (s *StreamServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every open stream and refuses new ones.
func (s *StreamServer) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.Close()
	}
}

// StreamSender is the client side of the stream. One report is in flight at
// a time; Submit waits for its ack.
type StreamSender struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu     sync.Mutex
	broken error
}

// DialStream opens the stream of instanceID on the gateway at baseURL
// (http, https, ws or wss).
func DialStream(ctx context.Context, baseURL, instanceID string, timeout time.Duration) (*StreamSender, error) {
	u, err := streamURL(baseURL, instanceID)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open stream (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StreamSender{conn: conn, timeout: timeout}, nil
}

func streamURL(baseURL, instanceID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported stream scheme %q", u.Scheme)
	}
	u.Path += "/v1/stream"
	u.RawQuery = url.Values{"instance_id": {instanceID}}.Encode()
	return u.String(), nil
}

func (s *StreamSender) Submit(ctx context.Context, report *ingest.Report) (*ingest.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		return nil, fmt.Errorf("stream unusable: %w", s.broken)
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return nil, s.fail(err)
	}
	if err := s.conn.WriteJSON(report); err != nil {
		return nil, s.fail(err)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, s.fail(err)
	}
	var ack Ack
	if err := s.conn.ReadJSON(&ack); err != nil {
		return nil, s.fail(err)
	}
	return ack.Result(report.InstanceID)
}

// fail marks the stream broken; acks can no longer be matched to reports.
func (s *StreamSender) fail(err error) error {
	s.broken = err
	return fmt.Errorf("stream: %w", err)
}

// Close ends the stream with a normal closure.
func (s *StreamSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken == nil {
		s.broken = errors.New("stream closed")
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// Streaming is the instance side of the streaming driver. Items at or above
// the priority threshold go out immediately as single-item reports; the
// rest are batched.
type Streaming struct {
	reporter  *Reporter
	sender    Sender
	threshold float64
	lumped    *Lumped
}

// NewStreaming creates a streaming driver over sender.
func NewStreaming(reporter *Reporter, sender Sender, priorityThreshold float64, batch BatcherConfig) *Streaming {
	return &Streaming{
		reporter:  reporter,
		sender:    sender,
		threshold: priorityThreshold,
		lumped:    NewLumped(reporter, sender, batch),
	}
}

// Record delivers or batches item depending on its priority.
func (s *Streaming) Record(ctx context.Context, item memory.Item) error {
	if item.Priority < s.threshold {
		return s.lumped.Record(ctx, item)
	}
	stamped := s.reporter.Stamp(item)
	if _, err := s.reporter.Send(ctx, s.sender, []memory.Item{stamped}); err != nil {
		return fmt.Errorf("failed to stream item %s: %w", stamped.ID, err)
	}
	return nil
}

// Pending returns the number of low-priority items waiting in the batch.
func (s *Streaming) Pending() int { return s.lumped.Pending() }

// Close flushes batched items.
func (s *Streaming) Close(ctx context.Context) error {
	return s.lumped.Close(ctx)
}
