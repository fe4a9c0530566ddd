// Package gateway is the HTTP surface of mnemosync: report ingestion, the
// canonical memory queries, the streaming endpoint and the admin API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/internal/tracing"
	"github.com/harun/mnemosync/pkg/engine"
	"github.com/harun/mnemosync/pkg/identity"
	"github.com/harun/mnemosync/pkg/ingest"
	"github.com/harun/mnemosync/pkg/registry"
	"github.com/harun/mnemosync/pkg/syncdriver"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration
type Config struct {
	Host                 string
	Port                 int
	AdminSecret          string
	MaxBodyBytes         int64
	ReportsPerMinute     int // per client address, 0 = unlimited
	MaxConcurrentReports int // per client address, 0 = unlimited
}

// Options wires the server to the engine components. Stream and CheckIn are
// optional.
type Options struct {
	Config   Config
	Engine   *engine.Engine
	Ingestor *ingest.Ingestor
	Registry *registry.Registry
	Lineage  *identity.Lineage
	Stream   *syncdriver.StreamServer
	CheckIn  *syncdriver.CheckIn
}

// Server is the mnemosync HTTP gateway.
type Server struct {
	cfg      Config
	engine   *engine.Engine
	ingestor *ingest.Ingestor
	registry *registry.Registry
	lineage  *identity.Lineage
	stream   *syncdriver.StreamServer
	checkIn  *syncdriver.CheckIn
	auth     *AdminAuth
	limiter  *RateLimiter
	handler  http.Handler
	logger   zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	sweeper  chan struct{}
}

// limiterSweepInterval is how often idle clients are dropped from the rate
// limiter.
const limiterSweepInterval = time.Minute

// NewServer creates the gateway.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil || opts.Ingestor == nil || opts.Registry == nil || opts.Lineage == nil {
		return nil, fmt.Errorf("gateway requires engine, ingestor, registry and lineage")
	}
	cfg := opts.Config
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}

	s := &Server{
		cfg:      cfg,
		engine:   opts.Engine,
		ingestor: opts.Ingestor,
		registry: opts.Registry,
		lineage:  opts.Lineage,
		stream:   opts.Stream,
		checkIn:  opts.CheckIn,
		auth:     NewAdminAuth(cfg.AdminSecret),
		limiter:  NewRateLimiter(cfg.ReportsPerMinute, cfg.MaxConcurrentReports),
		logger:   log.With().Str("component", "gateway").Logger(),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/reports", s.handleSubmitReport)
	mux.HandleFunc("GET /v1/canonical-memory", s.handleCanonicalMemory)
	mux.HandleFunc("GET /v1/contested", s.handleContested)
	mux.HandleFunc("GET /v1/search", s.handleSearch)
	if s.stream != nil {
		mux.Handle("GET /v1/stream", s.stream)
	}

	mux.HandleFunc("GET /v1/admin/agents", s.admin(s.handleListAgents))
	mux.HandleFunc("POST /v1/admin/agents", s.admin(s.handleRegisterAgent))
	mux.HandleFunc("GET /v1/admin/instances", s.admin(s.handleListInstances))
	mux.HandleFunc("POST /v1/admin/instances", s.admin(s.handleRegisterInstance))
	mux.HandleFunc("POST /v1/admin/instances/{id}/revoke", s.admin(s.handleRevokeInstance))
	mux.HandleFunc("POST /v1/admin/checkin", s.admin(s.handleRunCheckIn))

	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.withRequestContext(mux)
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	sweeper := make(chan struct{})
	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.sweeper = sweeper
	s.mu.Unlock()
	go s.sweepLimiter(sweeper)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway")

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes open streams and drains in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	if s.sweeper != nil {
		close(s.sweeper)
		s.sweeper = nil
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down gateway")
	if s.stream != nil {
		s.stream.Close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// SetReportLimits changes the per-client report limits of a running
// server.
func (s *Server) SetReportLimits(reportsPerMinute, maxConcurrent int) {
	s.limiter.UpdateLimits(reportsPerMinute, maxConcurrent)
	s.logger.Info().
		Int("reports_per_minute", reportsPerMinute).
		Int("max_concurrent_reports", maxConcurrent).
		Msg("Report limits updated")
}

func (s *Server) sweepLimiter(done <-chan struct{}) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.limiter.Sweep()
		}
	}
}

func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
			ctx = tracing.WithTraceID(ctx, traceID)
		} else {
			ctx = tracing.NewRequestContext(ctx)
		}
		ctx = withClient(ctx, clientAddr(r))
		w.Header().Set("X-Trace-Id", tracing.GetTraceID(ctx))

		next.ServeHTTP(w, r.WithContext(ctx))

		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("client", clientFromContext(ctx)).
			Dur("duration", time.Since(start)).
			Msg("Gateway request")
	})
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := clientFromContext(r.Context())
		result := s.auth.Authenticate(client, r.Header.Get(AdminSecretHeader))
		if !result.Success {
			s.logger.Warn().
				Str("client", client).
				Str("path", r.URL.Path).
				Str("reason", result.Message).
				Msg("Admin authentication failed")
			writeError(w, result.Status, result.Message)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	var halted []string
	for _, st := range s.engine.AgentStats() {
		if st.Halted {
			halted = append(halted, st.AgentID)
		}
	}
	if len(halted) > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"halted_agents": halted,
		"instances":     s.registry.Counts(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
