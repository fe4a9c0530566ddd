package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/mnemosync/internal/config"
	"github.com/harun/mnemosync/internal/logger"
	"github.com/harun/mnemosync/internal/observability"
	"github.com/harun/mnemosync/internal/tracing"
	"github.com/harun/mnemosync/pkg/engine"
	"github.com/harun/mnemosync/pkg/gateway"
	"github.com/harun/mnemosync/pkg/identity"
	"github.com/harun/mnemosync/pkg/ingest"
	"github.com/harun/mnemosync/pkg/memory"
	"github.com/harun/mnemosync/pkg/registry"
	"github.com/harun/mnemosync/pkg/store"
	"github.com/harun/mnemosync/pkg/syncdriver"
	"github.com/harun/mnemosync/pkg/workqueue"
	"github.com/rs/zerolog"
)

// embeddingCacheEntries bounds the memoized embedding vectors.
const embeddingCacheEntries = 50000

// Daemon represents the mnemosync service
type Daemon struct {
	config *config.Config
	loader *config.Loader
	logger *logger.Logger

	// Core modules
	store    store.Store
	queue    *workqueue.Queue
	registry *registry.Registry
	lineage  *identity.Lineage
	engine   *engine.Engine
	ingestor *ingest.Ingestor
	embedder memory.EmbeddingProvider

	// Services
	monitor       *registry.Monitor
	streamServer  *syncdriver.StreamServer
	checkIn       *syncdriver.CheckIn
	gatewayServer *gateway.Server
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	mu             sync.RWMutex
	running        bool
	startTime      time.Time
	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Instances map[string]int
	Agents    int
}

// New creates a daemon from a validated config. loader is used to watch the
// config file for tunable changes and may be nil.
func New(cfg *config.Config, loader *config.Loader, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		loader: loader,
		logger: log,
	}

	err := tracing.InitOpenTelemetry(tracing.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.shutdownTracing()
		if d.store != nil {
			_ = d.store.Close()
		}
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := observability.InitAuditLogger(cfg.AuditFile); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", cfg.AuditFile).Msg("Audit logger initialized")
	}

	dimension := 0
	if cfg.SimilarityMethod == memory.MethodVector {
		dimension = cfg.Embeddings.Dimension
	}
	st, err := store.Open(store.Options{Driver: cfg.Store.Driver, Path: cfg.Store.Path, Dimension: dimension})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st
	d.logger.Info().Str("driver", cfg.Store.Driver).Str("path", cfg.Store.Path).Msg("Store opened")

	var policy registry.Policy = registry.OpenPolicy{}
	if cfg.Registry.MaxInstances > 0 {
		policy = registry.MaxInstancesPolicy{Max: cfg.Registry.MaxInstances}
	}
	d.registry = registry.NewRegistry(policy)
	d.bindRegistryAudit()
	d.lineage = identity.NewLineage(identity.Ed25519{})
	d.queue = workqueue.New(cfg.Queue.LaneCapacity)

	if cfg.Embeddings.Provider == "openai" {
		provider := memory.NewOpenAIProvider(cfg.Embeddings.APIKey, cfg.Embeddings.Model, cfg.Embeddings.Dimension)
		cached, err := memory.NewCachedProvider(provider, embeddingCacheEntries)
		if err != nil {
			return err
		}
		d.embedder = cached
		d.logger.Info().Str("model", cfg.Embeddings.Model).Int("dimension", cfg.Embeddings.Dimension).Msg("Embedding provider initialized")
	}

	eng, err := engine.New(engine.Options{
		Config:   engineConfig(cfg),
		Registry: d.registry,
		Lineage:  d.lineage,
		Queue:    d.queue,
		Store:    d.store,
		Embedder: d.embedder,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	d.engine = eng

	loadCtx, cancel := context.WithTimeout(tracing.NewRequestContext(context.Background()), time.Minute)
	defer cancel()
	if err := d.engine.Load(loadCtx); err != nil {
		return err
	}
	if err := d.applyBootstrap(); err != nil {
		return err
	}

	ing, err := ingest.NewIngestor(ingest.Options{
		Registry:           d.registry,
		Lineage:            d.lineage,
		Dispatcher:         d.engine,
		ProtocolConstraint: cfg.Ingest.ProtocolConstraint,
	})
	if err != nil {
		return fmt.Errorf("failed to create ingestor: %w", err)
	}
	d.ingestor = ing
	d.logger.Info().Str("protocol_constraint", cfg.Ingest.ProtocolConstraint).Msg("Ingestor initialized")
	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config

	d.monitor = registry.NewMonitor(d.registry, cfg.Registry.MonitorInterval, cfg.StalenessWindow)

	d.streamServer = syncdriver.NewStreamServer(d.ingestor, syncdriver.StreamConfig{
		WriteTimeout:  cfg.Sync.Streaming.WriteTimeout,
		MaxFrameBytes: cfg.Gateway.MaxBodyBytes,
	})

	if cfg.Sync.CheckIn.Enabled {
		puller := syncdriver.NewHTTPPuller(&http.Client{}, cfg.Gateway.MaxBodyBytes)
		checkIn, err := syncdriver.NewCheckIn(d.registry, d.ingestor, puller, syncdriver.CheckInConfig{
			Schedule:       cfg.Sync.CheckIn.Schedule,
			Timeout:        cfg.Sync.CheckIn.Timeout,
			MaxMissed:      cfg.Sync.CheckIn.MaxMissed,
			MaxConcurrency: cfg.Sync.CheckIn.MaxConcurrency,
		})
		if err != nil {
			return fmt.Errorf("failed to create check-in driver: %w", err)
		}
		d.checkIn = checkIn
	}

	server, err := gateway.NewServer(gateway.Options{
		Config: gateway.Config{
			Host:                 cfg.Gateway.Host,
			Port:                 cfg.Gateway.Port,
			AdminSecret:          cfg.Gateway.AdminSecret,
			MaxBodyBytes:         cfg.Gateway.MaxBodyBytes,
			ReportsPerMinute:     cfg.Gateway.ReportsPerMinute,
			MaxConcurrentReports: cfg.Gateway.MaxConcurrentReports,
		},
		Engine:   d.engine,
		Ingestor: d.ingestor,
		Registry: d.registry,
		Lineage:  d.lineage,
		Stream:   d.streamServer,
		CheckIn:  d.checkIn,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	d.gatewayServer = server

	if d.loader != nil {
		if _, err := os.Stat(d.loader.GetConfigPath()); err == nil {
			watcher, err := config.NewWatcher(d.loader, cfg, 0, d.applyTunables)
			if err != nil {
				d.logger.Warn().Err(err).Msg("Config hot reload disabled")
			} else {
				d.watcher = watcher
			}
		}
	}
	return nil
}

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.SimilarityMethod = cfg.SimilarityMethod
	ec.SimilarityThreshold = cfg.SimilarityThreshold
	ec.ConsensusThreshold = cfg.ConsensusThresholdFraction
	ec.ReconciliationWindow = cfg.ReconciliationWindow
	ec.FlushInterval = cfg.Store.FlushInterval
	ec.Retry = store.RetryPolicy{
		MaxAttempts:    cfg.Store.Retry.MaxAttempts,
		InitialBackoff: cfg.Store.Retry.InitialBackoff,
		MaxBackoff:     cfg.Store.Retry.MaxBackoff,
	}
	return ec
}

// applyBootstrap loads the seed file after stored state, so a restart only
// adds what the seed declares beyond it.
func (d *Daemon) applyBootstrap() error {
	if d.config.BootstrapFile == "" {
		return nil
	}
	seed, err := identity.LoadSeed(d.config.BootstrapFile)
	if err != nil {
		return err
	}
	if err := seed.Apply(d.lineage); err != nil {
		return err
	}

	registered := 0
	for _, in := range seed.Instances {
		_, err := d.registry.Register(registry.Instance{
			ID:        in.ID,
			AgentID:   in.AgentID,
			PublicKey: in.PublicKey,
			Endpoint:  in.Endpoint,
		})
		switch {
		case err == nil:
			registered++
		case errors.Is(err, registry.ErrInstanceExists), errors.Is(err, registry.ErrRevoked):
		default:
			return fmt.Errorf("seed instance %s: %w", in.ID, err)
		}
	}

	d.logger.Info().
		Str("path", d.config.BootstrapFile).
		Int("agents", len(seed.Agents)).
		Int("instances", registered).
		Msg("Bootstrap seed applied")
	return nil
}

func (d *Daemon) bindRegistryAudit() {
	record := func(action string) registry.EventHandler {
		return func(ev registry.Event) {
			metadata := map[string]interface{}{"agent_id": ev.AgentID}
			if ev.From != "" {
				metadata["from"] = string(ev.From)
			}
			for k, v := range ev.Data {
				metadata[k] = v
			}
			observability.RecordInstanceAudit(context.Background(), action, ev.InstanceID, metadata)
		}
	}
	d.registry.On(registry.EventRegistered, record("instance_registered"))
	d.registry.On(registry.EventStale, record("instance_stale"))
	d.registry.On(registry.EventRevoked, record("instance_revoked"))
}

// applyTunables hands hot-reloaded options to the running components.
func (d *Daemon) applyTunables(t config.Tunables) {
	if err := d.engine.Configure(t.SimilarityThreshold, t.ConsensusThresholdFraction, t.ReconciliationWindow); err != nil {
		d.logger.Error().Err(err).Msg("Failed to apply reloaded tunables")
		return
	}
	d.monitor.SetWindow(t.StalenessWindow)
	d.gatewayServer.SetReportLimits(t.ReportsPerMinute, t.MaxConcurrentReports)

	observability.RecordConfigAudit(context.Background(), "reload:tunables", "system", map[string]interface{}{
		"similarity_threshold":         t.SimilarityThreshold,
		"consensus_threshold_fraction": t.ConsensusThresholdFraction,
		"reconciliation_window":        t.ReconciliationWindow.String(),
		"staleness_window":             t.StalenessWindow.String(),
		"reports_per_minute":           t.ReportsPerMinute,
		"max_concurrent_reports":       t.MaxConcurrentReports,
	})
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.traceLogger()
	logger.Info().Msg("Starting mnemosync daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.engine.Start()
	d.monitor.Start()

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	if d.checkIn != nil {
		d.checkIn.Start()
		logger.Info().Str("schedule", d.config.Sync.CheckIn.Schedule).Msg("Check-in driver started")
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	logger.Info().
		Str("addr", d.gatewayServer.Addr()).
		Int("agents", len(d.lineage.Agents())).
		Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.traceLogger()
	logger.Info().Msg("Stopping mnemosync daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if d.checkIn != nil {
		d.checkIn.Stop()
	}
	d.monitor.Stop()

	if !d.queue.WaitIdle(5 * time.Second) {
		logger.Warn().Msg("Timeout waiting for lanes to drain")
	}
	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close work queue")
	}

	if err := d.engine.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to flush canonical state")
	}
	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close store")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

func (d *Daemon) traceLogger() zerolog.Logger {
	return d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:   d.running,
		Instances: d.registry.Counts(),
		Agents:    len(d.lineage.Agents()),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetEngine returns the consolidation engine
func (d *Daemon) GetEngine() *engine.Engine {
	return d.engine
}

// GetRegistry returns the instance registry
func (d *Daemon) GetRegistry() *registry.Registry {
	return d.registry
}

// GetLineage returns the agent identity lineage
func (d *Daemon) GetLineage() *identity.Lineage {
	return d.lineage
}

// GetIngestor returns the report ingestor
func (d *Daemon) GetIngestor() *ingest.Ingestor {
	return d.ingestor
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
