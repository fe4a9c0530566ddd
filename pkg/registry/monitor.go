package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Monitor periodically demotes silent active instances to stale.
type Monitor struct {
	registry *Registry
	interval time.Duration

	mu     sync.RWMutex
	window time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a staleness monitor.
func NewMonitor(registry *Registry, interval, window time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		registry: registry,
		interval: interval,
		window:   window,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetWindow changes the silence window used by later checks.
func (m *Monitor) SetWindow(window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = window
}

// Start starts the monitor loop
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()

	log.Info().
		Dur("interval", m.interval).
		Dur("window", m.currentWindow()).
		Msg("Staleness monitor started")
}

// Stop stops the monitor loop and waits for it to exit
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()

	log.Info().Msg("Staleness monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one staleness pass and returns the instances it marked.
func (m *Monitor) Check() []string {
	marked := m.registry.CheckStaleness(m.currentWindow())
	if len(marked) > 0 {
		log.Debug().Strs("instances", marked).Msg("Staleness check marked instances")
	}
	return marked
}

func (m *Monitor) currentWindow() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.window
}
