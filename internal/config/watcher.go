package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Tunables are the options that take effect without a restart.
type Tunables struct {
	SimilarityThreshold        float64
	ConsensusThresholdFraction float64
	ReconciliationWindow       time.Duration
	StalenessWindow            time.Duration
	ReportsPerMinute           int
	MaxConcurrentReports       int
}

// TunablesOf extracts the hot-reloadable options of cfg.
func TunablesOf(cfg *Config) Tunables {
	return Tunables{
		SimilarityThreshold:        cfg.SimilarityThreshold,
		ConsensusThresholdFraction: cfg.ConsensusThresholdFraction,
		ReconciliationWindow:       cfg.ReconciliationWindow,
		StalenessWindow:            cfg.StalenessWindow,
		ReportsPerMinute:           cfg.Gateway.ReportsPerMinute,
		MaxConcurrentReports:       cfg.Gateway.MaxConcurrentReports,
	}
}

// ReloadFunc receives the tunables of a successfully reloaded config.
type ReloadFunc func(Tunables)

// Watcher reloads the config file when it changes and hands the new
// tunables to onReload. Invalid files are logged and ignored.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	onReload ReloadFunc

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	timer *time.Timer
	last  Tunables
}

// NewWatcher creates a watcher for the loader's config file. current is the
// running configuration; reloads that leave the tunables unchanged are not
// reported.
func NewWatcher(loader *Loader, current *Config, debounce time.Duration, onReload ReloadFunc) (*Watcher, error) {
	path := loader.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("no config file to watch")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Watcher{
		loader:   loader,
		path:     abs,
		debounce: debounce,
		onReload: onReload,
		watcher:  fw,
		done:     make(chan struct{}),
		last:     TunablesOf(current),
	}, nil
}

// Start watches the directory holding the config file, so editors that
// replace the file by rename are seen too.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	go w.eventLoop()

	log.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
		default:
			w.Reload()
		}
	})
}

// Reload re-reads the file and reports changed tunables. It returns false
// when the file is invalid or nothing changed.
func (w *Watcher) Reload() bool {
	cfg, err := w.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Ignoring invalid config reload")
		return false
	}

	next := TunablesOf(cfg)
	w.mu.Lock()
	changed := next != w.last
	w.last = next
	w.mu.Unlock()
	if !changed {
		return false
	}

	log.Info().
		Float64("similarity_threshold", next.SimilarityThreshold).
		Float64("consensus_threshold_fraction", next.ConsensusThresholdFraction).
		Dur("reconciliation_window", next.ReconciliationWindow).
		Dur("staleness_window", next.StalenessWindow).
		Msg("Config reloaded")

	if w.onReload != nil {
		w.onReload(next)
	}
	return true
}
