// config_watcher.go: Argus-backed hot reload of the runtime configuration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigApplier receives every successfully loaded configuration.
type ConfigApplier func(RuntimeConfig) error

// ConfigWatcherOptions tunes the underlying Argus watcher.
type ConfigWatcherOptions struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	CacheTTL     time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// DefaultConfigWatcherOptions polls every 2 seconds.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 2 * time.Second,
		CacheTTL:     time.Second,
	}
}

// RuntimeConfigWatcher reloads a configuration file whenever it changes and
// hands the result to an applier. A reload that fails to parse, validate or
// apply is logged and the previous configuration stays current.
type RuntimeConfigWatcher struct {
	path    string
	apply   ConfigApplier
	logger  Logger
	watcher *argus.Watcher

	mu       sync.Mutex
	current  atomic.Pointer[RuntimeConfig]
	running  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	reloads  atomic.Int64
	failures atomic.Int64
}

// NewRuntimeConfigWatcher prepares a watcher for path. Nothing is read until
// Start.
func NewRuntimeConfigWatcher(path string, apply ConfigApplier, options ConfigWatcherOptions, logger any) *RuntimeConfigWatcher {
	log := NewLogger(logger).With("component", "config_watcher", "config_path", path)
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultConfigWatcherOptions().PollInterval
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}

	watcher := argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      1,
		Audit:                argus.AuditConfig{Enabled: false},
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			log.Error("config file watching error", "error", err, "file", filepath)
		},
	})

	return &RuntimeConfigWatcher{
		path:    path,
		apply:   apply,
		logger:  log,
		watcher: watcher,
	}
}

// Start loads and applies the initial configuration, then begins watching.
func (w *RuntimeConfigWatcher) Start() error {
	if w.stopped.Load() {
		return NewConfigWatcherError("watcher has been stopped and cannot be restarted", nil)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running.CompareAndSwap(false, true) {
		return NewConfigWatcherError("watcher is already running", nil)
	}

	initial, err := LoadRuntimeConfig(w.path)
	if err != nil {
		w.running.Store(false)
		return err
	}
	if w.apply != nil {
		if err := w.apply(initial); err != nil {
			w.running.Store(false)
			return NewConfigWatcherError("initial configuration rejected", err)
		}
	}
	w.current.Store(&initial)

	if err := w.watcher.Watch(w.path, w.handleChange); err != nil {
		w.running.Store(false)
		return NewConfigWatcherError("failed to watch config file", err)
	}
	if err := w.watcher.Start(); err != nil {
		w.running.Store(false)
		return NewConfigWatcherError("failed to start watcher", err)
	}

	w.logger.Info("runtime config watcher started")
	return nil
}

// Stop ends watching. Calling it more than once is safe.
func (w *RuntimeConfigWatcher) Stop() error {
	var stopErr error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		w.stopped.Store(true)
		if !w.running.CompareAndSwap(true, false) {
			return
		}
		if err := w.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop watcher", err)
			return
		}
		w.logger.Info("runtime config watcher stopped")
	})
	return stopErr
}

// Current returns the last configuration that was applied successfully.
func (w *RuntimeConfigWatcher) Current() (RuntimeConfig, bool) {
	cfg := w.current.Load()
	if cfg == nil {
		return RuntimeConfig{}, false
	}
	return *cfg, true
}

// Reloads returns the number of successful reloads after Start.
func (w *RuntimeConfigWatcher) Reloads() int64 { return w.reloads.Load() }

// Failures returns the number of rejected reloads.
func (w *RuntimeConfigWatcher) Failures() int64 { return w.failures.Load() }

func (w *RuntimeConfigWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		w.logger.Warn("config file deleted, keeping current configuration", "path", event.Path)
		return
	}
	w.reload()
}

func (w *RuntimeConfigWatcher) reload() {
	cfg, err := LoadRuntimeConfig(w.path)
	if err != nil {
		w.failures.Add(1)
		w.logger.Error("config reload rejected", "error", err)
		return
	}
	if w.apply != nil {
		if err := w.apply(cfg); err != nil {
			w.failures.Add(1)
			w.logger.Error("config reload could not be applied", "error", err)
			return
		}
	}
	w.current.Store(&cfg)
	w.reloads.Add(1)
	w.logger.Info("runtime configuration reloaded")
}
