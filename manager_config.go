// manager_config.go: Runtime configuration updates for PluginManager
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

// Config returns the configuration currently in effect.
func (m *PluginManager) Config() RuntimeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// ApplyConfig validates config and applies it without restarting plugins.
//
// Rate limits, cache and monitor thresholds change immediately for every
// running plugin. Sandbox and manager settings apply to sessions started and
// operations begun afterwards. Pool sizes and the lazy loader keep the
// values they were created with, and the plugin and data directories can
// not move while the manager runs.
func (m *PluginManager) ApplyConfig(config RuntimeConfig) error {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	previous := m.config
	if config.Manager.PluginsDir != previous.Manager.PluginsDir || config.Manager.DataDir != previous.Manager.DataDir {
		m.logger.Warn("Ignoring directory change in reloaded configuration",
			"plugins_dir", previous.Manager.PluginsDir, "data_dir", previous.Manager.DataDir)
		config.Manager.PluginsDir = previous.Manager.PluginsDir
		config.Manager.DataDir = previous.Manager.DataDir
	}
	config.MemoryPool = previous.MemoryPool
	config.ConnectionPool = previous.ConnectionPool
	config.LazyLoader = previous.LazyLoader
	m.config = config

	limiters := make([]*RateLimiter, 0, len(m.plugins))
	for _, mp := range m.plugins {
		if mp.limiter != nil {
			limiters = append(limiters, mp.limiter)
		}
	}
	m.mu.Unlock()

	update := UpdateFromConfig(config.RateLimit)
	for _, limiter := range limiters {
		limiter.UpdateConfig(update)
	}
	m.cache.UpdateConfig(config.Cache)
	m.monitor.UpdateConfig(config.Monitor)

	m.logger.Info("Runtime configuration applied", "rate_limiters", len(limiters))
	return nil
}

// WatchConfig starts a watcher that applies path to the manager whenever it
// changes. The caller stops the watcher.
func (m *PluginManager) WatchConfig(path string, options ConfigWatcherOptions) (*RuntimeConfigWatcher, error) {
	watcher := NewRuntimeConfigWatcher(path, m.ApplyConfig, options, m.logger)
	if err := watcher.Start(); err != nil {
		return nil, err
	}
	return watcher, nil
}
