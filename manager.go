// manager.go: Plugin manager orchestrating sandboxes and resource governance
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// PluginManager installs plugins, runs each enabled plugin in its own
// sandbox session and owns every resource-governance component.
//
// Core capabilities:
//   - install from a directory, a zip archive or a URL, with manifest validation
//   - enable/disable/uninstall with full resource release on the way out
//   - one sandbox session per enabled plugin, loaded through the LazyLoader
//   - bridged plugin calls gated by permissions and per-plugin rate limits
//   - shared memory and connection pools with pressure-driven load shedding
//   - composite performance reports across all components
//
// Example usage:
//
//	config := DefaultRuntimeConfig()
//	config.Manager.PluginsDir = "/var/lib/app/plugins"
//	config.Manager.DataDir = "/var/lib/app/data"
//
//	manager, err := NewPluginManager(ManagerOptions{Config: config, Logger: NewDevelopmentLogger()})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer manager.Shutdown(context.Background())
//
//	if err := manager.LoadInstalled(ctx); err != nil {
//	    log.Printf("restore failed: %v", err)
//	}
//	plugin, err := manager.InstallPlugin(ctx, InstallOptions{FilePath: "greeter.zip", Enable: true})
//	result, err := manager.ExecutePlugin(ctx, plugin.ID(), "greet", "world")
type PluginManager struct {
	logger    Logger
	store     PluginStore
	installer PluginInstaller
	launcher  WorkerLauncher
	processes *ProcessSampler

	memory      *MemoryPool
	connections *ConnectionPool
	cache       *PluginCache
	monitor     *PerformanceMonitor
	loader      *LazyLoader

	events        *EventBus[PluginEvent]
	lifecycle     *EventBus[PluginLifecycleEvent]
	quotaWarnings *EventBus[QuotaWarningEvent]
	rateLimited   *EventBus[RateLimitExceededEvent]

	mu         sync.RWMutex
	config     RuntimeConfig
	plugins    map[string]*managedPlugin
	installing map[string]struct{}
	alerts     map[string][]PerformanceAlertEvent

	closed atomic.Bool
	unsubs []func()
	wg     sync.WaitGroup
}

// managedPlugin is the manager's state for one installed plugin. op
// serialises lifecycle transitions; the other fields are guarded by the
// manager's mu.
type managedPlugin struct {
	op sync.Mutex

	record        InstalledPlugin
	session       *SandboxSession
	limiter       *RateLimiter
	subscriptions map[string]struct{}
	detach        []func()
	restarts      int
}

// PluginLifecycleEvent is published on every status change.
type PluginLifecycleEvent struct {
	PluginID  string       `json:"plugin_id"`
	Previous  PluginStatus `json:"previous,omitempty"`
	Status    PluginStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ManagerOptions configures NewPluginManager. Zero fields get defaults:
// a FileStore under Config.Manager.DataDir, a FileSystemInstaller, the
// launcher selected by Config.Sandbox and a gopsutil process sampler.
type ManagerOptions struct {
	Config    RuntimeConfig
	Store     PluginStore
	Installer PluginInstaller
	Launcher  WorkerLauncher
	Sampler   ResourceSampler
	Logger    any
}

// maxRecentAlerts bounds the alerts kept per plugin for reports.
const maxRecentAlerts = 20

// NewPluginManager builds a manager and all of its components. Nothing is
// loaded until LoadInstalled or InstallPlugin is called.
func NewPluginManager(options ManagerOptions) (*PluginManager, error) {
	config := options.Config
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := NewLogger(options.Logger)

	store := options.Store
	if store == nil {
		fs, err := NewFileStore(config.Manager.DataDir)
		if err != nil {
			return nil, err
		}
		store = fs
	}
	if err := os.MkdirAll(config.Manager.PluginsDir, 0750); err != nil {
		return nil, NewStoreWriteError(config.Manager.PluginsDir, err)
	}

	m := &PluginManager{
		logger:        logger.With("component", "plugin_manager"),
		store:         store,
		installer:     options.Installer,
		launcher:      options.Launcher,
		config:        config,
		plugins:       make(map[string]*managedPlugin),
		installing:    make(map[string]struct{}),
		alerts:        make(map[string][]PerformanceAlertEvent),
		events:        NewEventBus[PluginEvent](),
		lifecycle:     NewEventBus[PluginLifecycleEvent](),
		quotaWarnings: NewEventBus[QuotaWarningEvent](),
		rateLimited:   NewEventBus[RateLimitExceededEvent](),
	}
	if m.installer == nil {
		m.installer = NewFileSystemInstaller(config.Manager.MaxDownloadSize, logger)
	}
	if m.launcher == nil {
		m.launcher = NewWorkerLauncher(config.Sandbox, logger)
	}

	sampler := options.Sampler
	if sampler == nil {
		ps, err := NewProcessSampler()
		if err != nil {
			m.logger.Warn("Process sampling unavailable", "error", err)
		} else {
			m.processes = ps
			sampler = ps
		}
	}

	m.memory = NewMemoryPool(config.MemoryPool, logger)
	m.connections = NewConnectionPool(config.ConnectionPool, logger)
	m.cache = NewPluginCache(config.Cache, logger)
	m.monitor = NewPerformanceMonitor(config.Monitor, sampler, logger)
	m.loader = NewLazyLoader(config.LazyLoader, logger)
	m.wire()
	return m, nil
}

// wire connects component events to each other.
func (m *PluginManager) wire() {
	m.unsubs = append(m.unsubs,
		m.memory.PressureEvents().Subscribe(func(e MemoryPressureEvent) {
			m.logger.Warn("Memory pressure", "usage", e.Usage, "threshold", e.Threshold, "ratio", e.UsageRatio)
			m.connections.HandleMemoryPressure(e)
			m.loader.HandleMemoryPressure(e)
		}),
		m.memory.RelievedEvents().Subscribe(func(e MemoryRelievedEvent) {
			m.logger.Info("Memory pressure relieved", "usage", e.Usage, "ratio", e.UsageRatio)
			m.loader.HandleMemoryRelieved(e)
		}),
		m.monitor.Alerts().Subscribe(func(a PerformanceAlertEvent) {
			m.logger.Warn("Performance alert", "plugin_id", a.PluginID, "type", string(a.Type),
				"severity", string(a.Severity), "value", a.Value, "threshold", a.Threshold)
			m.mu.Lock()
			list := append(m.alerts[a.PluginID], a)
			if len(list) > maxRecentAlerts {
				list = list[len(list)-maxRecentAlerts:]
			}
			m.alerts[a.PluginID] = list
			m.mu.Unlock()
		}),
		m.cache.EvictionEvents().Subscribe(func(e CacheEvictionEvent) {
			m.logger.Debug("Cache entry evicted", "plugin_id", e.PluginID, "key", e.Key, "reason", string(e.Reason))
		}),
	)
}

// Component accessors. The returned components are shared; callers should
// treat them as read-mostly.

func (m *PluginManager) Memory() *MemoryPool { return m.memory }

func (m *PluginManager) Connections() *ConnectionPool { return m.connections }

func (m *PluginManager) Cache() *PluginCache { return m.cache }

func (m *PluginManager) Monitor() *PerformanceMonitor { return m.monitor }

func (m *PluginManager) Loader() *LazyLoader { return m.loader }

func (m *PluginManager) Store() PluginStore { return m.store }

// Events carries every plugin and host event routed through events.emit.
func (m *PluginManager) Events() *EventBus[PluginEvent] { return m.events }

// QuotaWarnings forwards the quota warnings of every plugin's rate limiter.
func (m *PluginManager) QuotaWarnings() *EventBus[QuotaWarningEvent] { return m.quotaWarnings }

// RateLimitExceeded forwards rate limit denials of every plugin.
func (m *PluginManager) RateLimitExceeded() *EventBus[RateLimitExceededEvent] {
	return m.rateLimited
}

// LifecycleEvents publishes plugin status transitions.
func (m *PluginManager) LifecycleEvents() *EventBus[PluginLifecycleEvent] {
	return m.lifecycle
}

// GetPlugin returns a snapshot of the plugin's record.
func (m *PluginManager) GetPlugin(id string) (InstalledPlugin, error) {
	record, ok := m.record(id)
	if !ok {
		return InstalledPlugin{}, NewPluginNotFoundError(id)
	}
	return record, nil
}

// ListPlugins returns every installed plugin ordered by id.
func (m *PluginManager) ListPlugins() []InstalledPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make(map[string]InstalledPlugin, len(m.plugins))
	for id, mp := range m.plugins {
		records[id] = mp.record
	}
	return sortedPlugins(records)
}

// API returns the plugin-scoped facade for id.
func (m *PluginManager) API(id string) (*PluginAPI, error) {
	if _, ok := m.record(id); !ok {
		return nil, NewPluginNotFoundError(id)
	}
	return newPluginAPI(m, id), nil
}

// Session returns the active sandbox session of a running plugin.
func (m *PluginManager) Session(id string) (*SandboxSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.plugins[id]
	if !ok || mp.session == nil {
		return nil, false
	}
	return mp.session, true
}

// RateLimitStatus returns the live limiter state of a running plugin.
func (m *PluginManager) RateLimitStatus(id string) (RateLimitStatus, bool) {
	limiter := m.limiter(id)
	if limiter == nil {
		return RateLimitStatus{}, false
	}
	return limiter.Status(), true
}

// PublishEvent delivers a host event to every running plugin subscribed to
// name.
func (m *PluginManager) PublishEvent(name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return NewBridgeRequestError("events.emit", "event data is not serializable", err)
	}
	m.publishEvent(PluginEvent{Source: HostEventSource, Name: name, Data: raw, Timestamp: timecache.CachedTime()})
	return nil
}

func (m *PluginManager) publishEvent(event PluginEvent) {
	m.events.Publish(event)

	type target struct {
		id      string
		session *SandboxSession
	}
	var targets []target
	m.mu.RLock()
	for id, mp := range m.plugins {
		if id == event.Source || mp.session == nil {
			continue
		}
		if _, ok := mp.subscriptions[event.Name]; ok {
			targets = append(targets, target{id: id, session: mp.session})
		}
	}
	m.mu.RUnlock()

	var data any
	if len(event.Data) > 0 {
		data = event.Data
	}
	for _, t := range targets {
		if err := t.session.SendEvent(event.Name, data); err != nil {
			m.logger.Debug("Event not delivered", "plugin_id", t.id, "event", event.Name, "error", err)
		}
	}
}

func (m *PluginManager) setSubscription(id, name string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.plugins[id]
	if !ok {
		return NewPluginNotFoundError(id)
	}
	if on {
		mp.subscriptions[name] = struct{}{}
	} else {
		delete(mp.subscriptions, name)
	}
	return nil
}

func (m *PluginManager) subscriptions(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.plugins[id]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(mp.subscriptions))
	for name := range mp.subscriptions {
		names = append(names, name)
	}
	return names
}

func (m *PluginManager) lookup(id string) (*managedPlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.plugins[id]
	if !ok {
		return nil, NewPluginNotFoundError(id)
	}
	return mp, nil
}

func (m *PluginManager) record(id string) (InstalledPlugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.plugins[id]
	if !ok {
		return InstalledPlugin{}, false
	}
	return mp.record.clone(), true
}

// updateRecord applies fn to a copy of the record and persists it; the
// in-memory record changes only when the store accepted the write.
func (m *PluginManager) updateRecord(id string, fn func(*InstalledPlugin) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.plugins[id]
	if !ok {
		return NewPluginNotFoundError(id)
	}
	next := mp.record.clone()
	if err := fn(&next); err != nil {
		return err
	}
	next.UpdatedAt = timecache.CachedTime()
	if err := m.store.Save(next); err != nil {
		return err
	}
	mp.record = next
	return nil
}

// setStatus records a status transition and publishes it. Running marks the
// plugin enabled and stopped marks it disabled; error keeps the flag so an
// enabled plugin is retried on the next LoadInstalled.
func (m *PluginManager) setStatus(id string, status PluginStatus, cause error) error {
	var previous PluginStatus
	errText := ""
	if cause != nil {
		errText = errorChainMessage(cause)
	}
	err := m.updateRecord(id, func(r *InstalledPlugin) error {
		previous = r.Status
		r.Status = status
		r.LastError = errText
		switch status {
		case StatusRunning:
			now := timecache.CachedTime()
			r.Enabled = true
			r.EnabledAt = &now
		case StatusStopped:
			r.Enabled = false
		}
		return nil
	})
	if err != nil {
		return err
	}
	if previous != status {
		m.logger.Info("Plugin status changed", "plugin_id", id, "from", string(previous), "to", string(status))
		m.lifecycle.Publish(PluginLifecycleEvent{
			PluginID:  id,
			Previous:  previous,
			Status:    status,
			Error:     errText,
			Timestamp: timecache.CachedTime(),
		})
	}
	return nil
}

func (m *PluginManager) requirePermission(id, permission, method string) error {
	m.mu.RLock()
	mp, ok := m.plugins[id]
	granted := ok && mp.record.Manifest.HasPermission(permission)
	m.mu.RUnlock()
	if !ok {
		return NewPluginNotFoundError(id)
	}
	if !granted {
		return NewPermissionDeniedError(id, permission, method)
	}
	return nil
}

func (m *PluginManager) limiter(id string) *RateLimiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mp, ok := m.plugins[id]; ok {
		return mp.limiter
	}
	return nil
}

func (m *PluginManager) managerConfig() ManagerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Manager
}

func (m *PluginManager) sandboxConfig() SandboxConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Sandbox
}

func (m *PluginManager) rateLimitConfig() RateLimitConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.RateLimit
}
