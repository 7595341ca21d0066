// manager_lifecycle.go: Install, enable, disable and uninstall of plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/agilira/go-timecache"
	"go.uber.org/multierr"
)

// InstallOptions selects the install source. Exactly one of FilePath (a
// plugin directory or .zip archive) and URL (a .zip archive) must be set.
type InstallOptions struct {
	FilePath string
	URL      string
	Enable   bool
}

// archiveDownloader is implemented by installers that can fetch remote
// archives themselves.
type archiveDownloader interface {
	Download(ctx context.Context, client *http.Client, url, dir string) (string, error)
}

// InstallPlugin validates and installs a plugin. Nothing is left behind when
// validation fails. With Enable set, an enable failure is returned together
// with the installed record.
func (m *PluginManager) InstallPlugin(ctx context.Context, options InstallOptions) (InstalledPlugin, error) {
	if m.closed.Load() {
		return InstalledPlugin{}, NewPoolClosedError("plugin manager")
	}
	if (options.FilePath == "") == (options.URL == "") {
		return InstalledPlugin{}, NewInvalidInstallRequestError("exactly one of file path and URL is required")
	}
	cfg := m.managerConfig()

	staging, err := os.MkdirTemp(cfg.PluginsDir, ".staging-")
	if err != nil {
		return InstalledPlugin{}, NewStoreWriteError(cfg.PluginsDir, err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	source := options.FilePath
	if options.URL != "" {
		if source, err = m.download(ctx, options.URL, staging); err != nil {
			return InstalledPlugin{}, err
		}
	}

	unpacked := filepath.Join(staging, "plugin")
	if err := m.installer.Unpack(ctx, source, unpacked); err != nil {
		return InstalledPlugin{}, err
	}
	root := PluginRoot(unpacked)
	manifest, err := LoadManifest(root)
	if err != nil {
		return InstalledPlugin{}, err
	}
	id := manifest.ID
	if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(manifest.Main))); err != nil {
		return InstalledPlugin{}, NewManifestInvalidError("main file "+manifest.Main+" not found", err)
	}

	if err := m.reserve(id); err != nil {
		return InstalledPlugin{}, err
	}
	defer m.unreserve(id)

	dest := filepath.Join(cfg.PluginsDir, id)
	if err := os.RemoveAll(dest); err != nil {
		return InstalledPlugin{}, NewInstallRemoveError(dest, err)
	}
	if err := os.Rename(root, dest); err != nil {
		return InstalledPlugin{}, NewInstallUnpackError(source, err)
	}

	now := timecache.CachedTime()
	record := InstalledPlugin{
		Manifest:    *manifest,
		InstallPath: dest,
		Status:      StatusInstalled,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if err := m.store.Save(record); err != nil {
		_ = m.installer.Remove(dest)
		return InstalledPlugin{}, err
	}

	m.mu.Lock()
	m.plugins[id] = &managedPlugin{record: record.clone(), subscriptions: make(map[string]struct{})}
	m.mu.Unlock()
	m.logger.Info("Plugin installed", "plugin_id", id, "version", manifest.Version, "path", dest)
	m.lifecycle.Publish(PluginLifecycleEvent{PluginID: id, Status: StatusInstalled, Timestamp: now})

	if options.Enable {
		err := m.EnablePlugin(ctx, id)
		current, _ := m.record(id)
		return current, err
	}
	return record, nil
}

func (m *PluginManager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, installed := m.plugins[id]
	_, installing := m.installing[id]
	if installed || installing {
		return NewPluginAlreadyExistsError(id)
	}
	m.installing[id] = struct{}{}
	return nil
}

func (m *PluginManager) unreserve(id string) {
	m.mu.Lock()
	delete(m.installing, id)
	m.mu.Unlock()
}

// download fetches an archive through a pooled HTTP connection.
func (m *PluginManager) download(ctx context.Context, rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", NewInvalidInstallRequestError("install URL must be an absolute http(s) URL")
	}
	cfg := m.managerConfig()
	ctx, cancel := context.WithTimeout(ctx, cfg.DownloadTimeout)
	defer cancel()

	conn, err := m.connections.Acquire(ctx, ConnectionHTTP, ConnectionOptions{Target: u.Scheme + "://" + u.Host})
	if err != nil {
		return "", NewInstallDownloadError(rawURL, err)
	}
	defer m.connections.Release(conn.ID)

	downloader, ok := m.installer.(archiveDownloader)
	if !ok {
		downloader = NewFileSystemInstaller(cfg.MaxDownloadSize, m.logger)
	}
	return downloader.Download(ctx, conn.HTTPClient(), rawURL, dir)
}

// ValidatePluginFile checks a plugin directory or archive without
// installing it.
func (m *PluginManager) ValidatePluginFile(path string) (*PluginManifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, NewInstallUnpackError(path, err)
	}
	dir := path
	if !info.IsDir() {
		tmp, err := os.MkdirTemp("", "plugin-validate-")
		if err != nil {
			return nil, NewInstallUnpackError(path, err)
		}
		defer func() { _ = os.RemoveAll(tmp) }()
		if err := m.installer.Unpack(context.Background(), path, tmp); err != nil {
			return nil, err
		}
		dir = tmp
	}
	root := PluginRoot(dir)
	manifest, err := LoadManifest(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(manifest.Main))); err != nil {
		return nil, NewManifestInvalidError("main file "+manifest.Main+" not found", err)
	}
	return manifest, nil
}

// EnablePlugin starts the plugin's sandbox session through the lazy loader.
// Enabling a running plugin is a no-op.
func (m *PluginManager) EnablePlugin(ctx context.Context, id string) error {
	mp, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.closed.Load() {
		return NewPoolClosedError("plugin manager")
	}
	mp.op.Lock()
	mp.restarts = 0
	mp.op.Unlock()

	m.register(id, mp)
	result := m.loader.LoadPlugin(ctx, id)
	if !result.Success {
		if HasErrorCode(result.Error, ErrCodeLoaderSuspended) {
			return result.Error
		}
		return m.activationError(id, result.Error)
	}
	return nil
}

// register hands the plugin to the lazy loader unless it is registered.
func (m *PluginManager) register(id string, mp *managedPlugin) {
	if m.loader.IsRegistered(id) {
		return
	}
	record, _ := m.record(id)
	m.loader.RegisterPlugin(id, LazyPluginOptions{
		Priority: ParsePriority(record.Manifest.Priority),
		Loader:   func(ctx context.Context) error { return m.load(ctx, id, mp) },
	})
}

// activationError unwraps the loader's wrapper so callers see the cause.
func (m *PluginManager) activationError(id string, err error) error {
	if err == nil {
		return NewLoaderNotRegisteredError(id)
	}
	if HasErrorCode(err, ErrCodeLoaderFailed) {
		if cause := unwrapStructured(err); cause != nil {
			return cause
		}
	}
	return err
}

// load is the LazyLoader callback. It is the only path that starts a
// session.
func (m *PluginManager) load(ctx context.Context, id string, mp *managedPlugin) error {
	mp.op.Lock()
	defer mp.op.Unlock()
	if m.closed.Load() {
		return NewPoolClosedError("plugin manager")
	}
	if _, running := m.Session(id); running {
		return nil
	}
	if err := m.activate(ctx, id, mp); err != nil {
		m.logger.Error("Plugin activation failed", "plugin_id", id, "error", err)
		if serr := m.setStatus(id, StatusError, err); serr != nil {
			m.logger.Warn("Failed to persist plugin status", "plugin_id", id, "error", serr)
		}
		return err
	}
	return m.setStatus(id, StatusRunning, nil)
}

func (m *PluginManager) activate(ctx context.Context, id string, mp *managedPlugin) error {
	record, ok := m.record(id)
	if !ok {
		return NewPluginNotFoundError(id)
	}
	for _, dep := range record.Manifest.Dependencies {
		if _, ok := m.record(dep); !ok {
			return NewDependencyMissingError(id, dep)
		}
	}

	sandbox := m.sandboxConfig()
	session, err := StartSandboxSession(ctx, m.launcher, SessionOptions{
		PluginID:   id,
		PluginPath: record.InstallPath,
		Env:        SandboxEnv(sandbox.EnvAllowList),
		Config:     sandbox,
		Resolver:   m.resolveBridge,
		Logger:     m.logger,
	})
	if err != nil {
		return err
	}

	limiter := NewRateLimiter(id, m.rateLimitConfig(), m.logger)
	detach := []func(){
		limiter.QuotaWarningEvents().Subscribe(func(e QuotaWarningEvent) {
			m.logger.Warn("Rate limit quota warning", "plugin_id", e.PluginID, "window", string(e.Type), "usage", e.Usage, "limit", e.Limit)
			m.quotaWarnings.Publish(e)
		}),
		limiter.ExceededEvents().Subscribe(m.rateLimited.Publish),
		session.Events().Subscribe(func(e SessionEvent) { m.handleSessionEvent(id, session, e) }),
	}

	m.monitor.StartMonitoringPlugin(id)
	if m.processes != nil && sandbox.Launcher == LauncherSubprocess {
		if err := m.processes.Track(id, session.PID()); err != nil {
			m.logger.Debug("Process tracking unavailable", "plugin_id", id, "error", err)
		}
	}

	m.mu.Lock()
	mp.session = session
	mp.limiter = limiter
	mp.detach = detach
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watchSession(id, mp, session)
	return nil
}

func (m *PluginManager) handleSessionEvent(id string, session *SandboxSession, e SessionEvent) {
	switch e.Type {
	case SessionEventMemoryUsage:
		if e.Usage != nil {
			m.monitor.RecordMemoryUsage(id, e.Usage.HeapUsed)
		}
	case SessionEventError:
		m.monitor.RecordError(id)
		if strings.HasPrefix(e.Message, memoryLimitPrefix) {
			usage, _ := session.LastMemoryUsage()
			m.failAsync(id, session, NewMemoryLimitError(usage.HeapUsed, m.sandboxConfig().MaxMemoryUsage))
		}
	}
}

// memoryLimitPrefix starts the worker's self-reported memory limit error.
const memoryLimitPrefix = "Memory usage exceeded limit"

// watchSession turns an unexpected worker exit into an error status.
func (m *PluginManager) watchSession(id string, mp *managedPlugin, session *SandboxSession) {
	defer m.wg.Done()
	<-session.Done()
	m.fail(id, mp, session, NewWorkerTerminatedError(session.WorkerID))
}

// failAsync runs fail off the caller's goroutine; session event handlers run
// on the session's receive loop and must not wait for its shutdown.
func (m *PluginManager) failAsync(id string, session *SandboxSession, cause error) {
	mp, err := m.lookup(id)
	if err != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.fail(id, mp, session, cause)
	}()
}

// fail tears down session if it is still the plugin's active one, marks the
// plugin as errored and schedules an automatic restart when configured.
func (m *PluginManager) fail(id string, mp *managedPlugin, session *SandboxSession, cause error) {
	mp.op.Lock()
	m.mu.RLock()
	current := mp.session == session
	m.mu.RUnlock()
	if !current {
		mp.op.Unlock()
		return
	}
	m.logger.Warn("Plugin failed", "plugin_id", id, "error", cause)
	if err := m.stopSession(id, mp); err != nil {
		m.logger.Debug("Sandbox teardown reported an error", "plugin_id", id, "error", err)
	}
	m.loader.MarkUnloaded(id)
	if err := m.setStatus(id, StatusError, cause); err != nil {
		m.logger.Warn("Failed to persist plugin status", "plugin_id", id, "error", err)
	}

	cfg := m.managerConfig()
	restart := cfg.RestartOnFailure && !m.closed.Load() && mp.restarts < cfg.MaxRestartAttempts
	if restart {
		mp.restarts++
	}
	attempt := mp.restarts
	mp.op.Unlock()

	if !restart {
		return
	}
	m.logger.Info("Restarting plugin after failure", "plugin_id", id, "attempt", attempt)
	sandbox := m.sandboxConfig()
	ctx, cancel := context.WithTimeout(context.Background(), sandbox.LoadTimeout+sandbox.ShutdownTimeout+hostExecutionGrace)
	defer cancel()
	if result := m.loader.LoadPlugin(ctx, id); !result.Success {
		m.logger.Warn("Plugin restart failed", "plugin_id", id, "attempt", attempt, "error", result.Error)
	}
}

// stopSession closes the active session and releases everything the plugin
// holds in the shared components. The caller holds mp.op.
func (m *PluginManager) stopSession(id string, mp *managedPlugin) error {
	m.mu.Lock()
	session, detach := mp.session, mp.detach
	mp.session, mp.limiter, mp.detach = nil, nil, nil
	mp.subscriptions = make(map[string]struct{})
	m.mu.Unlock()

	for _, d := range detach {
		d()
	}
	var errs error
	if session != nil {
		errs = multierr.Append(errs, session.Close())
	}
	m.monitor.StopMonitoringPlugin(id)
	m.cache.ClearPlugin(id)
	blocks := m.memory.FreeOwner(id)
	conns := m.connections.ReleaseOwner(id)
	if m.processes != nil {
		m.processes.Untrack(id)
	}
	if session != nil {
		m.logger.Debug("Released plugin resources", "plugin_id", id, "memory_blocks", blocks, "connections", conns)
	}
	return errs
}

// DisablePlugin stops the plugin's session and releases its resources.
// Disabling a plugin that is not running only updates its status.
func (m *PluginManager) DisablePlugin(_ context.Context, id string) error {
	mp, err := m.lookup(id)
	if err != nil {
		return err
	}
	mp.op.Lock()
	defer mp.op.Unlock()

	errs := m.stopSession(id, mp)
	m.loader.UnregisterPlugin(id)

	record, _ := m.record(id)
	if record.Status != StatusStopped || record.Enabled {
		errs = multierr.Append(errs, m.setStatus(id, StatusStopped, nil))
	}
	return errs
}

// UninstallPlugin disables the plugin and removes its files, storage and
// record.
func (m *PluginManager) UninstallPlugin(ctx context.Context, id string) error {
	disableErr := m.DisablePlugin(ctx, id)
	if HasErrorCode(disableErr, ErrCodePluginNotFound) {
		return disableErr
	}
	mp, err := m.lookup(id)
	if err != nil {
		return err
	}
	mp.op.Lock()
	defer mp.op.Unlock()

	record, _ := m.record(id)
	errs := multierr.Combine(
		disableErr,
		m.store.ClearValues(id),
		m.store.Delete(id),
		m.installer.Remove(record.InstallPath),
	)

	m.mu.Lock()
	delete(m.plugins, id)
	delete(m.alerts, id)
	m.mu.Unlock()

	m.logger.Info("Plugin uninstalled", "plugin_id", id)
	m.lifecycle.Publish(PluginLifecycleEvent{
		PluginID:  id,
		Previous:  record.Status,
		Status:    StatusUninstalled,
		Timestamp: timecache.CachedTime(),
	})
	return errs
}

// RestartPlugin disables and re-enables the plugin.
func (m *PluginManager) RestartPlugin(ctx context.Context, id string) error {
	if err := m.DisablePlugin(ctx, id); err != nil {
		return err
	}
	return m.EnablePlugin(ctx, id)
}

// LoadInstalled restores persisted records and loads the enabled plugins
// class by class in priority order. Plugins deferred by a suspended loader
// are loaded on their first execution.
func (m *PluginManager) LoadInstalled(ctx context.Context) error {
	records, err := m.store.LoadAll()
	if err != nil {
		return err
	}

	var enabled []string
	m.mu.Lock()
	for _, r := range records {
		if _, ok := m.plugins[r.ID()]; ok {
			continue
		}
		if r.Status == StatusRunning {
			r.Status = StatusStopped
			if !r.Enabled {
				r.Status = StatusInstalled
			}
		}
		mp := &managedPlugin{record: r, subscriptions: make(map[string]struct{})}
		m.plugins[r.ID()] = mp
		if r.Enabled {
			enabled = append(enabled, r.ID())
		}
	}
	m.mu.Unlock()
	m.logger.Info("Restored installed plugins", "count", len(records), "enabled", len(enabled))

	for _, id := range enabled {
		mp, err := m.lookup(id)
		if err != nil {
			continue
		}
		record, _ := m.record(id)
		if _, err := os.Stat(record.InstallPath); err != nil {
			_ = m.setStatus(id, StatusError, NewInstallUnpackError(record.InstallPath, err))
			continue
		}
		m.register(id, mp)
	}

	var errs error
	for _, result := range m.loader.LoadAll(ctx) {
		switch {
		case result.Success:
		case HasErrorCode(result.Error, ErrCodeLoaderSuspended):
			m.logger.Info("Plugin load deferred", "plugin_id", result.PluginID, "reason", ErrorMessage(result.Error))
		default:
			errs = multierr.Append(errs, m.activationError(result.PluginID, result.Error))
		}
	}
	return errs
}

// Shutdown stops every plugin and closes all components. The manager
// cannot be used afterwards.
func (m *PluginManager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Info("Shutting down plugin manager")

	m.mu.RLock()
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errs error
	for _, id := range ids {
		mp, err := m.lookup(id)
		if err != nil {
			continue
		}
		mp.op.Lock()
		errs = multierr.Append(errs, m.stopSession(id, mp))
		mp.op.Unlock()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown timeout reached, forcing shutdown")
	}

	for _, unsubscribe := range m.unsubs {
		unsubscribe()
	}
	m.monitor.Close()
	m.cache.Close()
	m.memory.Destroy()
	errs = multierr.Append(errs, m.connections.Close())
	m.logger.Info("Plugin manager shutdown complete")
	return errs
}
