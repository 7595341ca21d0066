// manager_test.go: Tests for the plugin manager lifecycle and host bridge
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRuntimeConfig(env *TestEnvironment) RuntimeConfig {
	config := DefaultRuntimeConfig()
	config.Manager.PluginsDir = env.CreateTempDir("plugins")
	config.Manager.DataDir = env.CreateTempDir("data")
	config.Sandbox = testSandboxConfig()
	config.Monitor.MonitorInterval = time.Hour
	return config
}

func openTestManager(t *testing.T, config RuntimeConfig) *PluginManager {
	t.Helper()
	m, err := NewPluginManager(ManagerOptions{Config: config, Sampler: fixedSampler(0, 0)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func newTestManager(t *testing.T, mutate ...func(*RuntimeConfig)) (*PluginManager, *TestEnvironment) {
	t.Helper()
	env := NewTestEnvironment(t)
	config := testRuntimeConfig(env)
	for _, fn := range mutate {
		fn(&config)
	}
	return openTestManager(t, config), env
}

func installFixture(t *testing.T, m *PluginManager, env *TestEnvironment, fixture pluginFixture, enable bool) InstalledPlugin {
	t.Helper()
	record, err := m.InstallPlugin(context.Background(), InstallOptions{FilePath: env.WritePlugin(fixture), Enable: enable})
	require.NoError(t, err)
	return record
}

func pluginStatus(t *testing.T, m *PluginManager, id string) PluginStatus {
	t.Helper()
	record, err := m.GetPlugin(id)
	require.NoError(t, err)
	return record.Status
}

const managedSource = `
class Managed {
	constructor(api) { this.api = api; }
	greet(name) { return 'hello ' + name; }
	fail() { throw new Error('boom'); }
	explode() { Promise.reject(new Error('lost')); return 'fired'; }
}
module.exports = Managed;
`

const notesSource = `
class Notes {
	constructor(api) { this.api = api; }
	async put(k, v) { await this.api.storage.set(k, v); return true; }
	async read(k) { return await this.api.storage.get(k); }
	async remove(k) { return await this.api.storage.delete(k); }
	async fetch(url) {
		try {
			var r = await this.api.http.get(url, { headers: { 'X-Plugin': 'notes' } });
			return { status: r.status, data: r.data };
		} catch (e) {
			return { error: e.message };
		}
	}
	async send(url, body) { var r = await this.api.http.post(url, body); return r.data; }
	async listen(name) {
		var self = this;
		await this.api.events.on(name, function (d) { self.api.storage.set('got-' + name, d); });
		return true;
	}
	async shout(name, data) { await this.api.events.emit(name, data); return true; }
}
module.exports = Notes;
`

func TestPluginManager_InstallEnableExecuteDisable(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()
	lifecycle := recordEvents(t, m.LifecycleEvents())

	record := installFixture(t, m, env, simplePlugin("greeter", nil, managedSource), true)
	assert.Equal(t, StatusRunning, record.Status)
	assert.True(t, record.Enabled)
	require.NotNil(t, record.EnabledAt)
	assert.Equal(t, filepath.Join(m.Config().Manager.PluginsDir, "greeter"), record.InstallPath)

	result, err := m.ExecutePlugin(ctx, "greeter", "greet", "world")
	require.NoError(t, err)
	assert.JSONEq(t, `"hello world"`, string(result))
	assert.True(t, m.Monitor().IsMonitoring("greeter"))
	_, limited := m.RateLimitStatus("greeter")
	assert.True(t, limited)

	require.NoError(t, m.DisablePlugin(ctx, "greeter"))
	record, err = m.GetPlugin("greeter")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, record.Status)
	assert.False(t, record.Enabled)
	_, running := m.Session("greeter")
	assert.False(t, running)
	assert.False(t, m.Monitor().IsMonitoring("greeter"))
	_, limited = m.RateLimitStatus("greeter")
	assert.False(t, limited)
	assert.False(t, m.Loader().IsRegistered("greeter"))

	_, err = m.ExecutePlugin(ctx, "greeter", "greet", "again")
	assert.True(t, HasErrorCode(err, ErrCodePluginNotRunning))
	require.NoError(t, m.DisablePlugin(ctx, "greeter"))

	var statuses []PluginStatus
	for _, e := range lifecycle.All() {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []PluginStatus{StatusInstalled, StatusRunning, StatusStopped}, statuses)
}

func TestPluginManager_InstallRejections(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()
	installFixture(t, m, env, simplePlugin("greeter", nil, managedSource), false)

	_, err := m.InstallPlugin(ctx, InstallOptions{FilePath: env.WritePlugin(simplePlugin("greeter", nil, managedSource))})
	require.Error(t, err)
	assert.Equal(t, "plugin 'greeter' already exists", ErrorMessage(err))

	_, err = m.InstallPlugin(ctx, InstallOptions{FilePath: "a", URL: "http://example.com/a.zip"})
	assert.True(t, HasErrorCode(err, ErrCodeInvalidInstallRequest))
	_, err = m.InstallPlugin(ctx, InstallOptions{})
	assert.True(t, HasErrorCode(err, ErrCodeInvalidInstallRequest))

	noVersion := simplePlugin("broken", nil, managedSource)
	delete(noVersion.Manifest, "version")
	_, err = m.InstallPlugin(ctx, InstallOptions{FilePath: env.WritePlugin(noVersion)})
	assert.True(t, HasErrorCode(err, ErrCodeManifestMissingField))

	noMain := simplePlugin("nomain", nil, managedSource)
	noMain.Manifest["main"] = "missing.js"
	_, err = m.InstallPlugin(ctx, InstallOptions{FilePath: env.WritePlugin(noMain)})
	assert.True(t, HasErrorCode(err, ErrCodeManifestInvalid))

	entries, err := os.ReadDir(m.Config().Manager.PluginsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "failed installs must not leave files behind")
	assert.Equal(t, "greeter", entries[0].Name())
	assert.Len(t, m.ListPlugins(), 1)

	for _, op := range []func() error{
		func() error { return m.EnablePlugin(ctx, "ghost") },
		func() error { return m.DisablePlugin(ctx, "ghost") },
		func() error { return m.UninstallPlugin(ctx, "ghost") },
		func() error { _, err := m.GetPlugin("ghost"); return err },
		func() error { _, err := m.ExecutePlugin(ctx, "ghost", "greet"); return err },
		func() error { _, err := m.GeneratePerformanceReport("ghost"); return err },
		func() error { _, err := m.API("ghost"); return err },
	} {
		err := op()
		require.Error(t, err)
		assert.Equal(t, "plugin 'ghost' does not exist", ErrorMessage(err))
	}
}

func TestPluginManager_InstallFromZip(t *testing.T) {
	m, env := newTestManager(t)
	archive := env.WriteZip("greeter.zip", pluginZipEntries("greeter-1.0.0/", simplePlugin("greeter", nil, managedSource))...)

	record, err := m.InstallPlugin(context.Background(), InstallOptions{FilePath: archive, Enable: true})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(record.InstallPath, "index.js"))
	assert.FileExists(t, filepath.Join(record.InstallPath, ManifestFileName))

	result, err := m.ExecutePlugin(context.Background(), "greeter", "greet", "zip")
	require.NoError(t, err)
	assert.JSONEq(t, `"hello zip"`, string(result))
}

func TestPluginManager_ZipSlipRejected(t *testing.T) {
	m, env := newTestManager(t)
	entries := append(pluginZipEntries("", simplePlugin("evil", nil, managedSource)),
		zipEntry{Name: "../../escaped.js", Content: "pwned"})
	archive := env.WriteZip("evil.zip", entries...)

	_, err := m.InstallPlugin(context.Background(), InstallOptions{FilePath: archive})
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodePathTraversal))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(m.Config().Manager.PluginsDir), "escaped.js"))
	assert.Empty(t, m.ListPlugins())

	symlinked := env.WriteZip("link.zip", append(pluginZipEntries("", simplePlugin("linked", nil, managedSource)),
		zipEntry{Name: "passwd", Content: "/etc/passwd", Mode: os.ModeSymlink | 0o777})...)
	_, err = m.InstallPlugin(context.Background(), InstallOptions{FilePath: symlinked})
	assert.True(t, HasErrorCode(err, ErrCodePathTraversal))
}

func TestPluginManager_InstallFromURL(t *testing.T) {
	m, env := newTestManager(t)
	archive := env.WriteZip("remote.zip", pluginZipEntries("", simplePlugin("remote", nil, managedSource))...)
	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	server := env.CreateMockHTTPServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/remote.zip" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(data)
	})

	record, err := m.InstallPlugin(context.Background(), InstallOptions{URL: server.URL + "/remote.zip"})
	require.NoError(t, err)
	assert.Equal(t, "remote", record.ID())
	assert.Equal(t, StatusInstalled, record.Status)
	assert.GreaterOrEqual(t, m.Connections().Stats().Created, uint64(1))

	_, err = m.InstallPlugin(context.Background(), InstallOptions{URL: server.URL + "/missing.zip"})
	assert.True(t, HasErrorCode(err, ErrCodeInstallDownload))
	_, err = m.InstallPlugin(context.Background(), InstallOptions{URL: "ftp://example.com/x.zip"})
	assert.True(t, HasErrorCode(err, ErrCodeInvalidInstallRequest))
}

func TestPluginManager_ValidatePluginFile(t *testing.T) {
	m, env := newTestManager(t)

	manifest, err := m.ValidatePluginFile(env.WritePlugin(simplePlugin("checked", []string{"storage"}, managedSource)))
	require.NoError(t, err)
	assert.Equal(t, "checked", manifest.ID)
	assert.True(t, manifest.HasPermission(PermissionStorage))

	archive := env.WriteZip("checked.zip", pluginZipEntries("pkg/", simplePlugin("zipped", nil, managedSource))...)
	manifest, err = m.ValidatePluginFile(archive)
	require.NoError(t, err)
	assert.Equal(t, "zipped", manifest.ID)
	assert.Empty(t, m.ListPlugins())

	noMain := simplePlugin("nomain", nil, managedSource)
	noMain.Manifest["main"] = "lib/main.js"
	_, err = m.ValidatePluginFile(env.WritePlugin(noMain))
	assert.True(t, HasErrorCode(err, ErrCodeManifestInvalid))
}

func TestPluginManager_StorageIsPersistentAndCached(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()
	installFixture(t, m, env, simplePlugin("notes", []string{"storage"}, notesSource), true)

	_, err := m.ExecutePlugin(ctx, "notes", "put", "color", map[string]any{"name": "teal"})
	require.NoError(t, err)
	stored, ok, err := m.Store().GetValue("notes", "color")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"teal"}`, string(stored))

	result, err := m.ExecutePlugin(ctx, "notes", "read", "color")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"teal"}`, string(result))
	assert.GreaterOrEqual(t, m.Cache().Stats("notes").Hits, uint64(1))

	result, err = m.ExecutePlugin(ctx, "notes", "read", "absent")
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(result))

	// Disabling drops the cache namespace but not the persisted values.
	require.NoError(t, m.DisablePlugin(ctx, "notes"))
	assert.Zero(t, m.Cache().Stats("notes").TotalItems)
	require.NoError(t, m.EnablePlugin(ctx, "notes"))
	result, err = m.ExecutePlugin(ctx, "notes", "read", "color")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"teal"}`, string(result))

	result, err = m.ExecutePlugin(ctx, "notes", "remove", "color")
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(result))
	_, ok, err = m.Store().GetValue("notes", "color")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPluginManager_PermissionDeniedFailsThePlugin(t *testing.T) {
	m, env := newTestManager(t)
	installFixture(t, m, env, simplePlugin("notes", nil, notesSource), true)

	_, err := m.ExecutePlugin(context.Background(), "notes", "put", "k", 1)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeSandboxExecution))
	assert.Contains(t, ErrorMessage(err), `permission "storage" is required for storage.set`)

	record, err := m.GetPlugin("notes")
	require.NoError(t, err)
	assert.Equal(t, StatusError, record.Status)
	assert.True(t, record.Enabled)
	assert.Contains(t, record.LastError, "storage.set")

	api, err := m.API("notes")
	require.NoError(t, err)
	err = api.Storage.Set(context.Background(), "k", json.RawMessage(`1`))
	assert.True(t, HasErrorCode(err, ErrCodePermissionDenied))
	assert.True(t, HasErrorCode(api.Events.On("tick"), ErrCodePermissionDenied))
}

func TestPluginManager_BridgedHTTPUsesPoolsAndLimiter(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()
	server := env.CreateMockHTTPServer(nil)
	server.SetResponse(http.MethodPost, "/echo", MockResponse{StatusCode: http.StatusCreated, Body: map[string]any{"created": true}})
	installFixture(t, m, env, simplePlugin("notes", []string{"http"}, notesSource), true)

	result, err := m.ExecutePlugin(ctx, "notes", "fetch", server.URL+"/hello")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200,"data":{"path":"/hello","method":"GET"}}`, string(result))
	require.Equal(t, 1, server.GetRequestCount())
	assert.Equal(t, "notes", server.requests[0].Header.Get("X-Plugin"))

	result, err = m.ExecutePlugin(ctx, "notes", "send", server.URL+"/echo", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"created":true}`, string(result))

	memory := m.Memory().Stats()
	assert.Equal(t, uint64(2), memory.TotalAllocated)
	assert.Zero(t, memory.ActiveBlocks)
	assert.Zero(t, m.Memory().OwnerUsage("notes"))
	assert.Zero(t, m.Connections().OwnerCount("notes"))
	assert.GreaterOrEqual(t, m.Connections().Stats().Reused, uint64(1))

	status, ok := m.RateLimitStatus("notes")
	require.True(t, ok)
	assert.Equal(t, 2, status.Windows[WindowMinute].Count)

	result, err = m.ExecutePlugin(ctx, "notes", "fetch", "not a url")
	require.NoError(t, err)
	assert.Contains(t, string(result), "invalid URL")
}

func TestPluginManager_BridgedHTTPRateLimited(t *testing.T) {
	m, env := newTestManager(t, func(c *RuntimeConfig) {
		c.RateLimit.BurstLimit = 1
		c.RateLimit.BurstWindow = time.Minute
	})
	server := env.CreateMockHTTPServer(nil)
	exceeded := recordEvents(t, m.RateLimitExceeded())
	installFixture(t, m, env, simplePlugin("notes", []string{"http"}, notesSource), true)

	_, err := m.ExecutePlugin(context.Background(), "notes", "fetch", server.URL+"/one")
	require.NoError(t, err)
	result, err := m.ExecutePlugin(context.Background(), "notes", "fetch", server.URL+"/two")
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Burst limit exceeded"}`, string(result))
	assert.Equal(t, 1, server.GetRequestCount())

	require.Equal(t, 1, exceeded.Len())
	assert.Equal(t, WindowBurst, exceeded.All()[0].Type)
	assert.Equal(t, "notes", exceeded.All()[0].PluginID)
}

func TestPluginManager_EventsBetweenPlugins(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()
	perms := []string{"events", "storage"}
	installFixture(t, m, env, simplePlugin("listener", perms, notesSource), true)
	installFixture(t, m, env, simplePlugin("emitter", perms, notesSource), true)
	bus := recordEvents(t, m.Events())

	_, err := m.ExecutePlugin(ctx, "listener", "listen", "ping")
	require.NoError(t, err)
	_, err = m.ExecutePlugin(ctx, "emitter", "listen", "ping")
	require.NoError(t, err)
	api, err := m.API("listener")
	require.NoError(t, err)
	assert.Equal(t, []string{"ping"}, api.Events.Subscriptions())

	_, err = m.ExecutePlugin(ctx, "emitter", "shout", "ping", map[string]int{"n": 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok, _ := m.Store().GetValue("listener", "got-ping")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	got, _, _ := m.Store().GetValue("listener", "got-ping")
	assert.JSONEq(t, `{"n":1}`, string(got))

	// The emitter does not hear its own event.
	_, echoed, _ := m.Store().GetValue("emitter", "got-ping")
	assert.False(t, echoed)
	require.Len(t, bus.All(), 1)
	assert.Equal(t, "emitter", bus.All()[0].Source)

	require.NoError(t, m.PublishEvent("ping", map[string]int{"n": 2}))
	require.Eventually(t, func() bool {
		v, _, _ := m.Store().GetValue("emitter", "got-ping")
		return string(v) == `{"n":2}`
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPluginManager_ExecutionFailureMarksError(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()
	installFixture(t, m, env, simplePlugin("greeter", nil, managedSource), true)

	_, err := m.ExecutePlugin(ctx, "greeter", "missing")
	assert.True(t, HasErrorCode(err, ErrCodeMethodNotFound))
	assert.Equal(t, StatusRunning, pluginStatus(t, m, "greeter"))

	_, err = m.ExecutePlugin(ctx, "greeter", "fail")
	require.Error(t, err)
	assert.Equal(t, "boom", ErrorMessage(err))
	record, err := m.GetPlugin("greeter")
	require.NoError(t, err)
	assert.Equal(t, StatusError, record.Status)
	assert.Equal(t, "boom", record.LastError)

	_, err = m.ExecutePlugin(ctx, "greeter", "greet", "x")
	assert.True(t, HasErrorCode(err, ErrCodePluginNotRunning))

	require.NoError(t, m.EnablePlugin(ctx, "greeter"))
	assert.Equal(t, StatusRunning, pluginStatus(t, m, "greeter"))
	result, err := m.ExecutePlugin(ctx, "greeter", "greet", "x")
	require.NoError(t, err)
	assert.JSONEq(t, `"hello x"`, string(result))
}

func TestPluginManager_RestartOnFailure(t *testing.T) {
	m, env := newTestManager(t, func(c *RuntimeConfig) {
		c.Manager.RestartOnFailure = true
		c.Manager.MaxRestartAttempts = 1
	})
	ctx := context.Background()
	installFixture(t, m, env, simplePlugin("greeter", nil, managedSource), true)
	first, _ := m.Session("greeter")

	_, err := m.ExecutePlugin(ctx, "greeter", "fail")
	require.Error(t, err)
	assert.Equal(t, StatusRunning, pluginStatus(t, m, "greeter"))
	second, ok := m.Session("greeter")
	require.True(t, ok)
	assert.NotEqual(t, first.WorkerID, second.WorkerID)

	// The attempt budget is used up.
	_, err = m.ExecutePlugin(ctx, "greeter", "fail")
	require.Error(t, err)
	assert.Equal(t, StatusError, pluginStatus(t, m, "greeter"))
}

func TestPluginManager_WorkerExitMarksError(t *testing.T) {
	m, env := newTestManager(t)
	installFixture(t, m, env, simplePlugin("greeter", nil, managedSource), true)

	_, _ = m.ExecutePlugin(context.Background(), "greeter", "explode")
	require.Eventually(t, func() bool {
		record, err := m.GetPlugin("greeter")
		return err == nil && record.Status == StatusError
	}, 3*time.Second, 10*time.Millisecond)

	record, err := m.GetPlugin("greeter")
	require.NoError(t, err)
	assert.Contains(t, record.LastError, "sandbox worker terminated")
	_, running := m.Session("greeter")
	assert.False(t, running)
	assert.False(t, m.Monitor().IsMonitoring("greeter"))
}

func TestPluginManager_DependencyMissing(t *testing.T) {
	m, env := newTestManager(t)
	fixture := simplePlugin("addon", nil, managedSource)
	fixture.Manifest["dependencies"] = []string{"base"}
	installFixture(t, m, env, fixture, false)

	err := m.EnablePlugin(context.Background(), "addon")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeDependencyMissing))
	assert.Equal(t, StatusError, pluginStatus(t, m, "addon"))

	installFixture(t, m, env, simplePlugin("base", nil, managedSource), false)
	require.NoError(t, m.EnablePlugin(context.Background(), "addon"))
	assert.Equal(t, StatusRunning, pluginStatus(t, m, "addon"))
}

func TestPluginManager_UninstallRemovesEverything(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()
	lifecycle := recordEvents(t, m.LifecycleEvents())
	record := installFixture(t, m, env, simplePlugin("notes", []string{"storage"}, notesSource), true)
	_, err := m.ExecutePlugin(ctx, "notes", "put", "k", "v")
	require.NoError(t, err)

	require.NoError(t, m.UninstallPlugin(ctx, "notes"))
	assert.NoDirExists(t, record.InstallPath)
	_, ok, err := m.Store().GetValue("notes", "k")
	require.NoError(t, err)
	assert.False(t, ok)
	stored, err := m.Store().LoadAll()
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, m.ListPlugins())
	_, err = m.GetPlugin("notes")
	assert.True(t, HasErrorCode(err, ErrCodePluginNotFound))

	events := lifecycle.All()
	require.NotEmpty(t, events)
	assert.Equal(t, StatusUninstalled, events[len(events)-1].Status)

	// The id is free again.
	installFixture(t, m, env, simplePlugin("notes", []string{"storage"}, notesSource), false)
}

func TestPluginManager_LoadInstalledRestoresEnabledPlugins(t *testing.T) {
	env := NewTestEnvironment(t)
	config := testRuntimeConfig(env)
	ctx := context.Background()

	first, err := NewPluginManager(ManagerOptions{Config: config, Sampler: fixedSampler(0, 0)})
	require.NoError(t, err)
	critical := simplePlugin("critical", nil, managedSource)
	critical.Manifest["priority"] = "critical"
	installFixture(t, first, env, critical, true)
	installFixture(t, first, env, simplePlugin("idle", nil, managedSource), false)
	require.NoError(t, first.Shutdown(ctx))

	second := openTestManager(t, config)
	require.NoError(t, second.LoadInstalled(ctx))
	assert.Equal(t, StatusRunning, pluginStatus(t, second, "critical"))
	assert.Equal(t, StatusInstalled, pluginStatus(t, second, "idle"))

	result, err := second.ExecutePlugin(ctx, "critical", "greet", "again")
	require.NoError(t, err)
	assert.JSONEq(t, `"hello again"`, string(result))
	_, err = second.ExecutePlugin(ctx, "idle", "greet", "x")
	assert.True(t, HasErrorCode(err, ErrCodePluginNotRunning))
}

func TestPluginManager_SuspendedLoaderDefersUntilFirstUse(t *testing.T) {
	env := NewTestEnvironment(t)
	config := testRuntimeConfig(env)
	ctx := context.Background()

	first, err := NewPluginManager(ManagerOptions{Config: config, Sampler: fixedSampler(0, 0)})
	require.NoError(t, err)
	installFixture(t, first, env, simplePlugin("greeter", nil, managedSource), true)
	require.NoError(t, first.Shutdown(ctx))

	second := openTestManager(t, config)
	second.Loader().Suspend("maintenance")
	require.NoError(t, second.LoadInstalled(ctx))
	assert.Equal(t, StatusStopped, pluginStatus(t, second, "greeter"))

	_, err = second.ExecutePlugin(ctx, "greeter", "greet", "x")
	assert.True(t, HasErrorCode(err, ErrCodeLoaderSuspended))

	second.Loader().Resume()
	result, err := second.ExecutePlugin(ctx, "greeter", "greet", "lazy")
	require.NoError(t, err)
	assert.JSONEq(t, `"hello lazy"`, string(result))
	assert.Equal(t, StatusRunning, pluginStatus(t, second, "greeter"))
}

func TestPluginManager_ConfigAPI(t *testing.T) {
	m, env := newTestManager(t)
	installFixture(t, m, env, simplePlugin("greeter", nil, managedSource), false)
	api, err := m.API("greeter")
	require.NoError(t, err)

	assert.Equal(t, "fallback", api.Config.Get("server.host", "fallback"))
	require.NoError(t, api.Config.Set("server.port", 8080))
	require.NoError(t, api.Config.Set("server.host", "localhost"))
	assert.Equal(t, float64(8080), api.Config.Get("server.port", 0))
	assert.Equal(t, "localhost", api.Config.GetString("server.host", ""))

	require.NoError(t, api.Config.Delete("server.host"))
	assert.Equal(t, "gone", api.Config.GetString("server.host", "gone"))

	stored, err := m.Store().LoadAll()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.JSONEq(t, `{"server":{"port":8080}}`, string(stored[0].Config))
}

func TestPluginManager_ApplyConfigUpdatesRunningLimiters(t *testing.T) {
	m, env := newTestManager(t)
	installFixture(t, m, env, simplePlugin("greeter", nil, managedSource), true)

	config := m.Config()
	config.RateLimit.MaxRequestsPerMinute = 7
	config.Manager.PluginsDir = "/elsewhere"
	require.NoError(t, m.ApplyConfig(config))

	status, ok := m.RateLimitStatus("greeter")
	require.True(t, ok)
	assert.Equal(t, 7, status.Windows[WindowMinute].Limit)
	assert.NotEqual(t, "/elsewhere", m.Config().Manager.PluginsDir)

	config.RateLimit.QuotaWarningRatio = 3
	assert.Error(t, m.ApplyConfig(config))
	assert.Equal(t, 7, m.Config().RateLimit.MaxRequestsPerMinute)
}

func TestPluginManager_GeneratePerformanceReport(t *testing.T) {
	m, env := newTestManager(t)
	installFixture(t, m, env, simplePlugin("greeter", nil, managedSource), true)
	installFixture(t, m, env, simplePlugin("idle", nil, managedSource), false)
	_, err := m.ExecutePlugin(context.Background(), "greeter", "greet", "x")
	require.NoError(t, err)

	report, err := m.GeneratePerformanceReport("greeter")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, report.Status)
	require.NotNil(t, report.Performance)
	require.NotNil(t, report.RateLimit)
	assert.Equal(t, 1, report.Loader.Registered)
	assert.Equal(t, 1, report.Loader.Loaded)
	assert.Positive(t, report.Memory.Pool.MaxPoolSize)
	assert.NotNil(t, report.Recommendations)

	idle, err := m.GeneratePerformanceReport("idle")
	require.NoError(t, err)
	assert.Nil(t, idle.Performance)
	assert.Nil(t, idle.RateLimit)
}

func TestPluginManager_ShutdownStopsEverything(t *testing.T) {
	m, env := newTestManager(t)
	installFixture(t, m, env, simplePlugin("greeter", nil, managedSource), true)
	session, ok := m.Session("greeter")
	require.True(t, ok)

	require.NoError(t, m.Shutdown(context.Background()))
	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session still running after shutdown")
	}
	require.NoError(t, m.Shutdown(context.Background()))

	_, err := m.InstallPlugin(context.Background(), InstallOptions{FilePath: env.WritePlugin(simplePlugin("late", nil, managedSource))})
	assert.True(t, HasErrorCode(err, ErrCodePoolClosed))
	// Shutdown keeps the enabled flag so the plugin comes back on restart.
	record, err := m.GetPlugin("greeter")
	require.NoError(t, err)
	assert.True(t, record.Enabled)
}
