// config_watcher_test.go: Tests for hot reloading the runtime configuration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRateLimitConfig(t *testing.T, path string, perMinute int) {
	t.Helper()
	content := fmt.Sprintf("rate_limit:\n  max_requests_per_minute: %d\n", perMinute)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func fastWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{PollInterval: 100 * time.Millisecond, CacheTTL: 50 * time.Millisecond}
}

func TestRuntimeConfigWatcher_AppliesInitialAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	writeRateLimitConfig(t, path, 10)

	var mu sync.Mutex
	var applied []int
	watcher := NewRuntimeConfigWatcher(path, func(c RuntimeConfig) error {
		mu.Lock()
		applied = append(applied, c.RateLimit.MaxRequestsPerMinute)
		mu.Unlock()
		return nil
	}, fastWatcherOptions(), NewTestLogger())
	require.NoError(t, watcher.Start())
	t.Cleanup(func() { _ = watcher.Stop() })

	current, ok := watcher.Current()
	require.True(t, ok)
	assert.Equal(t, 10, current.RateLimit.MaxRequestsPerMinute)

	// Let the first poll record the initial state before changing the file.
	time.Sleep(250 * time.Millisecond)
	writeRateLimitConfig(t, path, 20)

	require.Eventually(t, func() bool { return watcher.Reloads() >= 1 }, 5*time.Second, 50*time.Millisecond)
	current, _ = watcher.Current()
	assert.Equal(t, 20, current.RateLimit.MaxRequestsPerMinute)
	mu.Lock()
	assert.Equal(t, []int{10, 20}, applied[:2])
	mu.Unlock()
}

func TestRuntimeConfigWatcher_InvalidReloadKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	writeRateLimitConfig(t, path, 10)
	logger := NewTestLogger()

	watcher := NewRuntimeConfigWatcher(path, nil, fastWatcherOptions(), logger)
	require.NoError(t, watcher.Start())
	t.Cleanup(func() { _ = watcher.Stop() })

	time.Sleep(250 * time.Millisecond)
	writeRateLimitConfig(t, path, -5)

	require.Eventually(t, func() bool { return watcher.Failures() >= 1 }, 5*time.Second, 50*time.Millisecond)
	current, ok := watcher.Current()
	require.True(t, ok)
	assert.Equal(t, 10, current.RateLimit.MaxRequestsPerMinute)
	assert.True(t, logger.HasMessage("ERROR", "config reload rejected"))
}

func TestRuntimeConfigWatcher_StartErrors(t *testing.T) {
	dir := t.TempDir()

	missing := NewRuntimeConfigWatcher(filepath.Join(dir, "missing.yaml"), nil, fastWatcherOptions(), nil)
	err := missing.Start()
	assert.True(t, HasErrorCode(err, ErrCodeConfigLoad))
	_, ok := missing.Current()
	assert.False(t, ok)

	path := filepath.Join(dir, "runtime.yaml")
	writeRateLimitConfig(t, path, 10)
	rejecting := NewRuntimeConfigWatcher(path, func(RuntimeConfig) error {
		return NewConfigValidationError("nope")
	}, fastWatcherOptions(), nil)
	assert.True(t, HasErrorCode(rejecting.Start(), ErrCodeConfigWatcher))

	watcher := NewRuntimeConfigWatcher(path, nil, fastWatcherOptions(), nil)
	require.NoError(t, watcher.Start())
	assert.True(t, HasErrorCode(watcher.Start(), ErrCodeConfigWatcher))
	require.NoError(t, watcher.Stop())
	require.NoError(t, watcher.Stop())
	assert.True(t, HasErrorCode(watcher.Start(), ErrCodeConfigWatcher), "a stopped watcher cannot restart")
}

func TestPluginManager_WatchConfig(t *testing.T) {
	m, env := newTestManager(t)
	installFixture(t, m, env, simplePlugin("greeter", nil, managedSource), true)

	path := filepath.Join(env.CreateTempDir("config"), "runtime.yaml")
	content := fmt.Sprintf("manager:\n  plugins_dir: %s\n  data_dir: %s\nrate_limit:\n  max_requests_per_minute: 9\n",
		m.Config().Manager.PluginsDir, m.Config().Manager.DataDir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	watcher, err := m.WatchConfig(path, fastWatcherOptions())
	require.NoError(t, err)
	defer func() { _ = watcher.Stop() }()

	assert.Equal(t, 9, m.Config().RateLimit.MaxRequestsPerMinute)
	status, ok := m.RateLimitStatus("greeter")
	require.True(t, ok)
	assert.Equal(t, 9, status.Windows[WindowMinute].Limit)
}
