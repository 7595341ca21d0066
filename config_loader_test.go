// config_loader_test.go: Tests for multi-format configuration loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agilira/argus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlRuntimeConfig = `
memory_pool:
  max_pool_size: 1048576
  cleanup_interval: 45s
rate_limit:
  max_requests_per_minute: 120
  burst_window: 5s
sandbox:
  execution_timeout: 2s
  env_allow_list: [TZ]
manager:
  plugins_dir: ${RUNTIME_TEST_HOME:-/srv}/plugins
  restart_on_failure: true
`

const tomlRuntimeConfig = `
[cache]
max_items = 25
default_ttl = "90s"

[lazy_loader]
max_concurrent_loads = 7
load_timeout = "12s"
`

const jsonRuntimeConfig = `{
  "connection_pool": {"max_connections": 8, "idle_timeout": "30s"},
  "monitor": {"monitor_interval": 2000000000}
}`

func TestParseRuntimeConfig_Formats(t *testing.T) {
	t.Run("YAML", func(t *testing.T) {
		config, err := ParseRuntimeConfig([]byte(yamlRuntimeConfig), argus.FormatYAML)
		require.NoError(t, err)
		assert.Equal(t, int64(1048576), config.MemoryPool.MaxPoolSize)
		assert.Equal(t, 45*time.Second, config.MemoryPool.CleanupInterval)
		assert.Equal(t, 120, config.RateLimit.MaxRequestsPerMinute)
		assert.Equal(t, 5*time.Second, config.RateLimit.BurstWindow)
		assert.Equal(t, 2*time.Second, config.Sandbox.ExecutionTimeout)
		assert.Equal(t, []string{"TZ"}, config.Sandbox.EnvAllowList)
		assert.Equal(t, "/srv/plugins", config.Manager.PluginsDir)
		assert.True(t, config.Manager.RestartOnFailure)
		// Untouched sections keep their defaults.
		assert.Equal(t, DefaultCacheConfig(), config.Cache)
	})

	t.Run("TOML", func(t *testing.T) {
		config, err := ParseRuntimeConfig([]byte(tomlRuntimeConfig), argus.FormatTOML)
		require.NoError(t, err)
		assert.Equal(t, 25, config.Cache.MaxItems)
		assert.Equal(t, 90*time.Second, config.Cache.DefaultTTL)
		assert.Equal(t, 7, config.LazyLoader.MaxConcurrentLoads)
		assert.Equal(t, 12*time.Second, config.LazyLoader.LoadTimeout)
	})

	t.Run("JSON", func(t *testing.T) {
		config, err := ParseRuntimeConfig([]byte(jsonRuntimeConfig), argus.FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, 8, config.ConnectionPool.MaxConnections)
		assert.Equal(t, 30*time.Second, config.ConnectionPool.IdleTimeout)
		assert.Equal(t, 2*time.Second, config.Monitor.MonitorInterval, "numeric durations are nanoseconds")
	})

	t.Run("Empty", func(t *testing.T) {
		config, err := ParseRuntimeConfig([]byte("  \n"), argus.FormatYAML)
		require.NoError(t, err)
		assert.Equal(t, DefaultRuntimeConfig(), config)
	})
}

func TestParseRuntimeConfig_Errors(t *testing.T) {
	_, err := ParseRuntimeConfig([]byte("rate_limit: [unterminated"), argus.FormatYAML)
	assert.Error(t, err)

	_, err = ParseRuntimeConfig([]byte(`{"rate_limit":{"quota_warning_ratio":4}}`), argus.FormatJSON)
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidation))

	_, err = ParseRuntimeConfig([]byte("x = 1"), argus.DetectFormat("settings.txt"))
	assert.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("RUNTIME_TEST_SET", "value")
	t.Setenv("RUNTIME_TEST_EMPTY", "")

	assert.Equal(t, "plain", ExpandEnv("plain"))
	assert.Equal(t, "value/x", ExpandEnv("${RUNTIME_TEST_SET}/x"))
	assert.Equal(t, "fallback", ExpandEnv("${RUNTIME_TEST_EMPTY:-fallback}"))
	assert.Equal(t, "fallback", ExpandEnv("${RUNTIME_TEST_UNSET:-fallback}"))
	assert.Equal(t, "", ExpandEnv("${RUNTIME_TEST_UNSET}"))
}

func TestParseRuntimeConfig_EnvOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"RATE_LIMIT_PER_MINUTE", "33")
	t.Setenv(EnvPrefix+"SANDBOX_EXECUTION_TIMEOUT", "750ms")
	t.Setenv(EnvPrefix+"PLUGINS_DIR", "/opt/plugins")
	t.Setenv(EnvPrefix+"MEMORY_POOL_MAX_SIZE", "2048")

	config, err := ParseRuntimeConfig([]byte(yamlRuntimeConfig), argus.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, 33, config.RateLimit.MaxRequestsPerMinute)
	assert.Equal(t, 750*time.Millisecond, config.Sandbox.ExecutionTimeout)
	assert.Equal(t, "/opt/plugins", config.Manager.PluginsDir)
	assert.Equal(t, int64(2048), config.MemoryPool.MaxPoolSize)

	t.Setenv(EnvPrefix+"RATE_LIMIT_BURST", "many")
	_, err = ParseRuntimeConfig(nil, argus.FormatJSON)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidation))
	assert.Contains(t, ErrorMessage(err), EnvPrefix+"RATE_LIMIT_BURST")
}

func TestLoadRuntimeConfig_DetectsFormatFromExtension(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"runtime.yaml": yamlRuntimeConfig,
		"runtime.toml": tomlRuntimeConfig,
		"runtime.json": jsonRuntimeConfig,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
		_, err := LoadRuntimeConfig(path)
		assert.NoError(t, err, name)
	}

	_, err := LoadRuntimeConfig(filepath.Join(dir, "missing.yaml"))
	assert.True(t, HasErrorCode(err, ErrCodeConfigLoad))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0600))
	_, err = LoadRuntimeConfig(bad)
	assert.True(t, HasErrorCode(err, ErrCodeConfigLoad))
}
