// config_test.go: Tests for runtime configuration defaults and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRuntimeConfig_IsValid(t *testing.T) {
	config := DefaultRuntimeConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, int64(100*1024*1024), config.MemoryPool.MaxPoolSize)
	assert.Equal(t, 0.8, config.MemoryPool.MemoryThreshold)
	assert.Equal(t, 50, config.ConnectionPool.MaxConnections)
	assert.Equal(t, 1000, config.Cache.MaxItems)
	assert.Equal(t, 60, config.RateLimit.MaxRequestsPerMinute)
	assert.Equal(t, 10*time.Second, config.RateLimit.BurstWindow)
	assert.Equal(t, LauncherInProcess, config.Sandbox.Launcher)
	assert.Equal(t, 10*time.Second, config.Sandbox.BridgeTimeout)
	assert.Equal(t, 3, config.LazyLoader.MaxConcurrentLoads)
}

func TestRuntimeConfig_ApplyDefaultsFillsZeroValues(t *testing.T) {
	var config RuntimeConfig
	config.RateLimit.MaxRequestsPerMinute = 5
	config.ConnectionPool.MaxConnections = 1
	config.ConnectionPool.MinIdle = 4
	config.ApplyDefaults()

	require.NoError(t, config.Validate())
	assert.Equal(t, 5, config.RateLimit.MaxRequestsPerMinute)
	assert.Equal(t, DefaultRateLimitConfig().MaxRequestsPerHour, config.RateLimit.MaxRequestsPerHour)
	assert.Equal(t, 1, config.ConnectionPool.MinIdle, "min idle is clamped to the pool size")
	assert.Equal(t, DefaultSandboxConfig().EnvAllowList, config.Sandbox.EnvAllowList)
	assert.Equal(t, "plugins", config.Manager.PluginsDir)
}

func TestRuntimeConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*RuntimeConfig)
		contains string
	}{
		{"negative pool", func(c *RuntimeConfig) { c.MemoryPool.MaxPoolSize = -1 }, "memory_pool.MaxPoolSize"},
		{"threshold above one", func(c *RuntimeConfig) { c.MemoryPool.MemoryThreshold = 1.5 }, "memory_pool.MemoryThreshold"},
		{"negative connections", func(c *RuntimeConfig) { c.ConnectionPool.MaxConnections = -2 }, "connection_pool.MaxConnections"},
		{"quota ratio", func(c *RuntimeConfig) { c.RateLimit.QuotaWarningRatio = 2 }, "rate_limit.QuotaWarningRatio"},
		{"critical multiplier", func(c *RuntimeConfig) { c.Monitor.CriticalMultiplier = 0.5 }, "monitor.CriticalMultiplier"},
		{"unknown launcher", func(c *RuntimeConfig) { c.Sandbox.Launcher = "vm" }, "sandbox.Launcher"},
		{"subprocess without worker", func(c *RuntimeConfig) { c.Sandbox.Launcher = LauncherSubprocess }, "worker_path is required"},
		{"negative restarts", func(c *RuntimeConfig) { c.Manager.MaxRestartAttempts = -1 }, "manager.MaxRestartAttempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultRuntimeConfig()
			tt.mutate(&config)
			err := config.Validate()
			require.Error(t, err)
			assert.True(t, HasErrorCode(err, ErrCodeConfigValidation))
			assert.Contains(t, ErrorMessage(err), tt.contains)
		})
	}
}

func TestSandboxConfig_SubprocessWithWorkerPath(t *testing.T) {
	config := DefaultSandboxConfig()
	config.Launcher = LauncherSubprocess
	config.WorkerPath = "/usr/local/bin/sandbox-worker"
	assert.NoError(t, config.Validate())
}
