// config.go: Runtime configuration with defaults and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// structValidator is shared by configuration and manifest validation.
var structValidator = validator.New()

// LauncherMode selects the isolation boundary used for sandbox sessions.
type LauncherMode string

const (
	// LauncherInProcess runs each worker on its own goroutine with its own
	// interpreter heap.
	LauncherInProcess LauncherMode = "inprocess"
	// LauncherSubprocess runs each worker as a separate sandbox-worker process.
	LauncherSubprocess LauncherMode = "subprocess"
)

// MemoryPoolConfig controls the logical memory pool shared by all plugins.
type MemoryPoolConfig struct {
	MaxPoolSize       int64         `json:"max_pool_size" yaml:"max_pool_size" toml:"max_pool_size" validate:"gt=0"`
	BlockAlignment    int64         `json:"block_alignment" yaml:"block_alignment" toml:"block_alignment" validate:"gt=0"`
	MemoryThreshold   float64       `json:"memory_threshold" yaml:"memory_threshold" toml:"memory_threshold" validate:"gt=0,lte=1"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" toml:"cleanup_interval" validate:"gt=0"`
	FreeBlockIdleTime time.Duration `json:"free_block_idle_time" yaml:"free_block_idle_time" toml:"free_block_idle_time" validate:"gte=0"`
	EnableAutoCleanup bool          `json:"enable_auto_cleanup" yaml:"enable_auto_cleanup" toml:"enable_auto_cleanup"`
}

// DefaultMemoryPoolConfig returns a 100 MiB pool with 80% pressure threshold.
func DefaultMemoryPoolConfig() MemoryPoolConfig {
	return MemoryPoolConfig{
		MaxPoolSize:       100 * 1024 * 1024,
		BlockAlignment:    64,
		MemoryThreshold:   0.8,
		CleanupInterval:   30 * time.Second,
		FreeBlockIdleTime: time.Minute,
		EnableAutoCleanup: true,
	}
}

// ApplyDefaults fills zero values.
func (c *MemoryPoolConfig) ApplyDefaults() {
	d := DefaultMemoryPoolConfig()
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = d.MaxPoolSize
	}
	if c.BlockAlignment == 0 {
		c.BlockAlignment = d.BlockAlignment
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = d.MemoryThreshold
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.FreeBlockIdleTime == 0 {
		c.FreeBlockIdleTime = d.FreeBlockIdleTime
	}
}

// Validate checks field ranges.
func (c MemoryPoolConfig) Validate() error {
	return validateSection("memory_pool", c)
}

// ConnectionPoolConfig controls the shared outbound connection pool.
type ConnectionPoolConfig struct {
	MaxConnections int           `json:"max_connections" yaml:"max_connections" toml:"max_connections" validate:"gt=0"`
	MinIdle        int           `json:"min_idle" yaml:"min_idle" toml:"min_idle" validate:"gte=0,ltefield=MaxConnections"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout" validate:"gt=0"`
	DialTimeout    time.Duration `json:"dial_timeout" yaml:"dial_timeout" toml:"dial_timeout" validate:"gt=0"`
	HTTPTimeout    time.Duration `json:"http_timeout" yaml:"http_timeout" toml:"http_timeout" validate:"gt=0"`
}

// DefaultConnectionPoolConfig returns the default connection pool limits.
func DefaultConnectionPoolConfig() ConnectionPoolConfig {
	return ConnectionPoolConfig{
		MaxConnections: 50,
		MinIdle:        2,
		IdleTimeout:    90 * time.Second,
		DialTimeout:    10 * time.Second,
		HTTPTimeout:    30 * time.Second,
	}
}

// ApplyDefaults fills zero values.
func (c *ConnectionPoolConfig) ApplyDefaults() {
	d := DefaultConnectionPoolConfig()
	if c.MaxConnections == 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.MinIdle > c.MaxConnections {
		c.MinIdle = c.MaxConnections
	}
}

// Validate checks field ranges.
func (c ConnectionPoolConfig) Validate() error {
	return validateSection("connection_pool", c)
}

// CacheConfig controls the per-plugin caches.
type CacheConfig struct {
	MaxItems             int           `json:"max_items" yaml:"max_items" toml:"max_items" validate:"gt=0"`
	EnableLRU            bool          `json:"enable_lru" yaml:"enable_lru" toml:"enable_lru"`
	DefaultTTL           time.Duration `json:"default_ttl" yaml:"default_ttl" toml:"default_ttl" validate:"gte=0"`
	CompressionThreshold int           `json:"compression_threshold" yaml:"compression_threshold" toml:"compression_threshold" validate:"gte=0"`
}

// DefaultCacheConfig returns LRU caches of 1000 items without expiry.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxItems:             1000,
		EnableLRU:            true,
		CompressionThreshold: 4096,
	}
}

// ApplyDefaults fills zero values. EnableLRU is left as configured.
func (c *CacheConfig) ApplyDefaults() {
	d := DefaultCacheConfig()
	if c.MaxItems == 0 {
		c.MaxItems = d.MaxItems
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = d.CompressionThreshold
	}
}

// Validate checks field ranges.
func (c CacheConfig) Validate() error {
	return validateSection("cache", c)
}

// RateLimitConfig holds the ceilings applied to every plugin's limiter.
type RateLimitConfig struct {
	MaxRequestsPerMinute int           `json:"max_requests_per_minute" yaml:"max_requests_per_minute" toml:"max_requests_per_minute" validate:"gt=0"`
	MaxRequestsPerHour   int           `json:"max_requests_per_hour" yaml:"max_requests_per_hour" toml:"max_requests_per_hour" validate:"gt=0"`
	MaxRequestsPerDay    int           `json:"max_requests_per_day" yaml:"max_requests_per_day" toml:"max_requests_per_day" validate:"gt=0"`
	BurstLimit           int           `json:"burst_limit" yaml:"burst_limit" toml:"burst_limit" validate:"gt=0"`
	BurstWindow          time.Duration `json:"burst_window" yaml:"burst_window" toml:"burst_window" validate:"gt=0"`
	CooldownPeriod       time.Duration `json:"cooldown_period" yaml:"cooldown_period" toml:"cooldown_period" validate:"gte=0"`
	QuotaWarningRatio    float64       `json:"quota_warning_ratio" yaml:"quota_warning_ratio" toml:"quota_warning_ratio" validate:"gt=0,lte=1"`
}

// DefaultRateLimitConfig returns the default request ceilings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequestsPerMinute: 60,
		MaxRequestsPerHour:   1000,
		MaxRequestsPerDay:    10000,
		BurstLimit:           10,
		BurstWindow:          10 * time.Second,
		CooldownPeriod:       60 * time.Second,
		QuotaWarningRatio:    0.8,
	}
}

// ApplyDefaults fills zero values.
func (c *RateLimitConfig) ApplyDefaults() {
	d := DefaultRateLimitConfig()
	if c.MaxRequestsPerMinute == 0 {
		c.MaxRequestsPerMinute = d.MaxRequestsPerMinute
	}
	if c.MaxRequestsPerHour == 0 {
		c.MaxRequestsPerHour = d.MaxRequestsPerHour
	}
	if c.MaxRequestsPerDay == 0 {
		c.MaxRequestsPerDay = d.MaxRequestsPerDay
	}
	if c.BurstLimit == 0 {
		c.BurstLimit = d.BurstLimit
	}
	if c.BurstWindow == 0 {
		c.BurstWindow = d.BurstWindow
	}
	if c.CooldownPeriod == 0 {
		c.CooldownPeriod = d.CooldownPeriod
	}
	if c.QuotaWarningRatio == 0 {
		c.QuotaWarningRatio = d.QuotaWarningRatio
	}
}

// Validate checks field ranges.
func (c RateLimitConfig) Validate() error {
	return validateSection("rate_limit", c)
}

// MonitorConfig controls sampling, retention and alert thresholds.
type MonitorConfig struct {
	MonitorInterval              time.Duration `json:"monitor_interval" yaml:"monitor_interval" toml:"monitor_interval" validate:"gt=0"`
	DataRetentionTime            time.Duration `json:"data_retention_time" yaml:"data_retention_time" toml:"data_retention_time" validate:"gt=0"`
	MaxSamples                   int           `json:"max_samples" yaml:"max_samples" toml:"max_samples" validate:"gt=0"`
	MemoryWarningThreshold       uint64        `json:"memory_warning_threshold" yaml:"memory_warning_threshold" toml:"memory_warning_threshold" validate:"gt=0"`
	CPUWarningThreshold          float64       `json:"cpu_warning_threshold" yaml:"cpu_warning_threshold" toml:"cpu_warning_threshold" validate:"gt=0"`
	ResponseTimeWarningThreshold float64       `json:"response_time_warning_threshold" yaml:"response_time_warning_threshold" toml:"response_time_warning_threshold" validate:"gt=0"`
	ErrorRateWarningThreshold    float64       `json:"error_rate_warning_threshold" yaml:"error_rate_warning_threshold" toml:"error_rate_warning_threshold" validate:"gt=0,lte=1"`
	CriticalMultiplier           float64       `json:"critical_multiplier" yaml:"critical_multiplier" toml:"critical_multiplier" validate:"gt=1"`
}

// DefaultMonitorConfig samples every 5s and keeps an hour of history.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MonitorInterval:              5 * time.Second,
		DataRetentionTime:            time.Hour,
		MaxSamples:                   720,
		MemoryWarningThreshold:       50 * 1024 * 1024,
		CPUWarningThreshold:          80,
		ResponseTimeWarningThreshold: 1000,
		ErrorRateWarningThreshold:    0.05,
		CriticalMultiplier:           1.5,
	}
}

// ApplyDefaults fills zero values.
func (c *MonitorConfig) ApplyDefaults() {
	d := DefaultMonitorConfig()
	if c.MonitorInterval == 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.DataRetentionTime == 0 {
		c.DataRetentionTime = d.DataRetentionTime
	}
	if c.MaxSamples == 0 {
		c.MaxSamples = d.MaxSamples
	}
	if c.MemoryWarningThreshold == 0 {
		c.MemoryWarningThreshold = d.MemoryWarningThreshold
	}
	if c.CPUWarningThreshold == 0 {
		c.CPUWarningThreshold = d.CPUWarningThreshold
	}
	if c.ResponseTimeWarningThreshold == 0 {
		c.ResponseTimeWarningThreshold = d.ResponseTimeWarningThreshold
	}
	if c.ErrorRateWarningThreshold == 0 {
		c.ErrorRateWarningThreshold = d.ErrorRateWarningThreshold
	}
	if c.CriticalMultiplier == 0 {
		c.CriticalMultiplier = d.CriticalMultiplier
	}
}

// Validate checks field ranges.
func (c MonitorConfig) Validate() error {
	return validateSection("monitor", c)
}

// LazyLoaderConfig controls deferred plugin loading.
type LazyLoaderConfig struct {
	MaxConcurrentLoads int           `json:"max_concurrent_loads" yaml:"max_concurrent_loads" toml:"max_concurrent_loads" validate:"gt=0"`
	LoadTimeout        time.Duration `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout" validate:"gt=0"`
	SuspendOnPressure  bool          `json:"suspend_on_pressure" yaml:"suspend_on_pressure" toml:"suspend_on_pressure"`
	AutoResume         bool          `json:"auto_resume" yaml:"auto_resume" toml:"auto_resume"`
}

// DefaultLazyLoaderConfig returns the default loader settings.
func DefaultLazyLoaderConfig() LazyLoaderConfig {
	return LazyLoaderConfig{
		MaxConcurrentLoads: 3,
		LoadTimeout:        30 * time.Second,
		SuspendOnPressure:  true,
		AutoResume:         true,
	}
}

// ApplyDefaults fills zero values.
func (c *LazyLoaderConfig) ApplyDefaults() {
	d := DefaultLazyLoaderConfig()
	if c.MaxConcurrentLoads == 0 {
		c.MaxConcurrentLoads = d.MaxConcurrentLoads
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = d.LoadTimeout
	}
}

// Validate checks field ranges.
func (c LazyLoaderConfig) Validate() error {
	return validateSection("lazy_loader", c)
}

// SandboxConfig controls sandbox sessions and workers.
type SandboxConfig struct {
	Launcher            LauncherMode  `json:"launcher" yaml:"launcher" toml:"launcher" validate:"oneof=inprocess subprocess"`
	WorkerPath          string        `json:"worker_path,omitempty" yaml:"worker_path,omitempty" toml:"worker_path,omitempty"`
	LoadTimeout         time.Duration `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout" validate:"gt=0"`
	ExecutionTimeout    time.Duration `json:"execution_timeout" yaml:"execution_timeout" toml:"execution_timeout" validate:"gt=0"`
	BridgeTimeout       time.Duration `json:"bridge_timeout" yaml:"bridge_timeout" toml:"bridge_timeout" validate:"gt=0"`
	MemoryCheckInterval time.Duration `json:"memory_check_interval" yaml:"memory_check_interval" toml:"memory_check_interval" validate:"gt=0"`
	MaxMemoryUsage      uint64        `json:"max_memory_usage" yaml:"max_memory_usage" toml:"max_memory_usage" validate:"gt=0"`
	ShutdownTimeout     time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gt=0"`
	EnvAllowList        []string      `json:"env_allow_list,omitempty" yaml:"env_allow_list,omitempty" toml:"env_allow_list,omitempty"`
}

// DefaultSandboxConfig returns in-process workers with a 10s bridge timeout
// and a 5s memory check.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Launcher:            LauncherInProcess,
		LoadTimeout:         5 * time.Second,
		ExecutionTimeout:    30 * time.Second,
		BridgeTimeout:       10 * time.Second,
		MemoryCheckInterval: 5 * time.Second,
		MaxMemoryUsage:      128 * 1024 * 1024,
		ShutdownTimeout:     5 * time.Second,
		EnvAllowList:        []string{"NODE_ENV", "TZ", "LANG"},
	}
}

// ApplyDefaults fills zero values.
func (c *SandboxConfig) ApplyDefaults() {
	d := DefaultSandboxConfig()
	if c.Launcher == "" {
		c.Launcher = d.Launcher
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = d.LoadTimeout
	}
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = d.ExecutionTimeout
	}
	if c.BridgeTimeout == 0 {
		c.BridgeTimeout = d.BridgeTimeout
	}
	if c.MemoryCheckInterval == 0 {
		c.MemoryCheckInterval = d.MemoryCheckInterval
	}
	if c.MaxMemoryUsage == 0 {
		c.MaxMemoryUsage = d.MaxMemoryUsage
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.EnvAllowList == nil {
		c.EnvAllowList = d.EnvAllowList
	}
}

// Validate checks field ranges.
func (c SandboxConfig) Validate() error {
	if err := validateSection("sandbox", c); err != nil {
		return err
	}
	if c.Launcher == LauncherSubprocess && c.WorkerPath == "" {
		return NewConfigValidationError("sandbox.worker_path is required for the subprocess launcher")
	}
	return nil
}

// ManagerConfig controls plugin installation and persistence.
type ManagerConfig struct {
	PluginsDir         string        `json:"plugins_dir" yaml:"plugins_dir" toml:"plugins_dir" validate:"required"`
	DataDir            string        `json:"data_dir" yaml:"data_dir" toml:"data_dir" validate:"required"`
	DownloadTimeout    time.Duration `json:"download_timeout" yaml:"download_timeout" toml:"download_timeout" validate:"gt=0"`
	MaxDownloadSize    int64         `json:"max_download_size" yaml:"max_download_size" toml:"max_download_size" validate:"gt=0"`
	MaxResponseBody    int64         `json:"max_response_body" yaml:"max_response_body" toml:"max_response_body" validate:"gt=0"`
	RestartOnFailure   bool          `json:"restart_on_failure" yaml:"restart_on_failure" toml:"restart_on_failure"`
	MaxRestartAttempts int           `json:"max_restart_attempts" yaml:"max_restart_attempts" toml:"max_restart_attempts" validate:"gte=0"`
}

// DefaultManagerConfig stores plugins under ./plugins and state under ./data.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PluginsDir:         "plugins",
		DataDir:            "data",
		DownloadTimeout:    60 * time.Second,
		MaxDownloadSize:    50 * 1024 * 1024,
		MaxResponseBody:    5 * 1024 * 1024,
		MaxRestartAttempts: 3,
	}
}

// ApplyDefaults fills zero values.
func (c *ManagerConfig) ApplyDefaults() {
	d := DefaultManagerConfig()
	if c.PluginsDir == "" {
		c.PluginsDir = d.PluginsDir
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.DownloadTimeout == 0 {
		c.DownloadTimeout = d.DownloadTimeout
	}
	if c.MaxDownloadSize == 0 {
		c.MaxDownloadSize = d.MaxDownloadSize
	}
	if c.MaxResponseBody == 0 {
		c.MaxResponseBody = d.MaxResponseBody
	}
}

// Validate checks field ranges.
func (c ManagerConfig) Validate() error {
	return validateSection("manager", c)
}

// RuntimeConfig aggregates every component's configuration.
//
// Example YAML:
//
//	sandbox:
//	  launcher: subprocess
//	  worker_path: /usr/local/bin/sandbox-worker
//	rate_limit:
//	  max_requests_per_minute: 120
//	  burst_window: 5s
type RuntimeConfig struct {
	MemoryPool     MemoryPoolConfig     `json:"memory_pool" yaml:"memory_pool" toml:"memory_pool"`
	ConnectionPool ConnectionPoolConfig `json:"connection_pool" yaml:"connection_pool" toml:"connection_pool"`
	Cache          CacheConfig          `json:"cache" yaml:"cache" toml:"cache"`
	RateLimit      RateLimitConfig      `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	Monitor        MonitorConfig        `json:"monitor" yaml:"monitor" toml:"monitor"`
	LazyLoader     LazyLoaderConfig     `json:"lazy_loader" yaml:"lazy_loader" toml:"lazy_loader"`
	Sandbox        SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Manager        ManagerConfig        `json:"manager" yaml:"manager" toml:"manager"`
}

// DefaultRuntimeConfig returns a fully populated configuration.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MemoryPool:     DefaultMemoryPoolConfig(),
		ConnectionPool: DefaultConnectionPoolConfig(),
		Cache:          DefaultCacheConfig(),
		RateLimit:      DefaultRateLimitConfig(),
		Monitor:        DefaultMonitorConfig(),
		LazyLoader:     DefaultLazyLoaderConfig(),
		Sandbox:        DefaultSandboxConfig(),
		Manager:        DefaultManagerConfig(),
	}
}

// ApplyDefaults fills zero values in every section.
func (c *RuntimeConfig) ApplyDefaults() {
	c.MemoryPool.ApplyDefaults()
	c.ConnectionPool.ApplyDefaults()
	c.Cache.ApplyDefaults()
	c.RateLimit.ApplyDefaults()
	c.Monitor.ApplyDefaults()
	c.LazyLoader.ApplyDefaults()
	c.Sandbox.ApplyDefaults()
	c.Manager.ApplyDefaults()
}

// Validate validates every section and stops at the first failure.
func (c RuntimeConfig) Validate() error {
	validators := []func() error{
		c.MemoryPool.Validate,
		c.ConnectionPool.Validate,
		c.Cache.Validate,
		c.RateLimit.Validate,
		c.Monitor.Validate,
		c.LazyLoader.Validate,
		c.Sandbox.Validate,
		c.Manager.Validate,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func validateSection(section string, value any) error {
	err := structValidator.Struct(value)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return NewConfigValidationError(fmt.Sprintf("%s: %v", section, err))
	}

	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s.%s failed %q", section, fe.Field(), fe.Tag()))
	}
	return NewConfigValidationError(strings.Join(parts, "; "))
}
