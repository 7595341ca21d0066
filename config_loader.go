// config_loader.go: Multi-format runtime configuration loading with env expansion
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/argus"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLUGIN_RUNTIME_"

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// durationKeySuffixes marks map keys whose string values are parsed with
// time.ParseDuration before binding. Numeric values are nanoseconds.
var durationKeySuffixes = []string{"_timeout", "_interval", "_time", "_period", "_window", "_ttl"}

// LoadRuntimeConfig reads a JSON, YAML or TOML file, expands ${VAR} and
// ${VAR:-default} placeholders, applies PLUGIN_RUNTIME_* overrides, fills
// defaults and validates the result.
func LoadRuntimeConfig(path string) (RuntimeConfig, error) {
	clean := filepath.Clean(path)
	data, err := os.ReadFile(clean) // #nosec G304 -- operator supplied config path
	if err != nil {
		return RuntimeConfig{}, NewConfigLoadError(clean, err)
	}
	cfg, err := ParseRuntimeConfig(data, argus.DetectFormat(clean))
	if err != nil {
		return RuntimeConfig{}, NewConfigLoadError(clean, err)
	}
	return cfg, nil
}

// ParseRuntimeConfig decodes raw configuration bytes in the given format.
// Fields absent from the document keep their DefaultRuntimeConfig values.
func ParseRuntimeConfig(data []byte, format argus.ConfigFormat) (RuntimeConfig, error) {
	tree, err := decodeConfigTree(data, format)
	if err != nil {
		return RuntimeConfig{}, err
	}
	normalized := normalizeConfigTree("", tree)

	bound, err := json.Marshal(normalized)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("failed to re-encode configuration: %w", err)
	}

	cfg := DefaultRuntimeConfig()
	if err := json.Unmarshal(bound, &cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("failed to bind configuration: %w", err)
	}

	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return RuntimeConfig{}, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

func decodeConfigTree(data []byte, format argus.ConfigFormat) (map[string]any, error) {
	tree := make(map[string]any)
	if len(strings.TrimSpace(string(data))) == 0 {
		return tree, nil
	}

	switch format {
	case argus.FormatJSON:
		if err := json.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case argus.FormatYAML:
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case argus.FormatTOML:
		if err := toml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported configuration format %v", format)
	}
	return tree, nil
}

// normalizeConfigTree expands placeholders in every string and turns
// duration strings into nanosecond counts so encoding/json can bind them.
func normalizeConfigTree(key string, value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = normalizeConfigTree(k, child)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			ks := fmt.Sprint(k)
			out[ks] = normalizeConfigTree(ks, child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = normalizeConfigTree(key, child)
		}
		return out
	case string:
		expanded := ExpandEnv(v)
		if isDurationKey(key) {
			if d, err := time.ParseDuration(expanded); err == nil {
				return int64(d)
			}
		}
		return expanded
	default:
		return v
	}
}

func isDurationKey(key string) bool {
	for _, suffix := range durationKeySuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// ExpandEnv replaces ${VAR} and ${VAR:-default} placeholders. An unset
// variable without a default expands to the empty string.
func ExpandEnv(input string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	return envPlaceholder.ReplaceAllStringFunc(input, func(match string) string {
		sub := envPlaceholder.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(sub[1]); ok && value != "" {
			return value
		}
		return sub[3]
	})
}

type envOverride struct {
	name  string
	apply func(cfg *RuntimeConfig, value string) error
}

var envOverrides = []envOverride{
	{"SANDBOX_LAUNCHER", func(c *RuntimeConfig, v string) error {
		c.Sandbox.Launcher = LauncherMode(v)
		return nil
	}},
	{"SANDBOX_WORKER_PATH", func(c *RuntimeConfig, v string) error {
		c.Sandbox.WorkerPath = v
		return nil
	}},
	{"SANDBOX_EXECUTION_TIMEOUT", func(c *RuntimeConfig, v string) error {
		return setDuration(&c.Sandbox.ExecutionTimeout, v)
	}},
	{"SANDBOX_MAX_MEMORY_USAGE", func(c *RuntimeConfig, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err == nil {
			c.Sandbox.MaxMemoryUsage = n
		}
		return err
	}},
	{"PLUGINS_DIR", func(c *RuntimeConfig, v string) error {
		c.Manager.PluginsDir = v
		return nil
	}},
	{"DATA_DIR", func(c *RuntimeConfig, v string) error {
		c.Manager.DataDir = v
		return nil
	}},
	{"MEMORY_POOL_MAX_SIZE", func(c *RuntimeConfig, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			c.MemoryPool.MaxPoolSize = n
		}
		return err
	}},
	{"RATE_LIMIT_PER_MINUTE", func(c *RuntimeConfig, v string) error {
		return setInt(&c.RateLimit.MaxRequestsPerMinute, v)
	}},
	{"RATE_LIMIT_BURST", func(c *RuntimeConfig, v string) error {
		return setInt(&c.RateLimit.BurstLimit, v)
	}},
	{"CONNECTION_POOL_MAX", func(c *RuntimeConfig, v string) error {
		return setInt(&c.ConnectionPool.MaxConnections, v)
	}},
	{"MONITOR_INTERVAL", func(c *RuntimeConfig, v string) error {
		return setDuration(&c.Monitor.MonitorInterval, v)
	}},
}

func applyEnvOverrides(cfg *RuntimeConfig, lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		value, ok := lookup(EnvPrefix + o.name)
		if !ok || value == "" {
			continue
		}
		if err := o.apply(cfg, value); err != nil {
			return NewConfigValidationError(fmt.Sprintf("invalid %s%s=%q: %v", EnvPrefix, o.name, value, err))
		}
	}
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err == nil {
		*dst = n
	}
	return err
}

func setDuration(dst *time.Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err == nil {
		*dst = d
	}
	return err
}
