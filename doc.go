// Package pluginruntime hosts third-party JavaScript plugins inside a sandbox
// worker and governs the resources their execution consumes.
//
// A PluginManager owns the installed plugin registry and drives each plugin
// through install, enable, execute, disable and uninstall. Enabled plugins run
// in a sandbox session backed by an embedded goja interpreter, either in
// process or in a cmd/sandbox-worker subprocess speaking JSON lines. Plugins
// reach the host only through the bridged plugin API (storage, http, events,
// config and logging), gated by the permissions declared in manifest.json.
//
// Around every session the manager wires the shared governors:
//
//   - MemoryPool: logical block accounting under a pool-wide byte budget
//   - ConnectionPool: pooled http, websocket and grpc connections
//   - PluginCache: per-plugin LRU/TTL namespaces with lz4 compression
//   - PerformanceMonitor: operation spans, samples, alerts and Prometheus metrics
//   - LazyLoader: single-flight plugin loading suspended under memory pressure
//   - RateLimiter: per-plugin minute, hour and burst windows
//
// Basic usage:
//
//	manager, err := pluginruntime.NewPluginManager(pluginruntime.ManagerOptions{
//		Config: pluginruntime.DefaultRuntimeConfig(),
//		Logger: pluginruntime.NewDevelopmentLogger(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer manager.Shutdown(context.Background())
//
//	record, err := manager.InstallPlugin(ctx, pluginruntime.InstallOptions{
//		FilePath: "./greeter.zip",
//		Enable:   true,
//	})
//	result, err := manager.ExecutePlugin(ctx, record.ID(), "greet", "world")
//
// Configuration is loaded from JSON, YAML or TOML with LoadRuntimeConfig and
// can be hot reloaded with PluginManager.WatchConfig. Errors carry stable
// codes from github.com/agilira/go-errors; use HasErrorCode to inspect them.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginruntime
