// manager_observability.go: Composite performance reports across components
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"fmt"
	"time"

	"github.com/agilira/go-timecache"
)

// CompositeReport combines what every component knows about one plugin.
type CompositeReport struct {
	PluginID    string       `json:"plugin_id"`
	Status      PluginStatus `json:"status"`
	GeneratedAt time.Time    `json:"generated_at"`

	// Performance is nil while the plugin is not monitored.
	Performance *PerformanceReport      `json:"performance,omitempty"`
	Cache       CacheStats              `json:"cache"`
	Memory      MemoryReport            `json:"memory"`
	Connections ConnectionReport        `json:"connections"`
	Loader      LoadStatus              `json:"loader"`
	RateLimit   *RateLimitStatus        `json:"rate_limit,omitempty"`
	Alerts      []PerformanceAlertEvent `json:"alerts"`

	Recommendations []string `json:"recommendations"`
}

// MemoryReport is the plugin's share of the memory pool.
type MemoryReport struct {
	PluginUsage int64           `json:"plugin_usage"`
	Pool        MemoryPoolStats `json:"pool"`
}

// ConnectionReport is the plugin's share of the connection pool.
type ConnectionReport struct {
	PluginConnections int                 `json:"plugin_connections"`
	Pool              ConnectionPoolStats `json:"pool"`
}

// Thresholds for the component recommendations.
const (
	lowCacheHitRate       = 0.5
	minCacheLookups       = 10
	highFragmentation     = 0.5
	connectionSaturation  = 0.9
	quotaRecommendRatio   = 0.8
	recentAlertsToConsult = 5
)

// GeneratePerformanceReport builds a CompositeReport for an installed
// plugin.
func (m *PluginManager) GeneratePerformanceReport(id string) (*CompositeReport, error) {
	record, ok := m.record(id)
	if !ok {
		return nil, NewPluginNotFoundError(id)
	}

	report := &CompositeReport{
		PluginID:    id,
		Status:      record.Status,
		GeneratedAt: timecache.CachedTime(),
		Performance: m.monitor.GenerateReport(id, nil),
		Cache:       m.cache.Stats(id),
		Memory:      MemoryReport{PluginUsage: m.memory.OwnerUsage(id), Pool: m.memory.Stats()},
		Connections: ConnectionReport{PluginConnections: m.connections.OwnerCount(id), Pool: m.connections.Stats()},
		Loader:      m.loader.LoadStatus(),
		Alerts:      m.recentAlerts(id),
	}
	if status, ok := m.RateLimitStatus(id); ok {
		report.RateLimit = &status
	}
	report.Recommendations = m.compositeRecommendations(report)
	return report, nil
}

func (m *PluginManager) recentAlerts(id string) []PerformanceAlertEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PerformanceAlertEvent{}, m.alerts[id]...)
}

func (m *PluginManager) compositeRecommendations(r *CompositeReport) []string {
	recs := []string{}
	if r.Performance != nil {
		recs = append(recs, r.Performance.Recommendations...)
	}
	if r.Status == StatusError {
		recs = append(recs, "Plugin is in the error state; inspect its last error and restart it")
	}

	if lookups := r.Cache.Hits + r.Cache.Misses; lookups >= minCacheLookups && r.Cache.HitRate < lowCacheHitRate {
		recs = append(recs, fmt.Sprintf("Cache hit rate is %.0f%%; cache values that are read repeatedly", r.Cache.HitRate*100))
	}
	if r.Memory.Pool.UnderPressure {
		recs = append(recs, "Memory pool is under pressure; plugin loading may be suspended")
	}
	if r.Memory.Pool.FragmentationRatio > highFragmentation {
		recs = append(recs, "Memory pool is fragmented; prefer fewer, similarly sized allocations")
	}
	if pool := r.Connections.Pool; pool.MaxConnections > 0 &&
		float64(pool.Active) >= connectionSaturation*float64(pool.MaxConnections) {
		recs = append(recs, "Connection pool is close to capacity; reuse connections or raise max_connections")
	}
	if r.Connections.Pool.Rejected > 0 {
		recs = append(recs, fmt.Sprintf("%d connection requests were rejected by the pool", r.Connections.Pool.Rejected))
	}

	if r.RateLimit != nil {
		if r.RateLimit.IsLimited {
			recs = append(recs, "Plugin is currently rate limited: "+r.RateLimit.Reason)
		}
		for _, window := range []RateLimitWindow{WindowMinute, WindowHour, WindowDay} {
			ws, ok := r.RateLimit.Windows[window]
			if ok && ws.Limit > 0 && float64(ws.Count) >= quotaRecommendRatio*float64(ws.Limit) {
				recs = append(recs, fmt.Sprintf("Plugin used %d of %d requests in the current %s window", ws.Count, ws.Limit, window))
			}
		}
	}

	critical := 0
	alerts := r.Alerts
	if len(alerts) > recentAlertsToConsult {
		alerts = alerts[len(alerts)-recentAlertsToConsult:]
	}
	for _, a := range alerts {
		if a.Severity == SeverityCritical {
			critical++
		}
	}
	if critical > 0 {
		recs = append(recs, fmt.Sprintf("%d recent critical performance alerts", critical))
	}
	return recs
}
