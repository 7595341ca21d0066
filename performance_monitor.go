// performance_monitor.go: Per-plugin sampling, alerts and performance reports
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PerformanceSample is one collected measurement window for a plugin.
type PerformanceSample struct {
	PluginID         string    `json:"plugin_id"`
	Timestamp        time.Time `json:"timestamp"`
	MemoryUsage      uint64    `json:"memory_usage"`
	CPUUsage         float64   `json:"cpu_usage"`
	ResponseTimes    []float64 `json:"response_times"`
	RequestCount     int       `json:"request_count"`
	ErrorCount       int       `json:"error_count"`
	BytesTransferred int64     `json:"bytes_transferred"`
}

// AlertType identifies the metric that breached.
type AlertType string

const (
	AlertMemory       AlertType = "memory"
	AlertCPU          AlertType = "cpu"
	AlertResponseTime AlertType = "response_time"
	AlertErrorRate    AlertType = "error_rate"
)

// AlertSeverity grades a breach.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// PerformanceAlertEvent is published when a sample crosses a threshold.
type PerformanceAlertEvent struct {
	PluginID  string        `json:"plugin_id"`
	Type      AlertType     `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Timestamp time.Time     `json:"timestamp"`
}

// MetricsCollectedEvent is published after every collection.
type MetricsCollectedEvent struct {
	PluginID string            `json:"plugin_id"`
	Metrics  PerformanceSample `json:"metrics"`
}

// TimeRange bounds a report; zero fields are open.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r *TimeRange) contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// TrendDirection summarises a series.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// PerformanceSummary aggregates the samples of a report.
type PerformanceSummary struct {
	AverageMemory       uint64  `json:"average_memory"`
	PeakMemory          uint64  `json:"peak_memory"`
	AverageCPU          float64 `json:"average_cpu"`
	AverageResponseTime float64 `json:"average_response_time"`
	ErrorRate           float64 `json:"error_rate"`
	RequestCount        int     `json:"request_count"`
	ErrorCount          int     `json:"error_count"`
}

// PerformanceTrends holds the direction of each tracked series.
type PerformanceTrends struct {
	Memory       TrendDirection `json:"memory"`
	CPU          TrendDirection `json:"cpu"`
	ResponseTime TrendDirection `json:"response_time"`
}

// PerformanceReport is the result of GenerateReport.
type PerformanceReport struct {
	PluginID        string             `json:"plugin_id"`
	GeneratedAt     time.Time          `json:"generated_at"`
	TimeRange       *TimeRange         `json:"time_range,omitempty"`
	SampleCount     int                `json:"sample_count"`
	Summary         PerformanceSummary `json:"summary"`
	Trends          PerformanceTrends  `json:"trends"`
	Recommendations []string           `json:"recommendations"`
}

type pluginMonitor struct {
	operations    map[string]time.Time
	responseTimes []float64
	requests      int
	errors        int
	bytes         int64
	memory        uint64
	memoryKnown   bool
	samples       []PerformanceSample
	stop          chan struct{}
}

// PerformanceMonitor samples plugins, keeps a bounded history per plugin and
// raises alerts on threshold breaches.
type PerformanceMonitor struct {
	logger  Logger
	sampler ResourceSampler
	now     func() time.Time

	mu      sync.Mutex
	config  MonitorConfig
	plugins map[string]*pluginMonitor
	closed  bool
	wg      sync.WaitGroup

	metrics   *monitorMetrics
	collected *EventBus[MetricsCollectedEvent]
	alerts    *EventBus[PerformanceAlertEvent]
}

// NewPerformanceMonitor creates a monitor. A nil sampler leaves memory to
// RecordMemoryUsage and CPU at zero.
func NewPerformanceMonitor(config MonitorConfig, sampler ResourceSampler, logger any) *PerformanceMonitor {
	config.ApplyDefaults()
	return &PerformanceMonitor{
		logger:    NewLogger(logger).With("component", "performance_monitor"),
		sampler:   sampler,
		now:       time.Now,
		config:    config,
		plugins:   make(map[string]*pluginMonitor),
		metrics:   newMonitorMetrics(),
		collected: NewEventBus[MetricsCollectedEvent](),
		alerts:    NewEventBus[PerformanceAlertEvent](),
	}
}

// MetricsCollected returns the per-collection bus.
func (m *PerformanceMonitor) MetricsCollected() *EventBus[MetricsCollectedEvent] { return m.collected }

// Alerts returns the threshold breach bus.
func (m *PerformanceMonitor) Alerts() *EventBus[PerformanceAlertEvent] { return m.alerts }

// Registry exposes the prometheus registry backing the monitor.
func (m *PerformanceMonitor) Registry() *prometheus.Registry { return m.metrics.registry }

// MetricsHandler serves the registry in the prometheus text format.
func (m *PerformanceMonitor) MetricsHandler() http.Handler { return m.metrics.handler() }

// StartMonitoringPlugin begins tracking id and reports whether it was new.
func (m *PerformanceMonitor) StartMonitoringPlugin(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if _, ok := m.plugins[id]; ok {
		return false
	}
	pm := &pluginMonitor{operations: make(map[string]time.Time), stop: make(chan struct{})}
	m.plugins[id] = pm
	if m.config.MonitorInterval > 0 {
		m.wg.Add(1)
		go m.sampleLoop(id, pm.stop, m.config.MonitorInterval)
	}
	m.logger.Debug("monitoring started", "plugin_id", id)
	return true
}

// StopMonitoringPlugin drops id and its history.
func (m *PerformanceMonitor) StopMonitoringPlugin(id string) bool {
	m.mu.Lock()
	pm, ok := m.plugins[id]
	if ok {
		delete(m.plugins, id)
		close(pm.stop)
	}
	m.mu.Unlock()
	if ok {
		m.metrics.forget(id)
		m.logger.Debug("monitoring stopped", "plugin_id", id)
	}
	return ok
}

// IsMonitoring reports whether id is tracked.
func (m *PerformanceMonitor) IsMonitoring(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.plugins[id]
	return ok
}

// StartOperation marks the start of opID.
func (m *PerformanceMonitor) StartOperation(id, opID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.plugins[id]
	if !ok {
		return false
	}
	pm.operations[opID] = m.now()
	return true
}

// EndOperation returns the elapsed milliseconds of opID and records them as
// a response time. Unknown operations yield 0.
func (m *PerformanceMonitor) EndOperation(id, opID string) float64 {
	m.mu.Lock()
	pm, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	started, ok := pm.operations[opID]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	delete(pm.operations, opID)
	elapsed := float64(m.now().Sub(started)) / float64(time.Millisecond)
	pm.responseTimes = append(pm.responseTimes, elapsed)
	pm.requests++
	m.mu.Unlock()

	m.metrics.observeLatency(id, elapsed)
	return elapsed
}

// RecordNetworkRequest records one bridged network call.
func (m *PerformanceMonitor) RecordNetworkRequest(id string, latencyMs float64, success bool, bytes int64) {
	m.mu.Lock()
	pm, ok := m.plugins[id]
	if ok {
		pm.responseTimes = append(pm.responseTimes, latencyMs)
		pm.requests++
		pm.bytes += bytes
		if !success {
			pm.errors++
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.metrics.observeLatency(id, latencyMs)
	if !success {
		m.metrics.errors.WithLabelValues(id).Inc()
	}
}

// RecordMemoryUsage stores the latest memory reading for id; it takes
// precedence over the sampler.
func (m *PerformanceMonitor) RecordMemoryUsage(id string, bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pm, ok := m.plugins[id]; ok {
		pm.memory = bytes
		pm.memoryKnown = true
	}
}

// RecordError counts one failure for id.
func (m *PerformanceMonitor) RecordError(id string) {
	m.mu.Lock()
	pm, ok := m.plugins[id]
	if ok {
		pm.errors++
	}
	m.mu.Unlock()
	if ok {
		m.metrics.errors.WithLabelValues(id).Inc()
	}
}

// Collect closes the current measurement window of id, stores it as a
// sample and evaluates alerts.
func (m *PerformanceMonitor) Collect(ctx context.Context, id string) (PerformanceSample, bool) {
	var reading ResourceSample
	var sampled bool
	if m.sampler != nil {
		r, err := m.sampler.Sample(ctx, id)
		if err != nil {
			m.logger.Debug("resource sampling failed", "plugin_id", id, "error", err)
		} else {
			reading, sampled = r, true
		}
	}

	m.mu.Lock()
	pm, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return PerformanceSample{}, false
	}
	now := m.now()
	sample := PerformanceSample{
		PluginID:         id,
		Timestamp:        now,
		MemoryUsage:      pm.memory,
		ResponseTimes:    pm.responseTimes,
		RequestCount:     pm.requests,
		ErrorCount:       pm.errors,
		BytesTransferred: pm.bytes,
	}
	if sampled {
		sample.CPUUsage = reading.CPUPercent
		if !pm.memoryKnown {
			sample.MemoryUsage = reading.MemoryBytes
		}
	}
	if sample.ResponseTimes == nil {
		sample.ResponseTimes = []float64{}
	}
	pm.responseTimes, pm.requests, pm.errors, pm.bytes = nil, 0, 0, 0
	pm.samples = append(pm.samples, sample)
	m.pruneLocked(pm, now)
	config := m.config
	m.mu.Unlock()

	m.metrics.memory.WithLabelValues(id).Set(float64(sample.MemoryUsage))
	m.metrics.cpu.WithLabelValues(id).Set(sample.CPUUsage)

	m.collected.Publish(MetricsCollectedEvent{PluginID: id, Metrics: sample})
	for _, alert := range evaluateAlerts(config, sample) {
		m.metrics.alerts.WithLabelValues(id, string(alert.Type), string(alert.Severity)).Inc()
		m.logger.Warn("performance alert", "plugin_id", id, "type", string(alert.Type),
			"severity", string(alert.Severity), "value", alert.Value, "threshold", alert.Threshold)
		m.alerts.Publish(alert)
	}
	return sample, true
}

// GetMetrics returns up to limit of the most recent samples; limit <= 0
// returns all of them.
func (m *PerformanceMonitor) GetMetrics(id string, limit int) []PerformanceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.plugins[id]
	if !ok {
		return []PerformanceSample{}
	}
	samples := pm.samples
	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return append([]PerformanceSample{}, samples...)
}

// GenerateReport summarises the samples of id inside window; nil for
// plugins that are not monitored.
func (m *PerformanceMonitor) GenerateReport(id string, window *TimeRange) *PerformanceReport {
	m.mu.Lock()
	pm, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	var samples []PerformanceSample
	for _, s := range pm.samples {
		if window.contains(s.Timestamp) {
			samples = append(samples, s)
		}
	}
	config := m.config
	now := m.now()
	m.mu.Unlock()

	report := &PerformanceReport{
		PluginID:        id,
		GeneratedAt:     now,
		TimeRange:       window,
		SampleCount:     len(samples),
		Summary:         summarize(samples),
		Trends:          trendsOf(samples),
		Recommendations: []string{},
	}
	report.Recommendations = recommend(config, report)
	return report
}

// UpdateConfig swaps thresholds; running sample loops keep their interval.
func (m *PerformanceMonitor) UpdateConfig(config MonitorConfig) {
	config.ApplyDefaults()
	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
}

// MonitoredPlugins lists tracked ids.
func (m *PerformanceMonitor) MonitoredPlugins() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every sampling goroutine.
func (m *PerformanceMonitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopMonitoringPlugin(id)
	}
	m.wg.Wait()
}

func (m *PerformanceMonitor) sampleLoop(id string, stop <-chan struct{}, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			m.Collect(ctx, id)
			cancel()
		}
	}
}

func (m *PerformanceMonitor) pruneLocked(pm *pluginMonitor, now time.Time) {
	cutoff := now.Add(-m.config.DataRetentionTime)
	drop := 0
	for drop < len(pm.samples) && pm.samples[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(pm.samples) - drop - m.config.MaxSamples; m.config.MaxSamples > 0 && over > 0 {
		drop += over
	}
	if drop > 0 {
		pm.samples = append([]PerformanceSample(nil), pm.samples[drop:]...)
	}
}

func evaluateAlerts(config MonitorConfig, s PerformanceSample) []PerformanceAlertEvent {
	var alerts []PerformanceAlertEvent
	check := func(typ AlertType, value, threshold float64) {
		if threshold <= 0 || value <= threshold {
			return
		}
		severity := SeverityWarning
		if value >= threshold*config.CriticalMultiplier {
			severity = SeverityCritical
		}
		alerts = append(alerts, PerformanceAlertEvent{
			PluginID:  s.PluginID,
			Type:      typ,
			Severity:  severity,
			Value:     value,
			Threshold: threshold,
			Timestamp: s.Timestamp,
		})
	}

	check(AlertMemory, float64(s.MemoryUsage), float64(config.MemoryWarningThreshold))
	check(AlertCPU, s.CPUUsage, config.CPUWarningThreshold)
	if len(s.ResponseTimes) > 0 {
		check(AlertResponseTime, mean(s.ResponseTimes), config.ResponseTimeWarningThreshold)
	}
	if s.RequestCount > 0 {
		check(AlertErrorRate, float64(s.ErrorCount)/float64(s.RequestCount), config.ErrorRateWarningThreshold)
	}
	return alerts
}

func summarize(samples []PerformanceSample) PerformanceSummary {
	var summary PerformanceSummary
	if len(samples) == 0 {
		return summary
	}
	var memTotal, cpuTotal, rtTotal float64
	var rtCount int
	for _, s := range samples {
		memTotal += float64(s.MemoryUsage)
		cpuTotal += s.CPUUsage
		if s.MemoryUsage > summary.PeakMemory {
			summary.PeakMemory = s.MemoryUsage
		}
		for _, rt := range s.ResponseTimes {
			rtTotal += rt
			rtCount++
		}
		summary.RequestCount += s.RequestCount
		summary.ErrorCount += s.ErrorCount
	}
	n := float64(len(samples))
	summary.AverageMemory = uint64(memTotal / n)
	summary.AverageCPU = cpuTotal / n
	if rtCount > 0 {
		summary.AverageResponseTime = rtTotal / float64(rtCount)
	}
	if summary.RequestCount > 0 {
		summary.ErrorRate = float64(summary.ErrorCount) / float64(summary.RequestCount)
	}
	return summary
}

func trendsOf(samples []PerformanceSample) PerformanceTrends {
	memory := make([]float64, 0, len(samples))
	cpu := make([]float64, 0, len(samples))
	response := make([]float64, 0, len(samples))
	for _, s := range samples {
		memory = append(memory, float64(s.MemoryUsage))
		cpu = append(cpu, s.CPUUsage)
		if len(s.ResponseTimes) > 0 {
			response = append(response, mean(s.ResponseTimes))
		}
	}
	return PerformanceTrends{Memory: trend(memory), CPU: trend(cpu), ResponseTime: trend(response)}
}

// trend fits a least-squares line and calls it stable when the fitted change
// over the series stays within 10% of the mean.
func trend(values []float64) TrendDirection {
	n := len(values)
	if n < 2 {
		return TrendStable
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denominator := fn*sumXX - sumX*sumX
	if denominator == 0 {
		return TrendStable
	}
	slope := (fn*sumXY - sumX*sumY) / denominator
	change := slope * (fn - 1)
	avg := sumY / fn
	if avg != 0 && math.Abs(change)/math.Abs(avg) < 0.1 {
		return TrendStable
	}
	switch {
	case change > 0:
		return TrendIncreasing
	case change < 0:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func recommend(config MonitorConfig, report *PerformanceReport) []string {
	recs := []string{}
	s := report.Summary
	if config.MemoryWarningThreshold > 0 && s.AverageMemory > config.MemoryWarningThreshold {
		recs = append(recs, "Average memory usage is above the warning threshold; reduce cached state or large buffers")
	}
	if report.Trends.Memory == TrendIncreasing {
		recs = append(recs, "Memory usage keeps growing; check for state that is never released")
	}
	if config.CPUWarningThreshold > 0 && s.AverageCPU > config.CPUWarningThreshold {
		recs = append(recs, "CPU usage is high; move heavy computation out of hot paths")
	}
	if config.ResponseTimeWarningThreshold > 0 && s.AverageResponseTime > config.ResponseTimeWarningThreshold {
		recs = append(recs, "Average response time is slow; cache results or batch outbound requests")
	}
	if report.Trends.ResponseTime == TrendIncreasing {
		recs = append(recs, "Response times are trending upward")
	}
	if config.ErrorRateWarningThreshold > 0 && s.ErrorRate > config.ErrorRateWarningThreshold {
		recs = append(recs, "Error rate is above the warning threshold; inspect plugin logs for failing calls")
	}
	return recs
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
