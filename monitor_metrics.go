// monitor_metrics.go: Prometheus collectors for plugin performance
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginruntime

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "plugin_runtime"

// monitorMetrics mirrors monitor data into a private registry so several
// runtimes can coexist in one process.
type monitorMetrics struct {
	registry *prometheus.Registry
	memory   *prometheus.GaugeVec
	cpu      *prometheus.GaugeVec
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	alerts   *prometheus.CounterVec
	response *prometheus.HistogramVec
}

func newMonitorMetrics() *monitorMetrics {
	m := &monitorMetrics{
		registry: prometheus.NewRegistry(),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "memory_bytes",
			Help:      "Last sampled memory usage of a plugin.",
		}, []string{"plugin_id"}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of a plugin.",
		}, []string{"plugin_id"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Operations and network requests performed by a plugin.",
		}, []string{"plugin_id"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Errors recorded for a plugin.",
		}, []string{"plugin_id"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alerts_total",
			Help:      "Performance alerts raised for a plugin.",
		}, []string{"plugin_id", "type", "severity"}),
		response: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "response_seconds",
			Help:      "Operation and request latency of a plugin.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"plugin_id"}),
	}
	m.registry.MustRegister(m.memory, m.cpu, m.requests, m.errors, m.alerts, m.response)
	return m
}

func (m *monitorMetrics) observeLatency(pluginID string, ms float64) {
	m.requests.WithLabelValues(pluginID).Inc()
	m.response.WithLabelValues(pluginID).Observe(ms / 1000)
}

func (m *monitorMetrics) forget(pluginID string) {
	m.memory.DeleteLabelValues(pluginID)
	m.cpu.DeleteLabelValues(pluginID)
	m.requests.DeleteLabelValues(pluginID)
	m.errors.DeleteLabelValues(pluginID)
	m.response.DeleteLabelValues(pluginID)
	m.alerts.DeletePartialMatch(prometheus.Labels{"plugin_id": pluginID})
}

func (m *monitorMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
