// Package metrics provides the control plane's Prometheus metrics registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the control plane registers.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec

	MachinesTotal      *prometheus.GaugeVec
	MachineStateChange *prometheus.CounterVec
	ProbeDuration      *prometheus.HistogramVec

	ContainersTotal  *prometheus.GaugeVec
	ContainerCPU     *prometheus.GaugeVec
	ContainerMemory  *prometheus.GaugeVec

	AlertsActive        *prometheus.GaugeVec
	AlertsFired         *prometheus.CounterVec
	NotificationsSent   *prometheus.CounterVec
	NotificationRetries prometheus.Counter

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates and registers a Metrics instance against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer
// (nil to skip registration, used by tests that create multiple instances).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total", Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight", Help: "Current number of in-flight HTTP requests",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total", Help: "Total number of errors by code",
		}, []string{"code", "component"}),

		MachinesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_machines_total", Help: "Number of registered machines by status",
		}, []string{"status"}),
		MachineStateChange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_machine_state_changed_total", Help: "Machine state transitions",
		}, []string{"machine_id", "from", "to"}),
		ProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "fleet_probe_duration_seconds", Help: "Monitor probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"machine_id"}),

		ContainersTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "containers_total", Help: "Number of containers by state",
		}, []string{"machine_id", "state"}),
		ContainerCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "container_cpu_percent", Help: "Container CPU usage percentage",
		}, []string{"machine_id", "container_id"}),
		ContainerMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "container_memory_bytes", Help: "Container memory usage in bytes",
		}, []string{"machine_id", "container_id"}),

		AlertsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alerts_active", Help: "Number of active alerts by severity",
		}, []string{"severity"}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_fired_total", Help: "Total alerts created by severity",
		}, []string{"severity"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total", Help: "Notifications delivered by sink and status",
		}, []string{"sink", "status"}),
		NotificationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_retries_total", Help: "Total notification retry attempts",
		}),

		ServiceUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "service_uptime_seconds", Help: "Service uptime in seconds",
		}),
		ServiceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "service_info", Help: "Service build information",
		}, []string{"service", "version"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight, m.ErrorsTotal,
			m.MachinesTotal, m.MachineStateChange, m.ProbeDuration,
			m.ContainersTotal, m.ContainerCPU, m.ContainerMemory,
			m.AlertsActive, m.AlertsFired, m.NotificationsSent, m.NotificationRetries,
			m.ServiceUptime, m.ServiceInfo,
		)
	}
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0").Set(1)
	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordError increments the error counter for the given code/component pair.
func (m *Metrics) RecordError(code, component string) {
	m.ErrorsTotal.WithLabelValues(code, component).Inc()
}

// UpdateUptime refreshes the uptime gauge from a process start time.
func (m *Metrics) UpdateUptime(start time.Time) {
	m.ServiceUptime.Set(time.Since(start).Seconds())
}
