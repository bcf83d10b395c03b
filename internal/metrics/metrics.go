// Package metrics exposes vmmaster runtime metrics via Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the daemon.
type Metrics struct {
	registry *prometheus.Registry

	sessionsTotal   *prometheus.CounterVec
	vmsCreated      *prometheus.CounterVec
	vmsDeleted      *prometheus.CounterVec
	vmsRebuilt      prometheus.Counter
	screenshots     prometheus.Counter
	proxyDuration   *prometheus.HistogramVec
	poolReady       *prometheus.GaugeVec
	poolUsing       *prometheus.GaugeVec
	canProduce      prometheus.Gauge
	activeSessions  prometheus.Gauge
	sessionQueue    prometheus.Gauge
	uptime          prometheus.GaugeFunc
}

// Buckets for proxied request duration, in seconds. WebDriver commands
// routinely take whole seconds, so the tail is long.
var durationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

var global *Metrics

func init() {
	global = New()
}

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	return global
}

// New builds a registry with all vmmaster collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	start := time.Now()

	m := &Metrics{
		registry: registry,

		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vmmaster",
				Name:      "sessions_total",
				Help:      "Sessions finished, by terminal status",
			},
			[]string{"status"},
		),
		vmsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vmmaster",
				Name:      "vms_created_total",
				Help:      "Clones created, by platform",
			},
			[]string{"platform"},
		),
		vmsDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vmmaster",
				Name:      "vms_deleted_total",
				Help:      "Clones destroyed, by platform",
			},
			[]string{"platform"},
		),
		vmsRebuilt: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vmmaster",
				Name:      "vms_rebuilt_total",
				Help:      "Clones rebuilt by the health checker",
			},
		),
		screenshots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vmmaster",
				Name:      "screenshots_total",
				Help:      "Screenshots captured from VM agents",
			},
		),
		proxyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "vmmaster",
				Name:      "proxy_request_duration_seconds",
				Help:      "Duration of proxied WebDriver commands",
				Buckets:   durationBuckets,
			},
			[]string{"method"},
		),
		poolReady: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vmmaster",
				Name:      "pool_ready",
				Help:      "VMs in the ready pool, by platform",
			},
			[]string{"platform"},
		),
		poolUsing: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vmmaster",
				Name:      "pool_using",
				Help:      "VMs assigned to sessions, by platform",
			},
			[]string{"platform"},
		),
		canProduce: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vmmaster",
				Name:      "pool_can_produce",
				Help:      "Remaining VM capacity",
			},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vmmaster",
				Name:      "sessions_active",
				Help:      "Sessions in waiting or running state",
			},
		),
		sessionQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vmmaster",
				Name:      "session_queue",
				Help:      "Session creations waiting for a VM",
			},
		),
		uptime: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "vmmaster",
				Name:      "uptime_seconds",
				Help:      "Seconds since daemon start",
			},
			func() float64 { return time.Since(start).Seconds() },
		),
	}

	registry.MustRegister(
		m.sessionsTotal, m.vmsCreated, m.vmsDeleted, m.vmsRebuilt,
		m.screenshots, m.proxyDuration, m.poolReady, m.poolUsing,
		m.canProduce, m.activeSessions, m.sessionQueue, m.uptime,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionFinished(status string) { m.sessionsTotal.WithLabelValues(status).Inc() }
func (m *Metrics) VMCreated(platform string)     { m.vmsCreated.WithLabelValues(platform).Inc() }
func (m *Metrics) VMDeleted(platform string)     { m.vmsDeleted.WithLabelValues(platform).Inc() }
func (m *Metrics) VMRebuilt()                    { m.vmsRebuilt.Inc() }
func (m *Metrics) ScreenshotTaken()              { m.screenshots.Inc() }

func (m *Metrics) ObserveProxyRequest(method string, d time.Duration) {
	m.proxyDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) SetPoolReady(platform string, n int) {
	m.poolReady.WithLabelValues(platform).Set(float64(n))
}

func (m *Metrics) SetPoolUsing(platform string, n int) {
	m.poolUsing.WithLabelValues(platform).Set(float64(n))
}

func (m *Metrics) SetCanProduce(n int)     { m.canProduce.Set(float64(n)) }
func (m *Metrics) SetActiveSessions(n int) { m.activeSessions.Set(float64(n)) }
func (m *Metrics) SetSessionQueue(n int)   { m.sessionQueue.Set(float64(n)) }
