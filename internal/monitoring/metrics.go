package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upgrade outcome labels for ws_upgrades_total.
const (
	UpgradeOK         = "ok"
	UpgradeRejected   = "rejected"
	UpgradeAuthFailed = "auth_failed"
	UpgradeCapacity   = "capacity"
)

// dispatchBuckets is the µs ladder for dispatch_duration_micros.
var dispatchBuckets = []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000, 1000000}

// Metrics is the gateway's metric set on a private registry, so the
// exposition carries exactly these series plus the standard Go collectors.
type Metrics struct {
	registry *prometheus.Registry

	Upgrades            *prometheus.CounterVec   // tenant, status
	SessionsActive      *prometheus.GaugeVec     // tenant
	PolicyDecisions     *prometheus.CounterVec   // tenant, lane, decision, reason
	HandshakeRejections *prometheus.CounterVec   // tenant, reason
	DispatchDuration    *prometheus.HistogramVec // tenant, lane
	DecodeErrors        *prometheus.CounterVec   // tenant
	ServiceErrors       *prometheus.CounterVec   // tenant, lane, svc
	WriterTimeouts      *prometheus.CounterVec   // tenant
	Draining            prometheus.Gauge

	GuardRejections *prometheus.CounterVec // reason
	GuardCPU        prometheus.Gauge
	GuardHeapBytes  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_upgrades_total",
			Help: "WebSocket upgrade attempts by outcome",
		}, []string{"tenant", "status"}),
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ws_sessions_active",
			Help: "Live sessions per tenant",
		}, []string{"tenant"}),
		PolicyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_decisions_total",
			Help: "Policy pipeline verdicts per frame",
		}, []string{"tenant", "lane", "decision", "reason"}),
		HandshakeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handshake_rejections_total",
			Help: "Handshakes refused before upgrade",
		}, []string{"tenant", "reason"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_duration_micros",
			Help:    "Service dispatch latency in microseconds",
			Buckets: dispatchBuckets,
		}, []string{"tenant", "lane"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decode_errors_total",
			Help: "Frames that failed wire decoding",
		}, []string{"tenant"}),
		ServiceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "service_errors_total",
			Help: "Errors returned by service handlers",
		}, []string{"tenant", "lane", "svc"}),
		WriterTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "writer_timeouts_total",
			Help: "Writer pump send deadlines exceeded",
		}, []string{"tenant"}),
		Draining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_draining",
			Help: "1 while the gateway refuses new sessions for shutdown",
		}),
		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resource_guard_rejections_total",
			Help: "Handshakes refused by the host resource guard",
		}, []string{"reason"}),
		GuardCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "resource_guard_cpu_percent",
			Help: "Last sampled host CPU utilization",
		}),
		GuardHeapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "resource_guard_heap_bytes",
			Help: "Last sampled heap in use",
		}),
	}

	m.registry.MustRegister(
		m.Upgrades, m.SessionsActive, m.PolicyDecisions, m.HandshakeRejections,
		m.DispatchDuration, m.DecodeErrors, m.ServiceErrors, m.WriterTimeouts,
		m.Draining, m.GuardRejections, m.GuardCPU, m.GuardHeapBytes,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

// Handler serves the exposition for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch records one dispatch in microseconds.
func (m *Metrics) ObserveDispatch(tenant, lane string, micros float64) {
	m.DispatchDuration.WithLabelValues(tenant, lane).Observe(micros)
}
