package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scanengine"

// Metrics holds all the Prometheus metrics for the scan engine
type Metrics struct {
	FindingsPublished *prometheus.CounterVec
	FindingsRejected  *prometheus.CounterVec
	FindingsDelivered *prometheus.CounterVec
	FindingsDeduped   *prometheus.CounterVec
	FindingsScopeSkip *prometheus.CounterVec
	ModuleErrors      *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	FetchDuration     *prometheus.HistogramVec
	ScansTotal        *prometheus.CounterVec
	ActiveScans       prometheus.Gauge
	NatsPublishErrors prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FindingsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_published_total",
			Help:      "Total number of findings published on a scan bus",
		}, []string{"type"}),
		FindingsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_rejected_total",
			Help:      "Total number of findings rejected by the bus",
		}, []string{"module"}),
		FindingsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_delivered_total",
			Help:      "Total number of findings handed to a module handler",
		}, []string{"module"}),
		FindingsDeduped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_deduplicated_total",
			Help:      "Total number of deliveries skipped because the module already saw the data",
		}, []string{"module"}),
		FindingsScopeSkip: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_scope_skipped_total",
			Help:      "Total number of deliveries skipped because the source was out of scope",
		}, []string{"module"}),
		ModuleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_errors_total",
			Help:      "Total number of modules put into error state",
		}, []string{"module"}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in module handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of response cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of response cache misses",
		}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of outbound network calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source", "status"}),
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Total number of scans by final status",
		}, []string{"status"}),
		ActiveScans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_scans",
			Help:      "Number of scans currently running",
		}),
		NatsPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_publish_errors_total",
			Help:      "Total number of NATS publish errors",
		}),
	}
}

// CacheHit implements cache.Observer
func (m *Metrics) CacheHit() {
	m.CacheHits.Inc()
}

// CacheMiss implements cache.Observer
func (m *Metrics) CacheMiss() {
	m.CacheMisses.Inc()
}

// FetchDone implements fetch.Observer
func (m *Metrics) FetchDone(source string, status int, d time.Duration) {
	m.FetchDuration.WithLabelValues(source, strconv.Itoa(status)).Observe(d.Seconds())
}

// ScanStarted marks a scan as running
func (m *Metrics) ScanStarted() {
	m.ActiveScans.Inc()
}

// ScanEnded records the final status of a scan
func (m *Metrics) ScanEnded(status string) {
	m.ActiveScans.Dec()
	m.ScansTotal.WithLabelValues(status).Inc()
}

// IncrementNatsPublishErrors increments the nats_publish_errors_total counter
func (m *Metrics) IncrementNatsPublishErrors() {
	m.NatsPublishErrors.Inc()
}
