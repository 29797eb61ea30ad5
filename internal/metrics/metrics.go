package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the downloader and job server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	segmentsFetched  prometheus.Counter
	segmentsCached   prometheus.Counter
	segmentsFailed   prometheus.Counter
	segmentRetries   prometheus.Counter
	bytesDownloaded  prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	activeDownloads  prometheus.Gauge
	pendingDownloads prometheus.Gauge
	poolCrashes      prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gohls_http_requests_total",
			Help: "Total number of API requests by status code",
		}, []string{"code"}),
		segmentsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gohls_segments_fetched_total",
			Help: "Segments downloaded from the origin",
		}),
		segmentsCached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gohls_segments_cache_hits_total",
			Help: "Segments served from the local cache without a request",
		}),
		segmentsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gohls_segments_failed_total",
			Help: "Segments that exhausted every retry",
		}),
		segmentRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gohls_segment_retries_total",
			Help: "Segment resubmissions after a failed fetch",
		}),
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gohls_bytes_downloaded_total",
			Help: "Segment bytes written to the cache",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gohls_jobs_finished_total",
			Help: "Jobs that left the running state, by resulting status",
		}, []string{"status"}),
		activeDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohls_active_downloads",
			Help: "Jobs currently in the resume state",
		}),
		pendingDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohls_pending_downloads",
			Help: "Jobs waiting for a download slot",
		}),
		poolCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gohls_pool_unit_crashes_total",
			Help: "Worker units replaced after a panic",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.segmentsFetched,
		m.segmentsCached,
		m.segmentsFailed,
		m.segmentRetries,
		m.bytesDownloaded,
		m.jobsFinished,
		m.activeDownloads,
		m.pendingDownloads,
		m.poolCrashes,
	)

	return m
}

func (m *Metrics) IncRequests(code string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(code).Inc()
}

// SegmentFetched records a segment written to the cache.
func (m *Metrics) SegmentFetched(bytes int64, cached bool) {
	if m == nil {
		return
	}
	if cached {
		m.segmentsCached.Inc()
		return
	}
	m.segmentsFetched.Inc()
	m.bytesDownloaded.Add(float64(bytes))
}

func (m *Metrics) SegmentFailed() {
	if m == nil {
		return
	}
	m.segmentsFailed.Inc()
}

func (m *Metrics) SegmentRetried() {
	if m == nil {
		return
	}
	m.segmentRetries.Inc()
}

func (m *Metrics) UnitCrashed() {
	if m == nil {
		return
	}
	m.poolCrashes.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

// SetQueue sets the active and pending job gauges.
func (m *Metrics) SetQueue(active, pending int) {
	if m == nil {
		return
	}
	m.activeDownloads.Set(float64(active))
	m.pendingDownloads.Set(float64(pending))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
