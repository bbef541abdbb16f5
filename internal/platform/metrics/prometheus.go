package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Scheduling metrics
	JobsRunning       prometheus.Gauge
	WorkerSlotsInUse  prometheus.Gauge
	JobsFinished      *prometheus.CounterVec
	BranchWaitSeconds prometheus.Histogram
	JobDuration       *prometheus.HistogramVec

	// Tenant metrics
	TenantsActive prometheus.Gauge
	TenantsQueued prometheus.Gauge

	// Progress fan-out metrics
	Subscribers      *prometheus.GaugeVec
	UpdatesPublished *prometheus.CounterVec
	SinksDropped     prometheus.Counter
}

// New creates and registers all scheduler metrics
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		JobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_running",
				Help:      "Number of jobs currently executing",
			},
		),
		WorkerSlotsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_slots_in_use",
				Help:      "Worker semaphore slots currently held",
			},
		),
		JobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Jobs reaching a terminal state",
			},
			[]string{"status"},
		),
		BranchWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "branch_wait_seconds",
				Help:      "Time a job waited for its branch token",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Job execution duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"type"},
		),
		TenantsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tenants_active",
				Help:      "Tenants currently holding an admission slot",
			},
		),
		TenantsQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tenants_queued",
				Help:      "Tenants waiting for admission",
			},
		),
		Subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "progress_subscribers",
				Help:      "Connected progress subscribers",
			},
			[]string{"scope"},
		),
		UpdatesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "progress_updates_published_total",
				Help:      "Progress updates fanned out",
			},
			[]string{"scope"},
		),
		SinksDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "progress_sinks_dropped_total",
				Help:      "Subscribers dropped for slow or failed delivery",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.JobsRunning,
		m.WorkerSlotsInUse,
		m.JobsFinished,
		m.BranchWaitSeconds,
		m.JobDuration,
		m.TenantsActive,
		m.TenantsQueued,
		m.Subscribers,
		m.UpdatesPublished,
		m.SinksDropped,
	)

	return m
}

// NewNop creates unregistered metrics for tests
func NewNop() *Metrics {
	return New("test", prometheus.NewRegistry())
}

// ObserveHTTP records one completed HTTP request
func (m *Metrics) ObserveHTTP(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
