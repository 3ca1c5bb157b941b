package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Object store metrics
	ObjectsPutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_objects_put_total",
			Help: "Total number of objects written by kind",
		},
		[]string{"kind"},
	)

	ObjectsGetTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_objects_get_total",
			Help: "Total number of objects read by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Repository state metrics
	PublicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_publications_total",
			Help: "Total number of publications created by scope and gate",
		},
		[]string{"scope", "gate"},
	)

	BundlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_bundles_total",
			Help: "Total number of bundles created by scope and gate",
		},
		[]string{"scope", "gate"},
	)

	PromotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_promotions_total",
			Help: "Total number of promotions by scope and destination gate",
		},
		[]string{"scope", "to_gate"},
	)

	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_releases_total",
			Help: "Total number of releases by channel",
		},
		[]string{"channel"},
	)

	// GC metrics
	GCSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_gc_sweeps_total",
			Help: "Total number of GC sweeps by mode",
		},
		[]string{"dry_run"},
	)

	GCObjectsDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_gc_objects_deleted_total",
			Help: "Total number of objects deleted by GC, by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convergence_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Manifest build / coalesce / GC sweep latency
	SnapBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convergence_snap_build_duration_seconds",
			Help:    "Time taken to walk a working directory into a snap",
			Buckets: prometheus.DefBuckets,
		},
	)

	CoalesceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convergence_coalesce_duration_seconds",
			Help:    "Time taken to coalesce publications into a bundle",
			Buckets: prometheus.DefBuckets,
		},
	)

	GCSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convergence_gc_sweep_duration_seconds",
			Help:    "Time taken for a GC sweep",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(ObjectsPutTotal)
	prometheus.MustRegister(ObjectsGetTotal)
	prometheus.MustRegister(PublicationsTotal)
	prometheus.MustRegister(BundlesTotal)
	prometheus.MustRegister(PromotionsTotal)
	prometheus.MustRegister(ReleasesTotal)
	prometheus.MustRegister(GCSweepsTotal)
	prometheus.MustRegister(GCObjectsDeletedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SnapBuildDuration)
	prometheus.MustRegister(CoalesceDuration)
	prometheus.MustRegister(GCSweepDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
