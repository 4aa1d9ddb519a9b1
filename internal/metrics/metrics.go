// Package metrics wraps the Prometheus collectors envtrack exports:
// envelope transitions, image uploads, rate-limit rejections, orphan sweeps,
// and HTTP traffic. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "envtrack"

// ResultOK labels accepted operations.
const ResultOK = "ok"

// Collector owns a private registry so tests and daemons never share state.
type Collector struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	uploadBytes     prometheus.Histogram
	normalizeTime   prometheus.Histogram
	rateLimited     *prometheus.CounterVec
	annotationSaves *prometheus.CounterVec
	sweepRemoved    prometheus.Counter
	sweepMissing    prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// NewCollector creates and registers every collector.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "transitions_total",
			Help:      "Envelope operations by operation and result code",
		},
		[]string{"operation", "result"},
	)
	c.uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "uploads_total",
			Help:      "Image uploads by result code",
		},
		[]string{"result"},
	)
	c.uploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "stored_bytes",
			Help:      "Size of normalized images written to storage",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 2, 10), // 16KiB to 8MiB
		},
	)
	c.normalizeTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "normalize_duration_seconds",
			Help:      "Time spent decoding, resizing and re-encoding uploads",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
	c.rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the upload rate limiter by key kind",
		},
		[]string{"kind"},
	)
	c.annotationSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "annotation_updates_total",
			Help:      "Annotation updates by result code",
		},
		[]string{"result"},
	)
	c.sweepRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "orphans_removed_total",
			Help:      "Unreferenced image files removed by the reconciliation sweep",
		},
	)
	c.sweepMissing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "missing_files",
			Help:      "Active image rows whose file was missing at the last sweep",
		},
	)
	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)
	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	c.httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served",
		},
	)

	c.registry.MustRegister(
		c.transitions,
		c.uploads,
		c.uploadBytes,
		c.normalizeTime,
		c.rateLimited,
		c.annotationSaves,
		c.sweepRemoved,
		c.sweepMissing,
		c.httpRequests,
		c.httpDuration,
		c.httpInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordTransition counts an envelope operation. result is ResultOK or an error code.
func (c *Collector) RecordTransition(operation, result string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(operation, result).Inc()
}

// RecordUpload counts an upload attempt and, when accepted, its stored size.
func (c *Collector) RecordUpload(result string, storedBytes int64) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(result).Inc()
	if result == ResultOK {
		c.uploadBytes.Observe(float64(storedBytes))
	}
}

// RecordNormalize observes how long normalization took.
func (c *Collector) RecordNormalize(duration time.Duration) {
	if c == nil {
		return
	}
	c.normalizeTime.Observe(duration.Seconds())
}

// RecordRateLimited counts a limiter rejection for kind ("user" or "ip").
func (c *Collector) RecordRateLimited(kind string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(kind).Inc()
}

// RecordAnnotationUpdate counts an annotation update attempt.
func (c *Collector) RecordAnnotationUpdate(result string) {
	if c == nil {
		return
	}
	c.annotationSaves.WithLabelValues(result).Inc()
}

// RecordSweep records the outcome of one reconciliation pass.
func (c *Collector) RecordSweep(removed, missing int) {
	if c == nil {
		return
	}
	c.sweepRemoved.Add(float64(removed))
	c.sweepMissing.Set(float64(missing))
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, status).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncrementInFlight marks a request as started.
func (c *Collector) IncrementInFlight() {
	if c == nil {
		return
	}
	c.httpInFlight.Inc()
}

// DecrementInFlight marks a request as finished.
func (c *Collector) DecrementInFlight() {
	if c == nil {
		return
	}
	c.httpInFlight.Dec()
}
