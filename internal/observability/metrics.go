package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "dealflow"

// Move outcome labels.
const (
	MoveAllowed    = "allowed"
	MoveDenied     = "denied"
	MoveOverridden = "overridden"
	MoveConflict   = "conflict"
	MoveError      = "error"
)

// Move kind labels.
const (
	MoveKindStage     = "stage"
	MoveKindBlueprint = "blueprint"
)

// Catalog cache lookup results.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// unmatchedRoute labels requests chi could not route, keeping raw paths out
// of label values.
const unmatchedRoute = "unmatched"

// Metrics holds the service's Prometheus instruments. Every method is safe
// on a nil *Metrics and does nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseBytes   *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge

	StageMovesTotal              *prometheus.CounterVec
	AutoReturnsTotal             *prometheus.CounterVec
	ConcurrentModificationsTotal *prometheus.CounterVec
	OperationDuration            *prometheus.HistogramVec
	CalculationSubmissionsTotal  *prometheus.CounterVec

	CatalogCacheLookupsTotal *prometheus.CounterVec
	CatalogReloadTotal       *prometheus.CounterVec
	CatalogTenantsLoaded     prometheus.Gauge

	TimelineEmitFailuresTotal *prometheus.CounterVec
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

// InitMetrics creates the instruments and registers them with reg. The
// metrics handler serves reg when it is also a Gatherer.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: counter("http", "requests_total",
			"HTTP requests by route and status.", "method", "route", "status"),
		HTTPRequestDuration: histogram("http", "request_duration_seconds",
			"HTTP request latency.", prometheus.DefBuckets, "method", "route"),
		HTTPResponseBytes: histogram("http", "response_size_bytes",
			"HTTP response body size.", prometheus.ExponentialBuckets(128, 4, 7), "route"),
		HTTPInFlight: gauge("http", "requests_in_flight",
			"HTTP requests being served."),

		StageMovesTotal: counter("", "stage_moves_total",
			"Stage and blueprint move attempts by outcome.", "kind", "outcome"),
		AutoReturnsTotal: counter("", "auto_returns_total",
			"Deals sent back to an earlier stage after a calculation edit.", "calculation"),
		ConcurrentModificationsTotal: counter("", "concurrent_modifications_total",
			"Writes that lost an optimistic concurrency race.", "operation"),
		OperationDuration: histogram("", "operation_duration_seconds",
			"Deal service operation latency.", prometheus.ExponentialBuckets(0.001, 2.5, 9), "operation"),
		CalculationSubmissionsTotal: counter("", "calculation_submissions_total",
			"Calculation input submissions by resulting status.", "slug", "status"),

		CatalogCacheLookupsTotal: counter("catalog", "cache_lookups_total",
			"Tenant catalog cache lookups by layer and result.", "layer", "result"),
		CatalogReloadTotal: counter("catalog", "reload_total",
			"Catalog directory rescans by result.", "status"),
		CatalogTenantsLoaded: gauge("catalog", "tenants_loaded",
			"Tenant catalogs currently loaded from files."),

		TimelineEmitFailuresTotal: counter("timeline", "emit_failures_total",
			"Timeline events a sink failed to accept.", "sink"),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.HTTPResponseBytes, m.HTTPInFlight,
		m.StageMovesTotal, m.AutoReturnsTotal, m.ConcurrentModificationsTotal,
		m.OperationDuration, m.CalculationSubmissionsTotal,
		m.CatalogCacheLookupsTotal, m.CatalogReloadTotal, m.CatalogTenantsLoaded,
		m.TimelineEmitFailuresTotal,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) RecordStageMove(outcome string) {
	if m != nil {
		m.StageMovesTotal.WithLabelValues(MoveKindStage, outcome).Inc()
	}
}

func (m *Metrics) RecordBlueprintMove(outcome string) {
	if m != nil {
		m.StageMovesTotal.WithLabelValues(MoveKindBlueprint, outcome).Inc()
	}
}

func (m *Metrics) RecordAutoReturn(calculationSlug string) {
	if m != nil {
		m.AutoReturnsTotal.WithLabelValues(calculationSlug).Inc()
	}
}

func (m *Metrics) RecordOperation(operation string, took time.Duration) {
	if m != nil {
		m.OperationDuration.WithLabelValues(operation).Observe(took.Seconds())
	}
}

func (m *Metrics) RecordConcurrentModification(operation string) {
	if m != nil {
		m.ConcurrentModificationsTotal.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCalculationSubmission(slug, status string) {
	if m != nil {
		m.CalculationSubmissionsTotal.WithLabelValues(slug, status).Inc()
	}
}

func (m *Metrics) RecordCatalogCacheHit(layer string) {
	if m != nil {
		m.CatalogCacheLookupsTotal.WithLabelValues(layer, CacheHit).Inc()
	}
}

func (m *Metrics) RecordCatalogCacheMiss(layer string) {
	if m != nil {
		m.CatalogCacheLookupsTotal.WithLabelValues(layer, CacheMiss).Inc()
	}
}

func (m *Metrics) RecordCatalogReload(status string) {
	if m != nil {
		m.CatalogReloadTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SetCatalogTenantsLoaded(count float64) {
	if m != nil {
		m.CatalogTenantsLoaded.Set(count)
	}
}

func (m *Metrics) RecordTimelineEmitFailure(sink string) {
	if m != nil {
		m.TimelineEmitFailuresTotal.WithLabelValues(sink).Inc()
	}
}

// Handler serves the registry the metrics were registered with, or the
// default registry for a nil *Metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// MetricsMiddleware records request count, latency and response size
// labelled by chi route pattern.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPInFlight.Inc()
		defer m.HTTPInFlight.Dec()

		start := time.Now()
		sw := newStatusWriter(w)
		next.ServeHTTP(sw, r)

		route := unmatchedRoute
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.HTTPResponseBytes.WithLabelValues(route).Observe(float64(sw.bytes))
	})
}

// statusWriter captures the status code and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
