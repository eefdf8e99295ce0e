package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/document-vault/internal/domain"
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	httpRequestBytes       *prometheus.CounterVec
	vaultOperationsTotal   *prometheus.CounterVec
	vaultOperationDuration *prometheus.HistogramVec
	kmsOperationsTotal     *prometheus.CounterVec
	kmsOperationDuration   *prometheus.HistogramVec
	blobOperationsTotal    *prometheus.CounterVec
	blobOperationDuration  *prometheus.HistogramVec
	grantTransitionsTotal  *prometheus.CounterVec
}

// NewMetrics creates a metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a metrics instance registered with reg.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		vaultOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_operations_total",
				Help: "Total number of vault operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		vaultOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_operation_duration_seconds",
				Help:    "Vault operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		kmsOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_operations_total",
				Help: "Total number of key service calls by outcome",
			},
			[]string{"provider", "operation", "outcome"},
		),
		kmsOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kms_operation_duration_seconds",
				Help:    "Key service call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
		blobOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blob_operations_total",
				Help: "Total number of blob store operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		blobOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blob_operation_duration_seconds",
				Help:    "Blob store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		grantTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grant_transitions_total",
				Help: "Total number of access grant transitions by outcome",
			},
			[]string{"transition", "outcome"},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestBytes,
		m.vaultOperationsTotal,
		m.vaultOperationDuration,
		m.kmsOperationsTotal,
		m.kmsOperationDuration,
		m.blobOperationsTotal,
		m.blobOperationDuration,
		m.grantTransitionsTotal,
	)
	return m
}

// getExemplar returns the trace id of the span in ctx as exemplar labels,
// or nil when there is no valid span.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.TraceID().IsValid() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}

func inc(ctx context.Context, c prometheus.Counter) {
	if ex := getExemplar(ctx); ex != nil {
		if adder, ok := c.(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, ex)
			return
		}
	}
	c.Inc()
}

func observe(ctx context.Context, o prometheus.Observer, d time.Duration) {
	if ex := getExemplar(ctx); ex != nil {
		if eo, ok := o.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(d.Seconds(), ex)
			return
		}
	}
	o.Observe(d.Seconds())
}

// outcome maps an error to a bounded label value.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return domain.KindOf(err).String()
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	path = sanitizePathLabel(path)
	statusText := http.StatusText(status)
	inc(ctx, m.httpRequestsTotal.WithLabelValues(method, path, statusText))
	observe(ctx, m.httpRequestDuration.WithLabelValues(method, path, statusText), duration)
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// ObserveVaultOperation records one vault operation.
func (m *Metrics) ObserveVaultOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	inc(ctx, m.vaultOperationsTotal.WithLabelValues(operation, outcome(err)))
	observe(ctx, m.vaultOperationDuration.WithLabelValues(operation), duration)
}

// ObserveBlobOperation records one blob store call.
func (m *Metrics) ObserveBlobOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	inc(ctx, m.blobOperationsTotal.WithLabelValues(operation, outcome(err)))
	observe(ctx, m.blobOperationDuration.WithLabelValues(operation), duration)
}

// ObserveKMSOperation records one key service call.
func (m *Metrics) ObserveKMSOperation(provider, operation string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.kmsOperationsTotal.WithLabelValues(provider, operation, result).Inc()
	m.kmsOperationDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// ObserveGrantTransition records one access grant transition attempt.
func (m *Metrics) ObserveGrantTransition(transition string, err error) {
	m.grantTransitionsTotal.WithLabelValues(transition, outcome(err)).Inc()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// sanitizePathLabel replaces item ids and grantee ids with placeholders so
// the path label has bounded cardinality.
func sanitizePathLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return "/"
	}

	segs := strings.Split(path, "/")
	for i := 1; i < len(segs); i++ {
		switch segs[i-1] {
		case "items":
			segs[i] = "{id}"
		case "grants":
			if segs[i] != "activate" {
				segs[i] = "{grantee}"
			}
		}
	}
	return "/" + strings.Join(segs, "/")
}
