package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

const testTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

func tracedContext(t *testing.T) context.Context {
	t.Helper()
	traceID, err := trace.TraceIDFromHex(testTraceID)
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
		Remote:  true,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestGetExemplar(t *testing.T) {
	labels := getExemplar(tracedContext(t))
	require.NotNil(t, labels)
	assert.Equal(t, testTraceID, labels["trace_id"])

	assert.Nil(t, getExemplar(context.Background()))
}

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func exemplarTraceID(ex *dto.Exemplar) string {
	for _, label := range ex.GetLabel() {
		if label.GetName() == "trace_id" {
			return label.GetValue()
		}
	}
	return ""
}

func counterExemplarTraceID(t *testing.T, reg *prometheus.Registry, name string) string {
	t.Helper()
	for _, metric := range family(t, reg, name).GetMetric() {
		if ex := metric.GetCounter().GetExemplar(); ex != nil {
			return exemplarTraceID(ex)
		}
	}
	return ""
}

func TestExemplar_RecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHTTPRequest(tracedContext(t), "GET", "/v1/items", http.StatusOK, time.Millisecond, 100)

	assert.Equal(t, testTraceID, counterExemplarTraceID(t, reg, "http_requests_total"))
}

func TestExemplar_ObserveVaultOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ObserveVaultOperation(tracedContext(t), "decrypt_item", time.Millisecond, nil)
	m.ObserveBlobOperation(context.Background(), "download", time.Millisecond, nil)

	assert.Equal(t, testTraceID, counterExemplarTraceID(t, reg, "vault_operations_total"))
	assert.Empty(t, counterExemplarTraceID(t, reg, "blob_operations_total"))
}

func TestExemplar_HistogramBucket(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ObserveVaultOperation(tracedContext(t), "save_item", 3*time.Millisecond, nil)

	mf := family(t, reg, "vault_operation_duration_seconds")
	require.NotNil(t, mf)
	assert.Equal(t, dto.MetricType_HISTOGRAM, mf.GetType())
	require.Len(t, mf.GetMetric(), 1)

	h := mf.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(1), h.GetSampleCount())
	var traced int
	for _, b := range h.GetBucket() {
		if b.GetExemplar() != nil {
			assert.Equal(t, testTraceID, exemplarTraceID(b.GetExemplar()))
			traced++
		}
	}
	assert.Equal(t, 1, traced)
}
