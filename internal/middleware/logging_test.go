package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method, path string
	status       int
	bytes        int64
}

type fakeRecorder struct{ got []recordedRequest }

func (f *fakeRecorder) RecordHTTPRequest(_ context.Context, method, path string, status int, _ time.Duration, bytes int64) {
	f.got = append(f.got, recordedRequest{method, path, status, bytes})
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	var seenID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestID(r.Context())
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("test"))
	})

	rec := &fakeRecorder{}
	wrapped := LoggingMiddleware(logger, rec)(handler)

	req := httptest.NewRequest("POST", "/v1/items", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, seenID)
	assert.Equal(t, seenID, w.Header().Get(RequestIDHeader))
	require.Len(t, rec.got, 1)
	assert.Equal(t, recordedRequest{"POST", "/v1/items", http.StatusCreated, 4}, rec.got[0])

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, seenID, line["request_id"])
	assert.Equal(t, float64(http.StatusCreated), line["status"])
}

func TestLoggingMiddleware_RequestID(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	wrapped := LoggingMiddleware(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	incoming := "5b0b5d0e-8d5a-4a0d-a4ef-9f2e7f5b2d61"
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(RequestIDHeader, incoming)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)
	assert.Equal(t, incoming, w.Header().Get(RequestIDHeader))

	// Junk ids are replaced.
	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	w = httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)
	assert.NotEqual(t, "<script>", w.Header().Get(RequestIDHeader))
}

func TestLoggingMiddleware_LogsPrincipal(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	inner := PrincipalMiddleware("X-Principal-ID")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	wrapped := LoggingMiddleware(logger, nil)(inner)

	req := httptest.NewRequest("GET", "/v1/items", nil)
	req.Header.Set("X-Principal-ID", "user-7")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "user-7", line["principal"])
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}

	rw.WriteHeader(http.StatusNotFound)
	rw.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusNotFound, rw.statusCode)

	n, err := rw.Write([]byte("test"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), rw.bytesWritten)
	assert.Equal(t, w, rw.Unwrap())
}
