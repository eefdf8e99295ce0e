package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const (
	requestInfoKey ctxKey = iota
	principalKey
)

// requestInfo is shared by the middlewares of one request. Handlers further
// down the chain fill in what the access log should report.
type requestInfo struct {
	id        string
	principal string
}

func infoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey).(*requestInfo)
	return info
}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	if info := infoFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

// HTTPRecorder receives one call per completed request.
type HTTPRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64)
}

// LoggingMiddleware wraps handlers with request logging. It assigns a
// request id (reusing a well-formed incoming X-Request-ID) and reports the
// request to rec when rec is non-nil.
func LoggingMiddleware(logger *logrus.Logger, rec HTTPRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(reqID); err != nil {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)
			info := &requestInfo{id: reqID}
			r = r.WithContext(context.WithValue(r.Context(), requestInfoKey, info))

			// Wrap response writer to capture status code
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			if rec != nil {
				rec.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rw.statusCode, duration, rw.bytesWritten)
			}

			fields := logrus.Fields{
				"request_id":  reqID,
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"user_agent":  r.UserAgent(),
				"status":      rw.statusCode,
				"duration_ms": duration.Milliseconds(),
				"bytes":       rw.bytesWritten,
			}
			if p := info.principal; p != "" {
				fields["principal"] = p
			}
			entry := logger.WithFields(fields)
			if rw.statusCode >= http.StatusInternalServerError {
				entry.Warn("HTTP request")
				return
			}
			entry.Info("HTTP request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
