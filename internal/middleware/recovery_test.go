package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestRecoveryMiddleware(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel) // Suppress log output during tests

	tests := []struct {
		name           string
		handler        http.HandlerFunc
		expectPanic    bool
		expectedStatus int
	}{
		{
			name: "no panic",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "panic recovery",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("test panic")
			},
			expectPanic:    true,
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name: "nil panic",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic(nil)
			},
			expectPanic:    true,
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := RecoveryMiddleware(logger)(tt.handler)

			req := httptest.NewRequest("GET", "/test", nil)
			w := httptest.NewRecorder()

			assert.NotPanics(t, func() { wrapped.ServeHTTP(w, req) })
			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectPanic {
				assert.Equal(t, "Internal Server Error\n", w.Body.String())
			}
		})
	}
}

func TestRecoveryMiddleware_ReraisesAbort(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	wrapped := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.Panics(t, func() {
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	})
}
