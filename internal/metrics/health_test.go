package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	HealthHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestReadinessHandler(t *testing.T) {
	ok := func(context.Context) error { return nil }
	failing := func(context.Context) error { return fmt.Errorf("KMS unavailable") }

	tests := []struct {
		name       string
		checks     map[string]Check
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:     "without checks",
			checks:   nil,
			wantCode: http.StatusOK,
		},
		{
			name:       "all healthy",
			checks:     map[string]Check{"kms": ok, "blob": ok, "store": ok},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"kms": "ok", "blob": "ok", "store": "ok"},
		},
		{
			name:       "one failing",
			checks:     map[string]Check{"kms": failing, "store": ok},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"kms": "fail", "store": "ok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ready", nil)
			w := httptest.NewRecorder()

			ReadinessHandler(tt.checks)(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			var status HealthStatus
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
			if tt.wantChecks != nil {
				assert.Equal(t, tt.wantChecks, status.Checks)
			}
			assert.NotContains(t, w.Body.String(), "KMS unavailable")
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()

	LivenessHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, Uptime() > 0)
}
