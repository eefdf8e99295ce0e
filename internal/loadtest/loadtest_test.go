package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeVault(t *testing.T, saves, decrypts *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Principal-ID") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/items":
			var body map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			atomic.AddInt64(saves, 1)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"item-1"}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/grants"):
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"status":"pending"}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/decrypt"):
			atomic.AddInt64(decrypts, 1)
			_, _ = w.Write([]byte(`{"item_id":"item-1","form_data":{}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestRun(t *testing.T) {
	var saves, decrypts int64
	srv := fakeVault(t, &saves, &decrypts)
	defer srv.Close()
	logger, _ := test.NewNullLogger()

	res, err := Run(context.Background(), Config{
		BaseURL:         srv.URL + "/",
		Workers:         2,
		Duration:        300 * time.Millisecond,
		QPS:             50,
		SourceSize:      128,
		DecryptsPerSave: 2,
		Share:           true,
	}, logger)
	require.NoError(t, err)

	save := res.Operations["save"]
	decrypt := res.Operations["decrypt"]
	require.NotNil(t, save)
	require.NotNil(t, decrypt)
	assert.Zero(t, save.Errors)
	assert.Zero(t, decrypt.Errors)
	require.NotNil(t, res.Operations["share"])
	assert.Zero(t, res.Operations["share"].Errors)
	assert.Positive(t, save.Count)
	assert.LessOrEqual(t, save.Count, atomic.LoadInt64(&saves))
	assert.LessOrEqual(t, decrypt.Count, atomic.LoadInt64(&decrypts))
	assert.LessOrEqual(t, save.P50, save.P95)
	assert.LessOrEqual(t, save.P95, save.P99)
	assert.Positive(t, save.Throughput)

	var out bytes.Buffer
	res.Print(&out)
	assert.Contains(t, out.String(), "save")
	assert.Contains(t, out.String(), "decrypt")
}

func TestRun_CountsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	logger, _ := test.NewNullLogger()

	res, err := Run(context.Background(), Config{BaseURL: srv.URL, Duration: 100 * time.Millisecond, QPS: 100}, logger)
	require.NoError(t, err)
	save := res.Operations["save"]
	require.NotNil(t, save)
	assert.Equal(t, save.Count, save.Errors)
	assert.Nil(t, res.Operations["decrypt"])
}

func TestRun_RequiresConfig(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := Run(context.Background(), Config{Duration: time.Second}, logger)
	assert.Error(t, err)
	_, err = Run(context.Background(), Config{BaseURL: "http://localhost"}, logger)
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	var lat []time.Duration
	for i := 1; i <= 100; i++ {
		lat = append(lat, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 50*time.Millisecond, percentile(lat, 50))
	assert.Equal(t, 95*time.Millisecond, percentile(lat, 95))
	assert.Equal(t, 99*time.Millisecond, percentile(lat, 99))
	assert.Equal(t, time.Duration(0), percentile(nil, 50))
	assert.Equal(t, 7*time.Millisecond, percentile([]time.Duration{7 * time.Millisecond}, 99))
}

func TestAnalyzeRegression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baselines", "vault.json")
	base := &Results{Duration: time.Second, Operations: map[string]*Stats{
		"save": {Count: 100, P50: 10 * time.Millisecond, P95: 20 * time.Millisecond, P99: 30 * time.Millisecond, Throughput: 100},
	}}
	require.NoError(t, SaveBaseline(base, path))

	same := &Results{Duration: time.Second, Operations: map[string]*Stats{
		"save": {Count: 100, P50: 10500 * time.Microsecond, P95: 20 * time.Millisecond, P99: 30 * time.Millisecond, Throughput: 98},
	}}
	reg, err := AnalyzeRegression(same, path, 10)
	require.NoError(t, err)
	assert.False(t, reg.SignificantRegression)
	assert.Len(t, reg.Changes, 4)

	slower := &Results{Duration: time.Second, Operations: map[string]*Stats{
		"save": {Count: 100, P50: 10 * time.Millisecond, P95: 40 * time.Millisecond, P99: 30 * time.Millisecond, Throughput: 100},
	}}
	reg, err = AnalyzeRegression(slower, path, 10)
	require.NoError(t, err)
	assert.True(t, reg.SignificantRegression)

	failing := &Results{Duration: time.Second, Operations: map[string]*Stats{
		"save": {Count: 100, Errors: 1, P50: 10 * time.Millisecond, P95: 20 * time.Millisecond, P99: 30 * time.Millisecond, Throughput: 100},
	}}
	reg, err = AnalyzeRegression(failing, path, 10)
	require.NoError(t, err)
	assert.True(t, reg.SignificantRegression)

	var out bytes.Buffer
	reg.Print(&out)
	assert.Contains(t, out.String(), "errors")

	_, err = AnalyzeRegression(same, filepath.Join(t.TempDir(), "missing.json"), 10)
	assert.Error(t, err)
}

func TestQueryServerMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[` +
			`{"metric":{"operation":"save_item"},"value":[1700000000,"42"]}]}}`))
	}))
	defer srv.Close()

	end := time.Now()
	got, err := QueryServerMetrics(context.Background(), srv.URL, end.Add(-time.Minute), end)
	require.NoError(t, err)
	assert.Equal(t, 42.0, got["vault_operations.save_item"])
}
