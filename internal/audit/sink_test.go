package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/document-vault/internal/config"
)

// mockWriter is a thread-safe mock writer.
type mockWriter struct {
	mu     sync.Mutex
	events []*AuditEvent
	fails  int
}

func (w *mockWriter) WriteEvent(event *AuditEvent) error {
	return w.WriteBatch([]*AuditEvent{event})
}

func (w *mockWriter) WriteBatch(events []*AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fails > 0 {
		w.fails--
		return errors.New("sink unavailable")
	}
	w.events = append(w.events, events...)
	return nil
}

func (w *mockWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestBatchSink(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 5, 100*time.Millisecond, 0, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: fmt.Sprintf("op-%d", i)}))
	}

	// Nothing is written before the flush interval.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, mock.count())

	require.Eventually(t, func() bool { return mock.count() == 3 }, time.Second, 10*time.Millisecond)

	// A full buffer flushes without waiting for the ticker.
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: fmt.Sprintf("op-batch-%d", i)}))
	}
	require.Eventually(t, func() bool { return mock.count() == 8 }, 80*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
}

func TestBatchSink_CloseFlushesAndRetries(t *testing.T) {
	mock := &mockWriter{fails: 2}
	sink := NewBatchSink(mock, 100, time.Hour, 2, time.Millisecond)

	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "pending"}))
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, mock.count())
}

func TestHTTPSink(t *testing.T) {
	var (
		captured []*AuditEvent
		header   string
		mu       sync.Mutex
	)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		var events []*AuditEvent
		if err := json.Unmarshal(body, &events); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		header = r.Header.Get("X-Test")
		captured = append(captured, events...)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, map[string]string{"X-Test": "true"})
	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "decrypt_item", ItemID: "item-1"}))

	mu.Lock()
	require.Len(t, captured, 1)
	assert.Equal(t, "decrypt_item", captured[0].Operation)
	assert.Equal(t, "item-1", captured[0].ItemID)
	assert.Equal(t, "true", header)
	mu.Unlock()
}

func TestHTTPSink_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := NewHTTPSink(ts.URL, nil).WriteEvent(&AuditEvent{Operation: "x"})
	assert.Error(t, err)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	sink := NewFileSink(path)
	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "first"}))
	require.NoError(t, sink.WriteBatch([]*AuditEvent{{Operation: "second"}, {Operation: "third"}}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ops []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		ops = append(ops, ev.Operation)
	}
	assert.Equal(t, []string{"first", "second", "third"}, ops)
}

func TestStdoutSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStdoutSink(&buf)
	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "share"}))
	assert.Contains(t, buf.String(), `"operation":"share"`)
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n")))
}

func TestRedisStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisStreamSink(client, "vault:audit", 100)
	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "decrypt_item", ItemID: "a"}))
	require.NoError(t, sink.WriteBatch([]*AuditEvent{{Operation: "share", ItemID: "b"}}))

	entries, err := client.XRange(t.Context(), "vault:audit", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var ev AuditEvent
	require.NoError(t, json.Unmarshal([]byte(entries[1].Values["event"].(string)), &ev))
	assert.Equal(t, "share", ev.Operation)
	assert.Equal(t, "b", ev.ItemID)
}

func TestNewLoggerFromConfig(t *testing.T) {
	cfg := config.AuditConfig{
		Enabled:   true,
		MaxEvents: 10,
		Sink: config.SinkConfig{
			Type:      "http",
			Endpoint:  "http://localhost:1234",
			BatchSize: 10,
		},
	}

	logger, err := NewLoggerFromConfig(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.NoError(t, logger.Close())

	_, err = NewLoggerFromConfig(config.AuditConfig{Sink: config.SinkConfig{Type: "redis"}}, nil)
	assert.Error(t, err)

	_, err = NewLoggerFromConfig(config.AuditConfig{Sink: config.SinkConfig{Type: "fax"}}, nil)
	assert.Error(t, err)
}
