package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Sink is an interface for audit event sinks that support closing.
type Sink interface {
	EventWriter
	Close() error
}

// BatchWriter interface for sinks that support batch writing
type BatchWriter interface {
	WriteBatch(events []*AuditEvent) error
}

// BatchSink wraps an EventWriter and provides batching capability.
type BatchSink struct {
	wrapped       EventWriter
	buffer        []*AuditEvent
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	closeChan     chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
	retryCount    int
	retryBackoff  time.Duration
	logger        logrus.FieldLogger
}

// NewBatchSink creates a new batched sink.
func NewBatchSink(wrapped EventWriter, size int, interval time.Duration, retryCount int, retryBackoff time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s := &BatchSink{
		wrapped:       wrapped,
		buffer:        make([]*AuditEvent, 0, size),
		bufferSize:    size,
		flushInterval: interval,
		closeChan:     make(chan struct{}),
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
		logger:        logrus.StandardLogger().WithField("component", "audit"),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// WriteEvent adds an event to the batch.
func (s *BatchSink) WriteEvent(event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, event)
	if len(s.buffer) >= s.bufferSize {
		// Buffer full: flush without blocking the caller.
		events := s.drainBufferLocked()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.writeWithRetry(events)
		}()
	}

	return nil
}

// Close stops the flush loop and flushes remaining events.
func (s *BatchSink) Close() error {
	s.closeOnce.Do(func() { close(s.closeChan) })
	s.wg.Wait()
	if closer, ok := s.wrapped.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.closeChan:
			s.flush()
			return
		}
	}
}

func (s *BatchSink) flush() {
	s.mu.Lock()
	events := s.drainBufferLocked()
	s.mu.Unlock()

	if len(events) > 0 {
		_ = s.writeWithRetry(events)
	}
}

// drainBufferLocked returns the current buffer contents and clears it.
// Caller must hold the lock.
func (s *BatchSink) drainBufferLocked() []*AuditEvent {
	if len(s.buffer) == 0 {
		return nil
	}

	events := make([]*AuditEvent, len(s.buffer))
	copy(events, s.buffer)
	s.buffer = s.buffer[:0]
	return events
}

func (s *BatchSink) writeWithRetry(events []*AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	var err error
	for i := 0; i <= s.retryCount; i++ {
		err = nil
		if bw, ok := s.wrapped.(BatchWriter); ok {
			err = bw.WriteBatch(events)
		} else {
			for _, event := range events {
				if e := s.wrapped.WriteEvent(event); e != nil {
					err = e
				}
			}
		}

		if err == nil {
			return nil
		}

		if i < s.retryCount {
			time.Sleep(s.retryBackoff * time.Duration(1<<uint(i)))
		}
	}

	s.logger.WithError(err).WithFields(logrus.Fields{
		"events":  len(events),
		"retries": s.retryCount,
	}).Error("Failed to flush audit events")
	return err
}

// HTTPSink sends events to an HTTP endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// NewHTTPSink creates a new HTTP sink.
func NewHTTPSink(endpoint string, headers map[string]string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  headers,
	}
}

// WriteEvent writes a single event.
func (s *HTTPSink) WriteEvent(event *AuditEvent) error {
	return s.WriteBatch([]*AuditEvent{event})
}

// WriteBatch writes a batch of events as a JSON array.
func (s *HTTPSink) WriteBatch(events []*AuditEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http sink returned status: %s", resp.Status)
	}

	return nil
}

// FileSink appends events to a file, one JSON object per line.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates a new file sink.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// WriteEvent writes a single event.
func (s *FileSink) WriteEvent(event *AuditEvent) error {
	return s.WriteBatch([]*AuditEvent{event})
}

// WriteBatch appends events with a single write.
func (s *FileSink) WriteBatch(events []*AuditEvent) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// StdoutSink writes events as JSON lines to w.
type StdoutSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdoutSink creates a sink writing to w.
func NewStdoutSink(w io.Writer) *StdoutSink {
	return &StdoutSink{w: w}
}

// WriteEvent writes a single event.
func (s *StdoutSink) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintf(s.w, "%s\n", data)
	return err
}

// RedisStreamSink appends events to a Redis stream with XADD. Each entry has
// a single "event" field holding the JSON document.
type RedisStreamSink struct {
	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
}

// NewRedisStreamSink creates a stream sink. A positive maxLen trims the
// stream approximately to that many entries.
func NewRedisStreamSink(client redis.UniversalClient, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "vault:audit"
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen, timeout: 5 * time.Second}
}

func (s *RedisStreamSink) args(event *AuditEvent) (*redis.XAddArgs, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"event": string(data)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return args, nil
}

// WriteEvent writes a single event.
func (s *RedisStreamSink) WriteEvent(event *AuditEvent) error {
	return s.WriteBatch([]*AuditEvent{event})
}

// WriteBatch appends events in one pipeline.
func (s *RedisStreamSink) WriteBatch(events []*AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, event := range events {
			args, err := s.args(event)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis stream sink: %w", err)
	}
	return nil
}
