// Package loadtest drives a running vault with a steady mix of saves,
// decrypts and shares and compares the observed latencies with a stored baseline.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config describes one load test run.
type Config struct {
	BaseURL string
	// PrincipalPrefix is suffixed with the worker number to form each
	// worker's caller id.
	PrincipalPrefix string
	PrincipalHeader string
	Workers         int
	Duration        time.Duration
	// QPS is the save rate per worker.
	QPS int
	// FormFields is the number of fields in each form.
	FormFields int
	// SourceSize creates imported items with a source file of this many
	// bytes. Zero creates manual items.
	SourceSize int
	// DecryptsPerSave issues this many decrypts after every save.
	DecryptsPerSave int
	// Share shares every saved item with the next worker's principal.
	Share  bool
	Client *http.Client
}

func (c *Config) setDefaults() {
	if c.PrincipalPrefix == "" {
		c.PrincipalPrefix = "loadtest"
	}
	if c.PrincipalHeader == "" {
		c.PrincipalHeader = "X-Principal-ID"
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QPS <= 0 {
		c.QPS = 10
	}
	if c.FormFields <= 0 {
		c.FormFields = 10
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 30 * time.Second}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// Stats summarises one operation type.
type Stats struct {
	Count      int64         `json:"count"`
	Errors     int64         `json:"errors"`
	Mean       time.Duration `json:"mean"`
	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	P99        time.Duration `json:"p99"`
	Throughput float64       `json:"throughput"`
}

// Results is the outcome of a run.
type Results struct {
	Duration   time.Duration     `json:"duration"`
	Operations map[string]*Stats `json:"operations"`
}

type sample struct {
	op      string
	latency time.Duration
	err     error
}

// Run executes the load test until cfg.Duration elapses or ctx is done.
func Run(ctx context.Context, cfg Config, logger *logrus.Logger) (*Results, error) {
	cfg.setDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("loadtest: base URL is required")
	}
	if cfg.Duration <= 0 {
		return nil, errors.New("loadtest: duration must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var source []byte
	if cfg.SourceSize > 0 {
		source = make([]byte, cfg.SourceSize)
		if _, err := rand.Read(source); err != nil {
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"base_url":    cfg.BaseURL,
		"workers":     cfg.Workers,
		"qps":         cfg.QPS,
		"duration":    cfg.Duration,
		"source_size": cfg.SourceSize,
	}).Info("Starting load test")

	samples := make([][]sample, cfg.Workers)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			samples[worker] = runWorker(ctx, cfg, worker, source, logger)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var all []sample
	for _, s := range samples {
		all = append(all, s...)
	}
	res := summarise(all, elapsed)
	logger.WithField("elapsed", elapsed).Info("Load test finished")
	return res, nil
}

func runWorker(ctx context.Context, cfg Config, worker int, source []byte, logger *logrus.Logger) []sample {
	principal := fmt.Sprintf("%s-%d", cfg.PrincipalPrefix, worker)
	limiter := rate.NewLimiter(rate.Limit(cfg.QPS), 1)
	var out []sample

	for {
		if err := limiter.Wait(ctx); err != nil {
			return out
		}
		id, s := timed("save", func() (string, error) {
			return saveItem(ctx, cfg, principal, source)
		})
		if ctx.Err() != nil {
			return out
		}
		out = append(out, s)
		if s.err != nil {
			logger.WithError(s.err).WithField("worker", worker).Debug("Save failed")
			continue
		}
		for j := 0; j < cfg.DecryptsPerSave; j++ {
			_, s := timed("decrypt", func() (string, error) {
				return "", decryptItem(ctx, cfg, principal, id)
			})
			if ctx.Err() != nil {
				return out
			}
			out = append(out, s)
			if s.err != nil {
				logger.WithError(s.err).WithField("worker", worker).Debug("Decrypt failed")
			}
		}
		if cfg.Share {
			grantee := fmt.Sprintf("%s-%d", cfg.PrincipalPrefix, (worker+1)%cfg.Workers)
			if grantee == principal {
				grantee += "-peer"
			}
			_, s := timed("share", func() (string, error) {
				return "", shareItem(ctx, cfg, principal, id, grantee)
			})
			if ctx.Err() != nil {
				return out
			}
			out = append(out, s)
			if s.err != nil {
				logger.WithError(s.err).WithField("worker", worker).Debug("Share failed")
			}
		}
	}
}

func timed(op string, fn func() (string, error)) (string, sample) {
	start := time.Now()
	v, err := fn()
	return v, sample{op: op, latency: time.Since(start), err: err}
}

func saveItem(ctx context.Context, cfg Config, principal string, source []byte) (string, error) {
	form := make(map[string]string, cfg.FormFields)
	for i := 0; i < cfg.FormFields; i++ {
		form[fmt.Sprintf("field_%d", i)] = fmt.Sprintf("value %d of %s", i, principal)
	}
	body := map[string]interface{}{
		"creation_mode": "manual",
		"template_id":   "loadtest",
		"form_data":     form,
	}
	if source != nil {
		body["creation_mode"] = "import"
		body["source"] = map[string]interface{}{
			"file_name":    "loadtest.pdf",
			"content_type": "application/pdf",
			"data":         source,
		}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := call(ctx, cfg, principal, http.MethodPost, "/v1/items", body, http.StatusCreated, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func decryptItem(ctx context.Context, cfg Config, principal, id string) error {
	return call(ctx, cfg, principal, http.MethodPost, "/v1/items/"+id+"/decrypt", nil, http.StatusOK, nil)
}

func shareItem(ctx context.Context, cfg Config, principal, id, grantee string) error {
	body := map[string]string{"grantee_id": grantee}
	return call(ctx, cfg, principal, http.MethodPost, "/v1/items/"+id+"/grants", body, http.StatusCreated, nil)
}

func call(ctx context.Context, cfg Config, principal, method, path string, body interface{}, want int, out interface{}) error {
	var r io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.BaseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(cfg.PrincipalHeader, principal)

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func summarise(samples []sample, elapsed time.Duration) *Results {
	byOp := make(map[string][]time.Duration)
	res := &Results{Duration: elapsed, Operations: make(map[string]*Stats)}
	for _, s := range samples {
		st, ok := res.Operations[s.op]
		if !ok {
			st = &Stats{}
			res.Operations[s.op] = st
		}
		st.Count++
		if s.err != nil {
			st.Errors++
			continue
		}
		byOp[s.op] = append(byOp[s.op], s.latency)
	}

	for op, st := range res.Operations {
		lat := byOp[op]
		if elapsed > 0 {
			st.Throughput = float64(st.Count-st.Errors) / elapsed.Seconds()
		}
		if len(lat) == 0 {
			continue
		}
		sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
		var total time.Duration
		for _, d := range lat {
			total += d
		}
		st.Mean = total / time.Duration(len(lat))
		st.P50 = percentile(lat, 50)
		st.P95 = percentile(lat, 95)
		st.P99 = percentile(lat, 99)
	}
	return res
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}

// Print writes a human-readable report.
func (r *Results) Print(w io.Writer) {
	fmt.Fprintf(w, "=== Load test results (%s) ===\n", r.Duration.Round(time.Millisecond))
	ops := make([]string, 0, len(r.Operations))
	for op := range r.Operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		st := r.Operations[op]
		fmt.Fprintf(w, "%-8s count=%d errors=%d throughput=%.1f/s mean=%s p50=%s p95=%s p99=%s\n",
			op, st.Count, st.Errors, st.Throughput,
			st.Mean.Round(time.Microsecond), st.P50.Round(time.Microsecond),
			st.P95.Round(time.Microsecond), st.P99.Round(time.Microsecond))
	}
}
