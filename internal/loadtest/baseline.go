package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SaveBaseline writes r to path, creating parent directories.
func SaveBaseline(r *Results, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadBaseline reads a baseline written by SaveBaseline.
func LoadBaseline(path string) (*Results, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Results
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse baseline %s: %w", path, err)
	}
	return &r, nil
}

// Change compares one metric of one operation with its baseline.
type Change struct {
	Operation string
	Metric    string
	Baseline  float64
	Current   float64
	// Percent is positive when the current run is worse.
	Percent float64
}

// Regression is the outcome of a baseline comparison.
type Regression struct {
	Threshold             float64
	Changes               []Change
	SignificantRegression bool
}

// AnalyzeRegression compares r with the baseline at path. Latency increases
// and throughput drops beyond threshold percent are significant, as is any
// error when the baseline had none.
func AnalyzeRegression(r *Results, path string, threshold float64) (*Regression, error) {
	base, err := LoadBaseline(path)
	if err != nil {
		return nil, err
	}

	out := &Regression{Threshold: threshold}
	ops := make([]string, 0, len(r.Operations))
	for op := range r.Operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	for _, op := range ops {
		cur := r.Operations[op]
		prev, ok := base.Operations[op]
		if !ok {
			continue
		}
		add := func(metric string, b, c float64, higherIsWorse bool) {
			if b == 0 {
				return
			}
			pct := (c - b) / b * 100
			if !higherIsWorse {
				pct = -pct
			}
			out.Changes = append(out.Changes, Change{Operation: op, Metric: metric, Baseline: b, Current: c, Percent: pct})
			if pct > threshold {
				out.SignificantRegression = true
			}
		}
		add("p50", prev.P50.Seconds(), cur.P50.Seconds(), true)
		add("p95", prev.P95.Seconds(), cur.P95.Seconds(), true)
		add("p99", prev.P99.Seconds(), cur.P99.Seconds(), true)
		add("throughput", prev.Throughput, cur.Throughput, false)
		if prev.Errors == 0 && cur.Errors > 0 {
			out.Changes = append(out.Changes, Change{Operation: op, Metric: "errors", Current: float64(cur.Errors), Percent: 100})
			out.SignificantRegression = true
		}
	}
	return out, nil
}

// Print writes the comparison.
func (g *Regression) Print(w io.Writer) {
	fmt.Fprintf(w, "=== Regression analysis (threshold %.1f%%) ===\n", g.Threshold)
	for _, c := range g.Changes {
		mark := " "
		if c.Percent > g.Threshold {
			mark = "!"
		}
		fmt.Fprintf(w, "%s %-8s %-10s baseline=%.6g current=%.6g change=%+.1f%%\n",
			mark, c.Operation, c.Metric, c.Baseline, c.Current, c.Percent)
	}
}

// serverQueries are evaluated against Prometheus over the test window.
var serverQueries = map[string]string{
	"vault_operations":          `sum by (operation) (increase(vault_operations_total[%s]))`,
	"vault_failures":            `sum by (operation) (increase(vault_operations_total{outcome!="success"}[%s]))`,
	"kms_p95_seconds":           `histogram_quantile(0.95, sum by (le) (rate(kms_operation_duration_seconds_bucket[%s])))`,
	"blob_p95_seconds":          `histogram_quantile(0.95, sum by (le) (rate(blob_operation_duration_seconds_bucket[%s])))`,
	"vault_save_p95_seconds":    `histogram_quantile(0.95, sum by (le) (rate(vault_operation_duration_seconds_bucket{operation="save_item"}[%s])))`,
	"vault_decrypt_p95_seconds": `histogram_quantile(0.95, sum by (le) (rate(vault_operation_duration_seconds_bucket{operation="decrypt_item"}[%s])))`,
}

// QueryServerMetrics reads the vault's own metrics for the window
// [start, end] from the Prometheus server at address. Keys are the query
// name, suffixed with the series' operation label when present.
func QueryServerMetrics(ctx context.Context, address string, start, end time.Time) (map[string]float64, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	promAPI := promv1.NewAPI(client)

	window := model.Duration(end.Sub(start).Round(time.Second))
	if window < model.Duration(time.Second) {
		window = model.Duration(time.Second)
	}

	out := make(map[string]float64)
	for name, q := range serverQueries {
		val, _, err := promAPI.Query(ctx, fmt.Sprintf(q, window.String()), end)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		vec, ok := val.(model.Vector)
		if !ok {
			continue
		}
		for _, s := range vec {
			key := name
			if op, ok := s.Metric["operation"]; ok {
				key += "." + string(op)
			}
			out[key] = float64(s.Value)
		}
	}
	return out, nil
}
