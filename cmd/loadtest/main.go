// Command loadtest drives a running vault with saves, decrypts and shares
// and checks the latencies against a stored baseline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/document-vault/internal/loadtest"
)

func main() {
	var (
		baseURL         = flag.String("base-url", "http://localhost:8080", "Vault API URL")
		principalHeader = flag.String("principal-header", "X-Principal-ID", "Header carrying the caller id")
		principalPrefix = flag.String("principal-prefix", "loadtest", "Caller id prefix; each worker appends its number")
		testType        = flag.String("test-type", "both", "Test type: manual, import, or both")
		duration        = flag.Duration("duration", 30*time.Second, "Test duration per test type")
		workers         = flag.Int("workers", 5, "Number of worker goroutines")
		qps             = flag.Int("qps", 10, "Saves per second per worker")
		formFields      = flag.Int("form-fields", 20, "Fields per form")
		sourceSize      = flag.Int("source-size", 256*1024, "Source file size in bytes for import tests")
		decrypts        = flag.Int("decrypts-per-save", 2, "Decrypts issued after each save")
		share           = flag.Bool("share", true, "Share each saved item with another worker")
		baselineDir     = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold       = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		prometheusURL   = flag.String("prometheus-url", "", "Prometheus URL for server-side metrics")
		updateBaseline  = flag.Bool("update-baseline", false, "Update baseline files instead of checking regression")
		verbose         = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var types []string
	switch *testType {
	case "manual", "import":
		types = []string{*testType}
	case "both":
		types = []string{"manual", "import"}
	default:
		logger.Fatalf("unknown test type %q", *testType)
	}

	exitCode := 0
	for _, tt := range types {
		cfg := loadtest.Config{
			BaseURL:         *baseURL,
			PrincipalPrefix: *principalPrefix,
			PrincipalHeader: *principalHeader,
			Workers:         *workers,
			Duration:        *duration,
			QPS:             *qps,
			FormFields:      *formFields,
			DecryptsPerSave: *decrypts,
			Share:           *share,
		}
		if tt == "import" {
			cfg.SourceSize = *sourceSize
		}
		baseline := filepath.Join(*baselineDir, tt+"_load_test_baseline.json")
		if err := runTest(ctx, tt, cfg, baseline, *threshold, *prometheusURL, *updateBaseline, logger); err != nil {
			logger.WithError(err).WithField("test", tt).Error("Load test failed")
			exitCode = 1
		}
		if ctx.Err() != nil {
			break
		}
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	fmt.Println("All load tests passed")
}

func runTest(ctx context.Context, name string, cfg loadtest.Config, baseline string, threshold float64,
	prometheusURL string, updateBaseline bool, logger *logrus.Logger) error {

	start := time.Now()
	results, err := loadtest.Run(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("%s load test: %w", name, err)
	}
	results.Print(os.Stdout)

	if prometheusURL != "" {
		promMetrics, err := loadtest.QueryServerMetrics(ctx, prometheusURL, start, time.Now())
		if err != nil {
			logger.WithError(err).Warn("Failed to query Prometheus metrics")
		} else {
			keys := make([]string, 0, len(promMetrics))
			for k := range promMetrics {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Println("--- Server metrics ---")
			for _, k := range keys {
				fmt.Printf("%s: %g\n", k, promMetrics[k])
			}
		}
	}

	if updateBaseline {
		if err := loadtest.SaveBaseline(results, baseline); err != nil {
			return fmt.Errorf("save baseline: %w", err)
		}
		logger.WithField("file", baseline).Info("Baseline updated")
		return nil
	}

	regression, err := loadtest.AnalyzeRegression(results, baseline, threshold)
	if err != nil {
		if os.IsNotExist(err) {
			logger.WithField("file", baseline).Info("No baseline found; run with -update-baseline to create one")
			return nil
		}
		return fmt.Errorf("regression analysis: %w", err)
	}
	regression.Print(os.Stdout)
	if regression.SignificantRegression {
		return fmt.Errorf("significant regression detected in %s load test", name)
	}
	return nil
}
