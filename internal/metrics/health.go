package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of the service.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
}

var (
	startTime = time.Now()
	version   = "dev"
)

// SetVersion sets the application version.
func SetVersion(v string) {
	version = v
}

// Uptime returns the time since the process started.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// Check probes one dependency.
type Check func(context.Context) error

const checkTimeout = 5 * time.Second

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// HealthHandler returns a handler for health check endpoints.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Timestamp: time.Now(),
			Version:   version,
		})
	}
}

// ReadinessHandler runs every check concurrently and reports 503 if any of
// them fails. Check names and outcomes are listed in the response body;
// error details are not.
func ReadinessHandler(checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		results := make(map[string]string, len(names))
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for _, name := range names {
			wg.Add(1)
			go func(name string, check Check) {
				defer wg.Done()
				res := "ok"
				if check != nil {
					if err := check(ctx); err != nil {
						res = "fail"
					}
				}
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}(name, checks[name])
		}
		wg.Wait()

		status := HealthStatus{
			Status:    "ready",
			Timestamp: time.Now(),
			Version:   version,
			Checks:    results,
		}
		code := http.StatusOK
		for _, res := range results {
			if res != "ok" {
				status.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeStatus(w, code, status)
	}
}

// LivenessHandler returns a handler for liveness checks.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, HealthStatus{
			Status:    "alive",
			Timestamp: time.Now(),
			Version:   version,
		})
	}
}
