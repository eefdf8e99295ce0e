package lockcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPChecker asks a remote service for the lock state:
// GET <base>/owners/<id>/lock answers {"locked": bool}.
type HTTPChecker struct {
	base   string
	client *http.Client
}

func NewHTTPChecker(base string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type lockResponse struct {
	Locked *bool `json:"locked"`
}

func (c *HTTPChecker) IsLocked(ctx context.Context, ownerID string) (bool, error) {
	endpoint := c.base + "/owners/" + url.PathEscape(ownerID) + "/lock"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("lockcheck: query %s: %w", ownerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("lockcheck: lock service returned status: %s", resp.Status)
	}

	var body lockResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return false, fmt.Errorf("lockcheck: decode response: %w", err)
	}
	if body.Locked == nil {
		return false, fmt.Errorf("lockcheck: response has no locked field")
	}
	return *body.Locked, nil
}
