package report

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/austindbirch/taskbus/internal/auth"
	"github.com/austindbirch/taskbus/internal/deliver"
)

// Run is one automation run as the task store reports it.
type Run struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Product string `json:"product"`
	Status  string `json:"status"`
	Total   int    `json:"total"`
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
}

// StoreClient reads run results from the task store service over its
// internal HTTP API, authenticating with the shared key.
type StoreClient struct {
	base string
	key  string
	http *http.Client
}

func NewStoreClient(host string, timeout time.Duration, internalKey string) *StoreClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StoreClient{
		base: "http://" + host,
		key:  internalKey,
		http: &http.Client{Timeout: timeout},
	}
}

// Runs fetches runs for a product within the trailing window. Store and
// network outages come back as plain (transient) errors; a store that
// rejects the request will keep rejecting it, so 4xx is permanent.
func (s *StoreClient) Runs(ctx context.Context, product, window string) ([]Run, error) {
	q := url.Values{}
	q.Set("product", product)
	if window != "" {
		q.Set("window", window)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/api/runs?"+q.Encode(), nil)
	if err != nil {
		return nil, deliver.Permanent(fmt.Errorf("build store request: %w", err))
	}
	req.Header.Set(auth.HeaderInternalAuth, s.key)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("store returned %s", resp.Status)
	case resp.StatusCode >= 400:
		return nil, deliver.Permanent(fmt.Errorf("store rejected request: %s", resp.Status))
	}

	var runs []Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return nil, fmt.Errorf("decode store response: %w", err)
	}
	return runs, nil
}
