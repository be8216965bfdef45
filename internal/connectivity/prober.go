package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Prober measures the round trip to a small static resource.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

type HTTPProber struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client:  &http.Client{Timeout: timeout},
		url:     url,
		timeout: timeout,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build probe request: %w", err)
	}
	// Bust intermediate caches so the probe measures the network
	q := req.URL.Query()
	q.Set("_probe", strconv.FormatInt(time.Now().UnixNano(), 10))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Cache-Control", "no-store")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, fmt.Errorf("failed to read probe body: %w", err)
	}
	elapsed := time.Since(start)

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return elapsed, nil
}
