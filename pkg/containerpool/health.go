package containerpool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HealthProber checks whether an executor endpoint is serving.
type HealthProber interface {
	Probe(ctx context.Context, endpoint string) error
}

// HTTPProber issues GET <endpoint>/health and expects 200.
type HTTPProber struct {
	Client *http.Client
	// Timeout bounds a single probe attempt. Defaults to 2s.
	Timeout time.Duration
}

// Probe implements HealthProber.
func (p *HTTPProber) Probe(ctx context.Context, endpoint string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(endpoint, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check %s: status %d", url, resp.StatusCode)
	}
	return nil
}
