// Package shortlink wraps the external short-link provider consumed once per
// referral link creation. Provider failures propagate as-is; there is no
// degraded long-URL fallback.
package shortlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Request describes the link to shorten.
type Request struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// Result carries the shortened link returned by the provider.
type Result struct {
	Link string `json:"link"`
}

// Provider creates short links.
type Provider interface {
	CreateShortLink(ctx context.Context, req Request) (Result, error)
}

// ClientConfig configures the HTTP provider client.
type ClientConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// RequestsPerSecond throttles outbound calls; zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// Client is an HTTP JSON implementation of Provider.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient constructs a provider client targeting the supplied endpoint.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("shortlink: endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
	}, nil
}

// CreateShortLink implements Provider.
func (c *Client) CreateShortLink(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.URL) == "" {
		return Result{}, fmt.Errorf("shortlink: url is required")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("shortlink: rate limit wait: %w", err)
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("shortlink: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("shortlink: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("shortlink: call provider: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("shortlink: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("shortlink: provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return Result{}, fmt.Errorf("shortlink: decode response: %w", err)
	}
	if strings.TrimSpace(result.Link) == "" {
		return Result{}, fmt.Errorf("shortlink: provider returned empty link")
	}
	return result, nil
}

// Static derives short links deterministically from the request URL. Used in
// tests and local tooling where no provider is reachable.
type Static struct {
	Base string
}

// CreateShortLink implements Provider.
func (s Static) CreateShortLink(ctx context.Context, req Request) (Result, error) {
	base := strings.TrimRight(s.Base, "/")
	if base == "" {
		base = "https://short.test"
	}
	trimmed := strings.TrimRight(req.URL, "/")
	idx := strings.LastIndex(trimmed, "/")
	return Result{Link: base + "/" + trimmed[idx+1:]}, nil
}
