package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"referralhub/models"
)

// Client resolves opportunities from the platform's catalog service over
// HTTP JSON.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientConfig configures the HTTP catalog client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewClient constructs a catalog client targeting the supplied base URL.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("catalog: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type opportunityPayload struct {
	ID                  uuid.UUID `json:"id"`
	Title               string    `json:"title"`
	Published           bool      `json:"published"`
	VerificationEnabled bool      `json:"verificationEnabled"`
	VerificationMethod  *string   `json:"verificationMethod"`
}

// GetByID implements Catalog.
func (c *Client) GetByID(ctx context.Context, id uuid.UUID) (Opportunity, error) {
	url := c.baseURL + "/opportunities/" + id.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Opportunity{}, fmt.Errorf("catalog: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Opportunity{}, fmt.Errorf("catalog: get opportunity: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Opportunity{}, models.NotFound("opportunity", id.String())
	default:
		return Opportunity{}, fmt.Errorf("catalog: get opportunity: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Opportunity{}, fmt.Errorf("catalog: read response: %w", err)
	}
	var payload opportunityPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Opportunity{}, fmt.Errorf("catalog: decode response: %w", err)
	}
	op := Opportunity{
		ID:                  payload.ID,
		Title:               payload.Title,
		Published:           payload.Published,
		VerificationEnabled: payload.VerificationEnabled,
	}
	if payload.VerificationMethod != nil {
		method := VerificationMethod(strings.ToUpper(*payload.VerificationMethod))
		op.VerificationMethod = &method
	}
	return op, nil
}
