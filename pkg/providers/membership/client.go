package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/providers"
)

// ClientConfig configures the membership API client
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   providers.RetryConfig
}

// Client pushes cancellation changes to the membership platform
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      *providers.RetryPolicy
}

// NewClient creates a Client
func NewClient(cfg ClientConfig) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid membership API URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		retry:      providers.NewRetryPolicy(cfg.Retry),
	}, nil
}

type updateRequest struct {
	CancelAtPeriodEnd bool `json:"cancel_at_period_end"`
}

// SetCancelAtPeriodEnd implements entitlements.UpstreamClient
func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, membershipID string, cancel bool) error {
	body, err := json.Marshal(updateRequest{CancelAtPeriodEnd: cancel})
	if err != nil {
		return providers.Permanent(err)
	}
	endpoint := c.baseURL + "/v1/memberships/" + url.PathEscape(membershipID)

	return c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return providers.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("membership request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = fmt.Errorf("membership API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return err
		}
		return providers.Permanent(err)
	})
}
