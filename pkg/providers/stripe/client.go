package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	stripesub "github.com/stripe/stripe-go/v82/subscription"

	"github.com/platinummonkey/tokenmeter/pkg/providers"
)

// ClientConfig configures the Stripe API client
type ClientConfig struct {
	APIKey  string
	Timeout time.Duration
	// BaseURL overrides the API endpoint, for tests
	BaseURL string
	Retry   providers.RetryConfig
}

// Client pushes cancellation changes to Stripe subscriptions
type Client struct {
	subs  stripesub.Client
	retry *providers.RetryPolicy
}

// NewClient creates a Client. Stripe's own network retries are disabled in
// favor of the shared retry policy.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backendCfg := &stripelib.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripelib.Int64(0),
		LeveledLogger:     &stripelib.LeveledLogger{Level: stripelib.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripelib.String(cfg.BaseURL)
	}

	return &Client{
		subs: stripesub.Client{
			B:   stripelib.GetBackendWithConfig(stripelib.APIBackend, backendCfg),
			Key: cfg.APIKey,
		},
		retry: providers.NewRetryPolicy(cfg.Retry),
	}
}

// SetCancelAtPeriodEnd implements entitlements.UpstreamClient
func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		params := &stripelib.SubscriptionParams{
			CancelAtPeriodEnd: stripelib.Bool(cancel),
		}
		if _, err := c.subs.Update(subscriptionID, params); err != nil {
			return classify(err)
		}
		return nil
	})
}

// classify marks client errors as permanent. Rate limits, server errors and
// network failures are retried.
func classify(err error) error {
	var serr *stripelib.Error
	if !errors.As(err, &serr) {
		return fmt.Errorf("stripe request failed: %w", err)
	}
	if serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= 500 {
		return fmt.Errorf("stripe returned %d: %w", serr.HTTPStatusCode, err)
	}
	return providers.Permanent(fmt.Errorf("stripe returned %d: %w", serr.HTTPStatusCode, err))
}
