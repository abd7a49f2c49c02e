// Package fetch retrieves daily price history for instruments.
package fetch

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/yourorg/vol-oracle/internal/model"
)

// Client defines the interface price sources implement
type Client interface {
	// Fetch retrieves the daily closing prices of ticker, oldest first
	Fetch(ctx context.Context, ticker string) ([]model.Observation, error)
}

// newRetryClient creates an HTTP client that retries a failed read once
func newRetryClient(timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 1
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}
