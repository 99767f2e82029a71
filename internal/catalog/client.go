package catalog

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/binary-engine/internal/model"
)

// Client provides access to a REST instrument catalog.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new catalog client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// ListInstruments returns every instrument the catalog knows, active or not.
func (c *Client) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	var resp instrumentsResponse
	if err := c.get(ctx, "/instruments", nil, &resp); err != nil {
		return nil, err
	}

	out := make([]model.Instrument, 0, len(resp.Instruments))
	for _, ai := range resp.Instruments {
		if ai.Symbol == "" {
			c.logger.Warn("catalog returned instrument without symbol")
			continue
		}
		out = append(out, ai.toModel())
	}
	return out, nil
}
