package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client fans a generation request out to the primary provider with
// exponential backoff, then to the fallback provider when the primary
// is exhausted. This retry loop is local to AI calls; step-level retry
// is a separate concern with its own fixed delay.
type Client struct {
	primary    Provider
	fallback   Provider
	maxRetries int
	baseDelay  time.Duration
	logger     zerolog.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithFallback sets a fallback provider tried after the primary is exhausted
func WithFallback(p Provider) ClientOption {
	return func(c *Client) { c.fallback = p }
}

// WithMaxRetries overrides the per-provider attempt count
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay overrides the first backoff delay
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.baseDelay = d }
}

// NewClient creates a Client around a primary provider
func NewClient(primary Provider, opts ...ClientOption) (*Client, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary provider is required")
	}

	c := &Client{
		primary:    primary,
		maxRetries: 3,
		baseDelay:  time.Second,
		logger:     log.With().Str("component", "ai").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Generate completes the request, trying the primary then the fallback
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	response, primaryErr := c.completeWithRetry(ctx, c.primary, req)
	if primaryErr == nil {
		return response, nil
	}

	if c.fallback == nil {
		return nil, primaryErr
	}

	c.logger.Warn().
		Str("primary", c.primary.Name()).
		Str("fallback", c.fallback.Name()).
		Err(primaryErr).
		Msg("Primary provider exhausted, trying fallback")

	response, fallbackErr := c.completeWithRetry(ctx, c.fallback, req)
	if fallbackErr != nil {
		return nil, fmt.Errorf("all providers failed: primary: %v; fallback: %w", primaryErr, fallbackErr)
	}

	return response, nil
}

func (c *Client) completeWithRetry(ctx context.Context, provider Provider, req Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		response, err := provider.Complete(ctx, req)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if attempt == c.maxRetries-1 {
			break
		}

		// Exponential backoff: base, 2x, 4x.
		delay := c.baseDelay * (1 << attempt)
		c.logger.Info().
			Str("provider", provider.Name()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying generation")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("provider %s failed after %d attempts: %w", provider.Name(), c.maxRetries, lastErr)
}
