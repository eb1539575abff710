package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// StatusError is a non-2xx provider response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.StatusCode, e.Body)
}

// IsTerminal reports whether err is a 4xx provider response, which will not
// improve with retries (a malformed or rejected request).
func IsTerminal(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.StatusCode >= 400 && se.StatusCode < 500
}

// RetryConfig tunes the backoff schedule
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the production backoff schedule
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2,
	}
}

// RetryingClient wraps outbound provider calls with exponential backoff.
// Generation providers are frequently rate-limited or transiently down;
// failing immediately would surface spurious errors for recoverable
// conditions. 4xx responses are terminal and returned at once; network
// errors, timeouts and 5xx are retried with delay
// min(initialDelay × multiplier^attempt, maxDelay).
type RetryingClient struct {
	client *http.Client
	cfg    RetryConfig
	log    *slog.Logger
}

// NewRetryingClient creates a retrying client. A nil http.Client gets a
// 120-second default timeout.
func NewRetryingClient(client *http.Client, cfg RetryConfig, log *slog.Logger) *RetryingClient {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultRetryConfig().InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultRetryConfig().Multiplier
	}
	if log == nil {
		log = slog.Default()
	}
	return &RetryingClient{client: client, cfg: cfg, log: log}
}

// Do executes the request with retries. build is called once per attempt so
// request bodies are fresh each time. On success the caller owns the
// response body.
func (c *RetryingClient) Do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.log.Warn("provider call failed", "attempt", attempt+1, "error", err)
			continue
		}

		if resp.StatusCode < 400 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}

		if resp.StatusCode < 500 {
			// Client error: retrying the same request cannot help.
			return nil, statusErr
		}

		lastErr = statusErr
		c.log.Warn("provider returned server error", "attempt", attempt+1, "status", resp.StatusCode)
	}

	return nil, fmt.Errorf("provider: %d attempts exhausted: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *RetryingClient) sleep(ctx context.Context, attempt int) error {
	delay := c.cfg.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.cfg.Multiplier)
		if delay >= c.cfg.MaxDelay {
			delay = c.cfg.MaxDelay
			break
		}
	}
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
