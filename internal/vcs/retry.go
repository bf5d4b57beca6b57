package vcs

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retry behavior for hosting API calls.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns 3 retries starting at 1s, doubling up to 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c *RetryConfig) applyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
}

// retryOperation runs op with exponential backoff. Rate-limited responses
// wait until the advertised reset, capped at MaxBackoff.
func retryOperation(ctx context.Context, cfg RetryConfig, log *zap.Logger, name string, op func() (*github.Response, error)) (*github.Response, error) {
	var (
		lastErr  error
		lastResp *github.Response
		backoff  = cfg.InitialBackoff
		start    = time.Now()
	)

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := op()
		if err == nil {
			if attempt > 0 {
				log.Info("github operation recovered after retries",
					zap.String("operation", name),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)))
			}
			return resp, nil
		}
		lastErr, lastResp = err, resp

		if !isRetryable(err, resp) {
			log.Debug("github error is not retryable",
				zap.String("operation", name),
				zap.Error(err),
				zap.Int("status_code", statusCode(resp)))
			return resp, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		if isRateLimited(resp) {
			backoff = rateLimitBackoff(resp, cfg.MaxBackoff)
			log.Info("github rate limit hit, adjusting backoff",
				zap.String("operation", name),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff))
		} else {
			log.Info("retrying github operation after transient error",
				zap.String("operation", name),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", cfg.MaxRetries+1),
				zap.Error(err),
				zap.Int("status_code", statusCode(resp)),
				zap.Duration("backoff", backoff))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*cfg.BackoffMultiplier), cfg.MaxBackoff)
		}
	}

	log.Warn("github operation failed after all retries",
		zap.String("operation", name),
		zap.Int("total_attempts", cfg.MaxRetries+1),
		zap.Duration("total_time", time.Since(start)),
		zap.Error(lastErr),
		zap.Int("status_code", statusCode(lastResp)))
	return lastResp, fmt.Errorf("%s failed after %d retries: %w", name, cfg.MaxRetries, lastErr)
}

func isRetryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp == nil || resp.Response == nil {
		// Transport failure: no response at all.
		return true
	}
	switch code := resp.StatusCode; code {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		// Secondary rate limits arrive as 403 with rate headers.
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	default:
		return code >= 500 && code < 600
	}
}

func isRateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
}

func rateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp == nil || resp.Rate.Reset.Time.IsZero() {
		return maxBackoff
	}
	backoff := time.Until(resp.Rate.Reset.Time) + time.Second
	if backoff < time.Second {
		backoff = time.Second
	}
	return min(backoff, maxBackoff)
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	return 0
}
