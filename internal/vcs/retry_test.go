package vcs

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func response(code int) *github.Response {
	return &github.Response{Response: &http.Response{StatusCode: code}}
}

func TestRetryConfig_Defaults(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5}
	cfg.applyDefaults()

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
}

func TestRetryOperation_SuccessAfterRetries(t *testing.T) {
	calls := 0
	start := time.Now()
	resp, err := retryOperation(context.Background(), fastRetry(), zap.NewNop(), "op", func() (*github.Response, error) {
		calls++
		if calls < 3 {
			return response(503), errors.New("service unavailable")
		}
		return response(200), nil
	})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRetryOperation_NonRetryable(t *testing.T) {
	for _, code := range []int{400, 401, 404, 422} {
		calls := 0
		_, err := retryOperation(context.Background(), fastRetry(), zap.NewNop(), "op", func() (*github.Response, error) {
			calls++
			return response(code), errors.New("client error")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls, "status %d must not be retried", code)
	}
}

func TestRetryOperation_Exhausted(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad gateway")
	_, err := retryOperation(context.Background(), fastRetry(), zap.NewNop(), "op", func() (*github.Response, error) {
		calls++
		return response(502), sentinel
	})

	require.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "failed after 3 retries")
	assert.Equal(t, 4, calls)
}

func TestRetryOperation_NetworkErrorRetried(t *testing.T) {
	calls := 0
	_, err := retryOperation(context.Background(), fastRetry(), zap.NewNop(), "op", func() (*github.Response, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection reset")
		}
		return response(200), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryOperation_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	calls := 0
	_, err := retryOperation(ctx, cfg, zap.NewNop(), "op", func() (*github.Response, error) {
		calls++
		cancel()
		return response(500), errors.New("boom")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable_SecondaryRateLimit(t *testing.T) {
	limited := response(403)
	limited.Rate = github.Rate{Limit: 5000, Remaining: 0}
	assert.True(t, isRetryable(errors.New("forbidden"), limited))
	assert.True(t, isRateLimited(limited))

	forbidden := response(403)
	assert.False(t, isRetryable(errors.New("forbidden"), forbidden))
	assert.False(t, isRateLimited(forbidden))
}

func TestRateLimitBackoff(t *testing.T) {
	resp := response(429)
	assert.Equal(t, 30*time.Second, rateLimitBackoff(resp, 30*time.Second), "unknown reset waits the cap")

	resp.Rate.Reset = github.Timestamp{Time: time.Now().Add(5 * time.Second)}
	got := rateLimitBackoff(resp, 30*time.Second)
	assert.InDelta(t, float64(6*time.Second), float64(got), float64(time.Second))

	resp.Rate.Reset = github.Timestamp{Time: time.Now().Add(-time.Minute)}
	assert.Equal(t, time.Second, rateLimitBackoff(resp, 30*time.Second))
}
