package llm

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]after(?:-ms)?["':= ]+(\d+(?:\.\d+)?)\s*(ms|s)?`)

// RateLimitError marks a provider error as a rate limit.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return "rate limited: " + e.Err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// rateLimitDelay reports whether err is a rate limit and how long to wait.
// Providers surface 429s as plain errors, so the status and any
// Retry-After hint are recovered from the message.
func rateLimitDelay(err error, fallback time.Duration) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		if rl.RetryAfter > 0 {
			return rl.RetryAfter, true
		}
		return fallback, true
	}

	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "429") && !strings.Contains(msg, "rate limit") &&
		!strings.Contains(msg, "rate_limit") && !strings.Contains(msg, "too many requests") {
		return 0, false
	}

	m := retryAfterPattern.FindStringSubmatch(msg)
	if m == nil {
		return fallback, true
	}
	n, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil || n <= 0 {
		return fallback, true
	}
	if m[2] == "ms" || strings.Contains(m[0], "-ms") {
		return time.Duration(n * float64(time.Millisecond)), true
	}
	return time.Duration(n * float64(time.Second)), true
}
