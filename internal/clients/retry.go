package clients

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"slices"
	"strconv"
	"time"
)

// RetryConfig defines retry behavior
type RetryConfig struct {
	MaxRetries      int           // Retries after the first attempt
	InitialBackoff  time.Duration // Backoff before the first retry
	MaxBackoff      time.Duration // Backoff cap
	BackoffFactor   float64       // Multiplier per attempt
	Jitter          float64       // Random jitter factor (0-1)
	RetryableStatus []int         // HTTP status codes to retry
}

// DefaultRetryConfig returns the retry policy used by every client.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
		RetryableStatus: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// Retrier runs HTTP calls with exponential backoff.
type Retrier struct {
	cfg RetryConfig
}

// NewRetrier creates a retrier; a zero config uses DefaultRetryConfig.
func NewRetrier(cfg RetryConfig) *Retrier {
	if cfg.BackoffFactor == 0 {
		cfg = DefaultRetryConfig()
	}
	return &Retrier{cfg: cfg}
}

// ShouldRetry reports whether a failed attempt is worth repeating. Transport
// errors (status 0) always are.
func (r *Retrier) ShouldRetry(status int, err error) bool {
	if err != nil && status == 0 {
		return true
	}
	return slices.Contains(r.cfg.RetryableStatus, status)
}

// Backoff returns the wait before retry number attempt (0-based).
func (r *Retrier) Backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, r.cfg.MaxBackoff)
	}
	backoff := float64(r.cfg.InitialBackoff) * math.Pow(r.cfg.BackoffFactor, float64(attempt))
	if r.cfg.Jitter > 0 {
		backoff += backoff * r.cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if backoff > float64(r.cfg.MaxBackoff) {
		backoff = float64(r.cfg.MaxBackoff)
	}
	return time.Duration(backoff)
}

// ParseRetryAfter extracts the Retry-After duration from an HTTP response
func ParseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// Do calls fn until it returns a 2xx response, a non-retryable outcome, or
// retries run out. The last response is returned with its body open; the
// bodies of discarded responses are closed.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := fn(ctx)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if err == nil && status >= 200 && status < 300 {
			return resp, nil
		}
		if attempt >= r.cfg.MaxRetries || !r.ShouldRetry(status, err) || ctx.Err() != nil {
			return resp, err
		}

		wait := r.Backoff(attempt, ParseRetryAfter(resp))
		if resp != nil {
			resp.Body.Close()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
