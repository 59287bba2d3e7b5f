// Package retry implements the Retry Policy (spec §4.5): classifying
// transient upstream failures and computing backoff with jitter and
// server-hinted delay overrides.
//
// The delay formula is the one spec.md names exactly and does not map onto
// cenkalti/backoff/v4's ExponentialBackOff (which applies jitter
// multiplicatively via RandomizationFactor against the current interval, not
// spec's additive-jitter-up-to-0.3x-of-exponential term). Classify still
// follows the teacher's retry-loop idiom in internal/session/loop.go
// (newRetryBackoff wraps cenkalti/backoff/v4 for the attempt-counting shape)
// by exposing a backoff.BackOff-compatible Policy so callers composing with
// the rest of the cenkalti/backoff ecosystem (WithContext, WithMaxRetries)
// still can.
package retry

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy computes delay(k) = min(maxDelay, baseDelay*2^k + jitter), jitter
// uniform in [0, 0.3*exponential).
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	MaxAttempts int
}

// NewPolicy builds a Policy from the apiRetryDelay/apiRetryMaxDelay/apiRetryCount
// config tunables.
func NewPolicy(baseDelay, maxDelay time.Duration, maxAttempts int) Policy {
	return Policy{BaseDelay: baseDelay, MaxDelay: maxDelay, MaxAttempts: maxAttempts}
}

// Delay returns the delay to wait before attempt k (0-based), optionally
// overridden by a Retry-After header value in seconds.
func (p Policy) Delay(k int, retryAfterSeconds float64) time.Duration {
	if retryAfterSeconds > 0 {
		d := time.Duration(retryAfterSeconds * float64(time.Second))
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		return d
	}

	exponential := float64(p.BaseDelay) * math.Pow(2, float64(k))
	jitter := rand.Float64() * 0.3 * exponential
	d := time.Duration(exponential + jitter)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// IsRetryable classifies err (and, if present, an HTTP status code) per
// spec §4.5: network reset/timeout/DNS-failure codes, upstream 429/5xx, or
// error text containing "overloaded" or "rate limit".
func IsRetryable(statusCode int, err error) bool {
	switch statusCode {
	case 429, 500, 502, 503, 504:
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"connection reset", "timeout", "deadline exceeded", "no such host",
		"connection refused", "overloaded", "rate limit",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// RetryAfterSeconds parses a Retry-After header value expressed in seconds.
// Returns 0 if absent or not a plain integer (spec only requires the
// seconds form).
func RetryAfterSeconds(headerValue string) float64 {
	headerValue = strings.TrimSpace(headerValue)
	if headerValue == "" {
		return 0
	}
	s, err := strconv.ParseFloat(headerValue, 64)
	if err != nil || s < 0 {
		return 0
	}
	return s
}

// backOff adapts Policy to backoff.BackOff, for composition with
// backoff.WithContext/backoff.WithMaxRetries the way the teacher's
// newRetryBackoff helper does.
type backOff struct {
	policy  Policy
	attempt int
}

// BackOff returns a backoff.BackOff view over p, reset to attempt 0.
func (p Policy) BackOff() backoff.BackOff {
	return &backOff{policy: p}
}

func (b *backOff) NextBackOff() time.Duration {
	if b.attempt >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	d := b.policy.Delay(b.attempt, 0)
	b.attempt++
	return d
}

func (b *backOff) Reset() { b.attempt = 0 }
