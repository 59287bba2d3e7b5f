package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableStatusCodes(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, IsRetryable(code, nil), "code %d", code)
	}
	assert.False(t, IsRetryable(400, nil))
	assert.False(t, IsRetryable(401, nil))
}

func TestIsRetryableErrorText(t *testing.T) {
	assert.True(t, IsRetryable(0, errors.New("model overloaded, try again")))
	assert.True(t, IsRetryable(0, errors.New("Rate limit exceeded")))
	assert.True(t, IsRetryable(0, errors.New("connection reset by peer")))
	assert.False(t, IsRetryable(0, errors.New("invalid api key")))
}

func TestDelayMonotonicNonDecreasingIgnoringJitter(t *testing.T) {
	p := NewPolicy(time.Second, 30*time.Second, 5)
	var prevExponential time.Duration
	for k := 0; k < 5; k++ {
		// strip jitter by comparing the theoretical exponential floor
		exp := time.Duration(float64(p.BaseDelay) * pow2(k))
		if exp > p.MaxDelay {
			exp = p.MaxDelay
		}
		assert.GreaterOrEqual(t, exp, prevExponential)
		prevExponential = exp
	}
}

func TestDelayClampsToMaxDelay(t *testing.T) {
	p := NewPolicy(time.Second, 5*time.Second, 10)
	d := p.Delay(10, 0)
	assert.LessOrEqual(t, d, 5*time.Second)
}

func TestRetryAfterOverridesAndClamps(t *testing.T) {
	p := NewPolicy(time.Second, 10*time.Second, 5)
	d := p.Delay(0, 100)
	assert.Equal(t, 10*time.Second, d)

	d = p.Delay(0, 2)
	assert.Equal(t, 2*time.Second, d)
}

func TestRetryAfterSecondsParsing(t *testing.T) {
	assert.Equal(t, 3.0, RetryAfterSeconds("3"))
	assert.Equal(t, 0.0, RetryAfterSeconds(""))
	assert.Equal(t, 0.0, RetryAfterSeconds("not-a-number"))
	assert.Equal(t, 0.0, RetryAfterSeconds("-5"))
}

func pow2(k int) float64 {
	r := 1.0
	for i := 0; i < k; i++ {
		r *= 2
	}
	return r
}
