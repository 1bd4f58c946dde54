package queue

import (
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy computes when a failed attempt may run again. Delays grow
// exponentially from Base, are capped at Cap, and carry additive jitter in
// [0, Base) to spread synchronized retries.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultRetryPolicy returns the production defaults: 1s base, 60s cap.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(1*time.Second, 60*time.Second)
}

// NewRetryPolicy creates a policy with the given base and cap. Non-positive
// values fall back to the defaults.
func NewRetryPolicy(base, maxDelay time.Duration) *RetryPolicy {
	if base <= 0 {
		base = 1 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	return &RetryPolicy{
		Base: base,
		Cap:  maxDelay,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before attempt n runs again. n is 1-based: the
// first failure yields min(Base, Cap) plus jitter.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// base * 2^(attempt-1), guarding the shift against overflow.
	delay := p.Cap
	if shift := attempt - 1; shift < 62 {
		delay = p.Base << shift
		if delay > p.Cap || delay <= 0 {
			delay = p.Cap
		}
	}

	return delay + p.jitter()
}

// NextRetryAt returns the instant attempt n becomes claimable again.
func (p *RetryPolicy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt)).UTC()
}

// jitter returns a random duration in [0, Base).
func (p *RetryPolicy) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Int63n(int64(p.Base)))
}
