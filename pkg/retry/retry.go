// Package retry implements the exponential-backoff-with-jitter policy
// the Fan-out Writer applies to each destination write.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Policy configures exponential backoff.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64 // fraction, e.g. 0.2 == +/-20%
	MaxAttempts int
}

// Default is the standard backoff policy: base 100ms, factor 2, cap
// 30s, jitter +/-20%, 8 attempts.
func Default() Policy {
	return Policy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Factor:      2,
		Jitter:      0.2,
		MaxAttempts: 8,
	}
}

// delay returns the backoff delay after failed attempt n (1-indexed:
// delay(1) precedes the 2nd attempt, delay(2) the 3rd, ...).
func (p Policy) delay(n int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Factor
		if d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d += (sharedRand.Float64()*2 - 1) * spread
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}

// lockedRand wraps math/rand's Rand with a mutex; every fan-out writer
// in the process shares one source and must not race on it.
type lockedRand struct {
	mu  sync.Mutex
	src *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

var sharedRand = &lockedRand{src: rand.New(rand.NewSource(time.Now().UnixNano()))}

// NonRetryable wraps an error to signal Do that no further attempts
// should be made, regardless of remaining budget.
type NonRetryable struct{ Err error }

func (n *NonRetryable) Error() string { return n.Err.Error() }
func (n *NonRetryable) Unwrap() error { return n.Err }

// MarkNonRetryable wraps err so Do gives up immediately.
func MarkNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryable{Err: err}
}

// IsNonRetryable reports whether err was wrapped with MarkNonRetryable.
func IsNonRetryable(err error) bool {
	_, ok := err.(*NonRetryable)
	return ok
}

// Do invokes fn until it succeeds, the policy's attempt budget is
// exhausted, fn returns a NonRetryable error, or ctx is canceled. It
// returns the last error seen (nil on success).
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsNonRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
