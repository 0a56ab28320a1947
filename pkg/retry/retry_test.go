package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Default(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	sentinel := errors.New("bad config")
	calls := 0
	err := Do(context.Background(), Default(), func(ctx context.Context, attempt int) error {
		calls++
		return MarkNonRetryable(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel in chain, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestDoExhaustsMaxAttempts(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2, MaxAttempts: 4}
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if calls != p.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", p.MaxAttempts, calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	p := Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, Factor: 2, MaxAttempts: 5}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the loop to block in backoff after the first attempt, got %d calls", calls)
	}
}

// TestDelaySchedule is a property test asserting the backoff never
// exceeds MaxDelay*(1+Jitter) and never goes negative, across
// arbitrary attempt numbers and policies.
func TestDelaySchedule(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := Policy{
			BaseDelay: time.Duration(rapid.IntRange(1, 1000).Draw(rt, "base")) * time.Millisecond,
			MaxDelay:  time.Duration(rapid.IntRange(1000, 60000).Draw(rt, "max")) * time.Millisecond,
			Factor:    rapid.Float64Range(1.1, 4).Draw(rt, "factor"),
			Jitter:    rapid.Float64Range(0, 0.5).Draw(rt, "jitter"),
		}
		attempt := rapid.IntRange(1, 20).Draw(rt, "attempt")

		d := p.delay(attempt)
		if d < 0 {
			rt.Fatalf("delay went negative: %v", d)
		}
		ceiling := time.Duration(float64(p.MaxDelay) * (1 + p.Jitter))
		if d > ceiling {
			rt.Fatalf("delay %v exceeded ceiling %v (policy %+v, attempt %d)", d, ceiling, p, attempt)
		}
	})
}
