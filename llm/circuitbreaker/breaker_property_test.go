package circuitbreaker

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// For any interleaving of successes and failures, the circuit is open exactly
// when the consecutive-failure count has reached the threshold and the
// backoff deadline has not passed, and a success always lands it closed.
func TestCircuit_PhaseInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		maxFailures := rapid.IntRange(1, 8).Draw(t, "max_failures")
		c := New(&Config{
			MaxFailures: maxFailures,
			MaxBackoff:  60 * time.Second,
			Now:         clock.Now,
			Jitter:      func() float64 { return 1.0 },
		}, zap.NewNop())

		consecutive := 0
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				c.RecordSuccess()
				consecutive = 0
				if c.Phase() != PhaseClosed {
					t.Fatalf("success must close the circuit, got %v", c.Phase())
				}
			case 1:
				c.RecordFailure()
				consecutive++
				snap := c.Snapshot()
				if consecutive < maxFailures && snap.Phase == PhaseOpen {
					t.Fatalf("circuit open after %d/%d failures", consecutive, maxFailures)
				}
				if consecutive >= maxFailures {
					if snap.Phase != PhaseOpen {
						t.Fatalf("circuit not open after %d failures", consecutive)
					}
					if !snap.OpenUntil.After(snap.LastFailure) {
						t.Fatalf("open circuit must have open_until > last_failure")
					}
				}
			case 2:
				clock.Advance(time.Duration(rapid.IntRange(1, 5).Draw(t, "advance")) * time.Second)
				// An open circuit whose deadline passed reads half-open.
				snap := c.Snapshot()
				if snap.Phase == PhaseOpen && !clock.Now().Before(snap.OpenUntil) {
					t.Fatalf("phase read did not surface the lazy half-open transition")
				}
			}
		}
	})
}

// Repeated failures past the threshold push the deadline strictly forward
// until the backoff cap dominates.
func TestCircuit_BackoffMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		c := New(&Config{
			MaxFailures: 5,
			MaxBackoff:  60 * time.Second,
			Now:         clock.Now,
			Jitter:      func() float64 { return 1.0 },
		}, zap.NewNop())

		for i := 0; i < 5; i++ {
			c.RecordFailure()
		}
		prev := c.Snapshot().OpenUntil

		extra := rapid.IntRange(1, 6).Draw(t, "extra_failures")
		for i := 0; i < extra; i++ {
			c.RecordFailure()
			next := c.Snapshot().OpenUntil
			if next.Before(prev) {
				t.Fatalf("open_until moved backwards: %v -> %v", prev, next)
			}
			if d := next.Sub(clock.Now()); d > 60*time.Second {
				t.Fatalf("backoff exceeded cap: %v", d)
			}
			prev = next
		}
	})
}
