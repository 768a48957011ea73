// SPDX-License-Identifier: MPL-2.0

package verify

import (
	"context"
	"errors"
	"testing"
	"time"
)

// countSleeps swaps the sleep seam and records the delays it was given.
func countSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	saved := sleep
	t.Cleanup(func() { sleep = saved })

	var delays []time.Duration
	sleep = func(d time.Duration) { delays = append(delays, d) }
	return &delays
}

func TestRetry_SucceedsWithoutSleeping(t *testing.T) {
	delays := countSleeps(t)

	err := Retry(context.Background(), 5, time.Second, func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if len(*delays) != 0 {
		t.Errorf("Retry() slept %d times on immediate success, want 0", len(*delays))
	}
}

func TestRetry_BoundedExhaustion(t *testing.T) {
	// A probe that never succeeds must terminate after exactly maxAttempts
	// probes and maxAttempts-1 sleeps, never hang.
	delays := countSleeps(t)
	probeErr := errors.New("daemon not up")

	attempts := 0
	err := Retry(context.Background(), 15, time.Second, func(context.Context) error {
		attempts++
		return probeErr
	})

	if !errors.Is(err, probeErr) {
		t.Fatalf("Retry() error = %v, want wrapped probe error", err)
	}
	if attempts != 15 {
		t.Errorf("Retry() made %d attempts, want 15", attempts)
	}
	if len(*delays) != 14 {
		t.Errorf("Retry() slept %d times, want 14", len(*delays))
	}
	for _, d := range *delays {
		if d != time.Second {
			t.Errorf("Retry() slept %v, want fixed 1s delay", d)
		}
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	countSleeps(t)

	attempts := 0
	err := Retry(context.Background(), 10, time.Millisecond, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("Retry() made %d attempts, want 3", attempts)
	}
}

func TestRetry_RespectsCancellation(t *testing.T) {
	countSleeps(t)

	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Retry(ctx, 100, time.Millisecond, func(context.Context) error {
		attempts++
		cancel()
		return errors.New("still failing")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("Retry() made %d attempts after cancellation, want 1", attempts)
	}
}
