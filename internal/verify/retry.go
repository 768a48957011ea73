// SPDX-License-Identifier: MPL-2.0

package verify

import (
	"context"
	"fmt"
	"time"
)

// Retry runs probe up to maxAttempts times with a fixed delay between
// attempts. It checks ctx.Err() between retries to respect cancellation
// immediately, preventing wasted work when the caller has already abandoned
// the operation.
//
// The fixed delay (rather than backoff) is deliberate: readiness polling
// against a converging daemon wants a steady cadence with a hard upper bound
// of maxAttempts × delay, never an open-ended wait.
func Retry(ctx context.Context, maxAttempts int, delay time.Duration, probe func(ctx context.Context) error) error {
	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("retry aborted: %w", err)
			}
			sleep(delay)
		}

		err := probe(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxAttempts, lastErr)
}

// sleep is a test seam for time.Sleep.
//
//nolint:gochecknoglobals // Test seam requires a package-level variable.
var sleep = time.Sleep
