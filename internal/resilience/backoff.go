package resilience

import (
	"context"
	"fmt"
	"time"
)

// Schedule is a fixed list of delays, one per attempt. The delay at index i is
// waited before attempt i, so a leading zero means the first attempt runs
// immediately. Fixed schedules keep worst-case latency predictable, which
// matters more than jitter on an interactive audio path.
type Schedule []time.Duration

// The retry schedules used by the engines.
var (
	// ConnectSchedule governs the initial STT connection at session start.
	ConnectSchedule = Schedule{0, 100 * time.Millisecond, 1 * time.Second, 3 * time.Second, 5 * time.Second}

	// StreamReconnectSchedule governs STT reconnection after a mid-stream
	// drop, where queued audio is waiting and long pauses lose words.
	StreamReconnectSchedule = Schedule{0, 100 * time.Millisecond, 500 * time.Millisecond}

	// SynthReconnectSchedule governs TTS reconnection. Synthesis output is
	// buffered during the outage, so slightly longer pauses are acceptable.
	SynthReconnectSchedule = Schedule{500 * time.Millisecond, 1 * time.Second, 2 * time.Second}
)

// Attempts returns the number of attempts the schedule allows.
func (s Schedule) Attempts() int { return len(s) }

// Retry runs fn up to once per schedule entry, waiting the entry's delay
// before each attempt. It stops early when fn succeeds, when fn returns an
// error whose [Classify] result is not retryable, or when ctx is cancelled.
// The last error is returned wrapped with the attempt count.
func (s Schedule) Retry(ctx context.Context, fn func() error) error {
	return s.RetryNotify(ctx, fn, nil)
}

// RetryNotify behaves like [Schedule.Retry] but additionally calls notify
// before every attempt after the first failed one, with the upcoming attempt
// number (1-based) and the previous error. Used by the engines to log and
// count reconnections.
func (s Schedule) RetryNotify(ctx context.Context, fn func() error, notify func(attempt int, err error)) error {
	var lastErr error
	for attempt, delay := range s {
		if lastErr != nil && notify != nil {
			notify(attempt+1, lastErr)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, lastErr)
				}
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, lastErr)
			}
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Classify(lastErr).Retryable() {
			return fmt.Errorf("attempt %d of %d: %w", attempt+1, len(s), lastErr)
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", len(s), lastErr)
}
