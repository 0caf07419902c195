package archive

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds how often an upload to the archive is attempted.
//
// The delay before attempt n (n >= 1) is Base * 2^n capped at Max, plus a
// jitter below MaxJitter derived from the object key and n. A given key
// always follows the same schedule.
type RetryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is used by NewSegmentArchiver.
var DefaultRetryPolicy = RetryPolicy{
	Base:        100 * time.Millisecond,
	Max:         5 * time.Second,
	MaxJitter:   250 * time.Millisecond,
	MaxAttempts: 4,
}

// Backoff returns the delay before the given attempt. Attempt 0 is
// immediate.
func (p RetryPolicy) Backoff(key string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := int64(1) << min(attempt, 30)
	delay := time.Duration(int64(p.Base) * factor)
	if p.Max > 0 && (delay > p.Max || delay < 0) {
		delay = p.Max
	}
	return delay + p.jitter(key, attempt)
}

func (p RetryPolicy) jitter(key string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d", key, attempt))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// Schedule lists the delay before every attempt the policy allows.
func (p RetryPolicy) Schedule(key string) []time.Duration {
	n := max(p.MaxAttempts, 1)
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = p.Backoff(key, i)
	}
	return out
}

// do runs op until it succeeds, the attempts are used up or ctx ends.
// Context errors returned by op are not retried.
func (p RetryPolicy) do(ctx context.Context, key string, op func() error) error {
	var err error
	for _, delay := range p.Schedule(key) {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(err, ctx.Err())
			case <-t.C:
			}
		}
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return fmt.Errorf("archive: %s: giving up after %d attempts: %w", key, max(p.MaxAttempts, 1), err)
}
