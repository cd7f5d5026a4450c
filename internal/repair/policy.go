package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
)

// RetryPolicy bounds how often a single collaborator call is retried and
// how long to back off between tries.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Multiplier grows the delay between tries. Values below 1 mean 2.
	Multiplier float64
	// Sleep waits for d or until ctx ends. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 tries with 200ms, 400ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
	}
}

// Delay returns the backoff before try n+1, where n counts finished tries
// starting at 1.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, returns a non-retryable error, or the try
// budget is spent. Exhaustion is reported as ErrCollaboratorUnavailable
// wrapping the last error.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	tries := p.MaxAttempts
	if tries < 1 {
		tries = 1
	}

	var lastErr error
	for n := 1; n <= tries; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if n == tries {
			break
		}
		if err := p.sleep(ctx, p.Delay(n)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d tries: %w", domain.ErrCollaboratorUnavailable, tries, lastErr)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrUnsupportedLanguage):
		return false
	default:
		return true
	}
}
