package docstore

import (
	"context"
	"time"
)

// RetryPolicy re-reads the document store a bounded number of times. The
// store indexes writes asynchronously, so a run that was just created can be
// briefly invisible; a short fixed-delay re-read covers that window without
// masking real absence for long.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	// Sleep is injectable for tests; nil means a real context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy matches the store's observed indexing lag.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 200 * time.Millisecond}
}

// Do runs fn up to Attempts times, sleeping Delay between tries for as long
// as fn asks to retry. The last error (or nil) is returned when attempts are
// exhausted; context cancellation wins over further retries.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) (retry bool, err error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, p.Delay); serr != nil {
				return serr
			}
		}
		var retry bool
		retry, err = fn(ctx)
		if !retry {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
