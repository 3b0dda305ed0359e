package store

import (
	"context"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// isBusyError reports SQLITE_BUSY and "database is locked" failures, both of
// which are transient under concurrent writers.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry runs fn, retrying busy errors with exponential backoff
// (100ms, 200ms, 400ms).
func withBusyRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if isBusyError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
