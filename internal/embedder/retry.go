package embedder

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// maxAttempts is the total request budget per Embed call: one initial
// attempt plus up to two retries.
const maxAttempts = 3

// retryDelay returns the exponential backoff for the given 1-based attempt:
// 2^attempt seconds (2s after the first failure, 4s after the second).
func retryDelay(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// sleepFunc waits for the given duration or until the context is cancelled.
// It exists as a type so tests can substitute a recorder and avoid real sleeps.
type sleepFunc func(ctx context.Context, d time.Duration) error

// defaultSleep blocks for d, returning early with the context error if the
// caller gives up first.
func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// doWithRetry issues the request built by newReq up to maxAttempts times.
// Rate-limit responses (HTTP 429) and transport-level errors are retried with
// exponential backoff; every other response — success or failure — is returned
// to the caller untouched, so non-retryable API errors surface immediately.
// The request body must be rebuilt per attempt, hence the constructor func.
func doWithRetry(ctx context.Context, client *http.Client, newReq func(context.Context) (*http.Request, error), sleep sleepFunc) (*http.Response, error) {
	if sleep == nil {
		sleep = defaultSleep
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		switch {
		case err != nil:
			// Transport-level failure (connection refused, reset, timeout).
			lastErr = err
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP 429 rate limited")
		default:
			return resp, nil
		}

		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, retryDelay(attempt)); err != nil {
			return nil, fmt.Errorf("embedder: retry aborted: %w", err)
		}
	}

	return nil, fmt.Errorf("embedder: %d attempts exhausted: %w", maxAttempts, lastErr)
}
