package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/depres/internal/resolve"
	"github.com/aweris/depres/internal/version"
)

// retry runs fn up to maxAttempts times while it fails with a retryable
// error, sleeping base, 2*base, 4*base... between attempts.
func retry[T any](ctx context.Context, maxAttempts int, base time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range max(maxAttempts, 1) {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * base
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}

type retryFetcher struct {
	f        Fetcher
	attempts int
	base     time.Duration
}

// WithRetry retries network errors and timeouts of f with bounded
// exponential backoff. Authentication and not-found errors fail at once.
func WithRetry(f Fetcher, attempts int, base time.Duration) Fetcher {
	if attempts <= 1 {
		return f
	}
	return &retryFetcher{f: f, attempts: attempts, base: base}
}

func (r *retryFetcher) FetchMetadata(ctx context.Context, name resolve.Name, spec version.Spec) ([]resolve.Candidate, error) {
	return retry(ctx, r.attempts, r.base, func() ([]resolve.Candidate, error) {
		return r.f.FetchMetadata(ctx, name, spec)
	})
}

func (r *retryFetcher) FetchContent(ctx context.Context, d digest.Digest) ([]byte, error) {
	return retry(ctx, r.attempts, r.base, func() ([]byte, error) {
		return r.f.FetchContent(ctx, d)
	})
}

type timeoutFetcher struct {
	f       Fetcher
	timeout time.Duration
}

// WithTimeout bounds every call of f by d. A call cut short by the bound,
// rather than by its caller, fails with ErrFetchTimeout.
func WithTimeout(f Fetcher, d time.Duration) Fetcher {
	if d <= 0 {
		return f
	}
	return &timeoutFetcher{f: f, timeout: d}
}

func (t *timeoutFetcher) FetchMetadata(ctx context.Context, name resolve.Name, spec version.Spec) ([]resolve.Candidate, error) {
	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	cands, err := t.f.FetchMetadata(tctx, name, spec)
	return cands, t.mapErr(ctx, tctx, err, string(name))
}

func (t *timeoutFetcher) FetchContent(ctx context.Context, d digest.Digest) ([]byte, error) {
	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	data, err := t.f.FetchContent(tctx, d)
	return data, t.mapErr(ctx, tctx, err, d.String())
}

func (t *timeoutFetcher) mapErr(parent, ctx context.Context, err error, what string) error {
	if err == nil || errors.Is(err, ErrFetchTimeout) {
		return err
	}
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrFetchTimeout, what, t.timeout)
	}
	return err
}
