// Package fetcher retrieves page content through a crawler.Transport with a
// bounded, fixed-delay retry policy.
package fetcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
	"github.com/JakeFAU/market-index-scraper/internal/metrics"
)

// ErrRetriesExhausted is returned once every attempt for a URL has failed.
var ErrRetriesExhausted = errors.New("fetch retries exhausted")

// Option customises a PageFetcher.
type Option func(*PageFetcher)

// WithWaiter installs a politeness waiter awaited before every attempt.
func WithWaiter(w crawler.Waiter) Option {
	return func(f *PageFetcher) {
		f.waiter = w
	}
}

// PageFetcher implements crawler.PageFetcher.
type PageFetcher struct {
	transport crawler.Transport
	policy    crawler.FixedRetryPolicy
	waiter    crawler.Waiter
	logger    *zap.Logger
}

// New builds a PageFetcher over transport.
func New(transport crawler.Transport, policy crawler.FixedRetryPolicy, logger *zap.Logger, opts ...Option) *PageFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == (crawler.FixedRetryPolicy{}) {
		policy = crawler.NewFixedRetryPolicy(crawler.DefaultMaxAttempts, crawler.DefaultRetryDelay)
	} else if policy.MaxAttempts <= 0 {
		policy = crawler.NewFixedRetryPolicy(policy.MaxAttempts, policy.Delay)
	}
	f := &PageFetcher{
		transport: transport,
		policy:    policy,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the body of url as a string along with the number of
// attempts made. The error wraps ErrRetriesExhausted when every attempt
// failed, or the context error when ctx ended first.
func (f *PageFetcher) Fetch(ctx context.Context, url string) (string, int, error) {
	var lastErr error
	attempt := 0
	for attempt < f.policy.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return "", attempt, fmt.Errorf("fetch %s: %w", url, err)
		}
		if f.waiter != nil {
			if err := f.waiter.Wait(ctx, url); err != nil {
				return "", attempt, fmt.Errorf("fetch %s: %w", url, err)
			}
		}

		attempt++
		body, err := f.transport.Get(ctx, url)
		if err == nil {
			metrics.ObserveFetchAttempt(url, true, len(body))
			return string(body), attempt, nil
		}
		lastErr = err
		metrics.ObserveFetchAttempt(url, false, 0)
		f.logger.Warn("fetch attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.policy.MaxAttempts),
			zap.String("url", url),
			zap.Error(err),
		)

		// The parent context ending is not a transient failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", attempt, fmt.Errorf("fetch %s: %w", url, ctxErr)
		}
		if !f.policy.ShouldRetry(err, attempt) {
			break
		}
		if err := crawler.Pause(ctx, f.policy.Backoff(attempt)); err != nil {
			return "", attempt, fmt.Errorf("fetch %s: %w", url, err)
		}
	}
	return "", attempt, fmt.Errorf("%w after %d attempts for %s: %w", ErrRetriesExhausted, attempt, url, lastErr)
}
