// Package dispatcher coordinates one batch of gated page fetches.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
	"github.com/JakeFAU/market-index-scraper/internal/metrics"
)

// DefaultBatchDeadline bounds the wall-clock time of one batch.
const DefaultBatchDeadline = 60 * time.Second

// Result outcomes reported to metrics.
const (
	outcomeFetched  = "fetched"
	outcomeFailed   = "failed"
	outcomeCanceled = "canceled"
)

// errTaskPanic marks a fetch task that panicked.
var errTaskPanic = errors.New("fetch task panicked")

// Config tunes the coordinator.
type Config struct {
	BatchDeadline time.Duration
}

// Dispatcher fans targets out to gated fetch tasks and joins their results
// in input order.
type Dispatcher struct {
	gate    crawler.Gate
	fetcher crawler.PageFetcher
	clock   crawler.Clock
	ids     crawler.IDGenerator
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher. clock and ids may be nil.
func New(
	gate crawler.Gate,
	fetcher crawler.PageFetcher,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.BatchDeadline <= 0 {
		cfg.BatchDeadline = DefaultBatchDeadline
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		gate:    gate,
		fetcher: fetcher,
		clock:   clock,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
	}
}

// batch holds the result slots of one Run. Slots are written under mu and
// frozen once sealed, so late completions cannot change a returned result.
type batch struct {
	mu       sync.Mutex
	results  []crawler.FetchResult
	finished []bool
	sealed   bool
}

func (b *batch) commit(idx int, content string, attempts int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	b.results[idx].Content = content
	b.results[idx].Attempts = attempts
	b.results[idx].Err = err
	b.finished[idx] = true
}

// seal freezes the slots, marks every unfinished one with cause and returns
// copies of the results and completion flags.
func (b *batch) seal(cause error) ([]crawler.FetchResult, []bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	for i, done := range b.finished {
		if done {
			continue
		}
		b.results[i].Content = ""
		b.results[i].Err = cause
	}
	results := make([]crawler.FetchResult, len(b.results))
	copy(results, b.results)
	finished := make([]bool, len(b.finished))
	copy(finished, b.finished)
	return results, finished
}

// Run fetches every target and returns one result per target, in input
// order. It returns once all fetches finished or the batch deadline (or ctx)
// ended, whichever comes first; unfinished targets come back absent.
func (d *Dispatcher) Run(ctx context.Context, targets []crawler.FetchTarget) ([]crawler.FetchResult, crawler.RunSummary) {
	summary := crawler.RunSummary{
		RunID:     d.newRunID(),
		StartedAt: d.now(),
		Targets:   len(targets),
	}
	logger := d.logger.With(zap.String("run_id", summary.RunID))

	b := &batch{
		results:  make([]crawler.FetchResult, len(targets)),
		finished: make([]bool, len(targets)),
	}
	for i, target := range targets {
		b.results[i].Target = target
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.BatchDeadline)
	defer cancel()

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			content, attempts, err := d.fetchOne(runCtx, target, logger)
			b.commit(i, content, attempts, err)
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-runCtx.Done():
	}

	// Only unfinished slots receive cause, which is non-nil whenever one exists.
	cause := runCtx.Err()
	results, finished := b.seal(cause)
	summary.FinishedAt = d.now()

	for i, res := range results {
		switch {
		case !finished[i] || (cause != nil && isCancellation(res.Err)):
			summary.Canceled++
			metrics.ObserveFetchResult(outcomeCanceled)
		case res.Absent():
			summary.Failed++
			metrics.ObserveFetchResult(outcomeFailed)
			logger.Warn("no content for target",
				zap.String("name", res.Target.Name),
				zap.String("url", res.Target.URL),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err),
			)
		default:
			summary.Fetched++
			metrics.ObserveFetchResult(outcomeFetched)
		}
	}
	if summary.Canceled > 0 {
		summary.DeadlineExceeded = errors.Is(cause, context.DeadlineExceeded)
		logger.Warn("batch deadline exceeded",
			zap.Int("truncated", summary.Canceled),
			zap.Int("targets", len(targets)),
			zap.Duration("deadline", d.cfg.BatchDeadline),
			zap.NamedError("cause", cause),
		)
	}
	metrics.ObserveBatch(summary.Duration(), summary.DeadlineExceeded)

	logger.Info("batch finished",
		zap.Int("targets", summary.Targets),
		zap.Int("fetched", summary.Fetched),
		zap.Int("failed", summary.Failed),
		zap.Int("canceled", summary.Canceled),
		zap.Duration("duration", summary.Duration()),
	)
	return results, summary
}

// fetchOne runs one gated fetch. A panic in the fetcher becomes an error.
func (d *Dispatcher) fetchOne(ctx context.Context, target crawler.FetchTarget, logger *zap.Logger) (content string, attempts int, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("fetch task panicked", zap.String("url", target.URL), zap.Any("panic", r))
			content, err = "", fmt.Errorf("%w: %v", errTaskPanic, r)
		}
	}()

	if err := d.gate.Acquire(ctx); err != nil {
		return "", 0, err
	}
	defer d.gate.Release()

	logger.Info("processing target", zap.String("name", target.Name), zap.String("url", target.URL))
	return d.fetcher.Fetch(ctx, target.URL)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}

func (d *Dispatcher) newRunID() string {
	if d.ids == nil {
		return ""
	}
	id, err := d.ids.NewID()
	if err != nil {
		d.logger.Warn("generate run id failed", zap.Error(err))
		return ""
	}
	return id
}
