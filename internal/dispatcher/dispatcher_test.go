// Package dispatcher contains tests for batch coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
	"github.com/JakeFAU/market-index-scraper/internal/policy/gate"
)

// scriptedFetcher answers each URL according to a per-URL behaviour and
// records the concurrency high-water mark.
type scriptedFetcher struct {
	inFlight  atomic.Int64
	highWater atomic.Int64
	calls     atomic.Int64
	behave    func(ctx context.Context, url string) (string, error)
}

func (f *scriptedFetcher) Fetch(ctx context.Context, url string) (string, int, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		hw := f.highWater.Load()
		if n <= hw || f.highWater.CompareAndSwap(hw, n) {
			break
		}
	}
	content, err := f.behave(ctx, url)
	return content, 1, err
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

func makeTargets(n int) []crawler.FetchTarget {
	targets := make([]crawler.FetchTarget, n)
	for i := range targets {
		targets[i] = crawler.FetchTarget{
			URL:     fmt.Sprintf("https://example.com/index/%d", i),
			Name:    fmt.Sprintf("IDX%d", i),
			Enabled: true,
		}
	}
	return targets
}

func newGate(t *testing.T, capacity int) *gate.Gate {
	t.Helper()
	g, err := gate.New(capacity)
	require.NoError(t, err)
	return g
}

// TestRunPreservesOrderAndToleratesFailures checks length, order and
// per-slot outcomes when completion order is shuffled and some URLs fail.
func TestRunPreservesOrderAndToleratesFailures(t *testing.T) {
	t.Parallel()

	targets := makeTargets(40)
	failing := map[string]bool{targets[3].URL: true, targets[17].URL: true, targets[39].URL: true}
	fetcher := &scriptedFetcher{behave: func(_ context.Context, url string) (string, error) {
		time.Sleep(time.Duration(rand.IntN(15)) * time.Millisecond)
		if failing[url] {
			return "", errors.New("unreachable")
		}
		return "content:" + url, nil
	}}

	d := New(newGate(t, 8), fetcher, nil, fixedIDs{id: "run-1"}, Config{BatchDeadline: 5 * time.Second}, zap.NewNop())
	results, summary := d.Run(context.Background(), targets)

	require.Len(t, results, len(targets))
	for i, res := range results {
		require.Equal(t, targets[i], res.Target)
		if failing[targets[i].URL] {
			require.True(t, res.Absent())
			require.Error(t, res.Err)
			continue
		}
		require.Equal(t, "content:"+targets[i].URL, res.Content)
		require.NoError(t, res.Err)
	}
	require.Equal(t, "run-1", summary.RunID)
	require.Equal(t, 40, summary.Targets)
	require.Equal(t, 37, summary.Fetched)
	require.Equal(t, 3, summary.Failed)
	require.Zero(t, summary.Canceled)
	require.False(t, summary.DeadlineExceeded)
	require.False(t, summary.FinishedAt.Before(summary.StartedAt))
}

// TestRunRespectsGateCapacity verifies in-flight fetches never exceed the
// gate capacity.
func TestRunRespectsGateCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 5
	fetcher := &scriptedFetcher{behave: func(_ context.Context, _ string) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	}}
	g := newGate(t, capacity)
	d := New(g, fetcher, nil, nil, Config{}, zap.NewNop())

	results, summary := d.Run(context.Background(), makeTargets(60))
	require.Len(t, results, 60)
	require.Equal(t, 60, summary.Fetched)
	require.LessOrEqual(t, fetcher.highWater.Load(), int64(capacity))
	require.LessOrEqual(t, g.HighWater(), capacity)
	require.Zero(t, g.InFlight())
}

// TestRunDeadlineTruncatesUncooperativeFetches uses a fetcher that ignores
// cancellation; Run must still return near the deadline.
func TestRunDeadlineTruncatesUncooperativeFetches(t *testing.T) {
	t.Parallel()

	targets := makeTargets(4)
	slow := targets[1].URL
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	fetcher := &scriptedFetcher{behave: func(_ context.Context, url string) (string, error) {
		if url == slow {
			<-release
			return "late", nil
		}
		return "fast", nil
	}}

	core, logs := observer.New(zap.WarnLevel)
	const deadline = 80 * time.Millisecond
	d := New(newGate(t, 20), fetcher, nil, nil, Config{BatchDeadline: deadline}, zap.New(core))

	start := time.Now()
	results, summary := d.Run(context.Background(), targets)
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, deadline)
	require.Less(t, elapsed, deadline+500*time.Millisecond)
	require.Len(t, results, 4)
	require.True(t, results[1].Absent())
	require.ErrorIs(t, results[1].Err, context.DeadlineExceeded)
	for _, i := range []int{0, 2, 3} {
		require.Equal(t, "fast", results[i].Content)
	}
	require.Equal(t, 1, summary.Canceled)
	require.Equal(t, 3, summary.Fetched)
	require.True(t, summary.DeadlineExceeded)
	require.Equal(t, 1, logs.FilterMessage("batch deadline exceeded").Len())
}

// TestRunDeadlineWithCooperativeFetches covers fetchers that return the
// context error themselves once the deadline fires.
func TestRunDeadlineWithCooperativeFetches(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{behave: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	core, logs := observer.New(zap.WarnLevel)
	d := New(newGate(t, 2), fetcher, nil, nil, Config{BatchDeadline: 50 * time.Millisecond}, zap.New(core))

	results, summary := d.Run(context.Background(), makeTargets(6))
	require.Len(t, results, 6)
	for _, res := range results {
		require.True(t, res.Absent())
		require.Error(t, res.Err)
	}
	require.Equal(t, 6, summary.Canceled)
	require.Zero(t, summary.Fetched)
	require.True(t, summary.DeadlineExceeded)
	require.Equal(t, 1, logs.FilterMessage("batch deadline exceeded").Len())
}

// TestRunParentCancel treats a canceled parent context like a deadline
// without flagging DeadlineExceeded.
func TestRunParentCancel(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{behave: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	d := New(newGate(t, 20), fetcher, nil, nil, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	results, summary := d.Run(ctx, makeTargets(3))
	require.Len(t, results, 3)
	for _, res := range results {
		require.ErrorIs(t, res.Err, context.Canceled)
	}
	require.Equal(t, 3, summary.Canceled)
	require.False(t, summary.DeadlineExceeded)
}

// TestRunRecoversPanics ensures a panicking fetch yields an absent slot and
// leaves siblings untouched.
func TestRunRecoversPanics(t *testing.T) {
	t.Parallel()

	targets := makeTargets(3)
	fetcher := &scriptedFetcher{behave: func(_ context.Context, url string) (string, error) {
		if url == targets[0].URL {
			panic("parser exploded")
		}
		return "ok", nil
	}}
	g := newGate(t, 1)
	d := New(g, fetcher, nil, failingIDs{}, Config{}, zap.NewNop())

	results, summary := d.Run(context.Background(), targets)
	require.True(t, results[0].Absent())
	require.ErrorIs(t, results[0].Err, errTaskPanic)
	require.Equal(t, "ok", results[1].Content)
	require.Equal(t, "ok", results[2].Content)
	require.Equal(t, 1, summary.Failed)
	require.Empty(t, summary.RunID)
	require.Zero(t, g.InFlight(), "gate slot must be released after a panic")
}

// TestRunEmptyTargets returns immediately with an empty result set.
func TestRunEmptyTargets(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{behave: func(context.Context, string) (string, error) { return "", nil }}
	d := New(newGate(t, 1), fetcher, nil, nil, Config{}, zap.NewNop())

	results, summary := d.Run(context.Background(), nil)
	require.Empty(t, results)
	require.Zero(t, summary.Targets)
	require.Zero(t, fetcher.calls.Load())
}

// TestLateCompletionDoesNotMutateResults ensures sealed slots stay frozen.
func TestLateCompletionDoesNotMutateResults(t *testing.T) {
	t.Parallel()

	b := &batch{
		results:  make([]crawler.FetchResult, 2),
		finished: make([]bool, 2),
	}
	b.commit(0, "early", 1, nil)
	results, finished := b.seal(context.DeadlineExceeded)
	b.commit(1, "late", 1, nil)

	require.Equal(t, []bool{true, false}, finished)
	require.Equal(t, "early", results[0].Content)
	require.True(t, results[1].Absent())
	require.ErrorIs(t, results[1].Err, context.DeadlineExceeded)
	require.Empty(t, b.results[1].Content)
}
