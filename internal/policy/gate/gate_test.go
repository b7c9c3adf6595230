package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	t.Parallel()

	_, err := New(0)
	require.Error(t, err)
	_, err = New(-3)
	require.Error(t, err)

	g, err := New(DefaultCapacity)
	require.NoError(t, err)
	require.Equal(t, DefaultCapacity, g.Capacity())
}

func TestGateNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 4
	g, err := New(capacity)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(context.Background()); err != nil {
				t.Error(err)
				return
			}
			defer g.Release()

			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak, capacity)
	require.LessOrEqual(t, g.HighWater(), capacity)
	require.Equal(t, capacity, g.HighWater(), "fifty tasks should saturate four slots")
	require.Zero(t, g.InFlight())
}

func TestGateAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	g, err := New(1)
	require.NoError(t, err)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = g.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, g.InFlight())

	g.Release()
	require.NoError(t, g.Acquire(context.Background()))
	g.Release()
}

func TestGateObserver(t *testing.T) {
	t.Parallel()

	var seen []int64
	var mu sync.Mutex
	g, err := New(2, WithObserver(func(n int64) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	}))
	require.NoError(t, err)

	require.NoError(t, g.Acquire(context.Background()))
	require.NoError(t, g.Acquire(context.Background()))
	g.Release()
	g.Release()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{1, 2, 1, 0}, seen)
}
