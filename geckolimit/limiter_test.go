/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

package geckolimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// fastConfig keeps the pacing delays small enough for tests.
func fastConfig() Config {
	return Config{
		MaxPerWindow: 100,
		Window:       100 * time.Millisecond,
		MinBackoff:   10 * time.Millisecond,
		MaxBackoff:   40 * time.Millisecond,
		MaxAttempts:  3,
	}
}

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func rateLimited(endpoint string) error {
	return &RateLimitError{Endpoint: endpoint, Err: errors.New("429 too many requests")}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{MaxPerWindow: -1}, nil)
	require.Error(t, err)
	_, err = New(Config{MinBackoff: time.Minute, MaxBackoff: time.Second}, nil)
	require.Error(t, err)
	_, err = New(Config{MaxAttempts: MaxAttemptsLimit + 1}, nil)
	require.Error(t, err)

	l, err := New(Config{}, nil)
	require.NoError(t, err)
	defer l.Close()
	st := l.Stats()
	require.Equal(t, DefaultMaxPerWindow, st.Config.MaxPerWindow)
	require.Equal(t, DefaultMinBackoff, st.CurrentBackoff)
}

func TestIsRateLimitError(t *testing.T) {
	require.True(t, IsRateLimitError(rateLimited("/pools")))
	require.True(t, IsRateLimitError(errors.Join(errors.New("wrap"), rateLimited("/pools"))))
	require.False(t, IsRateLimitError(errors.New("timeout")))
	require.False(t, IsRateLimitError(nil))
}

func TestSuccessPropagatesResult(t *testing.T) {
	l := newTestLimiter(t, fastConfig())

	v, err := DoWithResult(context.Background(), l, "/networks/solana/pools", func(ctx context.Context) (string, error) {
		return "ohlcv", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ohlcv", v)
}

func TestRetriesRateLimitErrorsThenPropagates(t *testing.T) {
	l := newTestLimiter(t, fastConfig())

	var attempts atomic.Int64
	err := l.Do(context.Background(), "/pools", func(ctx context.Context) error {
		attempts.Inc()
		return rateLimited("/pools")
	})
	require.Error(t, err)
	require.True(t, IsRateLimitError(err), "exhausted retries must surface the rate-limit error")
	require.Equal(t, int64(3), attempts.Load())
}

func TestRetryStopsOnSuccess(t *testing.T) {
	l := newTestLimiter(t, fastConfig())

	var attempts atomic.Int64
	err := l.Do(context.Background(), "/pools", func(ctx context.Context) error {
		if attempts.Inc() < 3 {
			return rateLimited("/pools")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), attempts.Load())
}

func TestNonRateLimitErrorsAreNotRetried(t *testing.T) {
	l := newTestLimiter(t, fastConfig())

	wantErr := errors.New("500 internal server error")
	var attempts atomic.Int64
	err := l.Do(context.Background(), "/pools", func(ctx context.Context) error {
		attempts.Inc()
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, int64(1), attempts.Load(), "only rate-limit errors may be retried")
}

func TestBackoffDynamics(t *testing.T) {
	l := newTestLimiter(t, fastConfig())

	// Every attempt fails: the backoff doubles from the floor toward the cap.
	_ = l.Do(context.Background(), "/pools", func(ctx context.Context) error {
		return rateLimited("/pools")
	})
	st := l.Stats()
	require.Equal(t, 40*time.Millisecond, st.CurrentBackoff, "10 → 20 → 40 after two retry sleeps")
	require.Equal(t, 3, st.ConsecutiveErrors)

	// Still failing: the backoff stays capped.
	_ = l.Do(context.Background(), "/pools", func(ctx context.Context) error {
		return rateLimited("/pools")
	})
	st = l.Stats()
	require.Equal(t, 40*time.Millisecond, st.CurrentBackoff, "cap must hold")
	require.Equal(t, 6, st.ConsecutiveErrors)

	// Any success resets the backoff to the floor.
	require.NoError(t, l.Do(context.Background(), "/pools", func(ctx context.Context) error {
		return nil
	}))
	st = l.Stats()
	require.Equal(t, 10*time.Millisecond, st.CurrentBackoff)
	require.Equal(t, 0, st.ConsecutiveErrors)
}

func TestTasksRunStrictlySequentially(t *testing.T) {
	l := newTestLimiter(t, fastConfig())

	var running, maxRunning atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), "/pools", func(ctx context.Context) error {
				cur := running.Inc()
				for {
					m := maxRunning.Load()
					if cur <= m || maxRunning.CompareAndSwap(m, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Dec()
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), maxRunning.Load(), "the queue must serialize all tasks")
}

func TestWindowPacing(t *testing.T) {
	// 2 per 200ms: the 3rd dispatch has to wait for the 1st slot to expire.
	l := newTestLimiter(t, Config{
		MaxPerWindow: 2,
		Window:       200 * time.Millisecond,
		MinBackoff:   time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
		MaxAttempts:  1,
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Do(context.Background(), "/pools", func(ctx context.Context) error {
			return nil
		}))
	}
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestCloseDeliversQueuedTasks(t *testing.T) {
	l, err := New(Config{
		MaxPerWindow: 1,
		Window:       time.Hour, // the 2nd task would wait an hour
		MinBackoff:   time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
		MaxAttempts:  1,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, l.Do(context.Background(), "/pools", func(ctx context.Context) error { return nil }))

	var ran atomic.Bool
	queuedDone := make(chan error, 1)
	go func() {
		queuedDone <- l.Do(context.Background(), "/pools", func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return l.Stats().QueueDepth == 1 },
		time.Second, time.Millisecond)

	l.Close()
	select {
	case err := <-queuedDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued task was lost on close")
	}
	require.True(t, ran.Load())
}

func TestStats(t *testing.T) {
	l := newTestLimiter(t, fastConfig())
	require.NoError(t, l.Do(context.Background(), "/pools", func(ctx context.Context) error { return nil }))

	st := l.Stats()
	require.Equal(t, 0, st.QueueDepth)
	require.Equal(t, 1, st.UsedInWindow)
	require.InDelta(t, 1.0, st.Utilization, 0.01)
}
