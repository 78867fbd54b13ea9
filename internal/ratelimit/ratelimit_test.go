package ratelimit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, counter SharedCounter, tokens float64) {
	t.Helper()
	_, err := counter.Update(func(s State) (State, bool) {
		return State{Tokens: tokens, LastUpdate: float64(time.Now().UnixNano()) / float64(time.Second)}, true
	})
	require.NoError(t, err)
}

func balance(t *testing.T, counter SharedCounter) float64 {
	t.Helper()
	var tokens float64
	_, err := counter.Update(func(s State) (State, bool) {
		tokens = s.Tokens
		return s, false
	})
	require.NoError(t, err)
	return tokens
}

func backends(t *testing.T) map[string]SharedCounter {
	t.Helper()
	fs, err := NewFileState(filepath.Join(t.TempDir(), "rate_limit.state"), 10)
	require.NoError(t, err)
	return map[string]SharedCounter{
		"file":   fs,
		"memory": NewMemState(10),
	}
}

func TestReserveBandProtectsHighPriority(t *testing.T) {
	for name, counter := range backends(t) {
		t.Run(name, func(t *testing.T) {
			limiter := New(Config{
				MaxTokens:      10,
				RefillRate:     0.001, // effectively frozen for the test duration
				Reserve:        3,
				AcquireTimeout: 150 * time.Millisecond,
			}, counter)

			// Drain via LOW until the balance dips under 1+reserve=4.
			seed(t, counter, 6)
			ctx := context.Background()
			require.NoError(t, limiter.Acquire(ctx, Low))
			require.NoError(t, limiter.Acquire(ctx, Low))

			// 4 tokens left: one more LOW is admitted, leaving ~3.
			require.NoError(t, limiter.Acquire(ctx, Low))
			err := limiter.Acquire(ctx, Low)
			assert.ErrorIs(t, err, ErrAcquireTimeout)

			seed(t, counter, 2.5)
			err = limiter.Acquire(ctx, Low)
			assert.ErrorIs(t, err, ErrAcquireTimeout)

			// HIGH still clears at 2.5 tokens.
			require.NoError(t, limiter.Acquire(ctx, High))
			assert.InDelta(t, 1.5, balance(t, counter), 0.05)
		})
	}
}

func TestNoDoubleSpendUnderContention(t *testing.T) {
	fs, err := NewFileState(filepath.Join(t.TempDir(), "rate_limit.state"), 5)
	require.NoError(t, err)
	limiter := New(Config{
		MaxTokens:      5,
		RefillRate:     0.001,
		Reserve:        0,
		AcquireTimeout: 200 * time.Millisecond,
	}, fs)
	seed(t, fs, 5)

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Acquire(context.Background(), High) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, admitted, "debits must not exceed the seeded balance")
}

func TestAcquireContextCancel(t *testing.T) {
	counter := NewMemState(1)
	limiter := New(Config{MaxTokens: 1, RefillRate: 0.001, AcquireTimeout: 5 * time.Second}, counter)
	seed(t, counter, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := limiter.Acquire(ctx, High)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRefillAccrues(t *testing.T) {
	counter := NewMemState(10)
	limiter := New(Config{MaxTokens: 10, RefillRate: 50, AcquireTimeout: time.Second}, counter)
	seed(t, counter, 0)

	// 50 tokens/sec means a single token arrives well inside the timeout.
	start := time.Now()
	require.NoError(t, limiter.Acquire(context.Background(), High))
	assert.Less(t, time.Since(start), time.Second)
}

func TestFileStateSurvivesCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate_limit.state")
	fs, err := NewFileState(path, 7)
	require.NoError(t, err)

	require.NoError(t, writeGarbage(path))
	assert.InDelta(t, 7, balance(t, fs), 0.01, "corrupt state resets to a full bucket")
}

func writeGarbage(path string) error {
	return os.WriteFile(path, []byte("not-json{{"), 0o644)
}

func TestSizingScalesWithPool(t *testing.T) {
	cfg := Sizing(4, 500*time.Millisecond)
	assert.InDelta(t, 8.0, cfg.RefillRate, 0.001)
	assert.InDelta(t, 16.0, cfg.MaxTokens, 0.001)
	assert.InDelta(t, 5.0, cfg.Reserve, 0.001) // floor wins at this size

	small := Sizing(1, time.Second)
	assert.InDelta(t, 10.0, small.MaxTokens, 0.001)
}
