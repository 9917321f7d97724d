package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_SerializesSameName(t *testing.T) {
	locks := NewKeyedLocks(time.Second, nil)
	ctx := context.Background()

	h1, err := locks.Acquire(ctx, "category:tech", "write")
	require.NoError(t, err)

	var second atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		h2, err := locks.Acquire(ctx, "category:tech", "read")
		require.NoError(t, err)
		second.Store(true)
		h2.Release()
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, second.Load(), "second acquire should wait for release")

	h1.Release()
	<-done
	assert.True(t, second.Load())
}

func TestAcquire_IndependentNames(t *testing.T) {
	locks := NewKeyedLocks(time.Second, nil)
	ctx := context.Background()

	h1, err := locks.Acquire(ctx, "category:a", "write")
	require.NoError(t, err)
	defer h1.Release()

	done := make(chan struct{})
	go func() {
		h2, err := locks.Acquire(ctx, "category:b", "write")
		require.NoError(t, err)
		h2.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire on a different name must not block")
	}
}

func TestAcquire_Timeout(t *testing.T) {
	locks := NewKeyedLocks(50*time.Millisecond, nil)
	ctx := context.Background()

	h, err := locks.Acquire(ctx, "busy", "write")
	require.NoError(t, err)
	defer h.Release()

	_, err = locks.Acquire(ctx, "busy", "write")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, int64(1), locks.Stats().Timeouts)
}

func TestAcquireMany_LexOrderAndDedup(t *testing.T) {
	locks := NewKeyedLocks(time.Second, nil)

	h, err := locks.AcquireMany(context.Background(), []string{"c", "a", "b", "a"}, "batch")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, []string{"a", "b", "c"}, h.names)
}

func TestAcquireMany_NoDeadlockAcrossOverlappingSets(t *testing.T) {
	locks := NewKeyedLocks(5*time.Second, nil)
	var wg sync.WaitGroup

	sets := [][]string{{"b", "a"}, {"a", "c"}, {"c", "b"}, {"a", "b", "c"}}
	for i := 0; i < 40; i++ {
		for _, set := range sets {
			wg.Add(1)
			go func(names []string) {
				defer wg.Done()
				h, err := locks.AcquireMany(context.Background(), names, "batch")
				require.NoError(t, err)
				time.Sleep(time.Millisecond)
				h.Release()
			}(set)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("overlapping multi-locks deadlocked")
	}
}

func TestAcquireMany_ReleasesOnFailure(t *testing.T) {
	locks := NewKeyedLocks(50*time.Millisecond, nil)
	ctx := context.Background()

	blocker, err := locks.Acquire(ctx, "b", "write")
	require.NoError(t, err)

	_, err = locks.AcquireMany(ctx, []string{"a", "b"}, "batch")
	require.Error(t, err)

	// "a" must have been rolled back and be immediately available
	h, err := locks.Acquire(ctx, "a", "write")
	require.NoError(t, err)
	h.Release()
	blocker.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	locks := NewKeyedLocks(time.Second, nil)

	h, err := locks.Acquire(context.Background(), "x", "write")
	require.NoError(t, err)

	h.Release()
	h.Release()

	h2, err := locks.Acquire(context.Background(), "x", "write")
	require.NoError(t, err)
	h2.Release()
}

func TestStats_EntriesCleanedUp(t *testing.T) {
	locks := NewKeyedLocks(time.Second, nil)

	h, err := locks.AcquireMany(context.Background(), []string{"a", "b"}, "batch")
	require.NoError(t, err)
	assert.Equal(t, 2, locks.Stats().Active)

	h.Release()
	stats := locks.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, int64(2), stats.Acquired)
	assert.Equal(t, int64(2), stats.Released)
}

func TestOnceMap_InitializesOnce(t *testing.T) {
	m := NewOnceMap[*int]()
	var inits atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.GetOrInit("k", func() (*int, error) {
				inits.Add(1)
				time.Sleep(10 * time.Millisecond)
				n := 42
				return &n, nil
			})
			require.NoError(t, err)
			assert.Equal(t, 42, *v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), inits.Load())
	assert.Equal(t, 1, m.Len())
}

func TestOnceMap_FailedInitRetries(t *testing.T) {
	m := NewOnceMap[string]()
	calls := 0

	_, err := m.GetOrInit("k", func() (string, error) {
		calls++
		return "", errors.New("boom")
	})
	require.Error(t, err)
	_, ok := m.Get("k")
	assert.False(t, ok, "failed init must not publish")

	v, err := m.GetOrInit("k", func() (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestOnceMap_DeleteAndKeys(t *testing.T) {
	m := NewOnceMap[int]()
	_, _ = m.GetOrInit("a", func() (int, error) { return 1, nil })
	_, _ = m.GetOrInit("b", func() (int, error) { return 2, nil })

	assert.ElementsMatch(t, []string{"a", "b"}, m.Keys())
	assert.True(t, m.Delete("a"))
	assert.False(t, m.Delete("a"))
	assert.Equal(t, 1, m.Len())
}
