package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestShardedPool_PreservesOrderPerKey(t *testing.T) {
	pool := NewShardedPool(context.Background(), 4, 16, zap.NewNop())

	var mu sync.Mutex
	got := map[string][]int{}
	for i := range 50 {
		for _, key := range []string{"a", "b", "c"} {
			require.NoError(t, pool.Submit(context.Background(), key, func(context.Context) {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}))
		}
	}
	require.NoError(t, pool.Shutdown(context.Background()))

	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, got[key], 50)
		for i, v := range got[key] {
			assert.Equal(t, i, v, "key %s out of order", key)
		}
	}
}

func TestShardedPool_RecoversFromPanic(t *testing.T) {
	pool := NewShardedPool(context.Background(), 1, 4, zap.NewNop())
	var ran atomic.Bool

	require.NoError(t, pool.Submit(context.Background(), "k", func(context.Context) { panic("boom") }))
	require.NoError(t, pool.Submit(context.Background(), "k", func(context.Context) { ran.Store(true) }))
	require.NoError(t, pool.Shutdown(context.Background()))
	assert.True(t, ran.Load())
}

func TestShardedPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewShardedPool(context.Background(), 2, 1, zap.NewNop())
	require.NoError(t, pool.Shutdown(context.Background()))
	assert.ErrorIs(t, pool.Submit(context.Background(), "k", func(context.Context) {}), ErrPoolClosed)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestShardedPool_SubmitHonoursContext(t *testing.T) {
	pool := NewShardedPool(context.Background(), 1, 1, zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, pool.Submit(context.Background(), "k", func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, pool.Submit(context.Background(), "k", func(context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, "k", func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
}
