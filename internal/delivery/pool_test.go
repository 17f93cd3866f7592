package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, workers, queueSize int) *Pool {
	t.Helper()
	p := NewPool("test", workers, queueSize, time.Second)
	t.Cleanup(p.Close)
	return p
}

// occupy parks the worker that serves key until the returned func is called.
func occupy(t *testing.T, p *Pool, key uint64) func() {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, p.Submit(context.Background(), key, func(context.Context) {
		close(started)
		<-release
	}))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	return func() { close(release) }
}

func TestPoolKeepsOrderPerKey(t *testing.T) {
	p := newTestPool(t, 4, 256)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		require.True(t, p.Submit(context.Background(), 7, func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	p.Wait()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPoolOutlivesCallerContext(t *testing.T) {
	p := newTestPool(t, 1, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var jobErr error
	var hasDeadline bool
	require.True(t, p.Submit(ctx, 1, func(ctx context.Context) {
		jobErr = ctx.Err()
		_, hasDeadline = ctx.Deadline()
	}))
	p.Wait()

	assert.NoError(t, jobErr)
	assert.True(t, hasDeadline)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	p := newTestPool(t, 1, 1)
	release := occupy(t, p, 0)

	var ran atomic.Int32
	assert.True(t, p.Submit(context.Background(), 0, func(context.Context) { ran.Add(1) }))
	assert.False(t, p.Submit(context.Background(), 0, func(context.Context) { ran.Add(1) }))

	release()
	p.Wait()
	assert.Equal(t, int32(1), ran.Load())
}

func TestPoolCloseRunsQueuedJobs(t *testing.T) {
	p := NewPool("test", 2, 16, time.Second)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.True(t, p.Submit(context.Background(), uint64(i), func(context.Context) { ran.Add(1) }))
	}
	p.Close()
	assert.Equal(t, int32(10), ran.Load())
	assert.False(t, p.Submit(context.Background(), 0, func(context.Context) { ran.Add(1) }))
	p.Close()
}

func TestDispatcherDropsWakeUpsBeyondQueue(t *testing.T) {
	pool := newTestPool(t, 1, 1)
	notifier := &recordingNotifier{}
	d := NewDispatcher(fakeTokens{"a": "tok-a", "b": "tok-b"}, notifier, pool)

	release := occupy(t, pool, 0)
	d.Dispatch(context.Background(), []string{"a", "b"})
	release()
	d.Wait()

	assert.Equal(t, []string{"tok-a"}, notifier.tokens)
}
