package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDispatchesByPriority(t *testing.T) {
	var mu sync.Mutex
	var order []int

	gate := make(chan struct{})
	var once sync.Once

	worker := func(ctx context.Context, task int, q *Queue[int]) error {
		once.Do(func() { <-gate }) // hold the single worker until all tasks are queued
		mu.Lock()
		order = append(order, task)
		mu.Unlock()
		return nil
	}

	q := New(worker, 1, nil, false)
	q.AddTask(1, 10)
	q.AddTask(2, 30)
	q.AddTask(3, 20)
	q.Start(context.Background())
	close(gate)

	require.NoError(t, q.OnIdle(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 3, 1}, order)
}

func TestQueueFIFOWithinSamePriority(t *testing.T) {
	var mu sync.Mutex
	var order []int
	gate := make(chan struct{})
	var once sync.Once

	worker := func(ctx context.Context, task int, q *Queue[int]) error {
		once.Do(func() { <-gate })
		mu.Lock()
		order = append(order, task)
		mu.Unlock()
		return nil
	}

	q := New(worker, 1, nil, false)
	q.AddTask(1, 5)
	q.AddTask(2, 5)
	q.AddTask(3, 5)
	q.Start(context.Background())
	close(gate)

	require.NoError(t, q.OnIdle(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestQueueErrorCallbackNotAutoRetried(t *testing.T) {
	var attempts int32
	worker := func(ctx context.Context, task int, q *Queue[int]) error {
		atomic.AddInt32(&attempts, 1)
		return assertErr
	}

	var errCount int32
	onError := func(err error, task int, q *Queue[int]) {
		atomic.AddInt32(&errCount, 1)
	}

	q := New(worker, 2, onError, true)
	q.AddTask(1, 0)
	require.NoError(t, q.OnIdle(context.Background()))

	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
	assert.EqualValues(t, 1, atomic.LoadInt32(&errCount))
}

func TestQueueOnErrorCanReenqueue(t *testing.T) {
	var attempts int32
	worker := func(ctx context.Context, task int, q *Queue[int]) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return assertErr
		}
		return nil
	}

	onError := func(err error, task int, q *Queue[int]) {
		q.AddTask(task, 0)
	}

	q := New(worker, 1, onError, true)
	q.AddTask(1, 0)
	require.NoError(t, q.OnIdle(context.Background()))

	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestQueuePauseHaltsDispatch(t *testing.T) {
	var ran int32
	worker := func(ctx context.Context, task int, q *Queue[int]) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}

	q := New(worker, 1, nil, true)
	q.Pause()
	q.AddTask(1, 0)

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&ran))

	q.Resume()
	require.NoError(t, q.OnIdle(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestQueueClearDropsPending(t *testing.T) {
	worker := func(ctx context.Context, task int, q *Queue[int]) error { return nil }

	q := New(worker, 1, nil, false)
	q.Pause()
	q.Start(context.Background())
	q.AddTask(1, 0)
	q.AddTask(2, 0)
	require.Equal(t, 2, q.Size())

	q.Clear()
	assert.Equal(t, 0, q.Size())
}

func TestQueueSizeAndPending(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	worker := func(ctx context.Context, task int, q *Queue[int]) error {
		started <- struct{}{}
		<-release
		return nil
	}

	q := New(worker, 1, nil, true)
	q.AddTask(1, 0)
	q.AddTask(2, 0)

	<-started
	assert.Equal(t, 1, q.Size())
	assert.Equal(t, 1, q.Pending())

	close(release)
	require.NoError(t, q.OnIdle(context.Background()))
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 0, q.Pending())
}

var assertErr = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
