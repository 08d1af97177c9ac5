package jobs

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

func TestQueueProcessesJobs(t *testing.T) {
	var count int32
	var wg sync.WaitGroup
	wg.Add(3)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&count, 1)
		wg.Done()
		return nil
	}, QueueConfig{Workers: 2, BufferSize: 8})
	q.Start(context.Background())
	defer q.Stop()

	for _, key := range []string{"a", "b", "c"} {
		ok, err := q.Enqueue(Job{Type: "session", Key: key})
		require.NoError(t, err)
		assert.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestQueueCoalescesPendingKeys(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var runs int32
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		if job.Key == "blocker" {
			started <- struct{}{}
			<-release
			return nil
		}
		atomic.AddInt32(&runs, 1)
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 4})
	q.Start(context.Background())

	_, err := q.Enqueue(Job{Key: "blocker"})
	require.NoError(t, err)
	<-started

	first, err := q.Enqueue(Job{Key: "session:1"})
	require.NoError(t, err)
	second, err := q.Enqueue(Job{Key: "session:1"})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, q.Len())

	close(release)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)
	q.Stop()
}

func TestQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		if job.Key == "blocker" {
			started <- struct{}{}
			<-release
		}
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 1})
	q.Start(context.Background())

	_, err := q.Enqueue(Job{Key: "blocker"})
	require.NoError(t, err)
	<-started

	_, err = q.Enqueue(Job{Key: "one"})
	require.NoError(t, err)
	_, err = q.Enqueue(Job{Key: "two"})
	assert.True(t, errors.Is(err, ErrQueueFull))

	close(release)
	q.Stop()
}

func TestQueueDoesNotRetryFailures(t *testing.T) {
	var runs int32
	done := make(chan struct{})
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&runs, 1)
		close(done)
		return errors.New("boom")
	}, QueueConfig{Workers: 1})
	q.Start(context.Background())

	_, err := q.Enqueue(Job{Key: "x"})
	require.NoError(t, err)
	<-done
	time.Sleep(20 * time.Millisecond)
	q.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestQueueRejectsBeforeStart(t *testing.T) {
	q := NewQueue("test", func(ctx context.Context, job Job) error { return nil }, QueueConfig{})
	_, err := q.Enqueue(Job{Key: "x"})
	assert.Error(t, err)
}
