package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryContract(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	runContract(t, NewMemory(clock.Now), clock.Advance)
}

func TestMemoryEnqueueIsIdempotentPerJob(t *testing.T) {
	q := NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, TopicExtraction, Envelope{JobID: "x", Weight: 3}))
	require.NoError(t, q.Enqueue(ctx, TopicExtraction, Envelope{JobID: "x", Weight: 3}))
	require.Equal(t, 1, q.Len(TopicExtraction))
}

func TestMemoryRejectsMissingJobID(t *testing.T) {
	q := NewMemory(nil)
	require.Error(t, q.Enqueue(context.Background(), TopicAnalysis, Envelope{}))
}

func TestMemoryConcurrentEnqueueDequeue(t *testing.T) {
	q := NewMemory(nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Enqueue(ctx, TopicExtraction, Envelope{JobID: string(rune('A' + i)), Weight: 1 + i%4})
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	prevWeight := 0
	for {
		env, err := q.Dequeue(ctx, TopicExtraction)
		if err == ErrEmpty {
			break
		}
		require.NoError(t, err)
		require.GreaterOrEqual(t, env.Weight, prevWeight)
		prevWeight = env.Weight
		require.False(t, seen[env.JobID])
		seen[env.JobID] = true
	}
	require.Len(t, seen, 50)
}
