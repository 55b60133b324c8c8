package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/hrchat/internal/queue"
	"github.com/podushkina/hrchat/internal/task"
)

func setupTest(t *testing.T) (*Pool, *queue.Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	q, err := queue.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}

	pool := NewPool(q)
	pool.popTimeout = 100 * time.Millisecond
	return pool, q, mr
}

func TestPool_ProcessesEachJobOnce(t *testing.T) {
	pool, q, mr := setupTest(t)
	defer mr.Close()
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu   sync.Mutex
		seen []string
	)
	pool.Register(task.TypeChat, func(ctx context.Context, job task.Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job.TaskID)
		return nil
	}, 2)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, task.TypeChat, id))
	}

	pool.Start(ctx)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	pool.Stop()

	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}

func TestPool_ConcurrencyIsBounded(t *testing.T) {
	pool, q, mr := setupTest(t)
	defer mr.Close()
	ctx, cancel := context.WithCancel(context.Background())

	var running, peak, done int32
	pool.Register(task.TypeSummary, func(ctx context.Context, job task.Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&done, 1)
		return nil
	}, 1)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(ctx, task.TypeSummary, "s"))
	}

	pool.Start(ctx)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 4 }, 2*time.Second, 20*time.Millisecond)
	cancel()
	pool.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestPool_SurvivesFailingAndPanickingProcessors(t *testing.T) {
	pool, q, mr := setupTest(t)
	defer mr.Close()
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	pool.Register(task.TypeTranslate, func(ctx context.Context, job task.Job) error {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			return errors.New("something went wrong")
		case 2:
			panic("boom")
		}
		return nil
	}, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, task.TypeTranslate, "t"))
	}

	pool.Start(ctx)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, 2*time.Second, 20*time.Millisecond)
	cancel()
	pool.Stop()
}
