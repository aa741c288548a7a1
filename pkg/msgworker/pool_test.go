package msgworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Dispatch no debe bloquear al caller aunque el job tarde
func TestPool_TryDispatchNonBlocking(t *testing.T) {
	pool := NewPool(2, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	start := time.Now()
	ok := pool.TryDispatch(Job{
		InstanceID: "1101",
		Handler: func(ctx context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	})
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

// Jobs de la misma instancia se procesan en orden de llegada
func TestPool_SameInstanceKeepsOrder(t *testing.T) {
	pool := NewPool(4, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var (
		mu      sync.Mutex
		results []int
	)
	for i := 1; i <= 20; i++ {
		val := i
		require.NoError(t, pool.Dispatch(ctx, Job{
			InstanceID: "1101",
			Label:      fmt.Sprintf("msg-%d", val),
			Handler: func(ctx context.Context) error {
				time.Sleep(time.Millisecond)
				mu.Lock()
				results = append(results, val)
				mu.Unlock()
				return nil
			},
		}))
	}

	pool.Stop()

	want := make([]int, 20)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, results)
}

// Instancias distintas pueden avanzar en paralelo
func TestPool_DifferentInstancesRunInParallel(t *testing.T) {
	pool := NewPool(8, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	// dos instancias que caen en shards distintos
	a, b := "1101", ""
	for i := 0; i < 100; i++ {
		candidate := fmt.Sprintf("%d", 2000+i)
		if pool.shardFor(candidate) != pool.shardFor(a) {
			b = candidate
			break
		}
	}
	require.NotEmpty(t, b)

	var active, peak int32
	var wg sync.WaitGroup
	for _, id := range []string{a, b} {
		wg.Add(1)
		pool.TryDispatch(Job{
			InstanceID: id,
			Handler: func(ctx context.Context) error {
				defer wg.Done()
				cur := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			},
		})
	}
	wg.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestPool_TryDispatchDropsWhenQueueFull(t *testing.T) {
	pool := NewPool(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.TryDispatch(Job{InstanceID: "1101", Handler: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	noop := func(ctx context.Context) error { return nil }
	assert.True(t, pool.TryDispatch(Job{InstanceID: "1101", Handler: noop}))
	assert.False(t, pool.TryDispatch(Job{InstanceID: "1101", Handler: noop}))
	close(release)

	assert.Equal(t, int64(1), pool.Stats().TotalDropped)
}

func TestPool_DispatchHonoursContext(t *testing.T) {
	pool := NewPool(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context) error { <-release; return nil }
	require.NoError(t, pool.Dispatch(ctx, Job{InstanceID: "1101", Handler: block}))
	require.NoError(t, pool.Dispatch(ctx, Job{InstanceID: "1101", Handler: block}))

	short, cancelShort := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelShort()
	err := pool.Dispatch(short, Job{InstanceID: "1101", Handler: block})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Stop completa los jobs encolados
func TestPool_GracefulShutdown(t *testing.T) {
	pool := NewPool(2, 10)
	pool.Start(context.Background())

	var completed int32
	for i := 0; i < 4; i++ {
		pool.TryDispatch(Job{
			InstanceID: fmt.Sprintf("%d", i),
			Handler: func(ctx context.Context) error {
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&completed, 1)
				return nil
			},
		})
	}

	pool.Stop()
	assert.Equal(t, int32(4), atomic.LoadInt32(&completed))
	assert.False(t, pool.TryDispatch(Job{InstanceID: "x", Handler: func(ctx context.Context) error { return nil }}))
	assert.ErrorIs(t, pool.Dispatch(context.Background(), Job{InstanceID: "x"}), ErrPoolStopped)
}

func TestPool_PanicsAndErrorsAreCounted(t *testing.T) {
	pool := NewPool(1, 10)
	var ended []error
	var mu sync.Mutex
	pool.OnJobEnd = func(_ int, _ string, err error) {
		mu.Lock()
		ended = append(ended, err)
		mu.Unlock()
	}
	pool.Start(context.Background())

	pool.TryDispatch(Job{InstanceID: "1101", Handler: func(ctx context.Context) error { panic("boom") }})
	pool.TryDispatch(Job{InstanceID: "1101", Handler: func(ctx context.Context) error { return errors.New("bad payload") }})
	pool.TryDispatch(Job{InstanceID: "1101", Handler: func(ctx context.Context) error { return nil }})
	pool.Stop()

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.TotalProcessed)
	assert.Equal(t, int64(2), stats.TotalErrors)
	assert.Len(t, ended, 3)
}

func TestPool_ConsistentSharding(t *testing.T) {
	pool := NewPool(4, 10)
	first := pool.shardFor("1101")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, pool.shardFor("1101"))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 4)
}

func TestPool_FairDistribution(t *testing.T) {
	pool := NewPool(4, 10)
	counts := make(map[int]int)
	for i := 0; i < 400; i++ {
		counts[pool.shardFor(fmt.Sprintf("%d", 1100000000+i))]++
	}
	for shard, count := range counts {
		assert.Greater(t, count, 60, "shard %d", shard)
		assert.Less(t, count, 140, "shard %d", shard)
	}
}

func TestPool_DoneReportsHandlerOutcome(t *testing.T) {
	pool := NewPool(1, 10)
	pool.Start(context.Background())
	defer pool.Stop()

	ok := make(chan error, 1)
	failed := make(chan error, 1)
	panicked := make(chan error, 1)
	require.True(t, pool.TryDispatch(Job{InstanceID: "1101", Done: ok, Handler: func(ctx context.Context) error { return nil }}))
	require.True(t, pool.TryDispatch(Job{InstanceID: "1101", Done: failed, Handler: func(ctx context.Context) error { return errors.New("db down") }}))
	require.True(t, pool.TryDispatch(Job{InstanceID: "1101", Done: panicked, Handler: func(ctx context.Context) error { panic("boom") }}))

	for name, ch := range map[string]chan error{"ok": ok, "failed": failed, "panicked": panicked} {
		select {
		case err := <-ch:
			if name == "ok" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err, name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s job never reported", name)
		}
	}
}
