package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDedup_SeenOnce(t *testing.T) {
	store := NewMemoryDedupStore()
	ctx := context.Background()

	seen, err := store.Seen(ctx, "1101:BAE5", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = store.Seen(ctx, "1101:BAE5", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)

	seen, _ = store.Seen(ctx, "1102:BAE5", time.Minute)
	assert.False(t, seen, "keys are scoped by instance")
}

func TestMemoryDedup_Expiry(t *testing.T) {
	store := NewMemoryDedupStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = store.Seen(ctx, "k", time.Minute)
	now = now.Add(59 * time.Second)
	seen, _ := store.Seen(ctx, "k", time.Minute)
	assert.True(t, seen)

	now = now.Add(2 * time.Second)
	seen, _ = store.Seen(ctx, "k", time.Minute)
	assert.False(t, seen)
}

func TestMemoryDedup_Forget(t *testing.T) {
	store := NewMemoryDedupStore()
	ctx := context.Background()

	_, _ = store.Seen(ctx, "k", time.Minute)
	require.NoError(t, store.Forget(ctx, "k"))
	seen, _ := store.Seen(ctx, "k", time.Minute)
	assert.False(t, seen)
}

func TestMemoryDedup_ConcurrentFirstWins(t *testing.T) {
	store := NewMemoryDedupStore()
	ctx := context.Background()

	var first int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if seen, _ := store.Seen(ctx, "same", time.Minute); !seen {
				atomic.AddInt32(&first, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), first)
	assert.Equal(t, 1, store.Len())
}
