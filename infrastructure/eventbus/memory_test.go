package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []domainEvent.Event
}

func (c *collector) handle(_ context.Context, evt domainEvent.Event) error {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func mustEvent(t *testing.T, topic domainEvent.Topic, key string) domainEvent.Event {
	t.Helper()
	evt, err := domainEvent.New(topic, key, domainEvent.InstanceStatusPayload{InstanceID: key, To: "ready"})
	require.NoError(t, err)
	return evt
}

func TestMemoryBus_TopicFiltering(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	status, config := &collector{}, &collector{}
	require.NoError(t, bus.Subscribe(ctx, status.handle, domainEvent.TopicInstanceStatus))
	require.NoError(t, bus.Subscribe(ctx, config.handle, domainEvent.TopicInstanceConfig))

	require.NoError(t, bus.Publish(ctx, mustEvent(t, domainEvent.TopicInstanceStatus, "1101")))
	require.NoError(t, bus.Publish(ctx, mustEvent(t, domainEvent.TopicInstanceStatus, "1102")))
	require.NoError(t, bus.Publish(ctx, mustEvent(t, domainEvent.TopicInstanceConfig, "1101")))

	assert.Eventually(t, func() bool { return status.len() == 2 && config.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBus_PreservesOrderPerSubscriber(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, c.handle))

	var keys []string
	for i := 0; i < 50; i++ {
		evt := mustEvent(t, domainEvent.TopicMessageNew, string(rune('a'+i%26)))
		keys = append(keys, evt.ID)
		require.NoError(t, bus.Publish(ctx, evt))
	}

	require.Eventually(t, func() bool { return c.len() == 50 }, time.Second, 5*time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, evt := range c.events {
		assert.Equal(t, keys[i], evt.ID)
	}
}

func TestMemoryBus_FailingHandlerKeepsSubscription(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	require.NoError(t, bus.Subscribe(ctx, func(ctx context.Context, evt domainEvent.Event) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("first one explodes")
		}
		return errors.New("still failing")
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, mustEvent(t, domainEvent.TopicMessageStatus, "1101")))
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBus_IdempotentConsumerSeesRedeliveryOnce(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, domainEvent.Idempotent(c.handle, time.Minute)))

	evt := mustEvent(t, domainEvent.TopicInstanceStatus, "1101")
	require.NoError(t, bus.Publish(ctx, evt))
	require.NoError(t, bus.Publish(ctx, evt))
	require.NoError(t, bus.Publish(ctx, mustEvent(t, domainEvent.TopicInstanceStatus, "1101")))

	assert.Eventually(t, func() bool { return c.len() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, c.len())
}

func TestMemoryBus_SubscriptionEndsWithContext(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, c.handle))
	cancel()

	assert.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs) == 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), mustEvent(t, domainEvent.TopicMessageNew, "1101")))
	assert.Equal(t, 0, c.len())
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), mustEvent(t, domainEvent.TopicMessageNew, "1")), ErrClosed)
	assert.ErrorIs(t, bus.Subscribe(context.Background(), (&collector{}).handle), ErrClosed)
}
