package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	"github.com/AzielCF/az-bridge/gateway/domain"
	"github.com/AzielCF/az-bridge/infrastructure/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu   sync.Mutex
	seen []domain.Broadcast
}

func (c *capture) Broadcast(ctx context.Context, b domain.Broadcast) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, b)
}

func (c *capture) codes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.seen))
	for i, b := range c.seen {
		out[i] = b.Code
	}
	return out
}

func TestForwardEvents(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &capture{}
	require.NoError(t, ForwardEvents(ctx, bus, out))

	status, err := domainEvent.New(domainEvent.TopicInstanceStatus, "1101", domainEvent.InstanceStatusPayload{
		InstanceID: "1101", From: "awaiting_qr", To: "authenticated",
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, status))
	// redelivery of the same event is absorbed
	require.NoError(t, bus.Publish(ctx, status))

	invalidated, err := domainEvent.New(domainEvent.TopicSessionInvalidated, "1101", domainEvent.InstanceStatusPayload{
		InstanceID: "1101", To: "error(authentication)", Reason: "authentication",
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, invalidated))

	other, err := domainEvent.New(domainEvent.TopicMessageNew, "1101", map[string]string{"id": "M1"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, other))

	assert.Eventually(t, func() bool { return len(out.codes()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(out.codes()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{domain.BroadcastInstanceStatus, domain.BroadcastNotification}, out.codes())
}
