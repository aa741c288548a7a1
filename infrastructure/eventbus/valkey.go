package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	"github.com/AzielCF/az-bridge/infrastructure/valkey"
	"github.com/sirupsen/logrus"
)

const resubscribeDelay = time.Second

// ValkeyBus publishes each topic on its own pub/sub channel under the
// client's key prefix.
type ValkeyBus struct {
	client *valkey.Client
	source string

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

func NewValkeyBus(client *valkey.Client, source string) *ValkeyBus {
	return &ValkeyBus{client: client, source: source}
}

func (b *ValkeyBus) channel(topic domainEvent.Topic) string {
	return b.client.Key("events", string(topic))
}

func (b *ValkeyBus) Publish(ctx context.Context, evt domainEvent.Event) error {
	if evt.Source == "" {
		evt.Source = b.source
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbus: encode %s: %w", evt.Topic, err)
	}
	if err := b.client.Publish(ctx, b.channel(evt.Topic), string(raw)); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", evt.Topic, err)
	}
	return nil
}

// Subscribe keeps a subscription open until ctx is done, resubscribing after
// connection failures. Events published while disconnected are lost.
func (b *ValkeyBus) Subscribe(ctx context.Context, h domainEvent.Handler, topics ...domainEvent.Topic) error {
	if len(topics) == 0 {
		return fmt.Errorf("eventbus: valkey subscription needs at least one topic")
	}
	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = b.channel(t)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			err := b.client.Subscribe(ctx, func(channel, payload string) {
				var evt domainEvent.Event
				if err := json.Unmarshal([]byte(payload), &evt); err != nil {
					logrus.WithError(err).WithField("channel", channel).Warn("[EVENTBUS] Dropping malformed event")
					return
				}
				deliver(ctx, h, evt)
			}, channels...)

			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Warn("[EVENTBUS] Valkey subscription lost, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
		}
	}()
	return nil
}

func (b *ValkeyBus) Close() error {
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	b.wg.Wait()
	return nil
}
