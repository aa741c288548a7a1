package usecase

import (
	"context"
	"fmt"
	"time"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	"github.com/AzielCF/az-bridge/gateway/domain"
	"github.com/sirupsen/logrus"
)

// EventSubscriber is the subscribe half of the event bus.
type EventSubscriber interface {
	Subscribe(ctx context.Context, h domainEvent.Handler, topics ...domainEvent.Topic) error
}

// ForwardEvents relays gateway state changes to the live chat until ctx is
// done. Messages are broadcast by the gateway itself and are not forwarded.
func ForwardEvents(ctx context.Context, sub EventSubscriber, b domain.Broadcaster) error {
	h := domainEvent.Idempotent(func(ctx context.Context, evt domainEvent.Event) error {
		var p domainEvent.InstanceStatusPayload
		if err := evt.Decode(&p); err != nil {
			logrus.WithError(err).WithField("event_id", evt.ID).Warn("[ADMIN] Bad instance status payload")
			return nil
		}

		switch evt.Topic {
		case domainEvent.TopicInstanceStatus:
			b.Broadcast(ctx, domain.Broadcast{
				Code:    domain.BroadcastInstanceStatus,
				Message: fmt.Sprintf("Instance %s is %s", p.InstanceID, p.To),
				Result:  p,
			})
		case domainEvent.TopicSessionInvalidated:
			logrus.WithField("instance_id", p.InstanceID).Warn("[ADMIN] Gateway session invalidated")
			b.Broadcast(ctx, domain.Broadcast{
				Code:    domain.BroadcastNotification,
				Message: fmt.Sprintf("Instance %s needs a new login", p.InstanceID),
				Result:  p,
			})
		}
		return nil
	}, 10*time.Minute)

	return sub.Subscribe(ctx, h, domainEvent.TopicInstanceStatus, domainEvent.TopicSessionInvalidated)
}
