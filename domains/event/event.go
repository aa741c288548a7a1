package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Topic string

const (
	TopicInstanceStatus     Topic = "instance.status"
	TopicInstanceConfig     Topic = "instance.config"
	TopicMessageNew         Topic = "message.new"
	TopicMessageStatus      Topic = "message.status"
	TopicSessionInvalidated Topic = "session.invalidated"
)

// Event is a (topic, key, payload) triple. Key is the instance or user id the
// fact is about. Delivery is at-least-once so consumers dedupe on ID.
type Event struct {
	ID      string          `json:"id"`
	Topic   Topic           `json:"topic"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Source  string          `json:"source,omitempty"`
	At      time.Time       `json:"at"`
}

// New builds an event with a fresh id.
func New(topic Topic, key string, payload any) (Event, error) {
	evt := Event{
		ID:    uuid.NewString(),
		Topic: topic,
		Key:   key,
		At:    time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("event %s: encode payload: %w", topic, err)
		}
		evt.Payload = raw
	}
	return evt, nil
}

func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

type Handler func(ctx context.Context, evt Event) error

// Bus propagates facts between the gateway and operator processes.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	// Subscribe registers h for topics; delivery stops when ctx is done.
	Subscribe(ctx context.Context, h Handler, topics ...Topic) error
	Close() error
}

// Publisher is the publish half of Bus.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// InstanceStatusPayload is carried by TopicInstanceStatus.
type InstanceStatusPayload struct {
	InstanceID string    `json:"instance_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	At         time.Time `json:"at"`
}

type ConfigAction string

const (
	ConfigUpserted ConfigAction = "upserted"
	ConfigRemoved  ConfigAction = "removed"
)

// InstanceConfigPayload is carried by TopicInstanceConfig.
type InstanceConfigPayload struct {
	InstanceID string       `json:"instance_id"`
	Action     ConfigAction `json:"action"`
}
