// Package eventbus carries domain events between the gateway and operator
// processes. Each transport delivers at-least-once; consumers wrap their
// handlers with event.Idempotent.
package eventbus

import (
	"context"
	"errors"
	"sync"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("eventbus: closed")

const subscriberBuffer = 256

type subscriber struct {
	topics map[domainEvent.Topic]struct{}
	h      domainEvent.Handler
	ch     chan domainEvent.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

func (s *subscriber) wants(topic domainEvent.Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// MemoryBus is an in-process bus. Every subscriber owns one goroutine, so a
// subscriber sees events in publish order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*subscriber]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, evt domainEvent.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs {
		if !s.wants(evt.Topic) {
			continue
		}
		select {
		case s.ch <- evt:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h domainEvent.Handler, topics ...domainEvent.Topic) error {
	s := &subscriber{
		topics: make(map[domainEvent.Topic]struct{}, len(topics)),
		h:      h,
		ch:     make(chan domainEvent.Event, subscriberBuffer),
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.remove(s)
		for {
			select {
			case evt := <-s.ch:
				deliver(ctx, s.h, evt)
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// remove unblocks publishers waiting on s before taking the write lock.
func (b *MemoryBus) remove(s *subscriber) {
	s.stop()
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func (b *MemoryBus) Close() error {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.stop()
	}

	b.mu.Lock()
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.stop()
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

// deliver runs h and keeps a failing or panicking consumer from taking the
// subscription down with it.
func deliver(ctx context.Context, h domainEvent.Handler, evt domainEvent.Event) {
	log := logrus.WithFields(logrus.Fields{
		"topic":    evt.Topic,
		"key":      evt.Key,
		"event_id": evt.ID,
	})
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[EVENTBUS] Handler panic: %v", r)
		}
	}()
	if err := h(ctx, evt); err != nil {
		log.WithError(err).Warn("[EVENTBUS] Handler failed")
	}
}
