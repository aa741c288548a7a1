package event

import (
	"context"
	"sync"
	"time"
)

// Idempotent wraps h so an event id is handled at most once within ttl.
// Failed handlings are forgotten so a redelivery can retry them.
func Idempotent(h Handler, ttl time.Duration) Handler {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	seen := &seenSet{ttl: ttl, items: make(map[string]time.Time)}
	return func(ctx context.Context, evt Event) error {
		if evt.ID == "" {
			return h(ctx, evt)
		}
		if !seen.add(evt.ID) {
			return nil
		}
		if err := h(ctx, evt); err != nil {
			seen.remove(evt.ID)
			return err
		}
		return nil
	}
}

type seenSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]time.Time
	ops   int
}

func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if at, ok := s.items[id]; ok && now.Sub(at) < s.ttl {
		return false
	}
	s.items[id] = now

	// periodic sweep
	s.ops++
	if s.ops%512 == 0 {
		for k, at := range s.items {
			if now.Sub(at) >= s.ttl {
				delete(s.items, k)
			}
		}
	}
	return true
}

func (s *seenSet) remove(id string) {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}
