package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	domainEvent "github.com/AzielCF/az-bridge/domains/event"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	DefaultNotifyChannel = "bridge_events"
	// NOTIFY rejects payloads of 8000 bytes or more.
	maxNotifyPayload = 7999
	pingInterval     = 90 * time.Second
)

// PostgresBus rides on LISTEN/NOTIFY so both processes share their change
// feed with the database they already use.
type PostgresBus struct {
	db      *gorm.DB
	dsn     string
	channel string
	source  string

	mu        sync.Mutex
	listeners []*pq.Listener
	wg        sync.WaitGroup
}

func NewPostgresBus(db *gorm.DB, dsn, channel, source string) *PostgresBus {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &PostgresBus{db: db, dsn: dsn, channel: channel, source: source}
}

func (b *PostgresBus) Publish(ctx context.Context, evt domainEvent.Event) error {
	if evt.Source == "" {
		evt.Source = b.source
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbus: encode %s: %w", evt.Topic, err)
	}
	if len(raw) > maxNotifyPayload {
		return fmt.Errorf("eventbus: %s payload is %d bytes, notify limit is %d", evt.Topic, len(raw), maxNotifyPayload)
	}
	if err := b.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", b.channel, string(raw)).Error; err != nil {
		return fmt.Errorf("eventbus: notify %s: %w", evt.Topic, err)
	}
	return nil
}

func (b *PostgresBus) Subscribe(ctx context.Context, h domainEvent.Handler, topics ...domainEvent.Topic) error {
	wanted := make(map[domainEvent.Topic]struct{}, len(topics))
	for _, t := range topics {
		wanted[t] = struct{}{}
	}

	listener := pq.NewListener(b.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			logrus.WithError(err).Warn("[EVENTBUS] Postgres listener connection problem")
		case pq.ListenerEventReconnected:
			logrus.Info("[EVENTBUS] Postgres listener reconnected")
		}
	})
	if err := listener.Listen(b.channel); err != nil {
		listener.Close()
		return fmt.Errorf("eventbus: listen %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.listeners = append(b.listeners, listener)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = listener.Close()
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				// nil after a reconnect; anything sent meanwhile is gone
				if n == nil {
					continue
				}
				var evt domainEvent.Event
				if err := json.Unmarshal([]byte(n.Extra), &evt); err != nil {
					logrus.WithError(err).Warn("[EVENTBUS] Dropping malformed notification")
					continue
				}
				if len(wanted) > 0 {
					if _, ok := wanted[evt.Topic]; !ok {
						continue
					}
				}
				deliver(ctx, h, evt)
			case <-ticker.C:
				go func() { _ = listener.Ping() }()
			}
		}
	}()
	return nil
}

func (b *PostgresBus) Close() error {
	b.mu.Lock()
	listeners := b.listeners
	b.listeners = nil
	b.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	b.wg.Wait()
	return nil
}
