package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "shantenlens:events:"

// RedisEventBus distributes events across processes via Redis Pub/Sub while
// also fanning out to in-process subscribers.
type RedisEventBus struct {
	mu         sync.RWMutex
	rdb        *redis.Client
	prefix     string
	localSubs  map[EventType][]subscriberEntry
	pubsubs    []*redis.PubSub
	closed     bool
	nextID     int
}

// NewRedisEventBus connects to Redis and verifies the connection.
func NewRedisEventBus(addr, password string, db int) (*RedisEventBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	slog.Info("redis connected", "addr", addr, "db", db)
	return &RedisEventBus{
		rdb:       rdb,
		prefix:    defaultChannelPrefix,
		localSubs: make(map[EventType][]subscriberEntry),
	}, nil
}

// Publish sends the event through Redis; on failure it still delivers to
// local subscribers.
func (b *RedisEventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.prefix+string(event.Type), data).Err(); err != nil {
		slog.Warn("redis publish failed, delivering locally", "type", event.Type, "err", err)
		b.deliverLocal(ctx, event)
	}
	return nil
}

// Subscribe registers a handler; it receives events from every process
// publishing on the same Redis.
func (b *RedisEventBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.localSubs[eventType] = append(b.localSubs[eventType], subscriberEntry{id: id, handler: handler})
	b.mu.Unlock()

	sub := b.rdb.Subscribe(context.Background(), b.prefix+string(eventType))
	go func() {
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("bad event payload", "err", err)
				continue
			}
			b.deliverLocal(context.Background(), &event)
		}
	}()

	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.localSubs[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.localSubs[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.pubsubs {
		sub.Close()
	}
	b.pubsubs = nil
	b.localSubs = nil
	return b.rdb.Close()
}

func (b *RedisEventBus) deliverLocal(ctx context.Context, event *Event) {
	b.mu.RLock()
	handlers := b.localSubs[event.Type]
	b.mu.RUnlock()
	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("event handler error", "type", event.Type, "err", err)
			}
		}()
	}
}
