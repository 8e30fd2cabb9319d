package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// MessageEnqueued announces a new or rewritten sync entry.
const MessageEnqueued = "enqueued"

// Message is a nudge for the reconciler; Body carries the entry key.
type Message struct {
	Type string `json:"type"`
	Body []byte `json:"body"`
}

// Notifier carries nudges from writers to the reconciler.
type Notifier interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a channel-backed notifier for a single process.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory notifier.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{ch: make(chan Message, size)}
}

// Publish never blocks: when the buffer is full a pass is already due, so the nudge is dropped.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Consume returns a channel closed when ctx ends.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisNotifier implements a Redis list-backed notifier so the API and worker
// processes can run separately.
type RedisNotifier struct {
	client *redis.Client
	key    string
}

// NewRedisNotifier builds a notifier using LPUSH/BRPOP semantics.
func NewRedisNotifier(client *redis.Client, key string) *RedisNotifier {
	if key == "" {
		key = "asistoya:sync"
	}
	return &RedisNotifier{client: client, key: key}
}

// Publish pushes a nudge onto the list.
func (q *RedisNotifier) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Consume streams nudges using BRPOP until ctx ends.
func (q *RedisNotifier) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					// Back off briefly while redis is unreachable.
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
