package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestInMemoryNotifier(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewInMemory(1)
	msgs, err := n.Consume(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Publish(ctx, Message{Type: MessageEnqueued, Body: []byte("students_X1")}))

	select {
	case msg := <-msgs:
		require.Equal(t, MessageEnqueued, msg.Type)
		require.Equal(t, "students_X1", string(msg.Body))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	for range msgs {
	}
}

func TestInMemoryPublishDropsWhenFull(t *testing.T) {
	n := NewInMemory(1)
	ctx := context.Background()
	require.NoError(t, n.Publish(ctx, Message{Type: MessageEnqueued}))
	require.NoError(t, n.Publish(ctx, Message{Type: MessageEnqueued}))
	require.Len(t, n.ch, 1)
}

func TestRedisNotifierRoundTrip(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewRedisNotifier(client, "")
	require.NoError(t, n.Publish(ctx, Message{Type: MessageEnqueued, Body: []byte("attendance_ER001_1")}))
	require.Equal(t, int64(1), client.LLen(ctx, "asistoya:sync").Val())

	msgs, err := n.Consume(ctx)
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		require.Equal(t, MessageEnqueued, msg.Type)
		require.Equal(t, "attendance_ER001_1", string(msg.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
