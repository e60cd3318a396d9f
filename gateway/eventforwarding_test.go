package gateway

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEvent(t *testing.T) {
	encoded, err := EncodeEvent(Event{
		ShardId: 3,
		Payload: payloads.Payload{
			Opcode:         payloads.OpcodeDispatch,
			EventName:      "MESSAGE_CREATE",
			SequenceNumber: payloads.Sequence(42),
			Data:           map[string]interface{}{"content": "hello"},
		},
	})
	require.NoError(t, err)

	decoded, err := DecodeEvent(encoded)
	require.NoError(t, err)

	assert.Equal(t, 3, decoded.ShardId)
	assert.Equal(t, "MESSAGE_CREATE", decoded.EventType)
	assert.Equal(t, int64(42), decoded.Sequence)

	data, ok := decoded.Data.(map[string]interface{})
	require.True(t, ok, "data decoded as %T", decoded.Data)
	assert.Equal(t, "hello", data["content"])
}

func TestEventForwarder(t *testing.T) {
	addr := os.Getenv("SHARDER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHARDER_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping().Err())
	defer client.Close()

	key := "sharder-test:events:" + uuid.New().String()
	defer client.Del(key)

	bus := NewEventBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe is evaluated before the goroutine starts, so nothing below is missed
	go NewEventForwarder(client, key).Run(ctx, bus.Subscribe())

	bus.Publish(Event{ShardId: 1, Payload: payloads.Payload{EventName: "GUILD_CREATE", SequenceNumber: payloads.Sequence(1)}})
	bus.Publish(Event{ShardId: 1, Payload: payloads.Payload{EventName: "GUILD_DELETE", SequenceNumber: payloads.Sequence(2)}})

	var raw []string
	require.Eventually(t, func() bool {
		raw = client.LRange(key, 0, -1).Val()
		return len(raw) == 2
	}, 5*time.Second, 10*time.Millisecond)

	first, err := DecodeEvent([]byte(raw[0]))
	require.NoError(t, err)
	assert.Equal(t, "GUILD_CREATE", first.EventType)

	second, err := DecodeEvent([]byte(raw[1]))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Sequence)
}
