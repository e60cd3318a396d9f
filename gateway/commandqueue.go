package gateway

import (
	"context"
	"time"

	"github.com/TicketsBot/gatewaysharder/codec"
	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
	"github.com/TicketsBot/gatewaysharder/ws"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// CommandQueue feeds the shared outbound command queue from a redis list of JSON gateway
// payloads, e.g. {"op":3,"d":{...}} pushed by workers.
type CommandQueue struct {
	client *redis.Client
	key    string
	codec  codec.Codec

	PollTimeout time.Duration
	RetryDelay  time.Duration
}

func NewCommandQueue(client *redis.Client, key string) *CommandQueue {
	return &CommandQueue{
		client:      client,
		key:         key,
		codec:       codec.NewJSON(),
		PollTimeout: 5 * time.Second,
		RetryDelay:  time.Second,
	}
}

// Run pops commands onto out until ctx is cancelled, then closes out. Commands that can't be
// decoded are logged and dropped.
func (q *CommandQueue) Run(ctx context.Context, out chan<- payloads.Payload) error {
	defer close(out)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := q.client.WithContext(ctx).BLPop(q.PollTimeout, q.key).Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			logrus.WithError(err).Warnf("commands: failed to pop from %s", q.key)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.RetryDelay):
			}

			continue
		}

		// res is [key, value]
		command, err := q.Decode([]byte(res[1]))
		if err != nil {
			logrus.WithError(err).Warn("commands: dropping undecodable command")
			continue
		}

		select {
		case out <- command:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Push appends a command to the queue.
func (q *CommandQueue) Push(ctx context.Context, command payloads.Payload) error {
	msg, err := q.codec.Encode(&command)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}

	return errors.Wrap(q.client.WithContext(ctx).RPush(q.key, msg.Data).Err(), "push command")
}

func (q *CommandQueue) Decode(data []byte) (payloads.Payload, error) {
	payload, err := q.codec.Decode(ws.Frame{Type: websocket.MessageText, Data: data})
	if err != nil {
		return payloads.Payload{}, err
	}

	switch payload.Opcode {
	case payloads.OpcodeStatusUpdate, payloads.OpcodeVoiceStateUpdate, payloads.OpcodeRequestGuildMembers:
		return *payload, nil
	default:
		return payloads.Payload{}, errors.Errorf("opcode %s can't be sent as a command", payload.Opcode)
	}
}
