package gateway

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack"
)

// ForwardedEvent is the msgpack envelope pushed to redis for workers to consume.
type ForwardedEvent struct {
	ShardId   int         `msgpack:"shard_id"`
	EventType string      `msgpack:"event_type"`
	Sequence  int64       `msgpack:"seq"`
	Data      interface{} `msgpack:"data"`
}

// EventForwarder pushes every event of a bus subscription onto a redis list.
type EventForwarder struct {
	client *redis.Client
	key    string
}

func NewEventForwarder(client *redis.Client, key string) *EventForwarder {
	return &EventForwarder{
		client: client,
		key:    key,
	}
}

// Run forwards events until ctx is cancelled or the subscription is closed. Failed pushes
// are logged and dropped.
func (f *EventForwarder) Run(ctx context.Context, sub *Subscription) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}

			if err := f.Forward(ctx, event); err != nil {
				logrus.WithError(err).Warnf("shard %d: failed to forward %s", event.ShardId, event.Payload.EventName)
			}
		}
	}
}

func (f *EventForwarder) Forward(ctx context.Context, event Event) error {
	encoded, err := EncodeEvent(event)
	if err != nil {
		return err
	}

	return errors.Wrap(f.client.WithContext(ctx).RPush(f.key, encoded).Err(), "push event")
}

func EncodeEvent(event Event) ([]byte, error) {
	forwarded := ForwardedEvent{
		ShardId:   event.ShardId,
		EventType: event.Payload.EventName,
		Data:      event.Payload.Data,
	}

	if event.Payload.SequenceNumber != nil {
		forwarded.Sequence = *event.Payload.SequenceNumber
	}

	encoded, err := msgpack.Marshal(forwarded)
	return encoded, errors.Wrap(err, "encode event")
}

func DecodeEvent(data []byte) (event ForwardedEvent, err error) {
	err = errors.Wrap(msgpack.Unmarshal(data, &event), "decode event")
	return
}
