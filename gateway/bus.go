package gateway

import (
	"sync"

	"github.com/TicketsBot/gatewaysharder/gateway/payloads"
)

// Event is a dispatch received by a shard, exactly as it was decoded.
type Event struct {
	ShardId int
	Payload payloads.Payload
}

type Publisher interface {
	Publish(event Event)
}

// EventBus delivers every published event to every subscriber. Each subscriber has its own
// unbounded queue, so Publish never blocks on a slow subscriber.
type EventBus struct {
	mu            sync.Mutex
	subscriptions map[*Subscription]struct{}
	closed        bool
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscriptions: make(map[*Subscription]struct{}),
	}
}

func (b *EventBus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscriptions {
		sub.push(event)
	}
}

// Subscribe returns a subscription receiving every event published from now on.
func (b *EventBus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:    b,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		events: make(chan Event),
	}

	b.mu.Lock()
	if b.closed {
		close(sub.done)
	} else {
		b.subscriptions[sub] = struct{}{}
	}
	b.mu.Unlock()

	go sub.run()
	return sub
}

// Close ends every subscription. Events published afterwards are dropped.
func (b *EventBus) Close() {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subscriptions, sub)
	b.mu.Unlock()
}

type Subscription struct {
	bus *EventBus

	mu    sync.Mutex
	queue []Event

	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	events   chan Event
}

// Events is closed once the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) push(event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return Event{}, false
	}

	event := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return event, true
}

func (s *Subscription) run() {
	defer close(s.events)

	for {
		event, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}
