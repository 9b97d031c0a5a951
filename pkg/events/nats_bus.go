package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/lyqingye/fetchd/pkg/interfaces"
)

// wireEvent is the JSON envelope a NATSEventBus publishes on the wire,
// reconstructed into an interfaces.Event on the subscriber side.
type wireEvent struct {
	Type  string `json:"event_type"`
	Ts    int64  `json:"timestamp"`
	AggID string `json:"aggregate_id"`
}

func (w wireEvent) EventType() string   { return w.Type }
func (w wireEvent) Timestamp() int64    { return w.Ts }
func (w wireEvent) AggregateID() string { return w.AggID }

// NATSEventBus implements interfaces.EventBus over NATS core pub/sub
// (not JetStream): publishes are fire-and-forget and a slow subscriber
// simply misses messages rather than blocking the publisher or
// replaying history — the semantics the outward TaskUpdated broadcast
// wants, since observers are idempotent and only care about current
// state. Subjects are namespaced under `subject` so one NATS cluster
// can carry several unrelated event streams.
type NATSEventBus struct {
	conn    *nats.Conn
	subject string
	log     interfaces.Logger

	subs []*nats.Subscription
}

// NewNATSEventBus connects to url and returns a bus publishing under
// subject (e.g. "fetchd.events"). Each event type is published to its
// own subtopic (subject + "." + EventType()) so Subscribe can filter by
// NATS subject rather than decoding every message to check its type.
func NewNATSEventBus(url, subject string, log interfaces.Logger) (*NATSEventBus, error) {
	conn, err := nats.Connect(url, nats.Name("fetchd-download-engine"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSEventBus{conn: conn, subject: subject, log: log}, nil
}

func (b *NATSEventBus) topic(eventType string) string {
	return b.subject + "." + eventType
}

// Publish publishes event synchronously; NATS core publish is itself
// non-blocking on the wire, so this differs from PublishAsync only in
// not spawning a goroutine around it.
func (b *NATSEventBus) Publish(ctx context.Context, event interfaces.Event) error {
	payload, err := json.Marshal(wireEvent{
		Type:  event.EventType(),
		Ts:    event.Timestamp(),
		AggID: event.AggregateID(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.conn.Publish(b.topic(event.EventType()), payload)
}

// PublishAsync publishes in a goroutine so a caller on the actor's hot
// path never blocks on NATS flushing its write buffer.
func (b *NATSEventBus) PublishAsync(ctx context.Context, event interfaces.Event) {
	go func() {
		if err := b.Publish(ctx, event); err != nil && b.log != nil {
			b.log.Error("nats publish failed", interfaces.String("event_type", event.EventType()), interfaces.Error(err))
		}
	}()
}

// Subscribe registers handler against eventType's NATS subject. Unlike
// InMemoryEventBus, delivery here crosses process boundaries: any
// process connected to the same NATS server and subscribed to this
// subject receives the event.
func (b *NATSEventBus) Subscribe(eventType string, handler interfaces.EventHandler) error {
	sub, err := b.conn.Subscribe(b.topic(eventType), func(msg *nats.Msg) {
		var we wireEvent
		if err := json.Unmarshal(msg.Data, &we); err != nil {
			if b.log != nil {
				b.log.Error("nats message decode failed", interfaces.Error(err))
			}
			return
		}
		if err := handler.Handle(context.Background(), we); err != nil && b.log != nil {
			b.log.Error("nats event handler failed", interfaces.String("event_type", we.Type), interfaces.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.topic(eventType), err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

// Unsubscribe is a no-op beyond what Stop already does: NATS
// subscriptions here are not tracked per-handler (a topic commonly has
// exactly one consumer in this engine), so individual unsubscription is
// not supported. Callers needing that should Stop the whole bus.
func (b *NATSEventBus) Unsubscribe(eventType string, handler interfaces.EventHandler) error {
	return nil
}

// Start is a no-op: the connection is already live once New returns.
func (b *NATSEventBus) Start(ctx context.Context) error { return nil }

// Stop drains every subscription and closes the underlying connection.
func (b *NATSEventBus) Stop() error {
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.conn.Close()
	return nil
}
