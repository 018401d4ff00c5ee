package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

const (
	eventThreadPrefix = "ojs.events.thread."
	eventAllSubject   = "ojs.events.all"
)

func eventThreadSubject(addr core.Address) string { return eventThreadPrefix + addr.String() }

// PubSubBroker implements core.EventPublisher and core.EventSubscriber
// using NATS core pub/sub.
type PubSubBroker struct {
	nc   *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewPubSubBroker creates a new PubSubBroker using the given NATS connection.
func NewPubSubBroker(nc *nats.Conn) *PubSubBroker {
	return &PubSubBroker{nc: nc}
}

// PublishThreadEvent publishes a thread event to the thread and global subjects.
func (b *PubSubBroker) PublishThreadEvent(event *core.ThreadEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.nc.Publish(eventThreadSubject(event.Thread), data); err != nil {
		slog.Error("failed to publish thread event", "error", err, "thread", event.Thread)
		return fmt.Errorf("publish event: %w", err)
	}

	if err := b.nc.Publish(eventAllSubject, data); err != nil {
		slog.Error("failed to publish global event", "error", err)
	}

	return nil
}

// SubscribeThread subscribes to events for a single thread.
func (b *PubSubBroker) SubscribeThread(addr core.Address) (<-chan *core.ThreadEvent, func(), error) {
	return b.subscribe(eventThreadSubject(addr))
}

// SubscribeAll subscribes to all events.
func (b *PubSubBroker) SubscribeAll() (<-chan *core.ThreadEvent, func(), error) {
	return b.subscribe(eventAllSubject)
}

func (b *PubSubBroker) subscribe(subject string) (<-chan *core.ThreadEvent, func(), error) {
	ch := make(chan *core.ThreadEvent, 64)
	var closeOnce sync.Once
	var chMu sync.Mutex
	closed := false

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event core.ThreadEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Error("failed to unmarshal event", "error", err)
			return
		}
		chMu.Lock()
		defer chMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- &event:
		default:
			slog.Warn("dropping event, subscriber channel full", "subject", subject)
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		closeOnce.Do(func() {
			_ = sub.Unsubscribe()
			b.forget(sub)
			chMu.Lock()
			closed = true
			close(ch)
			chMu.Unlock()
		})
	}

	return ch, unsubscribe, nil
}

func (b *PubSubBroker) forget(sub *nats.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close unsubscribes all subscriptions.
func (b *PubSubBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	return nil
}
