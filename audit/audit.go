// Package audit implements the structured event emitter of spec.md §4.10:
// a synchronous fan-out bus plus a file-backed append-only sink. The
// Bus/Subscriber/Subscription shape and its fail-fast delivery semantics
// are grounded directly on the teacher's runtime event bus
// (runtime/agent/hooks/bus.go); this package trims it to the flat,
// topic-addressed Event shape spec.md §4.10 calls for instead of the
// teacher's large typed event hierarchy.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"goa.design/clue/log"
)

// Topic groups events by subsystem, per spec.md §4.10.
type Topic string

const (
	TopicPlans    Topic = "llmos.plans"
	TopicActions  Topic = "llmos.actions"
	TopicSecurity Topic = "llmos.security"
	TopicIntent   Topic = "llmos.intent"
)

// Event is one audit record: a topic, a type, a timestamp, and an
// arbitrary payload.
type Event struct {
	Topic     Topic          `json:"topic"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Bus publishes audit events to registered subscribers in a synchronous
// fan-out pattern. Iteration stops at the first subscriber error.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Register(sub Subscriber) (Subscription, error)
}

// Subscriber reacts to published audit events.
type Subscriber interface {
	HandleEvent(ctx context.Context, event Event) error
}

// SubscriberFunc adapts a plain function to a Subscriber.
type SubscriberFunc func(ctx context.Context, event Event) error

func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// Subscription represents an active registration on a Bus.
type Subscription interface {
	Close() error
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[*subscription]Subscriber
}

type subscription struct {
	bus  *bus
	once sync.Once
}

// NewBus constructs an in-memory event bus ready for immediate use.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}

// nullBus is the default bus when none is configured; the daemon works
// fine with no subscribers at all, per spec.md §4.10 "the bus is optional".
type nullBus struct{}

// NewNullBus returns a Bus that drops every published event.
func NewNullBus() Bus { return nullBus{} }

func (nullBus) Publish(context.Context, Event) error                 { return nil }
func (nullBus) Register(Subscriber) (Subscription, error)            { return noopSubscription{}, nil }

type noopSubscription struct{}

func (noopSubscription) Close() error { return nil }

// Logger is the audit logger facade: it writes events to an append-only
// file (if configured) and fans them out over a Bus.
type Logger struct {
	bus  Bus
	mu   sync.Mutex
	file *os.File
}

// NewLogger constructs a Logger. bus may be nil, in which case events are
// still written to the file (if any) but never fanned out. filePath may be
// empty, in which case no file sink is installed.
func NewLogger(bus Bus, filePath string) (*Logger, error) {
	if bus == nil {
		bus = NewNullBus()
	}
	l := &Logger{bus: bus}
	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		l.file = f
	}
	return l, nil
}

// Close closes the underlying audit file, if one is open.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Emit records event: appends it to the audit file (if configured) and
// publishes it to the bus. File write failures are logged but never block
// delivery to the bus, matching the teacher's stance that the fast path
// (fan-out) must not be coupled to the durability path.
func (l *Logger) Emit(ctx context.Context, topic Topic, eventType string, payload map[string]any) {
	event := Event{Topic: topic, Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}

	if l.file != nil {
		l.mu.Lock()
		b, err := json.Marshal(event)
		if err == nil {
			b = append(b, '\n')
			_, err = l.file.Write(b)
		}
		l.mu.Unlock()
		if err != nil {
			log.Error(ctx, err, log.KV{K: "component", V: "audit"}, log.KV{K: "event_type", V: eventType})
		}
	}

	if err := l.bus.Publish(ctx, event); err != nil {
		log.Error(ctx, err, log.KV{K: "component", V: "audit"}, log.KV{K: "event_type", V: eventType}, log.KV{K: "stage", V: "publish"})
	}
}
